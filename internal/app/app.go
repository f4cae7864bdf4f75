// Package app assembles the engine from configuration for the binaries in cmd/.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/activitysync/internal/config"
	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/persistence/postgres"
	"example.com/activitysync/internal/persistence/sqlite"
	"example.com/activitysync/internal/strava"
	"example.com/activitysync/internal/syncer"
	"example.com/activitysync/internal/token"
)

// OpenStore connects the configured storage backend and applies its schema.
func OpenStore(ctx context.Context, cfg config.Config) (domain.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if _, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, pool.Ping(ctx)
		}, backoff.WithMaxElapsedTime(30*time.Second)); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		repo := postgres.NewRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NewClient builds the upstream client with credentials refreshed through store.
func NewClient(cfg config.Config, store domain.Store) *strava.Client {
	httpClient := &http.Client{Timeout: cfg.StravaTimeout}
	tokens := token.NewOAuthProvider(store, cfg.StravaClientID, cfg.StravaClientSecret, cfg.StravaTokenURL,
		token.WithHTTPClient(httpClient),
	)
	return strava.NewClient(tokens,
		strava.WithBaseURL(cfg.StravaBaseURL),
		strava.WithHTTPClient(httpClient),
		strava.WithRetry(cfg.RetryMaxTries, cfg.RetryInitial, cfg.RetryMaxWait),
	)
}

// NewOrchestrator wires the orchestrator with the configured budgets.
func NewOrchestrator(cfg config.Config, store domain.Store, client syncer.Fetcher, logger *log.Logger) *syncer.Orchestrator {
	return syncer.NewOrchestrator(store, client,
		syncer.WithLogger(logger),
		syncer.WithConcurrency(cfg.SyncConcurrency),
		syncer.WithBudgets(syncer.Budgets{
			MaxIncompleteActivities: cfg.MaxIncompleteActivities,
			MaxOldActivities:        cfg.MaxOldActivities,
			MaxPagesPerRun:          cfg.MaxPagesPerRun,
			PageSize:                cfg.PageSize,
		}),
	)
}
