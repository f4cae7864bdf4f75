// Command syncer runs one synchronisation pass and prints the report as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"example.com/activitysync/internal/app"
	"example.com/activitysync/internal/config"
	"example.com/activitysync/internal/observability"
	"example.com/activitysync/internal/syncer"
)

func main() {
	os.Exit(run())
}

func run() int {
	userID := flag.String("user", "", "synchronise only this user id")
	maxIncomplete := flag.Int("max-incomplete", 0, "detail hydrations per user (0 uses the configured default)")
	maxOld := flag.Int("max-old", 0, "historical activities (not pages) per user; pages are capped by SYNC_MAX_PAGES_PER_RUN (0 uses the configured default)")
	reset := flag.Bool("reset", false, "discard the user's cursor before running; requires -user")
	flag.Parse()

	if *reset && *userID == "" {
		log.Printf("-reset requires -user")
		return 2
	}
	if *maxIncomplete < 0 || *maxOld < 0 {
		log.Printf("budgets must not be negative")
		return 2
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName+"-cli", cfg.OTLPEndpoint)
	if err != nil {
		log.Printf("failed to set up tracing: %v", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		return 1
	}
	defer store.Close()

	if *reset {
		if err := store.ResetCursor(ctx, *userID); err != nil {
			log.Printf("reset cursor: %v", err)
			return 1
		}
		log.Printf("cursor of %s reset", *userID)
	}

	orchestrator := app.NewOrchestrator(cfg, store, app.NewClient(cfg, store), nil)
	report, err := orchestrator.SyncActivities(ctx, syncer.SyncRequest{
		UserID:                  *userID,
		MaxIncompleteActivities: *maxIncomplete,
		MaxOldActivities:        *maxOld,
	})
	if err != nil {
		log.Printf("sync failed: %v", err)
		return 1
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		log.Printf("encode report: %v", err)
		return 1
	}
	if len(report.Errors) > 0 {
		return 1
	}
	return 0
}
