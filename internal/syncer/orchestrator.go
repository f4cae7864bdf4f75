// Package syncer drives per-user activity synchronisation: paging through the
// upstream history, committing each page with its cursor, and hydrating
// incomplete activities.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/strava"
)

// Fetcher is the subset of the upstream client the engine needs.
type Fetcher interface {
	FetchPage(ctx context.Context, user domain.User, q strava.PageQuery) (strava.Page, error)
	FetchDetail(ctx context.Context, user domain.User, activityID int64) (domain.Activity, error)
}

// Phase is a user's position in the synchronisation state machine.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseBackfillingNew     Phase = "backfilling_new"
	PhaseIncrementalForward Phase = "incremental_forward"
	PhaseFullBackward       Phase = "full_backward"
	PhaseComplete           Phase = "complete"
	PhaseFailed             Phase = "failed"
)

// Budgets bound the work done for one user in one run.
type Budgets struct {
	// MaxIncompleteActivities caps detail hydrations.
	MaxIncompleteActivities int
	// MaxOldActivities caps historical records, counted as activities and not
	// pages, fetched by backfill and backward walks. The last backward page is
	// shrunk to fit. Pages are bounded separately by MaxPagesPerRun.
	MaxOldActivities int
	// MaxPagesPerRun caps list requests across all phases.
	MaxPagesPerRun int
	// PageSize is the per_page value sent upstream.
	PageSize int
}

// DefaultBudgets are used when neither the request nor the configuration sets a value.
var DefaultBudgets = Budgets{
	MaxIncompleteActivities: 20,
	MaxOldActivities:        200,
	MaxPagesPerRun:          10,
	PageSize:                50,
}

// SyncRequest is one invocation of the engine. Zero values fall back to the
// configured budgets and an empty UserID selects every authorised user.
type SyncRequest struct {
	UserID                  string `json:"user_id,omitempty"`
	MaxIncompleteActivities int    `json:"max_incomplete_activities,omitempty"`
	// MaxOldActivities counts activities, see Budgets.
	MaxOldActivities        int    `json:"max_old_activities,omitempty"`
}

// UserResult is the outcome of one user's run.
type UserResult struct {
	UserID        string
	Phase         Phase
	Pages         int
	Activities    int
	Skipped       int
	Hydration     ResolveResult
	ReachedOldest bool
	// Partial is set when a budget ended the run before upstream was exhausted.
	Partial bool
	Err     error
}

// Orchestrator runs synchronisation for one or all users.
type Orchestrator struct {
	store       domain.Store
	client      Fetcher
	resolver    *Resolver
	budgets     Budgets
	concurrency int
	logger      *log.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBudgets overrides the default per-user budgets; zero fields keep the defaults.
func WithBudgets(b Budgets) Option {
	return func(o *Orchestrator) {
		o.budgets = mergeBudgets(o.budgets, b)
	}
}

// WithConcurrency processes up to n users at once. Values below 2 keep the
// sequential behaviour.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		o.concurrency = n
	}
}

// WithClock overrides the clock used for the initial backfill bound.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(store domain.Store, client Fetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		client:      client,
		budgets:     DefaultBudgets,
		concurrency: 1,
		logger:      log.New(log.Writer(), "[syncer] ", log.LstdFlags|log.Lmicroseconds),
		tracer:      otel.Tracer("example.com/activitysync/internal/syncer"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.resolver = NewResolver(store, client, o.logger)
	o.resolver.now = o.now
	return o
}

// SyncActivities runs one synchronisation pass. Per-user failures are
// recorded in the report; only a failure to enumerate users is returned.
func (o *Orchestrator) SyncActivities(ctx context.Context, req SyncRequest) (Report, error) {
	runID := uuid.NewString()
	started := time.Now()
	budgets := mergeBudgets(o.budgets, Budgets{
		MaxIncompleteActivities: req.MaxIncompleteActivities,
		MaxOldActivities:        req.MaxOldActivities,
	})

	ctx, span := o.tracer.Start(ctx, "syncer.SyncActivities", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("user.id", req.UserID),
	))
	defer span.End()

	report := NewReport(runID)
	users, err := o.targetUsers(ctx, req.UserID, &report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordRun("error", time.Since(started))
		return Report{}, err
	}

	results := make([]UserResult, len(users))
	if o.concurrency > 1 && len(users) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.concurrency)
		for i, user := range users {
			g.Go(func() error {
				results[i] = o.syncUser(gctx, user, budgets)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, user := range users {
			results[i] = o.syncUser(ctx, user, budgets)
		}
	}

	for _, result := range results {
		report.Add(result)
	}
	o.logger.Printf("run %s finished: %d users, %d errors, %d reached oldest in %s",
		runID, len(users), len(report.Errors), len(report.ReachedOldest), time.Since(started).Round(time.Millisecond))
	recordRun("ok", time.Since(started))
	return report, nil
}

func (o *Orchestrator) targetUsers(ctx context.Context, userID string, report *Report) ([]domain.User, error) {
	if userID == "" {
		return o.store.ListUsers(ctx)
	}
	user, err := o.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch {
	case user == nil:
		report.Add(UserResult{UserID: userID, Phase: PhaseFailed, Err: fmt.Errorf("user %s: %w", userID, domain.ErrUserNotFound)})
		return nil, nil
	case !user.Authorized:
		report.Add(UserResult{UserID: userID, Phase: PhaseFailed, Err: fmt.Errorf("user %s: %w", userID, domain.ErrUserDeauthorized)})
		return nil, nil
	}
	return []domain.User{*user}, nil
}

// syncUser never panics out or returns an error: every failure is captured in
// the result so one user cannot abort the run.
func (o *Orchestrator) syncUser(ctx context.Context, user domain.User, budgets Budgets) (result UserResult) {
	result = UserResult{UserID: user.ID, Phase: PhaseIdle}

	ctx, span := o.tracer.Start(ctx, "syncer.syncUser", trace.WithAttributes(attribute.String("user.id", user.ID)))
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("user %s: panic during sync: %v", user.ID, r)
		}
		if result.Err != nil {
			result.Phase = PhaseFailed
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, result.Err.Error())
			o.logger.Printf("user %s failed: %v", user.ID, result.Err)
		}
		span.SetAttributes(attribute.String("sync.phase", string(result.Phase)), attribute.Int("sync.pages", result.Pages))
		span.End()
		recordUser(result)
	}()

	cursor, err := o.store.GetCursor(ctx, user.ID)
	if err != nil {
		result.Err = err
		return result
	}

	run := &userRun{
		o:         o,
		user:      user,
		result:    &result,
		pagesLeft: budgets.MaxPagesPerRun,
		oldLeft:   budgets.MaxOldActivities,
		pageSize:  budgets.PageSize,
	}

	if cursor == nil {
		run.cursor = domain.SyncCursor{UserID: user.ID}
		result.Phase = PhaseBackfillingNew
		if err := run.walkBackward(ctx, o.now()); err != nil {
			result.Err = err
			return result
		}
	} else {
		run.cursor = *cursor
		result.Phase = PhaseIncrementalForward
		if err := run.walkForward(ctx); err != nil {
			result.Err = err
			return result
		}
		if !run.cursor.ReachedOldest && !result.Partial {
			result.Phase = PhaseFullBackward
			from := run.cursor.OldestFetched
			if from.IsZero() {
				from = o.now()
			}
			if err := run.walkBackward(ctx, from); err != nil {
				result.Err = err
				return result
			}
		}
	}

	hydration, err := o.resolver.Resolve(ctx, user, budgets.MaxIncompleteActivities)
	result.Hydration = hydration
	if err != nil {
		result.Err = err
		return result
	}
	if !result.Partial {
		result.Phase = PhaseComplete
	}
	return result
}

// userRun is the mutable state of one user's pagination.
type userRun struct {
	o         *Orchestrator
	user      domain.User
	cursor    domain.SyncCursor
	result    *UserResult
	pagesLeft int
	oldLeft   int
	pageSize  int
}

// walkForward fetches activities strictly newer than the cursor until
// upstream returns a short page or the page budget runs out.
func (r *userRun) walkForward(ctx context.Context) error {
	q := strava.PageQuery{After: r.cursor.NewestFetched, PerPage: r.pageSize}
	if q.After.IsZero() {
		q.After = time.Unix(0, 0).UTC()
	}
	for {
		if r.pagesLeft <= 0 {
			r.result.Partial = true
			return nil
		}
		page, err := r.fetch(ctx, q)
		if err != nil {
			return err
		}
		if page.Empty() {
			return nil
		}
		if err := r.commit(ctx, page, false); err != nil {
			return err
		}
		if !page.HasMore {
			return nil
		}
		q = page.Next
	}
}

// walkBackward fetches activities strictly older than from until upstream
// returns an empty page, or a budget runs out.
func (r *userRun) walkBackward(ctx context.Context, from time.Time) error {
	q := strava.PageQuery{Before: from, PerPage: r.pageSize}
	for {
		if r.pagesLeft <= 0 || r.oldLeft <= 0 {
			r.result.Partial = true
			return nil
		}
		if q.Page <= 1 {
			// Offset pages must keep the size they were counted with.
			q.PerPage = min(r.pageSize, r.oldLeft)
		}
		page, err := r.fetch(ctx, q)
		if err != nil {
			return err
		}
		r.oldLeft -= len(page.Activities) + page.Skipped
		if err := r.commit(ctx, page, page.Empty()); err != nil {
			return err
		}
		if page.Empty() {
			r.result.ReachedOldest = true
			return nil
		}
		q = page.Next
	}
}

func (r *userRun) fetch(ctx context.Context, q strava.PageQuery) (strava.Page, error) {
	r.pagesLeft--
	page, err := r.o.client.FetchPage(ctx, r.user, q)
	if err != nil {
		return strava.Page{}, fmt.Errorf("fetch page (phase %s): %w", r.result.Phase, err)
	}
	r.result.Pages++
	r.result.Skipped += page.Skipped
	return page, nil
}

// commit writes the page and the advanced cursor atomically. The next page is
// only requested after this returns successfully.
func (r *userRun) commit(ctx context.Context, page strava.Page, reachedOldest bool) error {
	newest, oldest := domain.Bounds(page.Activities)
	next := r.cursor
	next.NewestFetched = newest
	next.OldestFetched = oldest
	next.ReachedOldest = reachedOldest

	committed, err := r.o.store.CommitPage(ctx, r.user.ID, page.Activities, next)
	if err != nil {
		if errors.Is(err, domain.ErrCursorConflict) {
			return fmt.Errorf("commit page: another writer advanced the cursor: %w", err)
		}
		return fmt.Errorf("commit page: %w", err)
	}
	r.cursor = committed
	r.result.Activities += len(page.Activities)
	recordPage(len(page.Activities))
	return nil
}

func mergeBudgets(base, override Budgets) Budgets {
	out := base
	if override.MaxIncompleteActivities > 0 {
		out.MaxIncompleteActivities = override.MaxIncompleteActivities
	}
	if override.MaxOldActivities > 0 {
		out.MaxOldActivities = override.MaxOldActivities
	}
	if override.MaxPagesPerRun > 0 {
		out.MaxPagesPerRun = override.MaxPagesPerRun
	}
	if override.PageSize > 0 {
		out.PageSize = override.PageSize
	}
	return out
}
