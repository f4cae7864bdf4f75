package syncer

import (
	"context"
	"errors"
	"log"
	"time"

	"example.com/activitysync/internal/domain"
)

// ResolveResult summarises one hydration pass.
type ResolveResult struct {
	Selected int
	Hydrated int
	// Notes counts activities left incomplete with a recorded reason.
	Notes int
	// Removed counts activities soft-deleted because upstream no longer has them.
	Removed int
}

// Resolver hydrates stored activities that are missing detail-only fields.
type Resolver struct {
	store  domain.Store
	client Fetcher
	logger *log.Logger
	now    func() time.Time
}

// NewResolver constructs a Resolver.
func NewResolver(store domain.Store, client Fetcher, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(log.Writer(), "[resolver] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Resolver{store: store, client: client, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Resolve fetches detail for up to limit incomplete activities of user.
// Per-activity fetch failures are recorded on the row and never returned;
// only storage failures are.
func (r *Resolver) Resolve(ctx context.Context, user domain.User, limit int) (ResolveResult, error) {
	var result ResolveResult
	if limit <= 0 {
		return result, nil
	}

	pending, err := r.store.ListIncomplete(ctx, user.AthleteID, limit)
	if err != nil {
		return result, err
	}
	result.Selected = len(pending)

	for _, activity := range pending {
		detail, err := r.client.FetchDetail(ctx, user, activity.ID)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if errors.Is(err, domain.ErrActivityNotFound) {
				// Gone upstream: a retry can never complete it.
				if err := r.remove(ctx, user, activity); err != nil {
					return result, err
				}
				result.Removed++
				continue
			}
			result.Notes++
			recordHydration("failed")
			r.logger.Printf("user %s: activity %d left incomplete: %v", user.ID, activity.ID, err)
			if markErr := r.store.MarkIncomplete(ctx, user.AthleteID, activity.ID, domain.Reason(err)); markErr != nil && !errors.Is(markErr, domain.ErrActivityNotFound) {
				return result, markErr
			}
			if errors.Is(err, domain.ErrAuthExpired) {
				// Every further call would fail the same way.
				return result, nil
			}
			continue
		}

		// Detail fetched for a stored row is at least as new as that row, even
		// when both land in the same storage tick.
		if !detail.LastAppliedAt.After(activity.LastAppliedAt) {
			detail.LastAppliedAt = activity.LastAppliedAt.Add(time.Millisecond)
		}
		applied, err := r.store.UpsertDetail(ctx, detail)
		if err != nil {
			return result, err
		}
		if applied {
			result.Hydrated++
			recordHydration("hydrated")
		} else {
			recordHydration("stale")
		}
	}
	return result, nil
}

func (r *Resolver) remove(ctx context.Context, user domain.User, activity domain.Activity) error {
	at := r.now()
	if !at.After(activity.LastAppliedAt) {
		at = activity.LastAppliedAt.Add(time.Millisecond)
	}
	if _, err := r.store.SoftDelete(ctx, user.AthleteID, activity.ID, at); err != nil {
		return err
	}
	recordHydration("removed")
	r.logger.Printf("user %s: activity %d no longer exists upstream, removed", user.ID, activity.ID)
	return nil
}
