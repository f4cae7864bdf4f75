// Package persistence contains helpers shared by the storage backends.
package persistence

import (
	"fmt"
	"sort"
	"time"

	"example.com/activitysync/internal/domain"
)

// CheckCursor validates the optimistic version carried by next against the
// stored cursor and returns the row to write. Monotonicity is enforced here so
// a misbehaving caller can never move the high-water marks the wrong way.
func CheckCursor(userID string, stored *domain.SyncCursor, next domain.SyncCursor, now time.Time) (domain.SyncCursor, error) {
	current := domain.SyncCursor{UserID: userID}
	if stored != nil {
		current = *stored
	}
	if next.Version != current.Version {
		return domain.SyncCursor{}, fmt.Errorf("user %s: expected version %d, stored %d: %w", userID, next.Version, current.Version, domain.ErrCursorConflict)
	}

	advanced := current.Advance(next.NewestFetched, next.OldestFetched, next.ReachedOldest)
	advanced.UserID = userID
	advanced.Version = current.Version + 1
	advanced.UpdatedAt = now.UTC()
	return advanced, nil
}

// Normalize prepares a fetched page for writing: timestamps are converted to
// UTC and duplicate ids keep only their most recently applied copy. The result
// is ordered by id so concurrent writers lock rows in the same order.
func Normalize(activities []domain.Activity) []domain.Activity {
	byID := make(map[int64]domain.Activity, len(activities))
	for _, a := range activities {
		a.StartDate = a.StartDate.UTC()
		a.LastAppliedAt = a.LastAppliedAt.UTC()
		if prev, ok := byID[a.ID]; ok && !a.LastAppliedAt.After(prev.LastAppliedAt) {
			continue
		}
		byID[a.ID] = a
	}

	out := make([]domain.Activity, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MarkDeleted returns the soft-deleted form of a stored row, or a tombstone
// when the activity has never been seen.
func MarkDeleted(existing *domain.Activity, athleteID, activityID int64, at time.Time) domain.Activity {
	if existing == nil {
		return domain.Tombstone(athleteID, activityID, at)
	}
	deleted := at.UTC()
	out := *existing
	out.DeletedAt = &deleted
	out.LastAppliedAt = deleted
	return out
}
