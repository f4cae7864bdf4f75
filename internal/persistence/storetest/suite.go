// Package storetest holds the behaviour every domain.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitysync/internal/domain"
)

// Opener returns a fresh, empty store for one subtest.
type Opener func(t *testing.T) domain.Store

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the conformance suite against the backend produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("users", func(t *testing.T) { testUsers(t, open(t)) })
	t.Run("credentials", func(t *testing.T) { testCredentials(t, open(t)) })
	t.Run("commit page advances cursor", func(t *testing.T) { testCommitPage(t, open(t)) })
	t.Run("stale cursor version is rejected atomically", func(t *testing.T) { testCursorConflict(t, open(t)) })
	t.Run("cursor bounds are monotonic", func(t *testing.T) { testCursorMonotonic(t, open(t)) })
	t.Run("replayed page is idempotent", func(t *testing.T) { testReplay(t, open(t)) })
	t.Run("summary does not erase detail", func(t *testing.T) { testMergeKeepsDetail(t, open(t)) })
	t.Run("older state is ignored", func(t *testing.T) { testStaleUpdate(t, open(t)) })
	t.Run("soft delete", func(t *testing.T) { testSoftDelete(t, open(t)) })
	t.Run("incomplete listing", func(t *testing.T) { testIncomplete(t, open(t)) })
	t.Run("reset cursor", func(t *testing.T) { testReset(t, open(t)) })
	t.Run("concurrent commits serialise", func(t *testing.T) { testConcurrentCommits(t, open(t)) })
}

// Summary builds a summary-only activity as a list page would return it.
func Summary(athleteID, id int64, start, fetched time.Time) domain.Activity {
	return domain.Activity{
		ID:              id,
		AthleteID:       athleteID,
		Name:            "Morning Run",
		SportType:       "Run",
		Distance:        5000,
		MovingTime:      1500,
		ElapsedTime:     1600,
		StartDate:       start,
		Timezone:        "(GMT+00:00) Europe/London",
		Visibility:      "everyone",
		SummaryPolyline: "abc",
		LastAppliedAt:   fetched,
	}
}

// Detail builds a fully hydrated activity.
func Detail(athleteID, id int64, start, fetched time.Time) domain.Activity {
	a := Summary(athleteID, id, start, fetched)
	calories := 412.5
	description := "easy pace"
	a.Calories = &calories
	a.Description = &description
	a.Polyline = "abcdef"
	return a
}

func seedUser(t *testing.T, store domain.Store, id string, athleteID int64) {
	t.Helper()
	require.NoError(t, store.PutUser(context.Background(), domain.User{ID: id, AthleteID: athleteID, Authorized: true}))
}

func testUsers(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-b", 2)
	seedUser(t, store, "u-a", 1)
	seedUser(t, store, "u-c", 3)

	user, err := store.GetUser(ctx, "u-a")
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, int64(1), user.AthleteID)
	require.True(t, user.Authorized)

	byAthlete, err := store.GetUserByAthlete(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, byAthlete)
	require.Equal(t, "u-c", byAthlete.ID)

	missing, err := store.GetUser(ctx, "nobody")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, store.SetAuthorized(ctx, "u-c", false))
	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, "u-a", users[0].ID)
	require.Equal(t, "u-b", users[1].ID)

	err = store.SetAuthorized(ctx, "nobody", true)
	require.ErrorIs(t, err, domain.ErrUserNotFound)
}

func testCredentials(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	cred, err := store.GetCredential(ctx, "u-1")
	require.NoError(t, err)
	require.Nil(t, cred)

	expiry := base.Add(6 * time.Hour)
	require.NoError(t, store.SaveCredential(ctx, domain.Credential{UserID: "u-1", AccessToken: "a1", RefreshToken: "r1", Expiry: expiry}))
	require.NoError(t, store.SaveCredential(ctx, domain.Credential{UserID: "u-1", AccessToken: "a2", RefreshToken: "r2", Expiry: expiry}))

	cred, err = store.GetCredential(ctx, "u-1")
	require.NoError(t, err)
	require.NotNil(t, cred)
	require.Equal(t, "a2", cred.AccessToken)
	require.Equal(t, "r2", cred.RefreshToken)
	require.True(t, expiry.Equal(cred.Expiry))
}

func testCommitPage(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	cursor, err := store.GetCursor(ctx, "u-1")
	require.NoError(t, err)
	require.Nil(t, cursor)

	page := []domain.Activity{
		Summary(10, 2, base.Add(-1*time.Hour), base),
		Summary(10, 1, base.Add(-2*time.Hour), base),
	}
	next, err := store.CommitPage(ctx, "u-1", page, domain.SyncCursor{
		NewestFetched: base.Add(-1 * time.Hour),
		OldestFetched: base.Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), next.Version)

	stored, err := store.GetCursor(ctx, "u-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, int64(1), stored.Version)
	require.True(t, base.Add(-1*time.Hour).Equal(stored.NewestFetched))
	require.True(t, base.Add(-2*time.Hour).Equal(stored.OldestFetched))
	require.False(t, stored.ReachedOldest)

	activities, err := store.ListActivities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, activities, 2)
	require.Equal(t, int64(2), activities[0].ID)
	require.False(t, activities[0].Complete)
	require.True(t, base.Equal(activities[0].LastAppliedAt))
}

func testCursorConflict(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	_, err := store.CommitPage(ctx, "u-1", []domain.Activity{Summary(10, 1, base, base)}, domain.SyncCursor{NewestFetched: base})
	require.NoError(t, err)

	// A second writer still holding version 0 must not land its page.
	_, err = store.CommitPage(ctx, "u-1", []domain.Activity{Summary(10, 2, base.Add(time.Hour), base)}, domain.SyncCursor{NewestFetched: base.Add(time.Hour)})
	require.ErrorIs(t, err, domain.ErrCursorConflict)

	activity, err := store.GetActivity(ctx, 10, 2)
	require.NoError(t, err)
	require.Nil(t, activity)

	cursor, err := store.GetCursor(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), cursor.Version)
	require.True(t, base.Equal(cursor.NewestFetched))
}

func testCursorMonotonic(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	cursor, err := store.CommitPage(ctx, "u-1", nil, domain.SyncCursor{NewestFetched: base, OldestFetched: base.Add(-time.Hour)})
	require.NoError(t, err)

	regress := cursor
	regress.NewestFetched = base.Add(-24 * time.Hour)
	regress.OldestFetched = base
	cursor, err = store.CommitPage(ctx, "u-1", nil, regress)
	require.NoError(t, err)
	require.True(t, base.Equal(cursor.NewestFetched))
	require.True(t, base.Add(-time.Hour).Equal(cursor.OldestFetched))

	exhausted := cursor
	exhausted.ReachedOldest = true
	cursor, err = store.CommitPage(ctx, "u-1", nil, exhausted)
	require.NoError(t, err)
	require.True(t, cursor.ReachedOldest)

	later := cursor
	later.ReachedOldest = false
	later.OldestFetched = base.Add(-48 * time.Hour)
	cursor, err = store.CommitPage(ctx, "u-1", nil, later)
	require.NoError(t, err)
	require.True(t, cursor.ReachedOldest)
	require.True(t, base.Add(-time.Hour).Equal(cursor.OldestFetched))

	stored, err := store.GetCursor(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, cursor.Version, stored.Version)
	require.True(t, stored.ReachedOldest)
}

func testReplay(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	page := []domain.Activity{Summary(10, 1, base, base), Summary(10, 1, base, base), Summary(10, 2, base.Add(time.Minute), base)}
	cursor, err := store.CommitPage(ctx, "u-1", page, domain.SyncCursor{})
	require.NoError(t, err)

	first, err := store.ListActivities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 2)

	_, err = store.CommitPage(ctx, "u-1", page, cursor)
	require.NoError(t, err)

	second, err := store.ListActivities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, second, 2)
	for i := range first {
		require.Equal(t, first[i].ID, second[i].ID)
		require.Equal(t, first[i].Name, second[i].Name)
		require.True(t, first[i].LastAppliedAt.Equal(second[i].LastAppliedAt))
	}
}

func testMergeKeepsDetail(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	applied, err := store.UpsertDetail(ctx, Detail(10, 1, base, base))
	require.NoError(t, err)
	require.True(t, applied)

	summary := Summary(10, 1, base, base.Add(time.Hour))
	summary.Name = "Renamed Run"
	_, err = store.CommitPage(ctx, "u-1", []domain.Activity{summary}, domain.SyncCursor{NewestFetched: base})
	require.NoError(t, err)

	activity, err := store.GetActivity(ctx, 10, 1)
	require.NoError(t, err)
	require.NotNil(t, activity)
	require.Equal(t, "Renamed Run", activity.Name)
	require.NotNil(t, activity.Calories)
	require.InDelta(t, 412.5, *activity.Calories, 0.001)
	require.Equal(t, "abcdef", activity.Polyline)
	require.NotNil(t, activity.Description)
	require.True(t, activity.Complete)
}

func testStaleUpdate(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	newer := Detail(10, 1, base, base.Add(time.Hour))
	newer.Name = "Newer"
	applied, err := store.UpsertDetail(ctx, newer)
	require.NoError(t, err)
	require.True(t, applied)

	older := Detail(10, 1, base, base)
	older.Name = "Older"
	applied, err = store.UpsertDetail(ctx, older)
	require.NoError(t, err)
	require.False(t, applied)

	same := Detail(10, 1, base, base.Add(time.Hour))
	same.Name = "Same instant"
	applied, err = store.UpsertDetail(ctx, same)
	require.NoError(t, err)
	require.False(t, applied)

	activity, err := store.GetActivity(ctx, 10, 1)
	require.NoError(t, err)
	require.Equal(t, "Newer", activity.Name)
}

func testSoftDelete(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	_, err := store.CommitPage(ctx, "u-1", []domain.Activity{Summary(10, 1, base, base), Summary(10, 2, base, base)}, domain.SyncCursor{})
	require.NoError(t, err)

	applied, err := store.SoftDelete(ctx, 10, 1, base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.SoftDelete(ctx, 10, 99, base.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, applied)

	active, err := store.ListActivities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, int64(2), active[0].ID)

	deleted, err := store.GetActivity(ctx, 10, 1)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	require.Equal(t, "Morning Run", deleted.Name)

	// A later summary must not resurrect the row, and an older create must
	// not overwrite the tombstone.
	cursor, err := store.GetCursor(ctx, "u-1")
	require.NoError(t, err)
	_, err = store.CommitPage(ctx, "u-1", []domain.Activity{Summary(10, 1, base, base.Add(time.Hour)), Summary(10, 99, base, base)}, *cursor)
	require.NoError(t, err)

	deleted, err = store.GetActivity(ctx, 10, 1)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	tombstone, err := store.GetActivity(ctx, 10, 99)
	require.NoError(t, err)
	require.NotNil(t, tombstone.DeletedAt)

	active, err = store.ListActivities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func testIncomplete(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	page := []domain.Activity{
		Summary(10, 1, base.Add(-3*time.Hour), base),
		Summary(10, 2, base.Add(-2*time.Hour), base),
		Summary(10, 3, base.Add(-1*time.Hour), base),
		Detail(10, 4, base, base),
	}
	_, err := store.CommitPage(ctx, "u-1", page, domain.SyncCursor{})
	require.NoError(t, err)
	_, err = store.SoftDelete(ctx, 10, 3, base.Add(time.Minute))
	require.NoError(t, err)

	incomplete, err := store.ListIncomplete(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, incomplete, 2)
	require.Equal(t, int64(2), incomplete[0].ID)

	limited, err := store.ListIncomplete(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)

	none, err := store.ListIncomplete(ctx, 10, 0)
	require.NoError(t, err)
	require.Empty(t, none)

	require.NoError(t, store.MarkIncomplete(ctx, 10, 4, "network: timeout"))
	marked, err := store.GetActivity(ctx, 10, 4)
	require.NoError(t, err)
	require.False(t, marked.Complete)
	require.Equal(t, "network: timeout", marked.SyncNote)

	err = store.MarkIncomplete(ctx, 10, 404, "missing")
	require.ErrorIs(t, err, domain.ErrActivityNotFound)
}

func testReset(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	_, err := store.CommitPage(ctx, "u-1", []domain.Activity{Summary(10, 1, base, base)}, domain.SyncCursor{ReachedOldest: true})
	require.NoError(t, err)
	require.NoError(t, store.ResetCursor(ctx, "u-1"))

	cursor, err := store.GetCursor(ctx, "u-1")
	require.NoError(t, err)
	require.Nil(t, cursor)

	activity, err := store.GetActivity(ctx, 10, 1)
	require.NoError(t, err)
	require.NotNil(t, activity)

	next, err := store.CommitPage(ctx, "u-1", nil, domain.SyncCursor{})
	require.NoError(t, err)
	require.Equal(t, int64(1), next.Version)
	require.False(t, next.ReachedOldest)
}

func testConcurrentCommits(t *testing.T, store domain.Store) {
	ctx := context.Background()
	seedUser(t, store, "u-1", 10)

	const writers = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := store.CommitPage(ctx, "u-1", []domain.Activity{Summary(10, id, base, base)}, domain.SyncCursor{NewestFetched: base})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrCursorConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Equal(t, writers-1, conflicts)

	cursor, err := store.GetCursor(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), cursor.Version)

	activities, err := store.ListActivities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, activities, 1)
}
