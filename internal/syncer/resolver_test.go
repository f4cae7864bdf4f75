package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/persistence/sqlite"
	"example.com/activitysync/internal/strava"
)

type stubFetcher struct {
	details map[int64]error
	calls   []int64
}

func (f *stubFetcher) FetchPage(context.Context, domain.User, strava.PageQuery) (strava.Page, error) {
	return strava.Page{}, nil
}

func (f *stubFetcher) FetchDetail(_ context.Context, user domain.User, activityID int64) (domain.Activity, error) {
	f.calls = append(f.calls, activityID)
	if err := f.details[activityID]; err != nil {
		return domain.Activity{}, err
	}
	calories := 250.0
	return domain.Activity{
		ID:              activityID,
		AthleteID:       user.AthleteID,
		Name:            "hydrated",
		StartDate:       runClock.Add(-time.Duration(activityID) * time.Hour),
		SummaryPolyline: "abc",
		Polyline:        "abcdef",
		Calories:        &calories,
		LastAppliedAt:   runClock,
	}, nil
}

func seedIncomplete(t *testing.T, store domain.Store, user domain.User, ids ...int64) {
	t.Helper()
	page := make([]domain.Activity, 0, len(ids))
	for _, id := range ids {
		page = append(page, domain.Activity{
			ID:              id,
			AthleteID:       user.AthleteID,
			Name:            "summary",
			StartDate:       runClock.Add(-time.Duration(id) * time.Hour),
			SummaryPolyline: "abc",
			LastAppliedAt:   runClock,
		})
	}
	_, err := store.CommitPage(context.Background(), user.ID, page, domain.SyncCursor{})
	require.NoError(t, err)
}

func newResolverStore(t *testing.T, user domain.User) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "resolver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.PutUser(context.Background(), user))
	return store
}

func TestResolverHydratesSameInstantDetail(t *testing.T) {
	user := domain.User{ID: "u1", AthleteID: 9, Authorized: true}
	store := newResolverStore(t, user)
	seedIncomplete(t, store, user, 1, 2)

	fetcher := &stubFetcher{}
	result, err := NewResolver(store, fetcher, nil).Resolve(context.Background(), user, 10)
	require.NoError(t, err)
	require.Equal(t, ResolveResult{Selected: 2, Hydrated: 2}, result)

	activity, err := store.GetActivity(context.Background(), 9, 1)
	require.NoError(t, err)
	require.True(t, activity.Complete)
	require.Equal(t, "hydrated", activity.Name)
}

func TestResolverStopsOnAuthExpired(t *testing.T) {
	user := domain.User{ID: "u1", AthleteID: 9, Authorized: true}
	store := newResolverStore(t, user)
	seedIncomplete(t, store, user, 1, 2, 3)

	fetcher := &stubFetcher{details: map[int64]error{
		1: fmt.Errorf("token: %w", domain.ErrAuthExpired),
	}}
	result, err := NewResolver(store, fetcher, nil).Resolve(context.Background(), user, 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Notes)
	require.Equal(t, []int64{1}, fetcher.calls)

	activity, err := store.GetActivity(context.Background(), 9, 1)
	require.NoError(t, err)
	require.Contains(t, activity.SyncNote, "auth_expired")
}

func TestResolverRecordsNotFoundAndContinues(t *testing.T) {
	user := domain.User{ID: "u1", AthleteID: 9, Authorized: true}
	store := newResolverStore(t, user)
	seedIncomplete(t, store, user, 1, 2)

	fetcher := &stubFetcher{details: map[int64]error{
		1: fmt.Errorf("activity 1: %w", domain.ErrActivityNotFound),
	}}
	result, err := NewResolver(store, fetcher, nil).Resolve(context.Background(), user, 10)
	require.NoError(t, err)
	require.Equal(t, ResolveResult{Selected: 2, Hydrated: 1, Removed: 1}, result)

	activity, err := store.GetActivity(context.Background(), 9, 1)
	require.NoError(t, err)
	require.NotNil(t, activity.DeletedAt)
	require.Len(t, snapshot(t, store, 9), 1)
}

func TestResolverMissingRowsDoNotStarveOlderRows(t *testing.T) {
	user := domain.User{ID: "u1", AthleteID: 9, Authorized: true}
	store := newResolverStore(t, user)
	seedIncomplete(t, store, user, 1, 2, 3)

	fetcher := &stubFetcher{details: map[int64]error{
		1: fmt.Errorf("activity 1: %w", domain.ErrActivityNotFound),
		2: fmt.Errorf("activity 2: %w", domain.ErrActivityNotFound),
	}}
	resolver := NewResolver(store, fetcher, nil)
	for i := 0; i < 5; i++ {
		_, err := resolver.Resolve(context.Background(), user, 2)
		require.NoError(t, err)
	}
	require.Equal(t, []int64{1, 2, 3}, fetcher.calls)

	activity, err := store.GetActivity(context.Background(), 9, 3)
	require.NoError(t, err)
	require.True(t, activity.Complete)

	pending, err := store.ListIncomplete(context.Background(), 9, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestResolverZeroLimitDoesNothing(t *testing.T) {
	user := domain.User{ID: "u1", AthleteID: 9, Authorized: true}
	store := newResolverStore(t, user)
	seedIncomplete(t, store, user, 1)

	fetcher := &stubFetcher{}
	result, err := NewResolver(store, fetcher, nil).Resolve(context.Background(), user, 0)
	require.NoError(t, err)
	require.Zero(t, result.Selected)
	require.Empty(t, fetcher.calls)
}
