package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/persistence/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.Store { return openTestStore(t) })
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestOpenIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.PutUser(context.Background(), domain.User{ID: "u-1", AthleteID: 7, Authorized: true}))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	user, err := second.GetUser(context.Background(), "u-1")
	require.NoError(t, err)
	require.NotNil(t, user)
}

func TestOpenAppliesConnectionPragmas(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var journal string
	require.NoError(t, store.sqlDB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal))
	require.Equal(t, "wal", journal)

	var foreignKeys, busyTimeout, synchronous int
	require.NoError(t, store.sqlDB.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
	require.Equal(t, 1, foreignKeys)
	require.NoError(t, store.sqlDB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, 5000, busyTimeout)
	require.NoError(t, store.sqlDB.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous))
	require.Equal(t, 1, synchronous)
}

func TestPutUserRejectsDuplicateAthlete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutUser(ctx, domain.User{ID: "u-1", AthleteID: 7, Authorized: true}))

	err := store.PutUser(ctx, domain.User{ID: "u-2", AthleteID: 7, Authorized: true})
	require.ErrorIs(t, err, domain.ErrStorage)
}

func TestTimestampsRoundTripAtMillisecondPrecision(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutUser(ctx, domain.User{ID: "u-1", AthleteID: 7, Authorized: true}))

	fetched := time.Date(2024, 5, 1, 12, 0, 0, 123_456_789, time.UTC)
	activity := storetest.Detail(7, 1, fetched.Add(-time.Hour), fetched)
	applied, err := store.UpsertDetail(ctx, activity)
	require.NoError(t, err)
	require.True(t, applied)

	// Same instant, seen again with full precision, is not newer.
	applied, err = store.UpsertDetail(ctx, activity)
	require.NoError(t, err)
	require.False(t, applied)

	stored, err := store.GetActivity(ctx, 7, 1)
	require.NoError(t, err)
	require.True(t, fetched.Truncate(time.Millisecond).Equal(stored.LastAppliedAt))
	require.Equal(t, time.UTC, stored.StartDate.Location())
}
