package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func float(v float64) *float64 { return &v }

func TestIsComplete(t *testing.T) {
	cases := []struct {
		name     string
		activity Activity
		want     bool
	}{
		{"summary only", Activity{SummaryPolyline: "abc"}, false},
		{"calories without route", Activity{Calories: float(0), SummaryPolyline: "abc"}, false},
		{"calories and route", Activity{Calories: float(0), SummaryPolyline: "abc", Polyline: "abcdef"}, true},
		{"indoor activity", Activity{Calories: float(120)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsComplete(tc.activity))
		})
	}
}

func TestMergeKeepsDetailAndRecomputesComplete(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	description := "hills"
	existing := Activity{
		ID: 1, AthleteID: 2, Name: "Old", Description: &description,
		SummaryPolyline: "abc", Polyline: "abcdef", Calories: float(300),
		Complete: true, LastAppliedAt: t0, SyncNote: "network: timeout",
	}
	incoming := Activity{
		ID: 1, AthleteID: 2, Name: "New", Distance: 4200, StartDate: t0,
		SummaryPolyline: "abc", LastAppliedAt: t0.Add(time.Hour),
	}

	merged := Merge(&existing, incoming)
	require.Equal(t, "New", merged.Name)
	require.Equal(t, 4200.0, merged.Distance)
	require.Equal(t, &description, merged.Description)
	require.Equal(t, "abcdef", merged.Polyline)
	require.True(t, merged.Complete)
	require.Empty(t, merged.SyncNote)
	require.True(t, t0.Add(time.Hour).Equal(merged.LastAppliedAt))
}

func TestMergeIgnoresIncomingCompleteFlag(t *testing.T) {
	merged := Merge(nil, Activity{ID: 1, SummaryPolyline: "abc", Complete: true})
	require.False(t, merged.Complete)
}

func TestMergeKeepsSoftDelete(t *testing.T) {
	deletedAt := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	existing := Tombstone(2, 1, deletedAt)
	merged := Merge(&existing, Activity{ID: 1, AthleteID: 2, Name: "late create", LastAppliedAt: deletedAt.Add(time.Hour)})
	require.NotNil(t, merged.DeletedAt)
	require.True(t, deletedAt.Equal(*merged.DeletedAt))
}

func TestShouldApply(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := &Activity{LastAppliedAt: t0}
	require.True(t, ShouldApply(nil, Activity{LastAppliedAt: t0}))
	require.True(t, ShouldApply(existing, Activity{LastAppliedAt: t0.Add(time.Second)}))
	require.False(t, ShouldApply(existing, Activity{LastAppliedAt: t0}))
	require.False(t, ShouldApply(existing, Activity{LastAppliedAt: t0.Add(-time.Second)}))
}

func TestCursorAdvance(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := SyncCursor{NewestFetched: t0, OldestFetched: t0.Add(-time.Hour)}

	next := c.Advance(t0.Add(-24*time.Hour), t0, false)
	require.True(t, t0.Equal(next.NewestFetched))
	require.True(t, t0.Add(-time.Hour).Equal(next.OldestFetched))

	next = c.Advance(t0.Add(time.Hour), t0.Add(-2*time.Hour), true)
	require.True(t, t0.Add(time.Hour).Equal(next.NewestFetched))
	require.True(t, t0.Add(-2*time.Hour).Equal(next.OldestFetched))
	require.True(t, next.ReachedOldest)

	frozen := next.Advance(time.Time{}, t0.Add(-48*time.Hour), false)
	require.True(t, t0.Add(-2*time.Hour).Equal(frozen.OldestFetched))
	require.True(t, frozen.ReachedOldest)
}

func TestBounds(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newest, oldest := Bounds([]Activity{{StartDate: t0}, {StartDate: t0.Add(2 * time.Hour)}, {}, {StartDate: t0.Add(-time.Hour)}})
	require.True(t, t0.Add(2*time.Hour).Equal(newest))
	require.True(t, t0.Add(-time.Hour).Equal(oldest))

	newest, oldest = Bounds(nil)
	require.True(t, newest.IsZero())
	require.True(t, oldest.IsZero())
}

type statusError struct{ code int }

func (e statusError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusError) HTTPStatus() int { return e.code }

func TestReasonCategories(t *testing.T) {
	cases := map[string]error{
		"auth_expired":       fmt.Errorf("fetch: %w", ErrAuthExpired),
		"rate_limited":       ErrRateLimited,
		"cursor_conflict":    StorageError("commit", ErrCursorConflict),
		"storage":            StorageError("commit", errors.New("disk full")),
		"malformed_response": ErrMalformedResponse,
		"network":            fmt.Errorf("x: %w", ErrNetwork),
		"upstream_http":      fmt.Errorf("x: %w", statusError{code: 403}),
		"internal":           errors.New("boom"),
	}
	for category, err := range cases {
		require.Equal(t, category, Category(err), err.Error())
	}
	require.Equal(t, "network: upstream network failure", Reason(ErrNetwork))
	require.Empty(t, Reason(nil))
}

func TestStorageErrorDoesNotDoubleWrap(t *testing.T) {
	err := StorageError("outer", StorageError("inner", errors.New("io")))
	require.Equal(t, "inner: storage failure: io", err.Error())
	require.Nil(t, StorageError("op", nil))
}
