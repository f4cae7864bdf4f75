package domain

import "time"

// User is an athlete who authorised the application.
type User struct {
	ID         string
	AthleteID  int64
	Authorized bool
	CreatedAt  time.Time
}

// Credential is the OAuth token pair stored for a user.
type Credential struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// SyncCursor records how much history has been ingested for one user.
// Version is bumped by every committed page and guards concurrent writers.
type SyncCursor struct {
	UserID        string
	NewestFetched time.Time
	OldestFetched time.Time
	ReachedOldest bool
	Version       int64
	UpdatedAt     time.Time
}

// Advance folds the bounds of a committed page into the cursor.
//
// Newest only moves forward. Oldest only moves backward, and is frozen once
// ReachedOldest is set; only ResetCursor clears that state.
func (c SyncCursor) Advance(newest, oldest time.Time, reachedOldest bool) SyncCursor {
	next := c
	if !newest.IsZero() && newest.After(next.NewestFetched) {
		next.NewestFetched = newest.UTC()
	}
	if c.ReachedOldest {
		return next
	}
	if !oldest.IsZero() && (next.OldestFetched.IsZero() || oldest.Before(next.OldestFetched)) {
		next.OldestFetched = oldest.UTC()
	}
	if reachedOldest {
		next.ReachedOldest = true
	}
	return next
}

// Bounds returns the newest and oldest start dates of a batch.
func Bounds(activities []Activity) (newest, oldest time.Time) {
	for _, a := range activities {
		if a.StartDate.IsZero() {
			continue
		}
		if newest.IsZero() || a.StartDate.After(newest) {
			newest = a.StartDate
		}
		if oldest.IsZero() || a.StartDate.Before(oldest) {
			oldest = a.StartDate
		}
	}
	return newest, oldest
}
