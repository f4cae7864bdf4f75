// Package domain defines the activity, cursor and user model shared by the
// synchronisation engine, the webhook ingestor and the storage backends.
package domain

import (
	"context"
	"time"
)

// Store captures every persistence operation the engine relies on.
// Implementations live under internal/persistence.
type Store interface {
	PutUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByAthlete(ctx context.Context, athleteID int64) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
	SetAuthorized(ctx context.Context, userID string, authorized bool) error

	GetCredential(ctx context.Context, userID string) (*Credential, error)
	SaveCredential(ctx context.Context, cred Credential) error

	// GetCursor returns nil when the user has never been synchronised.
	GetCursor(ctx context.Context, userID string) (*SyncCursor, error)
	// CommitPage merges activities and advances the cursor in one transaction.
	// next.Version must equal the stored version (0 when no cursor exists).
	CommitPage(ctx context.Context, userID string, activities []Activity, next SyncCursor) (SyncCursor, error)
	ResetCursor(ctx context.Context, userID string) error

	GetActivity(ctx context.Context, athleteID, activityID int64) (*Activity, error)
	// ListActivities returns the athlete's rows that are not soft-deleted, newest first.
	ListActivities(ctx context.Context, athleteID int64) ([]Activity, error)
	ListIncomplete(ctx context.Context, athleteID int64, limit int) ([]Activity, error)
	// UpsertDetail merges a single record; it reports false when a newer state was already applied.
	UpsertDetail(ctx context.Context, activity Activity) (bool, error)
	MarkIncomplete(ctx context.Context, athleteID, activityID int64, note string) error
	// SoftDelete hides the activity from active reads; it reports false when a newer state was already applied.
	SoftDelete(ctx context.Context, athleteID, activityID int64, at time.Time) (bool, error)

	Close() error
}
