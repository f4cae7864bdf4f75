package api

import (
	"errors"
	"strings"

	"example.com/activitysync/internal/syncer"
)

// SyncRequest is the manual trigger body. Every field is optional.
type SyncRequest struct {
	UserID                  string `json:"user_id"`
	MaxIncompleteActivities int    `json:"max_incomplete_activities"`
	MaxOldActivities        int    `json:"max_old_activities"`
}

// Validate ensures budgets are not negative.
func (r SyncRequest) Validate() error {
	if r.MaxIncompleteActivities < 0 {
		return errors.New("max_incomplete_activities must not be negative")
	}
	if r.MaxOldActivities < 0 {
		return errors.New("max_old_activities must not be negative")
	}
	return nil
}

func (r SyncRequest) toSyncRequest() syncer.SyncRequest {
	return syncer.SyncRequest{
		UserID:                  strings.TrimSpace(r.UserID),
		MaxIncompleteActivities: r.MaxIncompleteActivities,
		MaxOldActivities:        r.MaxOldActivities,
	}
}
