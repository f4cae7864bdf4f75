package domain

import "time"

// Activity is the canonical workout record mirrored from the upstream service.
// ID is the upstream activity id and is unique per athlete.
type Activity struct {
	ID                 int64
	AthleteID          int64
	Name               string
	Description        *string
	SportType          string
	Distance           float64
	MovingTime         int
	ElapsedTime        int
	TotalElevationGain float64
	StartDate          time.Time
	Timezone           string
	Private            bool
	Visibility         string
	SummaryPolyline    string
	Polyline           string
	Calories           *float64
	Complete           bool
	LastAppliedAt      time.Time
	DeletedAt          *time.Time
	SyncNote           string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsComplete reports whether the detail-only fields of an activity are present.
//
// Calories is only ever returned by the detail endpoint (possibly as zero), and
// the full route is only required when the summary shows the activity has one.
// The rule must stay stable: changing it re-triggers hydration for every row.
func IsComplete(a Activity) bool {
	if a.Calories == nil {
		return false
	}
	return a.SummaryPolyline == "" || a.Polyline != ""
}

// ShouldApply reports whether incoming is newer than what is already stored.
func ShouldApply(existing *Activity, incoming Activity) bool {
	if existing == nil {
		return true
	}
	return incoming.LastAppliedAt.After(existing.LastAppliedAt)
}

// Merge combines a fetched record with the stored row.
//
// Summary fields always come from incoming. Detail-only fields are taken from
// incoming only when present so a summary page never erases hydrated data.
// Soft deletion is sticky and Complete is recomputed from the merged result.
func Merge(existing *Activity, incoming Activity) Activity {
	if existing == nil {
		merged := incoming
		merged.Complete = IsComplete(merged)
		return merged
	}

	merged := *existing
	merged.Name = incoming.Name
	merged.SportType = incoming.SportType
	merged.Distance = incoming.Distance
	merged.MovingTime = incoming.MovingTime
	merged.ElapsedTime = incoming.ElapsedTime
	merged.TotalElevationGain = incoming.TotalElevationGain
	merged.Private = incoming.Private
	merged.Visibility = incoming.Visibility
	if !incoming.StartDate.IsZero() {
		merged.StartDate = incoming.StartDate
	}
	if incoming.Timezone != "" {
		merged.Timezone = incoming.Timezone
	}
	if incoming.SummaryPolyline != "" {
		merged.SummaryPolyline = incoming.SummaryPolyline
	}
	if incoming.Description != nil {
		merged.Description = incoming.Description
	}
	if incoming.Calories != nil {
		merged.Calories = incoming.Calories
	}
	if incoming.Polyline != "" {
		merged.Polyline = incoming.Polyline
	}
	if incoming.LastAppliedAt.After(merged.LastAppliedAt) {
		merged.LastAppliedAt = incoming.LastAppliedAt
	}
	merged.Complete = IsComplete(merged)
	if merged.Complete {
		merged.SyncNote = ""
	}
	return merged
}

// Tombstone builds the row recorded when a delete arrives for an unknown activity.
func Tombstone(athleteID, activityID int64, at time.Time) Activity {
	deleted := at.UTC()
	return Activity{
		ID:            activityID,
		AthleteID:     athleteID,
		LastAppliedAt: deleted,
		DeletedAt:     &deleted,
	}
}
