// Package webhook receives upstream push events, queues them and applies them
// to the activity store.
package webhook

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Object types carried by push events.
const (
	ObjectActivity = "activity"
	ObjectAthlete  = "athlete"
)

// Aspect types carried by push events.
const (
	AspectCreate = "create"
	AspectUpdate = "update"
	AspectDelete = "delete"
)

// ErrInvalidEvent marks events whose structure cannot be applied.
var ErrInvalidEvent = errors.New("invalid webhook event")

// Event is the push payload delivered by the upstream subscription.
type Event struct {
	ObjectType     string         `json:"object_type"`
	ObjectID       int64          `json:"object_id"`
	AspectType     string         `json:"aspect_type"`
	OwnerID        int64          `json:"owner_id"`
	SubscriptionID int64          `json:"subscription_id"`
	EventTime      int64          `json:"event_time"`
	Updates        map[string]any `json:"updates,omitempty"`
}

// Validate checks the fields every event must carry.
func (e Event) Validate() error {
	switch e.ObjectType {
	case ObjectActivity, ObjectAthlete:
	default:
		return fmt.Errorf("%w: object_type %q", ErrInvalidEvent, e.ObjectType)
	}
	switch e.AspectType {
	case AspectCreate, AspectUpdate, AspectDelete:
	default:
		return fmt.Errorf("%w: aspect_type %q", ErrInvalidEvent, e.AspectType)
	}
	if e.ObjectID <= 0 {
		return fmt.Errorf("%w: object_id is required", ErrInvalidEvent)
	}
	if e.OwnerID <= 0 {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidEvent)
	}
	if e.EventTime <= 0 {
		return fmt.Errorf("%w: event_time is required", ErrInvalidEvent)
	}
	return nil
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.Unix(e.EventTime, 0).UTC()
}

// Revoked reports whether the event announces that the athlete withdrew access.
func (e Event) Revoked() bool {
	if e.ObjectType != ObjectAthlete {
		return false
	}
	value, ok := e.Updates["authorized"]
	if !ok {
		return false
	}
	return strings.EqualFold(fmt.Sprint(value), "false")
}

// Key is the partition key used to keep one athlete's events in order.
func (e Event) Key() string {
	return fmt.Sprintf("%d", e.OwnerID)
}
