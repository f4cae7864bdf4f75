package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/activitysync/internal/domain"
)

// DetailFetcher retrieves the full record of a single activity.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, user domain.User, activityID int64) (domain.Activity, error)
}

// Applier applies one event to the store.
type Applier interface {
	Apply(ctx context.Context, event Event) error
}

// Ingestor applies push events to the store. It never touches sync cursors.
type Ingestor struct {
	store  domain.Store
	client DetailFetcher
	logger *log.Logger
	tracer trace.Tracer
}

// IngestorOption customises an Ingestor.
type IngestorOption func(*Ingestor)

// WithIngestorLogger overrides the default logger.
func WithIngestorLogger(logger *log.Logger) IngestorOption {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewIngestor constructs an Ingestor.
func NewIngestor(store domain.Store, client DetailFetcher, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		store:  store,
		client: client,
		logger: log.New(log.Writer(), "[webhook] ", log.LstdFlags|log.Lmicroseconds),
		tracer: otel.Tracer("example.com/activitysync/internal/webhook"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Apply applies event. A returned error means the event should be delivered
// again; events that can never succeed are acknowledged with a nil error.
func (i *Ingestor) Apply(ctx context.Context, event Event) (err error) {
	ctx, span := i.tracer.Start(ctx, "webhook.Apply", trace.WithAttributes(
		attribute.String("webhook.object_type", event.ObjectType),
		attribute.String("webhook.aspect_type", event.AspectType),
		attribute.Int64("webhook.object_id", event.ObjectID),
		attribute.Int64("webhook.owner_id", event.OwnerID),
	))
	outcome := "applied"
	defer func() {
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("webhook.outcome", outcome))
		span.End()
		recordEvent(event, outcome)
	}()

	if err := event.Validate(); err != nil {
		outcome = "invalid"
		i.logger.Printf("dropping event: %v", err)
		return nil
	}

	user, err := i.store.GetUserByAthlete(ctx, event.OwnerID)
	if err != nil {
		return err
	}
	if user == nil {
		outcome = "unknown_owner"
		i.logger.Printf("ignoring %s %s for unknown athlete %d", event.ObjectType, event.AspectType, event.OwnerID)
		return nil
	}

	if event.ObjectType == ObjectAthlete {
		outcome, err = i.applyAthlete(ctx, *user, event)
		return err
	}

	switch event.AspectType {
	case AspectDelete:
		outcome, err = i.applyDelete(ctx, *user, event)
	default:
		outcome, err = i.applyUpsert(ctx, *user, event)
	}
	return err
}

func (i *Ingestor) applyAthlete(ctx context.Context, user domain.User, event Event) (string, error) {
	if !event.Revoked() {
		return "ignored", nil
	}
	if err := i.store.SetAuthorized(ctx, user.ID, false); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return "unknown_owner", nil
		}
		return "", err
	}
	i.logger.Printf("user %s deauthorized (athlete %d)", user.ID, user.AthleteID)
	return "deauthorized", nil
}

func (i *Ingestor) applyDelete(ctx context.Context, user domain.User, event Event) (string, error) {
	applied, err := i.store.SoftDelete(ctx, user.AthleteID, event.ObjectID, event.Time())
	if err != nil {
		return "", err
	}
	if !applied {
		return "stale", nil
	}
	return "deleted", nil
}

func (i *Ingestor) applyUpsert(ctx context.Context, user domain.User, event Event) (string, error) {
	at := event.Time()
	existing, err := i.store.GetActivity(ctx, user.AthleteID, event.ObjectID)
	if err != nil {
		return "", err
	}
	if existing != nil && !at.After(existing.LastAppliedAt) {
		return "stale", nil
	}
	if existing != nil && existing.DeletedAt != nil {
		return "deleted", nil
	}
	if !user.Authorized {
		return "ignored", nil
	}

	detail, err := i.client.FetchDetail(ctx, user, event.ObjectID)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, domain.ErrActivityNotFound) {
			// Gone upstream: keep it out of the hydration backlog for good.
			i.logger.Printf("activity %d of user %s no longer exists upstream: %v", event.ObjectID, user.ID, err)
			return i.applyDelete(ctx, user, event)
		}
		if existing != nil {
			if markErr := i.store.MarkIncomplete(ctx, user.AthleteID, event.ObjectID, domain.Reason(err)); markErr != nil && !errors.Is(markErr, domain.ErrActivityNotFound) {
				return "", errors.Join(err, markErr)
			}
		}
		if errors.Is(err, domain.ErrAuthExpired) {
			i.logger.Printf("activity %d of user %s not hydrated: %v", event.ObjectID, user.ID, err)
			return "unavailable", nil
		}
		return "", fmt.Errorf("fetch activity %d: %w", event.ObjectID, err)
	}

	detail.AthleteID = user.AthleteID
	detail.LastAppliedAt = at
	applied, err := i.store.UpsertDetail(ctx, detail)
	if err != nil {
		return "", err
	}
	if !applied {
		return "stale", nil
	}
	return "applied", nil
}
