package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/observability"
	"example.com/activitysync/internal/persistence"
)

//go:embed schema.sql
var schema string

const activityColumns = `athlete_id, activity_id, name, description, sport_type, distance_m, moving_time_s, elapsed_time_s,
        elevation_gain_m, start_date, timezone, private, visibility, summary_polyline, polyline, calories, complete,
        last_applied_at, deleted_at, sync_note, created_at, updated_at`

// Repository provides Postgres-backed persistence for users, cursors and activities.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return domain.StorageError("migrate", err)
	}
	return nil
}

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// PutUser inserts or updates a user record.
func (r *Repository) PutUser(ctx context.Context, user domain.User) error {
	const stmt = `INSERT INTO users (user_id, athlete_id, authorized) VALUES ($1,$2,$3)
        ON CONFLICT (user_id) DO UPDATE SET athlete_id = EXCLUDED.athlete_id, authorized = EXCLUDED.authorized`
	if _, err := r.pool.Exec(ctx, stmt, user.ID, user.AthleteID, user.Authorized); err != nil {
		return domain.StorageError("put user", err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (r *Repository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT user_id, athlete_id, authorized, created_at FROM users WHERE user_id=$1`, userID)
	return scanUser(row)
}

// GetUserByAthlete retrieves a user by upstream athlete id.
func (r *Repository) GetUserByAthlete(ctx context.Context, athleteID int64) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT user_id, athlete_id, authorized, created_at FROM users WHERE athlete_id=$1`, athleteID)
	return scanUser(row)
}

// ListUsers returns every authorised user ordered by id.
func (r *Repository) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, athlete_id, authorized, created_at FROM users WHERE authorized ORDER BY user_id`)
	if err != nil {
		return nil, domain.StorageError("list users", err)
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.AthleteID, &u.Authorized, &u.CreatedAt); err != nil {
			return nil, domain.StorageError("list users", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("list users", err)
	}
	return users, nil
}

// SetAuthorized flips the authorised flag, e.g. after a deauthorization event.
func (r *Repository) SetAuthorized(ctx context.Context, userID string, authorized bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET authorized=$2 WHERE user_id=$1`, userID, authorized)
	if err != nil {
		return domain.StorageError("set authorized", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// GetCredential returns the stored token pair, or nil when none exists.
func (r *Repository) GetCredential(ctx context.Context, userID string) (*domain.Credential, error) {
	var cred domain.Credential
	err := r.pool.QueryRow(ctx, `SELECT user_id, access_token, refresh_token, expires_at FROM credentials WHERE user_id=$1`, userID).
		Scan(&cred.UserID, &cred.AccessToken, &cred.RefreshToken, &cred.Expiry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.StorageError("get credential", err)
	}
	return &cred, nil
}

// SaveCredential upserts the token pair for a user.
func (r *Repository) SaveCredential(ctx context.Context, cred domain.Credential) error {
	const stmt = `INSERT INTO credentials (user_id, access_token, refresh_token, expires_at, updated_at)
        VALUES ($1,$2,$3,$4,NOW())
        ON CONFLICT (user_id) DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
            expires_at = EXCLUDED.expires_at, updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, stmt, cred.UserID, cred.AccessToken, cred.RefreshToken, cred.Expiry.UTC()); err != nil {
		return domain.StorageError("save credential", err)
	}
	return nil
}

// GetCursor returns the user's cursor or nil when none exists.
func (r *Repository) GetCursor(ctx context.Context, userID string) (*domain.SyncCursor, error) {
	cursor, err := scanCursor(r.pool.QueryRow(ctx, selectCursor+` WHERE user_id=$1`, userID))
	if err != nil {
		return nil, domain.StorageError("get cursor", err)
	}
	return cursor, nil
}

// ResetCursor drops the cursor so the next run starts a fresh backfill.
func (r *Repository) ResetCursor(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM sync_cursors WHERE user_id=$1`, userID); err != nil {
		return domain.StorageError("reset cursor", err)
	}
	return nil
}

// CommitPage merges a page of activities and advances the cursor inside a single transaction.
func (r *Repository) CommitPage(ctx context.Context, userID string, activities []domain.Activity, next domain.SyncCursor) (domain.SyncCursor, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.SyncCursor{}, domain.StorageError("commit page", err)
	}
	defer tx.Rollback(ctx)

	stored, err := scanCursor(tx.QueryRow(ctx, selectCursor+` WHERE user_id=$1 FOR UPDATE`, userID))
	if err != nil {
		return domain.SyncCursor{}, domain.StorageError("lock cursor", err)
	}

	now := r.now()
	cursor, err := persistence.CheckCursor(userID, stored, next, now)
	if err != nil {
		return domain.SyncCursor{}, err
	}

	for _, incoming := range persistence.Normalize(activities) {
		if _, err := r.apply(ctx, tx, incoming.AthleteID, incoming.ID, incoming.LastAppliedAt, func(existing *domain.Activity) domain.Activity {
			return domain.Merge(existing, incoming)
		}); err != nil {
			return domain.SyncCursor{}, domain.StorageError(fmt.Sprintf("write activity %d", incoming.ID), err)
		}
	}

	if stored == nil {
		tag, err := tx.Exec(ctx, `INSERT INTO sync_cursors (user_id, newest_fetched_at, oldest_fetched_at, reached_oldest, version, updated_at)
            VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (user_id) DO NOTHING`,
			userID, nullTime(cursor.NewestFetched), nullTime(cursor.OldestFetched), cursor.ReachedOldest, cursor.Version, cursor.UpdatedAt)
		if err != nil {
			return domain.SyncCursor{}, domain.StorageError("insert cursor", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.SyncCursor{}, fmt.Errorf("user %s: cursor created concurrently: %w", userID, domain.ErrCursorConflict)
		}
	} else {
		if _, err := tx.Exec(ctx, `UPDATE sync_cursors SET newest_fetched_at=$2, oldest_fetched_at=$3, reached_oldest=$4, version=$5, updated_at=$6
            WHERE user_id=$1`,
			userID, nullTime(cursor.NewestFetched), nullTime(cursor.OldestFetched), cursor.ReachedOldest, cursor.Version, cursor.UpdatedAt); err != nil {
			return domain.SyncCursor{}, domain.StorageError("update cursor", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.SyncCursor{}, domain.StorageError("commit page", err)
	}
	observability.RecordPageCommitted(now)
	return cursor, nil
}

// GetActivity retrieves a single activity, including soft-deleted rows.
func (r *Repository) GetActivity(ctx context.Context, athleteID, activityID int64) (*domain.Activity, error) {
	activity, err := scanActivity(r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE athlete_id=$1 AND activity_id=$2`, athleteID, activityID))
	if err != nil {
		return nil, domain.StorageError("get activity", err)
	}
	return activity, nil
}

// ListActivities returns the athlete's active rows ordered by start date.
func (r *Repository) ListActivities(ctx context.Context, athleteID int64) ([]domain.Activity, error) {
	return r.queryActivities(ctx, `SELECT `+activityColumns+` FROM activities
        WHERE athlete_id=$1 AND deleted_at IS NULL
        ORDER BY start_date DESC NULLS LAST, activity_id DESC`, athleteID)
}

// ListIncomplete returns up to limit active rows still missing detail fields.
func (r *Repository) ListIncomplete(ctx context.Context, athleteID int64, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		return nil, nil
	}
	return r.queryActivities(ctx, `SELECT `+activityColumns+` FROM activities
        WHERE athlete_id=$1 AND complete = FALSE AND deleted_at IS NULL
        ORDER BY start_date DESC NULLS LAST, activity_id DESC
        LIMIT $2`, athleteID, limit)
}

// UpsertDetail merges one hydrated record.
func (r *Repository) UpsertDetail(ctx context.Context, activity domain.Activity) (bool, error) {
	var applied bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		applied, err = r.apply(ctx, tx, activity.AthleteID, activity.ID, activity.LastAppliedAt.UTC(), func(existing *domain.Activity) domain.Activity {
			return domain.Merge(existing, activity)
		})
		return err
	})
	if err != nil {
		return false, domain.StorageError("upsert detail", err)
	}
	if applied {
		observability.RecordActivityApplied(activity.LastAppliedAt)
	}
	return applied, nil
}

// MarkIncomplete clears the completeness flag and records why hydration failed.
func (r *Repository) MarkIncomplete(ctx context.Context, athleteID, activityID int64, note string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE activities SET complete = FALSE, sync_note=$3, updated_at=NOW()
        WHERE athlete_id=$1 AND activity_id=$2`, athleteID, activityID, note)
	if err != nil {
		return domain.StorageError("mark incomplete", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

// SoftDelete hides an activity from active reads, leaving a tombstone when it was never stored.
func (r *Repository) SoftDelete(ctx context.Context, athleteID, activityID int64, at time.Time) (bool, error) {
	var applied bool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		applied, err = r.apply(ctx, tx, athleteID, activityID, at.UTC(), func(existing *domain.Activity) domain.Activity {
			return persistence.MarkDeleted(existing, athleteID, activityID, at)
		})
		return err
	})
	if err != nil {
		return false, domain.StorageError("soft delete", err)
	}
	return applied, nil
}

func (r *Repository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// apply locks the activity row, checks the last-applied guard and writes the
// row produced by build. A lost insert race is retried once against the row
// the other writer committed.
func (r *Repository) apply(ctx context.Context, tx pgx.Tx, athleteID, activityID int64, appliedAt time.Time, build func(*domain.Activity) domain.Activity) (bool, error) {
	appliedAt = appliedAt.Truncate(time.Microsecond)
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := scanActivity(tx.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities
            WHERE athlete_id=$1 AND activity_id=$2 FOR UPDATE`, athleteID, activityID))
		if err != nil {
			return false, err
		}
		if existing != nil && !appliedAt.After(existing.LastAppliedAt) {
			return false, nil
		}

		row := build(existing)
		row.UpdatedAt = r.now()
		if existing != nil {
			return true, updateActivity(ctx, tx, row)
		}

		row.CreatedAt = row.UpdatedAt
		inserted, err := insertActivity(ctx, tx, row)
		if err != nil {
			return false, err
		}
		if inserted {
			return true, nil
		}
	}
	return false, fmt.Errorf("activity %d: concurrent insert did not settle", activityID)
}

func insertActivity(ctx context.Context, tx pgx.Tx, a domain.Activity) (bool, error) {
	tag, err := tx.Exec(ctx, `INSERT INTO activities (`+activityColumns+`)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
        ON CONFLICT (athlete_id, activity_id) DO NOTHING`,
		a.AthleteID, a.ID, a.Name, a.Description, a.SportType, a.Distance, a.MovingTime, a.ElapsedTime,
		a.TotalElevationGain, nullTime(a.StartDate), a.Timezone, a.Private, a.Visibility, a.SummaryPolyline, a.Polyline,
		a.Calories, a.Complete, a.LastAppliedAt, a.DeletedAt, a.SyncNote, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func updateActivity(ctx context.Context, tx pgx.Tx, a domain.Activity) error {
	_, err := tx.Exec(ctx, `UPDATE activities SET name=$3, description=$4, sport_type=$5, distance_m=$6, moving_time_s=$7,
            elapsed_time_s=$8, elevation_gain_m=$9, start_date=$10, timezone=$11, private=$12, visibility=$13,
            summary_polyline=$14, polyline=$15, calories=$16, complete=$17, last_applied_at=$18, deleted_at=$19,
            sync_note=$20, updated_at=$21
        WHERE athlete_id=$1 AND activity_id=$2`,
		a.AthleteID, a.ID, a.Name, a.Description, a.SportType, a.Distance, a.MovingTime, a.ElapsedTime,
		a.TotalElevationGain, nullTime(a.StartDate), a.Timezone, a.Private, a.Visibility, a.SummaryPolyline, a.Polyline,
		a.Calories, a.Complete, a.LastAppliedAt, a.DeletedAt, a.SyncNote, a.UpdatedAt,
	)
	return err
}

func (r *Repository) queryActivities(ctx context.Context, query string, args ...interface{}) ([]domain.Activity, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.StorageError("query activities", err)
	}
	defer rows.Close()

	results := make([]domain.Activity, 0)
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return nil, domain.StorageError("scan activity", err)
		}
		results = append(results, *activity)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("query activities", err)
	}
	return results, nil
}

const selectCursor = `SELECT user_id, newest_fetched_at, oldest_fetched_at, reached_oldest, version, updated_at FROM sync_cursors`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCursor(row rowScanner) (*domain.SyncCursor, error) {
	var (
		c              domain.SyncCursor
		newest, oldest *time.Time
	)
	if err := row.Scan(&c.UserID, &newest, &oldest, &c.ReachedOldest, &c.Version, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if newest != nil {
		c.NewestFetched = newest.UTC()
	}
	if oldest != nil {
		c.OldestFetched = oldest.UTC()
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.AthleteID, &u.Authorized, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.StorageError("get user", err)
	}
	return &u, nil
}

func scanActivity(row rowScanner) (*domain.Activity, error) {
	var (
		a     domain.Activity
		start *time.Time
	)
	if err := row.Scan(&a.AthleteID, &a.ID, &a.Name, &a.Description, &a.SportType, &a.Distance, &a.MovingTime, &a.ElapsedTime,
		&a.TotalElevationGain, &start, &a.Timezone, &a.Private, &a.Visibility, &a.SummaryPolyline, &a.Polyline,
		&a.Calories, &a.Complete, &a.LastAppliedAt, &a.DeletedAt, &a.SyncNote, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if start != nil {
		a.StartDate = start.UTC()
	}
	a.LastAppliedAt = a.LastAppliedAt.UTC()
	if a.DeletedAt != nil {
		deleted := a.DeletedAt.UTC()
		a.DeletedAt = &deleted
	}
	return &a, nil
}

func nullTime(value time.Time) interface{} {
	if value.IsZero() {
		return nil
	}
	return value.UTC()
}

var _ domain.Store = (*Repository)(nil)
