// Package sqlite provides a single-file SQLite store for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/observability"
	"example.com/activitysync/internal/persistence"
)

//go:embed schema.sql
var schema string

const activityColumns = `athlete_id, activity_id, name, description, sport_type, distance_m, moving_time_s, elapsed_time_s,
       elevation_gain_m, start_date, timezone, private, visibility, summary_polyline, polyline, calories, complete,
       last_applied_at, deleted_at, sync_note, created_at, updated_at`

// Store persists sync state in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullMillis(value time.Time) sql.NullInt64 {
	if value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) time.Time {
	if !value.Valid {
		return time.Time{}
	}
	return fromMillis(value.Int64)
}

// Open opens a SQLite store and applies the embedded schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time: transactions are serialised on the single connection.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutUser inserts or updates one user.
func (s *Store) PutUser(ctx context.Context, user domain.User) error {
	if strings.TrimSpace(user.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (user_id, athlete_id, authorized, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET athlete_id = excluded.athlete_id, authorized = excluded.authorized`,
		user.ID, user.AthleteID, user.Authorized, toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.StorageError("put user", fmt.Errorf("athlete %d is linked to another user: %w", user.AthleteID, err))
		}
		return domain.StorageError("put user", err)
	}
	return nil
}

// GetUser returns one user by id, or nil when absent.
func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT user_id, athlete_id, authorized, created_at FROM users WHERE user_id = ?`, userID)
	return scanUser(row)
}

// GetUserByAthlete returns one user by upstream athlete id, or nil when absent.
func (s *Store) GetUserByAthlete(ctx context.Context, athleteID int64) (*domain.User, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT user_id, athlete_id, authorized, created_at FROM users WHERE athlete_id = ?`, athleteID)
	return scanUser(row)
}

// ListUsers returns the authorised users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT user_id, athlete_id, authorized, created_at FROM users WHERE authorized = 1 ORDER BY user_id ASC`)
	if err != nil {
		return nil, domain.StorageError("list users", err)
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.StorageError("list users", err)
	}
	return users, nil
}

// SetAuthorized updates the authorised flag.
func (s *Store) SetAuthorized(ctx context.Context, userID string, authorized bool) error {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE users SET authorized = ? WHERE user_id = ?`, authorized, userID)
	if err != nil {
		return domain.StorageError("set authorized", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// GetCredential returns the stored token pair, or nil when absent.
func (s *Store) GetCredential(ctx context.Context, userID string) (*domain.Credential, error) {
	var (
		cred    domain.Credential
		expires int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `SELECT user_id, access_token, refresh_token, expires_at FROM credentials WHERE user_id = ?`, userID).
		Scan(&cred.UserID, &cred.AccessToken, &cred.RefreshToken, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.StorageError("get credential", err)
	}
	cred.Expiry = fromMillis(expires)
	return &cred, nil
}

// SaveCredential upserts the token pair for a user.
func (s *Store) SaveCredential(ctx context.Context, cred domain.Credential) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO credentials (user_id, access_token, refresh_token, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET access_token = excluded.access_token, refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		cred.UserID, cred.AccessToken, cred.RefreshToken, toMillis(cred.Expiry), toMillis(s.now()),
	)
	if err != nil {
		return domain.StorageError("save credential", err)
	}
	return nil
}

// GetCursor returns the user's cursor, or nil when absent.
func (s *Store) GetCursor(ctx context.Context, userID string) (*domain.SyncCursor, error) {
	cursor, err := scanCursor(s.sqlDB.QueryRowContext(ctx, selectCursor, userID))
	if err != nil {
		return nil, domain.StorageError("get cursor", err)
	}
	return cursor, nil
}

// ResetCursor removes the user's cursor.
func (s *Store) ResetCursor(ctx context.Context, userID string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sync_cursors WHERE user_id = ?`, userID); err != nil {
		return domain.StorageError("reset cursor", err)
	}
	return nil
}

// CommitPage merges activities and advances the cursor in one transaction.
func (s *Store) CommitPage(ctx context.Context, userID string, activities []domain.Activity, next domain.SyncCursor) (domain.SyncCursor, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SyncCursor{}, domain.StorageError("commit page", err)
	}
	defer tx.Rollback()

	stored, err := scanCursor(tx.QueryRowContext(ctx, selectCursor, userID))
	if err != nil {
		return domain.SyncCursor{}, domain.StorageError("read cursor", err)
	}

	now := s.now()
	cursor, err := persistence.CheckCursor(userID, stored, next, now)
	if err != nil {
		return domain.SyncCursor{}, err
	}

	for _, incoming := range persistence.Normalize(activities) {
		if _, err := s.apply(ctx, tx, incoming.AthleteID, incoming.ID, incoming.LastAppliedAt, func(existing *domain.Activity) domain.Activity {
			return domain.Merge(existing, incoming)
		}); err != nil {
			return domain.SyncCursor{}, domain.StorageError(fmt.Sprintf("write activity %d", incoming.ID), err)
		}
	}

	if stored == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sync_cursors (user_id, newest_fetched_at, oldest_fetched_at, reached_oldest, version, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			userID, nullMillis(cursor.NewestFetched), nullMillis(cursor.OldestFetched), cursor.ReachedOldest, cursor.Version, toMillis(cursor.UpdatedAt),
		)
		if err != nil && isUniqueViolation(err) {
			return domain.SyncCursor{}, fmt.Errorf("user %s: cursor created concurrently: %w", userID, domain.ErrCursorConflict)
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_cursors SET newest_fetched_at = ?, oldest_fetched_at = ?, reached_oldest = ?, version = ?, updated_at = ?
			 WHERE user_id = ?`,
			nullMillis(cursor.NewestFetched), nullMillis(cursor.OldestFetched), cursor.ReachedOldest, cursor.Version, toMillis(cursor.UpdatedAt), userID,
		)
	}
	if err != nil {
		return domain.SyncCursor{}, domain.StorageError("write cursor", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.SyncCursor{}, domain.StorageError("commit page", err)
	}
	observability.RecordPageCommitted(now)
	return cursor, nil
}

// GetActivity returns one activity, including soft-deleted rows.
func (s *Store) GetActivity(ctx context.Context, athleteID, activityID int64) (*domain.Activity, error) {
	activity, err := scanActivity(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE athlete_id = ? AND activity_id = ?`, athleteID, activityID))
	if err != nil {
		return nil, domain.StorageError("get activity", err)
	}
	return activity, nil
}

// ListActivities returns the athlete's active rows, newest first.
func (s *Store) ListActivities(ctx context.Context, athleteID int64) ([]domain.Activity, error) {
	return s.queryActivities(ctx,
		`SELECT `+activityColumns+` FROM activities
		  WHERE athlete_id = ? AND deleted_at IS NULL
		  ORDER BY start_date IS NULL, start_date DESC, activity_id DESC`, athleteID)
}

// ListIncomplete returns up to limit active rows missing detail fields.
func (s *Store) ListIncomplete(ctx context.Context, athleteID int64, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryActivities(ctx,
		`SELECT `+activityColumns+` FROM activities
		  WHERE athlete_id = ? AND complete = 0 AND deleted_at IS NULL
		  ORDER BY start_date IS NULL, start_date DESC, activity_id DESC
		  LIMIT ?`, athleteID, limit)
}

// UpsertDetail merges one hydrated record.
func (s *Store) UpsertDetail(ctx context.Context, activity domain.Activity) (bool, error) {
	applied, err := s.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		return s.apply(ctx, tx, activity.AthleteID, activity.ID, activity.LastAppliedAt.UTC(), func(existing *domain.Activity) domain.Activity {
			return domain.Merge(existing, activity)
		})
	})
	if err != nil {
		return false, domain.StorageError("upsert detail", err)
	}
	if applied {
		observability.RecordActivityApplied(activity.LastAppliedAt)
	}
	return applied, nil
}

// MarkIncomplete clears the completeness flag and records a note.
func (s *Store) MarkIncomplete(ctx context.Context, athleteID, activityID int64, note string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE activities SET complete = 0, sync_note = ?, updated_at = ? WHERE athlete_id = ? AND activity_id = ?`,
		note, toMillis(s.now()), athleteID, activityID)
	if err != nil {
		return domain.StorageError("mark incomplete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrActivityNotFound
	}
	return nil
}

// SoftDelete marks the activity deleted, recording a tombstone for unknown ids.
func (s *Store) SoftDelete(ctx context.Context, athleteID, activityID int64, at time.Time) (bool, error) {
	applied, err := s.inTx(ctx, func(tx *sql.Tx) (bool, error) {
		return s.apply(ctx, tx, athleteID, activityID, at.UTC(), func(existing *domain.Activity) domain.Activity {
			return persistence.MarkDeleted(existing, athleteID, activityID, at)
		})
	})
	if err != nil {
		return false, domain.StorageError("soft delete", err)
	}
	return applied, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) (bool, error)) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	applied, err := fn(tx)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return applied, nil
}

// apply writes the row produced by build unless a state at least as new is
// already stored. The single connection serialises writers.
func (s *Store) apply(ctx context.Context, tx *sql.Tx, athleteID, activityID int64, appliedAt time.Time, build func(*domain.Activity) domain.Activity) (bool, error) {
	appliedAt = appliedAt.Truncate(time.Millisecond)
	existing, err := scanActivity(tx.QueryRowContext(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE athlete_id = ? AND activity_id = ?`, athleteID, activityID))
	if err != nil {
		return false, err
	}
	if existing != nil && !appliedAt.After(existing.LastAppliedAt) {
		return false, nil
	}

	row := build(existing)
	row.UpdatedAt = s.now()
	if existing == nil {
		row.CreatedAt = row.UpdatedAt
		_, err = tx.ExecContext(ctx,
			`INSERT INTO activities (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.AthleteID, row.ID, row.Name, row.Description, row.SportType, row.Distance, row.MovingTime, row.ElapsedTime,
			row.TotalElevationGain, nullMillis(row.StartDate), row.Timezone, row.Private, row.Visibility, row.SummaryPolyline,
			row.Polyline, row.Calories, row.Complete, toMillis(row.LastAppliedAt), deletedMillis(row.DeletedAt), row.SyncNote,
			toMillis(row.CreatedAt), toMillis(row.UpdatedAt),
		)
		return err == nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE activities SET name = ?, description = ?, sport_type = ?, distance_m = ?, moving_time_s = ?, elapsed_time_s = ?,
		   elevation_gain_m = ?, start_date = ?, timezone = ?, private = ?, visibility = ?, summary_polyline = ?, polyline = ?,
		   calories = ?, complete = ?, last_applied_at = ?, deleted_at = ?, sync_note = ?, updated_at = ?
		 WHERE athlete_id = ? AND activity_id = ?`,
		row.Name, row.Description, row.SportType, row.Distance, row.MovingTime, row.ElapsedTime,
		row.TotalElevationGain, nullMillis(row.StartDate), row.Timezone, row.Private, row.Visibility, row.SummaryPolyline,
		row.Polyline, row.Calories, row.Complete, toMillis(row.LastAppliedAt), deletedMillis(row.DeletedAt), row.SyncNote,
		toMillis(row.UpdatedAt), row.AthleteID, row.ID,
	)
	return err == nil, err
}

func (s *Store) queryActivities(ctx context.Context, query string, args ...any) ([]domain.Activity, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
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

const selectCursor = `SELECT user_id, newest_fetched_at, oldest_fetched_at, reached_oldest, version, updated_at
  FROM sync_cursors WHERE user_id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var (
		user      domain.User
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.AthleteID, &user.Authorized, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.StorageError("get user", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	return &user, nil
}

func scanCursor(row rowScanner) (*domain.SyncCursor, error) {
	var (
		cursor         domain.SyncCursor
		newest, oldest sql.NullInt64
		updatedAt      int64
	)
	if err := row.Scan(&cursor.UserID, &newest, &oldest, &cursor.ReachedOldest, &cursor.Version, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cursor.NewestFetched = fromNullMillis(newest)
	cursor.OldestFetched = fromNullMillis(oldest)
	cursor.UpdatedAt = fromMillis(updatedAt)
	return &cursor, nil
}

func scanActivity(row rowScanner) (*domain.Activity, error) {
	var (
		a                    domain.Activity
		description          sql.NullString
		calories             sql.NullFloat64
		start, deletedAt     sql.NullInt64
		lastApplied          int64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&a.AthleteID, &a.ID, &a.Name, &description, &a.SportType, &a.Distance, &a.MovingTime, &a.ElapsedTime,
		&a.TotalElevationGain, &start, &a.Timezone, &a.Private, &a.Visibility, &a.SummaryPolyline, &a.Polyline,
		&calories, &a.Complete, &lastApplied, &deletedAt, &a.SyncNote, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if description.Valid {
		a.Description = &description.String
	}
	if calories.Valid {
		a.Calories = &calories.Float64
	}
	if deletedAt.Valid {
		deleted := fromMillis(deletedAt.Int64)
		a.DeletedAt = &deleted
	}
	a.StartDate = fromNullMillis(start)
	a.LastAppliedAt = fromMillis(lastApplied)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}

func deletedMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return nullMillis(*value)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ domain.Store = (*Store)(nil)
