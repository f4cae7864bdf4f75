package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks transient transport or upstream 5xx failures.
	ErrNetwork = errors.New("upstream network failure")
	// ErrRateLimited is returned once the rate-limit retry budget is spent.
	ErrRateLimited = errors.New("upstream rate limit exceeded")
	// ErrAuthExpired means the user's credentials could not be refreshed.
	ErrAuthExpired = errors.New("upstream authorization expired")
	// ErrMalformedResponse is returned when an upstream payload cannot be decoded.
	ErrMalformedResponse = errors.New("malformed upstream response")
	// ErrStorage wraps every persistence failure.
	ErrStorage = errors.New("storage failure")
	// ErrCursorConflict is returned when another writer advanced the cursor first.
	ErrCursorConflict = errors.New("sync cursor modified concurrently")
	// ErrUserNotFound is returned when a user cannot be located.
	ErrUserNotFound = errors.New("user not found")
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrUserDeauthorized is returned for users that revoked access.
	ErrUserDeauthorized = errors.New("user deauthorized")
)

// StorageError wraps err so that errors.Is(err, ErrStorage) holds.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) || errors.Is(err, ErrCursorConflict) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Reason renders err as a stable report reason: a category followed by the message.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", Category(err), err)
}

// Category classifies err into one of the report categories.
func Category(err error) string {
	var status interface{ HTTPStatus() int }
	switch {
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCursorConflict):
		return "cursor_conflict"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrActivityNotFound):
		return "activity_not_found"
	case errors.Is(err, ErrUserDeauthorized):
		return "deauthorized"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.As(err, &status):
		return "upstream_http"
	default:
		return "internal"
	}
}
