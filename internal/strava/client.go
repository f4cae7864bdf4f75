// Package strava is the pagination client for the upstream activity API.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"example.com/activitysync/internal/domain"
)

const (
	defaultBaseURL        = "https://www.strava.com/api/v3"
	defaultMaxTries       = 5
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxWait        = 2 * time.Minute
	maxErrorBody          = 4 << 10
)

// TokenSource supplies a valid access token for a user. It must return an
// error wrapping domain.ErrAuthExpired when the credentials cannot be refreshed.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// PageQuery selects one page of the athlete's activity list. Before walks
// backwards from a start time, After walks forwards; both are exclusive.
type PageQuery struct {
	Before  time.Time
	After   time.Time
	PerPage int
	// Page is the 1-based offset within the same bounds. It only moves past 1
	// when a page carried no usable start date to continue from.
	Page int
}

// Page is one decoded list page.
type Page struct {
	Activities []domain.Activity
	// Next continues the walk in the same direction.
	Next PageQuery
	// HasMore is false when the upstream returned fewer records than requested.
	HasMore bool
	// Skipped counts malformed records dropped from the page.
	Skipped int
}

// Empty reports whether the upstream returned no records at all, which is the
// authoritative end-of-history signal.
func (p Page) Empty() bool {
	return len(p.Activities) == 0 && p.Skipped == 0
}

// HTTPError is a non-retryable upstream response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus exposes the upstream status code.
func (e *HTTPError) HTTPStatus() int { return e.StatusCode }

// Client fetches activity summaries and details.
type Client struct {
	baseURL        string
	http           *http.Client
	tokens         TokenSource
	logger         *log.Logger
	tracer         trace.Tracer
	maxTries       uint
	initialBackoff time.Duration
	maxWait        time.Duration
	now            func() time.Time
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL points the client at another API root, e.g. a test server.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetry bounds retries per call: at most maxTries attempts, starting at
// initial backoff, and never more than maxWait of cumulative waiting.
func WithRetry(maxTries uint, initial, maxWait time.Duration) Option {
	return func(c *Client) {
		if maxTries > 0 {
			c.maxTries = maxTries
		}
		if initial > 0 {
			c.initialBackoff = initial
		}
		if maxWait > 0 {
			c.maxWait = maxWait
		}
	}
}

// WithClock overrides the fetch timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient constructs a Client.
func NewClient(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:        defaultBaseURL,
		http:           &http.Client{Timeout: 30 * time.Second},
		tokens:         tokens,
		logger:         log.New(log.Writer(), "[strava] ", log.LstdFlags|log.Lmicroseconds),
		tracer:         otel.Tracer("example.com/activitysync/internal/strava"),
		maxTries:       defaultMaxTries,
		initialBackoff: defaultInitialBackoff,
		maxWait:        defaultMaxWait,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPage fetches one page of the user's activity summaries.
func (c *Client) FetchPage(ctx context.Context, user domain.User, q PageQuery) (Page, error) {
	if q.PerPage <= 0 {
		return Page{}, fmt.Errorf("per_page must be positive")
	}
	params := url.Values{}
	params.Set("per_page", strconv.Itoa(q.PerPage))
	params.Set("page", strconv.Itoa(max(q.Page, 1)))
	if !q.Before.IsZero() {
		params.Set("before", strconv.FormatInt(q.Before.Unix(), 10))
	}
	if !q.After.IsZero() {
		params.Set("after", strconv.FormatInt(q.After.Unix(), 10))
	}

	ctx, span := c.tracer.Start(ctx, "strava.FetchPage", trace.WithAttributes(
		attribute.String("user.id", user.ID),
		attribute.Int("page.size", q.PerPage),
	))
	defer span.End()

	body, err := c.get(ctx, user.ID, "list", "/athlete/activities?"+params.Encode())
	if err != nil {
		span.RecordError(err)
		return Page{}, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		recordMalformed("list")
		return Page{}, fmt.Errorf("decode activity list: %w: %v", domain.ErrMalformedResponse, err)
	}

	fetchedAt := c.now()
	page := Page{
		Activities: make([]domain.Activity, 0, len(raw)),
		HasMore:    len(raw) == q.PerPage,
	}
	for _, record := range raw {
		activity, err := decodeActivity(record, user.AthleteID, fetchedAt)
		if err != nil {
			page.Skipped++
			recordMalformed("list")
			c.logger.Printf("user %s: skipping malformed activity record: %v", user.ID, err)
			continue
		}
		page.Activities = append(page.Activities, activity)
	}
	newest, oldest := domain.Bounds(page.Activities)
	if newest.IsZero() {
		newest, oldest = rawBounds(raw)
	}
	page.Next = PageQuery{PerPage: q.PerPage}
	switch {
	case len(raw) > 0 && newest.IsZero():
		// Nothing on the page has a usable start date: step over it by offset.
		page.Next.Before, page.Next.After = q.Before, q.After
		page.Next.Page = max(q.Page, 1) + 1
	case !q.After.IsZero():
		page.Next.After = q.After
		if newest.After(q.After) {
			page.Next.After = newest
		}
	default:
		page.Next.Before = q.Before
		if !oldest.IsZero() {
			page.Next.Before = oldest
		}
	}
	span.SetAttributes(attribute.Int("page.records", len(raw)), attribute.Int("page.skipped", page.Skipped))
	return page, nil
}

// FetchDetail fetches the full record of one activity, including its route.
func (c *Client) FetchDetail(ctx context.Context, user domain.User, activityID int64) (domain.Activity, error) {
	ctx, span := c.tracer.Start(ctx, "strava.FetchDetail", trace.WithAttributes(
		attribute.String("user.id", user.ID),
		attribute.Int64("activity.id", activityID),
	))
	defer span.End()

	body, err := c.get(ctx, user.ID, "detail", "/activities/"+strconv.FormatInt(activityID, 10))
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			err = fmt.Errorf("activity %d: %w", activityID, domain.ErrActivityNotFound)
		}
		span.RecordError(err)
		return domain.Activity{}, err
	}

	activity, err := decodeActivity(body, user.AthleteID, c.now())
	if err != nil {
		recordMalformed("detail")
		return domain.Activity{}, fmt.Errorf("decode activity %d: %w", activityID, err)
	}
	if activity.ID != activityID {
		recordMalformed("detail")
		return domain.Activity{}, fmt.Errorf("detail for %d returned id %d: %w", activityID, activity.ID, domain.ErrMalformedResponse)
	}
	return activity, nil
}

// get performs an authenticated GET with retries and returns the 2xx body.
func (c *Client) get(ctx context.Context, userID, endpoint, path string) ([]byte, error) {
	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		token, err := c.tokens.AccessToken(ctx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrAuthExpired) {
				return nil, backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			// A failed refresh is transient until it says the grant is gone.
			return nil, fmt.Errorf("access token: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			recordRequest(endpoint, "transport_error")
			return nil, fmt.Errorf("%s %s: %w: %v", endpoint, path, domain.ErrNetwork, err)
		}
		defer resp.Body.Close()
		recordRequest(endpoint, strconv.Itoa(resp.StatusCode))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("read %s body: %w: %v", endpoint, domain.ErrNetwork, err)
			}
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			recordRateLimited(endpoint)
			limited := fmt.Errorf("%s %s: %w", endpoint, path, domain.ErrRateLimited)
			if wait, ok := retryHint(resp.Header, c.now()); ok {
				return nil, fmt.Errorf("%w: %w", limited, backoff.RetryAfter(int(wait/time.Second)))
			}
			return nil, limited
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, backoff.Permanent(fmt.Errorf("%s %s: %w", endpoint, path, domain.ErrAuthExpired))
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%s %s: %w: status %d", endpoint, path, domain.ErrNetwork, resp.StatusCode)
		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, backoff.Permanent(&HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))})
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initialBackoff

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.maxTries),
		backoff.WithMaxElapsedTime(c.maxWait),
		backoff.WithNotify(func(err error, wait time.Duration) {
			recordRetry(endpoint)
			c.logger.Printf("user %s: %s attempt %d failed, retrying in %s: %v", userID, endpoint, attempt, wait, err)
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return nil, err
	}
	return body, nil
}

// retryHint reads the upstream's wait hint: Retry-After in seconds, or the
// epoch second at which the rate-limit window resets.
func retryHint(h http.Header, now time.Time) (time.Duration, bool) {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			wait := time.Unix(epoch, 0).Sub(now)
			if wait < 0 {
				wait = 0
			}
			return wait.Round(time.Second), true
		}
	}
	return 0, false
}
