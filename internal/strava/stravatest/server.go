// Package stravatest provides an in-process fake of the upstream activity API.
package stravatest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"example.com/activitysync/internal/domain"
)

// Activity is one upstream record held by the fake.
type Activity struct {
	ID          int64
	Name        string
	SportType   string
	Start       time.Time
	Distance    float64
	Description string
	Calories    float64
	Route       string
	// Raw replaces the list record with a verbatim payload, positioned by Start.
	Raw string
}

// Server is a fake upstream keyed by bearer token.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	athletes    map[string]int64
	activities  map[int64]map[int64]Activity
	failDetail  map[int64]int
	rateLimits  int
	malformed   map[int64][]string
	listCalls   int
	detailCalls int
	queries     []listQuery
}

type listQuery struct {
	Before, After       int64
	HasBefore, HasAfter bool
	PerPage             int
	Page                int
}

// NewServer starts a fake upstream closed with the test.
func NewServer(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		athletes:   make(map[string]int64),
		activities: make(map[int64]map[int64]Activity),
		failDetail: make(map[int64]int),
		malformed:  make(map[int64][]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/athlete/activities", s.handleList)
	mux.HandleFunc("/activities/", s.handleDetail)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Authorize accepts token as the credential of athleteID.
func (s *Server) Authorize(token string, athleteID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.athletes[token] = athleteID
}

// Add stores activities for an athlete.
func (s *Server) Add(athleteID int64, activities ...Activity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.activities[athleteID]
	if !ok {
		byID = make(map[int64]Activity)
		s.activities[athleteID] = byID
	}
	for _, a := range activities {
		if a.SportType == "" {
			a.SportType = "Run"
		}
		if a.Name == "" {
			a.Name = fmt.Sprintf("Activity %d", a.ID)
		}
		byID[a.ID] = a
	}
}

// AddMalformed appends a raw record returned at the front of the athlete's next list page.
func (s *Server) AddMalformed(athleteID int64, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed[athleteID] = append(s.malformed[athleteID], raw)
}

// FailDetail makes the next n detail fetches of activityID return 500.
func (s *Server) FailDetail(activityID int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDetail[activityID] = n
}

// RateLimit makes the next n requests return 429 with a zero Retry-After.
func (s *Server) RateLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimits = n
}

// ListCalls returns the number of list requests served.
func (s *Server) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// DetailCalls returns the number of detail requests served.
func (s *Server) DetailCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detailCalls
}

// BackwardQueries counts list requests that walked backwards.
func (s *Server) BackwardQueries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queries {
		if q.HasBefore && !q.HasAfter {
			n++
		}
	}
	return n
}

// ResetCounters clears call counters between runs.
func (s *Server) ResetCounters() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls = 0
	s.detailCalls = 0
	s.queries = nil
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (int64, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	athleteID, ok := s.athletes[token]
	if !ok {
		http.Error(w, `{"message":"Authorization Error"}`, http.StatusUnauthorized)
		return 0, false
	}
	if s.rateLimits > 0 {
		s.rateLimits--
		w.Header().Set("Retry-After", "0")
		http.Error(w, `{"message":"Rate Limit Exceeded"}`, http.StatusTooManyRequests)
		return 0, false
	}
	return athleteID, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	athleteID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	values := r.URL.Query()
	q := listQuery{PerPage: 30, HasBefore: values.Has("before"), HasAfter: values.Has("after")}
	q.Before, _ = strconv.ParseInt(values.Get("before"), 10, 64)
	q.After, _ = strconv.ParseInt(values.Get("after"), 10, 64)
	if v, err := strconv.Atoi(values.Get("per_page")); err == nil && v > 0 {
		q.PerPage = v
	}
	q.Page = 1
	if v, err := strconv.Atoi(values.Get("page")); err == nil && v > 0 {
		q.Page = v
	}
	s.queries = append(s.queries, q)

	matched := make([]Activity, 0)
	for _, a := range s.activities[athleteID] {
		start := a.Start.Unix()
		if q.HasBefore && start >= q.Before {
			continue
		}
		if q.HasAfter && start <= q.After {
			continue
		}
		matched = append(matched, a)
	}
	ascending := q.HasAfter
	sort.Slice(matched, func(i, j int) bool {
		if ascending {
			return matched[i].Start.Before(matched[j].Start)
		}
		return matched[i].Start.After(matched[j].Start)
	})

	all := make([]json.RawMessage, 0, len(matched))
	for _, raw := range s.malformed[athleteID] {
		all = append(all, json.RawMessage(raw))
	}
	delete(s.malformed, athleteID)
	for _, a := range matched {
		if a.Raw != "" {
			all = append(all, json.RawMessage(a.Raw))
			continue
		}
		all = append(all, summaryJSON(athleteID, a))
	}

	records := make([]json.RawMessage, 0, q.PerPage)
	for i := (q.Page - 1) * q.PerPage; i < len(all) && len(records) < q.PerPage; i++ {
		records = append(records, all[i])
	}
	writeJSON(w, records)
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detailCalls++
	athleteID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/activities/"), 10, 64)
	if err != nil {
		http.Error(w, `{"message":"Bad Request"}`, http.StatusBadRequest)
		return
	}
	if n := s.failDetail[id]; n > 0 {
		s.failDetail[id] = n - 1
		http.Error(w, `{"message":"Server Error"}`, http.StatusInternalServerError)
		return
	}
	a, ok := s.activities[athleteID][id]
	if !ok {
		http.Error(w, `{"message":"Record Not Found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, detailJSON(athleteID, a))
}

func summaryJSON(athleteID int64, a Activity) json.RawMessage {
	return marshal(payload(athleteID, a, false))
}

func detailJSON(athleteID int64, a Activity) json.RawMessage {
	return marshal(payload(athleteID, a, true))
}

func payload(athleteID int64, a Activity, detail bool) map[string]any {
	m := map[string]any{
		"id":           a.ID,
		"athlete":      map[string]any{"id": athleteID},
		"name":         a.Name,
		"sport_type":   a.SportType,
		"distance":     a.Distance,
		"moving_time":  1800,
		"elapsed_time": 1900,
		"start_date":   a.Start.UTC().Format(time.RFC3339),
		"timezone":     "(GMT+00:00) Europe/London",
		"visibility":   "everyone",
		"map":          map[string]any{"summary_polyline": a.Route},
	}
	if detail {
		m["description"] = a.Description
		m["calories"] = a.Calories
		m["map"] = map[string]any{"summary_polyline": a.Route, "polyline": a.Route + a.Route}
	}
	return m
}

func marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Tokens is a static token source keyed by user id. Users without a token
// fail with domain.ErrAuthExpired.
type Tokens map[string]string

// AccessToken implements strava.TokenSource.
func (t Tokens) AccessToken(_ context.Context, userID string) (string, error) {
	token, ok := t[userID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", userID, domain.ErrAuthExpired)
	}
	return token, nil
}
