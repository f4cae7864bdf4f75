package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitysync/internal/auth"
	"example.com/activitysync/internal/syncer"
)

type mockRunner struct {
	last  syncer.SyncRequest
	calls int
	err   error
}

func (m *mockRunner) SyncActivities(_ context.Context, req syncer.SyncRequest) (syncer.Report, error) {
	m.calls++
	m.last = req
	if m.err != nil {
		return syncer.Report{}, m.err
	}
	report := syncer.NewReport("run-1")
	report.Errors["u2"] = "auth_expired: upstream authorization expired"
	report.ReachedOldest = append(report.ReachedOldest, "u1")
	return report, nil
}

func withClaims(req *http.Request, scopes ...string) *http.Request {
	claims := &auth.Claims{
		Subject:   "operator",
		Scopes:    map[string]struct{}{},
		ExpiresAt: time.Now().Add(time.Hour),
	}
	for _, scope := range scopes {
		claims.Scopes[scope] = struct{}{}
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func TestSyncReturnsReport(t *testing.T) {
	runner := &mockRunner{}
	handler := NewHandler(runner, nil)

	body := []byte(`{"user_id":" u1 ","max_incomplete_activities":5,"max_old_activities":30}`)
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/sync", bytes.NewReader(body)), auth.ScopeSyncTrigger)
	rr := httptest.NewRecorder()
	handler.sync(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "run-1", rr.Header().Get("X-Run-ID"))
	require.Equal(t, syncer.SyncRequest{UserID: "u1", MaxIncompleteActivities: 5, MaxOldActivities: 30}, runner.last)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, map[string]any{"u2": "auth_expired: upstream authorization expired"}, resp["errors"])
	require.Equal(t, []any{"u1"}, resp["reachedOldest"])
}

func TestSyncAcceptsEmptyBody(t *testing.T) {
	runner := &mockRunner{}
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/sync", nil), auth.ScopeSyncTrigger)
	rr := httptest.NewRecorder()
	NewHandler(runner, nil).sync(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, syncer.SyncRequest{}, runner.last)
}

func TestSyncRequiresScope(t *testing.T) {
	runner := &mockRunner{}
	handler := NewHandler(runner, nil)

	rr := httptest.NewRecorder()
	handler.sync(rr, httptest.NewRequest(http.MethodPost, "/v1/sync", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = httptest.NewRecorder()
	handler.sync(rr, withClaims(httptest.NewRequest(http.MethodPost, "/v1/sync", nil), "other"))
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Zero(t, runner.calls)
}

func TestSyncRejectsInvalidBodies(t *testing.T) {
	runner := &mockRunner{}
	handler := NewHandler(runner, nil)

	for _, body := range []string{`{bad`, `{"max_old_activities":-1}`, `{"max_incomplete_activities":-3}`} {
		req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/sync", bytes.NewReader([]byte(body))), auth.ScopeSyncTrigger)
		rr := httptest.NewRecorder()
		handler.sync(rr, req)
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
	require.Zero(t, runner.calls)
}

func TestSyncSurfacesRunFailure(t *testing.T) {
	runner := &mockRunner{err: errors.New("list users: storage failure")}
	req := withClaims(httptest.NewRequest(http.MethodPost, "/v1/sync", nil), auth.ScopeSyncTrigger)
	rr := httptest.NewRecorder()
	NewHandler(runner, nil).sync(rr, req)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestSyncRejectsGet(t *testing.T) {
	mux := http.NewServeMux()
	NewHandler(&mockRunner{}, nil).RegisterRoutes(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sync", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}
