package token

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitysync/internal/domain"
)

type stubCredentials struct {
	mu    sync.Mutex
	creds map[string]domain.Credential
	saves int
}

func (s *stubCredentials) GetCredential(_ context.Context, userID string) (*domain.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[userID]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (s *stubCredentials) SaveCredential(_ context.Context, cred domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.UserID] = cred
	s.saves++
	return nil
}

func tokenServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "client-id", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, calls
}

func TestAccessTokenReturnsValidStoredToken(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{}`)
	store := &stubCredentials{creds: map[string]domain.Credential{
		"u-1": {UserID: "u-1", AccessToken: "live", RefreshToken: "r1", Expiry: time.Now().Add(time.Hour)},
	}}
	provider := NewOAuthProvider(store, "client-id", "secret", srv.URL)

	token, err := provider.AccessToken(context.Background(), "u-1")
	require.NoError(t, err)
	require.Equal(t, "live", token)
	require.Zero(t, calls.Load())
}

func TestAccessTokenRefreshesExpiredToken(t *testing.T) {
	srv, calls := tokenServer(t, http.StatusOK, `{"access_token":"fresh","refresh_token":"r2","token_type":"Bearer","expires_in":21600}`)
	store := &stubCredentials{creds: map[string]domain.Credential{
		"u-1": {UserID: "u-1", AccessToken: "stale", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)},
	}}
	provider := NewOAuthProvider(store, "client-id", "secret", srv.URL, WithHTTPClient(srv.Client()))

	token, err := provider.AccessToken(context.Background(), "u-1")
	require.NoError(t, err)
	require.Equal(t, "fresh", token)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, store.saves)
	require.Equal(t, "r2", store.creds["u-1"].RefreshToken)
	require.True(t, store.creds["u-1"].Expiry.After(time.Now()))

	token, err = provider.AccessToken(context.Background(), "u-1")
	require.NoError(t, err)
	require.Equal(t, "fresh", token)
	require.Equal(t, int32(1), calls.Load())
}

func TestAccessTokenRejectedRefreshIsAuthExpired(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)
	store := &stubCredentials{creds: map[string]domain.Credential{
		"u-1": {UserID: "u-1", AccessToken: "stale", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Hour)},
	}}
	provider := NewOAuthProvider(store, "client-id", "secret", srv.URL)

	_, err := provider.AccessToken(context.Background(), "u-1")
	require.ErrorIs(t, err, domain.ErrAuthExpired)
	require.Zero(t, store.saves)
}

func TestAccessTokenServerFailureIsNetwork(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusBadGateway, `upstream down`)
	store := &stubCredentials{creds: map[string]domain.Credential{
		"u-1": {UserID: "u-1", AccessToken: "stale", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)},
	}}
	provider := NewOAuthProvider(store, "client-id", "secret", srv.URL)

	_, err := provider.AccessToken(context.Background(), "u-1")
	require.ErrorIs(t, err, domain.ErrNetwork)
	require.NotErrorIs(t, err, domain.ErrAuthExpired)
}

func TestAccessTokenWithoutCredential(t *testing.T) {
	provider := NewOAuthProvider(&stubCredentials{creds: map[string]domain.Credential{}}, "client-id", "secret", "http://127.0.0.1:1")

	_, err := provider.AccessToken(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrAuthExpired)
}
