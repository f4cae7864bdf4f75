// Package token supplies per-user upstream access tokens, refreshing them
// through the OAuth2 refresh-token grant when they expire.
package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"example.com/activitysync/internal/domain"
)

// Provider returns a valid access token for a user, or an error wrapping
// domain.ErrAuthExpired when the user must re-authorize.
type Provider interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// CredentialStore persists token pairs.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*domain.Credential, error)
	SaveCredential(ctx context.Context, cred domain.Credential) error
}

var refreshCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "activity_sync",
	Subsystem: "token",
	Name:      "refreshes_total",
	Help:      "Access token refreshes grouped by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(refreshCounter)
}

// OAuthProvider refreshes stored credentials against the upstream token endpoint.
type OAuthProvider struct {
	store  CredentialStore
	config *oauth2.Config
	client *http.Client
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures the provider.
type Option func(*OAuthProvider)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *OAuthProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHTTPClient overrides the client used for refresh calls.
func WithHTTPClient(client *http.Client) Option {
	return func(p *OAuthProvider) {
		p.client = client
	}
}

// NewOAuthProvider constructs an OAuthProvider for the given client credentials.
func NewOAuthProvider(store CredentialStore, clientID, clientSecret, tokenURL string, opts ...Option) *OAuthProvider {
	p := &OAuthProvider{
		store: store,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		logger: log.New(log.Writer(), "[token] ", log.LstdFlags|log.Lmicroseconds),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AccessToken returns the stored token, refreshing and persisting it first when expired.
func (p *OAuthProvider) AccessToken(ctx context.Context, userID string) (string, error) {
	lock := p.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := p.store.GetCredential(ctx, userID)
	if err != nil {
		return "", err
	}
	if cred == nil || cred.RefreshToken == "" {
		return "", fmt.Errorf("user %s has no stored credential: %w", userID, domain.ErrAuthExpired)
	}

	current := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
		TokenType:    "Bearer",
	}
	if current.Valid() {
		return current.AccessToken, nil
	}

	if p.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	}
	fresh, err := p.config.TokenSource(ctx, current).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			refreshCounter.WithLabelValues("rejected").Inc()
			return "", fmt.Errorf("refresh token for user %s rejected: %w", userID, domain.ErrAuthExpired)
		}
		refreshCounter.WithLabelValues("error").Inc()
		return "", fmt.Errorf("refresh token for user %s: %w: %v", userID, domain.ErrNetwork, err)
	}

	next := domain.Credential{
		UserID:       userID,
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Expiry:       fresh.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if err := p.store.SaveCredential(ctx, next); err != nil {
		return "", err
	}
	refreshCounter.WithLabelValues("refreshed").Inc()
	p.logger.Printf("refreshed access token for user %s (expires %s)", userID, next.Expiry.Format("2006-01-02T15:04:05Z07:00"))
	return next.AccessToken, nil
}

func (p *OAuthProvider) userLock(userID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[userID] = lock
	}
	return lock
}

var _ Provider = (*OAuthProvider)(nil)
