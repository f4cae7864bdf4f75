package auth

import (
	"net/http"
	"strings"
)

// Middleware enforces bearer-token authentication on operator routes.
type Middleware struct {
	cfg       Config
	protected []string
}

// NewMiddleware constructs Middleware guarding every path under the given prefixes.
func NewMiddleware(cfg Config, prefixes ...string) Middleware {
	return Middleware{cfg: cfg, protected: prefixes}
}

// Wrap attaches authentication handling to an http.Handler.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.guards(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.parseRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m Middleware) guards(path string) bool {
	for _, prefix := range m.protected {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (m Middleware) parseRequest(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return nil, ErrInvalidToken
	}
	return ParseClaims(header[len("Bearer "):], m.cfg)
}
