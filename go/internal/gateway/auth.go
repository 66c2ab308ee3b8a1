package gateway

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// AuthHeader carries a device token on control and stream requests
const AuthHeader = "X-Auth-Token"

// TokenAuth is a registry of device tokens. An empty registry admits every
// request.
type TokenAuth struct {
	mu     sync.RWMutex
	tokens map[string]string // token -> device id
}

// NewTokenAuth creates a registry holding the given tokens
func NewTokenAuth(tokens ...string) *TokenAuth {
	a := &TokenAuth{tokens: make(map[string]string)}
	for _, t := range tokens {
		if t != "" {
			a.RegisterDevice(t)
		}
	}
	return a
}

// RegisterDevice adds a token and returns it with its new device id. An empty
// token is replaced by a generated one.
func (a *TokenAuth) RegisterDevice(token string) (string, string) {
	if token == "" {
		token = uuid.NewString()
	}
	deviceID := uuid.NewString()

	a.mu.Lock()
	a.tokens[token] = deviceID
	a.mu.Unlock()
	return token, deviceID
}

// Validate returns the device id for token
func (a *TokenAuth) Validate(token string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.tokens[token]
	return id, ok
}

// RemoveToken revokes token
func (a *TokenAuth) RemoveToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

func (a *TokenAuth) enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tokens) > 0
}

// Middleware rejects requests without a valid token. The token may also be
// passed as the "token" query parameter for stream clients that cannot set
// headers. /health is always reachable.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.Method == http.MethodOptions || !a.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(AuthHeader)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, ok := a.Validate(token); !ok {
			log.Warn().Str("remote_addr", r.RemoteAddr).Msg("rejected invalid auth token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
