package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyAuthenticator validates admin access via a shared API key, read
// from the X-API-Key header or a bearer Authorization header.
type APIKeyAuthenticator struct {
	Key string
}

// Authenticate reports whether the request carries the expected key.
// Comparison is constant time.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			key = token
		}
	}
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(a.Key)) == 1
}

// RequireAPIKey creates middleware that enforces API-key authentication.
func RequireAPIKey(auth *APIKeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.Authenticate(r) {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
