package proxy

import (
	"context"
	"net/http"
	"strings"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/identity"
)

// Verifier is the subset of token.Service the gateway's auth middleware
// needs — kept as an interface so this package doesn't import token
// directly (token already depends on session/identity; proxy shouldn't
// need to know about credential signing at all).
type Verifier interface {
	Verify(ctx context.Context, access string) (*identity.Principal, error)
}

// RequireBearer extracts "Authorization: Bearer <token>", verifies it, and
// attaches the resulting Principal to the request context. Missing or
// invalid tokens short-circuit with the standard error envelope.
func RequireBearer(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				apperr.WriteJSON(w, apperr.MissingToken())
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")

			principal, err := verifier.Verify(r.Context(), token)
			if err != nil {
				apperr.WriteJSON(w, err)
				return
			}

			ctx := identity.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CORS applies the configured allowed origins, matching the teacher's
// inline CORS middleware closure pattern in internal/api/server.go.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Correlation-ID")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
