package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/open-ode/broker/internal/token"
)

type contextKey string

const principalContextKey contextKey = "principal"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAuth verifies the bearer token on every request and stores the
// resulting principal in the request context. Responses for bad tokens are
// uniform; no detail about what failed leaks to the caller.
func RequireAuth(verifier *token.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			principal, err := verifier.Verify(strings.TrimPrefix(header, prefix))
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}

			ctx := context.WithValue(r.Context(), principalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates admin-only routes. It assumes RequireAuth ran earlier
// in the chain.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r)
		if p == nil || p.Role != "admin" {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetPrincipal returns the verified identity for the request, or nil when
// the request did not pass RequireAuth.
func GetPrincipal(r *http.Request) *token.Principal {
	p, _ := r.Context().Value(principalContextKey).(*token.Principal)
	return p
}

// CanAccessSession reports whether the request's principal may act on a
// session owned by ownerID. Admins may act on any session.
func CanAccessSession(r *http.Request, ownerID string) bool {
	p := GetPrincipal(r)
	if p == nil {
		return false
	}
	if p.Role == "admin" {
		return true
	}
	return p.UserID == ownerID
}
