package middleware

import (
	"net/http"

	"github.com/sibyl-dev/sibyl/internal/domain/principal"
)

// RequireRole returns middleware that restricts access to principals
// holding at least the given role.
func RequireRole(min principal.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}

			if !p.Role.AtLeast(min) {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
