package middleware

import (
	"context"
	"net/http"

	"github.com/sibyl-dev/sibyl/internal/domain/principal"
)

// Identity headers set by the fronting auth proxy. Sibyl trusts these;
// token exchange happens upstream.
const (
	headerUserID = "X-User-ID"
	headerOrgID  = "X-Organization-ID"
	headerRole   = "X-Role"
)

type principalCtxKey struct{}

// Identity extracts the caller's principal from trusted proxy headers
// and stores it in the request context. Requests without an organization
// id are rejected; every row in the store is scoped by it.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(headerOrgID)
		if orgID == "" {
			http.Error(w, `{"error":"organization required"}`, http.StatusUnauthorized)
			return
		}

		role := principal.Role(r.Header.Get(headerRole))
		if !role.Valid() {
			role = principal.RoleViewer
		}

		p := &principal.Principal{
			UserID:         r.Header.Get(headerUserID),
			OrganizationID: orgID,
			Role:           role,
		}

		ctx := context.WithValue(r.Context(), principalCtxKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PrincipalFromContext returns the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *principal.Principal {
	p, _ := ctx.Value(principalCtxKey{}).(*principal.Principal)
	return p
}

// WithPrincipal stores a principal in ctx. Used by the gateway for
// runner-originated work and by tests.
func WithPrincipal(ctx context.Context, p *principal.Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}
