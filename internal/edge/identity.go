package edge

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Identity is the caller identity the upstream router resolved before
// forwarding the request.
type Identity struct {
	TenantID  string
	UserID    string
	Roles     []string
	RequestID string
}

type identityKey struct{}

// identityFrom returns the identity stored by withIdentity. Handlers
// behind the middleware can rely on it being present.
func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

// withIdentity rejects requests missing tenant or user headers and
// stashes the parsed identity in the request context. Every accepted
// request gets a request id for correlation.
func (s *Server) withIdentity(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		userID := r.Header.Get("X-User-ID")
		if tenantID == "" || userID == "" {
			jsonError(w, "Missing identity headers", http.StatusUnauthorized)
			return
		}

		id := Identity{
			TenantID:  tenantID,
			UserID:    userID,
			RequestID: uuid.NewString(),
		}
		if roles := r.Header.Get("X-User-Roles"); roles != "" {
			for _, role := range strings.Split(roles, ",") {
				if role = strings.TrimSpace(role); role != "" {
					id.Roles = append(id.Roles, role)
				}
			}
		}

		w.Header().Set("X-Request-ID", id.RequestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}
