package web

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/JonMunkholm/datamorph/internal/core"
)

type identityKey struct{}

// identity is who a request acts for.
type identity struct {
	TenantID uuid.UUID
	UserID   string
}

// requireIdentity reads X-Tenant-ID (required) and X-User-ID (defaults to
// the tenant) and records client metadata for audit rows.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Tenant-ID")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing X-Tenant-ID header", "AUTH003")
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "X-Tenant-ID must be a UUID", "AUTH004")
			return
		}
		id := identity{TenantID: tenantID, UserID: r.Header.Get("X-User-ID")}
		if id.UserID == "" {
			id.UserID = tenantID.String()
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		ctx = withRequestMeta(ctx, r)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// withRequestMeta adds the client IP and User-Agent to ctx. RemoteAddr has
// already been rewritten by TrustedRealIP.
func withRequestMeta(ctx context.Context, r *http.Request) context.Context {
	return core.WithRequestMeta(ctx, core.RequestMeta{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
}
