package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-finder/internal/faceindex"
)

type contextKey string

const tenantContextKey contextKey = "tenant"

// RequireTenant validates the {tenant} URL parameter and adds it to the context.
func RequireTenant() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := chi.URLParam(r, "tenant")
			if err := faceindex.ValidateTenant(tenant); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(SetTenantInContext(r.Context(), tenant)))
		})
	}
}

// GetTenantFromContext returns the tenant set by RequireTenant, or "".
func GetTenantFromContext(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantContextKey).(string)
	return tenant
}

// SetTenantInContext adds a tenant to the context.
// This is primarily for testing - use RequireTenant middleware in production.
func SetTenantInContext(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenant)
}
