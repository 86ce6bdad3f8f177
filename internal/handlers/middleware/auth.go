package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/nkiryanov/machinepay/internal/handlers/render"
	"github.com/nkiryanov/machinepay/internal/handlers/tenantctx"
	"github.com/nkiryanov/machinepay/internal/models"
)

const APIKeyHeader = "X-API-Key"

type authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (models.Tenant, error)
}

// TenantAuth resolves the tenant from its API key and puts it into the request context.
// The key is read from "Authorization: Bearer <key>" or the X-API-Key header.
func TenantAuth(a authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := apiKey(r)
			if key == "" {
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			tenant, err := a.Authenticate(r.Context(), key)
			if err != nil {
				render.ServiceError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(tenantctx.New(r.Context(), tenant)))
		})
	}
}

func apiKey(r *http.Request) string {
	if key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}
