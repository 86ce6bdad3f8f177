package tenantctx

import (
	"context"

	"github.com/nkiryanov/machinepay/internal/models"
)

type ctxKey string

const tenantKey ctxKey = "tenant"

// Create a new context with the authenticated tenant
func New(ctx context.Context, t models.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

// Extract the tenant from the context
func FromContext(ctx context.Context) (models.Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(models.Tenant)
	return t, ok
}
