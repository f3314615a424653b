package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Space captures the tenant a session token is bound to, as confirmed by the tenant directory.
// It is attached to the context by WithTenantSpace once the token's database claim has been checked.
type Space struct {
	TenantID     uuid.UUID
	Domain       string
	DatabaseName string
}

type ctxKey string

const spaceKey ctxKey = "PALMYRA_TENANT_SPACE"

// WithSpace returns a derived context carrying the tenant Space.
func WithSpace(ctx context.Context, space Space) context.Context {
	return context.WithValue(ctx, spaceKey, space)
}

// FromContext extracts the tenant Space and a boolean indicating presence.
func FromContext(ctx context.Context) (Space, bool) {
	v := ctx.Value(spaceKey)
	if v == nil {
		return Space{}, false
	}

	space, ok := v.(Space)
	return space, ok
}
