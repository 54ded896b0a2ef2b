// Package tenant carries the ambient tenant identifier on context.Context.
// The binding propagates across every suspension point for free because Go
// threads contexts through blocking calls; repositories consult FromContext
// on every read and write. The binding is never a process global.
package tenant

import (
	"context"

	"github.com/cutfactor/cutcore/domain"
)

type ctxKey struct{}

// WithTenant returns a context bound to the given tenant identifier.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext returns the bound tenant identifier. Operations that reach a
// repository without a binding fail with NO_TENANT_CONTEXT.
func FromContext(ctx context.Context) (string, error) {
	id, ok := MaybeFromContext(ctx)
	if !ok {
		return "", domain.E(domain.KindNoTenantContext, "no tenant bound to context")
	}
	return id, nil
}

// MaybeFromContext returns the bound tenant identifier, if any. Used by
// repositories declared tenant-optional.
func MaybeFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Run executes fn with the tenant bound. Goroutines spawned from within fn
// inherit the binding by passing the derived context along.
func Run(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	return fn(WithTenant(ctx, tenantID))
}
