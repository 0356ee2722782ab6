package carevault

import (
	"context"
	"strings"
)

// Session identifies the acting caller as handed over by the excluded
// HTTP/CLI layer. Tenant resolution happens here and nowhere else.
type Session struct {
	ActorID  string
	TenantID string
}

type tenantCtxKey struct{}

type tenantScope struct {
	tenantID   string
	privileged bool
}

// Resolve validates the session and returns a context carrying its tenant id.
// Every downstream component requires a resolved tenant and fails closed
// without one.
func Resolve(ctx context.Context, session Session) (context.Context, error) {
	id := strings.TrimSpace(session.TenantID)
	if id == "" {
		return nil, ErrUnauthenticatedTenant
	}
	return context.WithValue(ctx, tenantCtxKey{}, tenantScope{tenantID: id}), nil
}

// WithTenant attaches an explicit tenant id to the context. This is an escape
// hatch for privileged platform operations acting on behalf of a specific
// tenant; callers must audit its use.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenantScope{tenantID: tenantID})
}

// WithoutTenant marks the context as a privileged cross-tenant scope, e.g.
// for the retention sweep. Callers must audit its use; the Record Store
// refuses unscoped queries on any context not marked this way.
func WithoutTenant(ctx context.Context) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenantScope{privileged: true})
}

// TenantFromContext returns the tenant id for the current operation, failing
// closed with ErrUnauthenticatedTenant when none is resolved.
func TenantFromContext(ctx context.Context) (string, error) {
	scope, ok := ctx.Value(tenantCtxKey{}).(tenantScope)
	if !ok || scope.tenantID == "" {
		return "", ErrUnauthenticatedTenant
	}
	return scope.tenantID, nil
}

// IsPrivileged reports whether the context was opened with WithoutTenant.
func IsPrivileged(ctx context.Context) bool {
	scope, ok := ctx.Value(tenantCtxKey{}).(tenantScope)
	return ok && scope.privileged
}

// scopeFromContext resolves the query scope: a tenant id for normal
// operations, or all-tenants for a privileged context. Anything else fails
// closed.
func scopeFromContext(ctx context.Context) (tenantID string, all bool, err error) {
	scope, ok := ctx.Value(tenantCtxKey{}).(tenantScope)
	if !ok {
		return "", false, ErrUnauthenticatedTenant
	}
	if scope.privileged {
		return "", true, nil
	}
	if scope.tenantID == "" {
		return "", false, ErrUnauthenticatedTenant
	}
	return scope.tenantID, false, nil
}
