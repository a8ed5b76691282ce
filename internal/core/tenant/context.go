package tenant

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotBound is returned by GetPool outside of a Manager.Bind scope.
var ErrNotBound = errors.New("no tenant database bound to context")

type bindingKey struct{}

type binding struct {
	pool   *pgxpool.Pool
	tenant *Tenant
}

func withBinding(ctx context.Context, pool *pgxpool.Pool, t *Tenant) context.Context {
	return context.WithValue(ctx, bindingKey{}, binding{pool: pool, tenant: t})
}

// GetPool returns the tenant database bound to ctx.
func GetPool(ctx context.Context) (*pgxpool.Pool, error) {
	b, ok := ctx.Value(bindingKey{}).(binding)
	if !ok || b.pool == nil {
		return nil, ErrNotBound
	}
	return b.pool, nil
}

// BoundTenant returns the registry entry bound to ctx, or nil.
func BoundTenant(ctx context.Context) *Tenant {
	b, _ := ctx.Value(bindingKey{}).(binding)
	return b.tenant
}
