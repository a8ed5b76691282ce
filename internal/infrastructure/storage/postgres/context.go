package postgres

import (
	"context"

	"shipsync/internal/core/tenant"
)

// TenantQuerier returns the tenant database bound to ctx by tenant.Manager.Bind.
// Source repositories read through it; warehouse repositories use their TxManager.
func TenantQuerier(ctx context.Context) (Querier, error) {
	pool, err := tenant.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	return pool, nil
}
