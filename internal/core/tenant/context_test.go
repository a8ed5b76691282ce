package tenant

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinding(t *testing.T) {
	_, err := GetPool(context.Background())
	require.ErrorIs(t, err, ErrNotBound)
	assert.Nil(t, BoundTenant(context.Background()))

	pool := &pgxpool.Pool{}
	tn := &Tenant{ID: 164, DBName: "tenant_164"}
	ctx := withBinding(context.Background(), pool, tn)

	got, err := GetPool(ctx)
	require.NoError(t, err)
	assert.Same(t, pool, got)
	assert.Same(t, tn, BoundTenant(ctx))
}
