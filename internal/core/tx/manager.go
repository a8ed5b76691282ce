// Package tx defines the transaction boundary used by domain services.
// The implementation lives in infrastructure/storage/postgres.
package tx

import (
	"context"
)

// Manager runs units of work against one warehouse connection pool.
type Manager interface {
	// RunInTransaction executes fn within a database transaction.
	// If fn returns an error, the transaction is rolled back.
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
