package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// BatchQuery represents a query in a batch.
type BatchQuery struct {
	SQL  string
	Args []any
}

// NewBatchQuery renders a squirrel builder into a BatchQuery.
func NewBatchQuery(b squirrel.Sqlizer) (BatchQuery, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return BatchQuery{}, fmt.Errorf("build query: %w", err)
	}
	return BatchQuery{SQL: sql, Args: args}, nil
}

// BatchExecutor sends several statements in one round-trip.
type BatchExecutor struct {
	txManager *TxManager
}

func NewBatchExecutor(txManager *TxManager) *BatchExecutor {
	return &BatchExecutor{txManager: txManager}
}

// ExecuteBatch executes queries inside the current transaction and returns
// the rows affected by each. The first failing statement aborts the batch.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, queries []BatchQuery) ([]int64, error) {
	tx := e.txManager.GetTx(ctx)
	if tx == nil {
		return nil, fmt.Errorf("ExecuteBatch requires transaction context")
	}
	if len(queries) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, q := range queries {
		batch.Queue(q.SQL, q.Args...)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	affected := make([]int64, 0, len(queries))
	for i := range queries {
		tag, err := results.Exec()
		if err != nil {
			return affected, WrapError(fmt.Sprintf("batch statement %d", i), err)
		}
		affected = append(affected, tag.RowsAffected())
	}

	return affected, nil
}
