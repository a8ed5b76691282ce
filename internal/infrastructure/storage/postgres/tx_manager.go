package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shipsync/internal/core/tx"
	"shipsync/pkg/logger"
)

var tracer = otel.Tracer("shipsync/tx")

var _ tx.Manager = (*TxManager)(nil)

// TxOptions configures transaction behavior.
type TxOptions struct {
	IsolationLevel pgx.TxIsoLevel

	// StatementTimeout protects against runaway queries (0 = server default)
	StatementTimeout time.Duration
}

// DefaultTxOptions returns defaults for warehouse writes.
func DefaultTxOptions() TxOptions {
	return TxOptions{
		IsolationLevel:   pgx.ReadCommitted,
		StatementTimeout: 30 * time.Second,
	}
}

// TxManager runs transactions against one warehouse pool. Replication and
// aggregation each own a TxManager over their own pool so a slow job cannot
// starve the other of connections.
type TxManager struct {
	pool *pgxpool.Pool
	name string
	opts TxOptions
}

// NewTxManager creates a transaction manager over pool.
func NewTxManager(pool *Pool) *TxManager {
	return &TxManager{pool: pool.Pool, name: pool.Name, opts: DefaultTxOptions()}
}

// WithOptions returns a copy of m using opts for new transactions.
func (m *TxManager) WithOptions(opts TxOptions) *TxManager {
	cp := *m
	cp.opts = opts
	return &cp
}

type txKey struct{}

// Tx wraps pgx.Tx with the owning manager, so a transaction opened by one
// pool is never reused by a manager of another pool.
type Tx struct {
	pgx.Tx
	owner *TxManager
}

// RunInTransaction executes fn within a transaction.
// If a transaction of this manager already exists in ctx, it is reused.
func (m *TxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.GetTx(ctx) != nil {
		return fn(ctx)
	}

	ctx, span := tracer.Start(ctx, "transaction",
		trace.WithAttributes(
			attribute.String("tx.pool", m.name),
			attribute.String("tx.isolation", string(m.opts.IsolationLevel)),
		))
	defer span.End()

	err := m.run(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *TxManager) run(ctx context.Context, fn func(ctx context.Context) error) error {
	pgTx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: m.opts.IsolationLevel})
	if err != nil {
		return WrapError("begin transaction", err)
	}

	if m.opts.StatementTimeout > 0 {
		_, err = pgTx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", m.opts.StatementTimeout.Milliseconds()))
		if err != nil {
			_ = pgTx.Rollback(context.Background())
			return WrapError("set statement_timeout", err)
		}
	}

	txCtx := context.WithValue(ctx, txKey{}, &Tx{Tx: pgTx, owner: m})

	if err := fn(txCtx); err != nil {
		// Background context: the rollback must go out even when ctx is done.
		if rbErr := pgTx.Rollback(context.Background()); rbErr != nil {
			logger.Error(ctx, "rollback failed", "pool", m.name, "error", rbErr, "original_error", err)
		}
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return WrapError("commit transaction", err)
	}
	return nil
}

// GetTx returns the transaction of this manager from context, or nil.
func (m *TxManager) GetTx(ctx context.Context) *Tx {
	if t, ok := ctx.Value(txKey{}).(*Tx); ok && t.owner == m {
		return t
	}
	return nil
}

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// GetQuerier returns the active transaction or the pool.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if t := m.GetTx(ctx); t != nil {
		return t.Tx
	}
	return m.pool
}
