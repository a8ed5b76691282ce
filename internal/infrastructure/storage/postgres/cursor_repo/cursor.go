// Package cursor_repo persists per-tenant replication progress.
package cursor_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"shipsync/internal/core/entity"
	"shipsync/internal/domain/replication"
	"shipsync/internal/infrastructure/storage/postgres"
)

const tableName = "tenant_cursor"

var _ replication.CursorRepository = (*CursorRepo)(nil)

// CursorRepo stores TenantCursor rows in the warehouse. Writes join the
// transaction in ctx, so a cursor moves together with the batch it covers.
type CursorRepo struct {
	txm *postgres.TxManager
}

func NewCursorRepo(txm *postgres.TxManager) *CursorRepo {
	return &CursorRepo{txm: txm}
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func ensureQuery(tenantIDs []int64, kinds []entity.EntityKind) squirrel.InsertBuilder {
	q := builder().
		Insert(tableName).
		Columns("tenant_id", "entity_kind", "last_source_id")
	for _, id := range tenantIDs {
		for _, k := range kinds {
			q = q.Values(id, string(k), 0)
		}
	}
	return q.Suffix("ON CONFLICT (tenant_id, entity_kind) DO NOTHING")
}

// Ensure creates missing zero cursors in one statement.
func (r *CursorRepo) Ensure(ctx context.Context, tenantIDs []int64, kinds []entity.EntityKind) error {
	if len(tenantIDs) == 0 || len(kinds) == 0 {
		return nil
	}
	sql, args, err := ensureQuery(tenantIDs, kinds).ToSql()
	if err != nil {
		return fmt.Errorf("build ensure cursors: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return postgres.WrapError("ensure cursors", err)
	}
	return nil
}

func (r *CursorRepo) Get(ctx context.Context, tenantID int64, kind entity.EntityKind) (int64, error) {
	var last int64
	err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &last,
		`SELECT last_source_id FROM tenant_cursor WHERE tenant_id = $1 AND entity_kind = $2`,
		tenantID, string(kind))
	if err != nil {
		if pgxscan.NotFound(err) {
			return 0, nil
		}
		return 0, postgres.WrapError("get cursor", err)
	}
	return last, nil
}

// Advance never moves a cursor backwards.
func (r *CursorRepo) Advance(ctx context.Context, tenantID int64, kind entity.EntityKind, lastID int64) error {
	_, err := r.txm.GetQuerier(ctx).Exec(ctx, `
		INSERT INTO tenant_cursor (tenant_id, entity_kind, last_source_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, entity_kind) DO UPDATE
		SET last_source_id = GREATEST(tenant_cursor.last_source_id, EXCLUDED.last_source_id),
		    updated_at = now()
	`, tenantID, string(kind), lastID)
	if err != nil {
		return postgres.WrapError("advance cursor", err)
	}
	return nil
}

// List returns all cursors, optionally for one tenant.
func (r *CursorRepo) List(ctx context.Context, tenantID int64) ([]entity.TenantCursor, error) {
	q := builder().
		Select(postgres.ExtractDBColumns[entity.TenantCursor]()...).
		From(tableName).
		OrderBy("tenant_id", "entity_kind")
	if tenantID != 0 {
		q = q.Where(squirrel.Eq{"tenant_id": tenantID})
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list cursors: %w", err)
	}
	var out []entity.TenantCursor
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &out, sql, args...); err != nil {
		return nil, postgres.WrapError("list cursors", err)
	}
	return out, nil
}
