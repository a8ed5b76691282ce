// Package source_repo reads shipment tables from tenant databases.
// The tenant connection comes from ctx (tenant.Manager.Bind); nothing here
// holds a pool.
package source_repo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"shipsync/internal/domain/replication"
	"shipsync/internal/infrastructure/storage/postgres"
	"shipsync/pkg/logger"
)

var _ replication.SourceReader = (*SourceRepo)(nil)

type SourceRepo struct{}

func NewSourceRepo() *SourceRepo { return &SourceRepo{} }

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func rowsQuery(s replication.Stream, afterID int64, since time.Time, limit int) squirrel.SelectBuilder {
	return builder().
		Select("*").
		From(pgx.Identifier{s.SourceTable}.Sanitize()).
		Where(squirrel.Gt{replication.SourceIDColumn: afterID}).
		Where(squirrel.Gt{pgx.Identifier{s.RecencyColumn}.Sanitize(): since}).
		OrderBy(replication.SourceIDColumn + " ASC").
		Limit(uint64(limit))
}

func deletionsQuery(s replication.DeletionStream, afterID int64, since time.Time, limit int) squirrel.SelectBuilder {
	return builder().
		Select("id", "data").
		From(pgx.Identifier{s.SourceTable}.Sanitize()).
		Where(squirrel.Eq{"module": s.Marker}).
		Where(squirrel.Gt{"id": afterID}).
		Where(squirrel.Gt{pgx.Identifier{s.RecencyColumn}.Sanitize(): since}).
		OrderBy("id ASC").
		Limit(uint64(limit))
}

// FetchRows returns whole source rows; column filtering happens in the domain.
func (r *SourceRepo) FetchRows(ctx context.Context, s replication.Stream, afterID int64, since time.Time, limit int) ([]replication.SourceRow, error) {
	q, err := postgres.TenantQuerier(ctx)
	if err != nil {
		return nil, err
	}
	sql, args, err := rowsQuery(s, afterID, since, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select %s: %w", s.SourceTable, err)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, postgres.WrapError("select "+s.SourceTable, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, postgres.WrapError("read "+s.SourceTable, err)
	}

	out := make([]replication.SourceRow, len(maps))
	for i, m := range maps {
		out[i] = replication.SourceRow(m)
	}
	return out, nil
}

type deletionRow struct {
	ID   int64   `db:"id"`
	Data *string `db:"data"`
}

// FetchDeletions returns removal entries. An entry whose payload is not a
// shipment id is returned with ShipmentID 0 so the caller skips it.
func (r *SourceRepo) FetchDeletions(ctx context.Context, s replication.DeletionStream, afterID int64, since time.Time, limit int) ([]replication.Deletion, error) {
	q, err := postgres.TenantQuerier(ctx)
	if err != nil {
		return nil, err
	}
	sql, args, err := deletionsQuery(s, afterID, since, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select %s: %w", s.SourceTable, err)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, postgres.WrapError("select "+s.SourceTable, err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[deletionRow])
	if err != nil {
		return nil, postgres.WrapError("read "+s.SourceTable, err)
	}

	out := make([]replication.Deletion, 0, len(entries))
	for _, e := range entries {
		out = append(out, replication.Deletion{ID: e.ID, ShipmentID: parseShipmentID(e.Data)})
		if out[len(out)-1].ShipmentID == 0 {
			logger.Warn(ctx, "removal entry without shipment id", "entry_id", e.ID)
		}
	}
	return out, nil
}

func parseShipmentID(data *string) int64 {
	if data == nil {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimSpace(*data), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
