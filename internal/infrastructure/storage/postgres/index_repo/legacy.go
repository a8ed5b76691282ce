package index_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"shipsync/internal/core/entity"
	"shipsync/internal/domain/aggregation"
	"shipsync/internal/infrastructure/storage/postgres"
)

var _ aggregation.LegacyReader = (*LegacyRepo)(nil)

// LegacyRepo reads the comma-joined aggregate table kept by the previous
// system. Column names are aliased to LegacyRow's tags.
type LegacyRepo struct {
	q     postgres.Querier
	table string
}

func NewLegacyRepo(q postgres.Querier, table string) *LegacyRepo {
	if table == "" {
		table = "home_app"
	}
	return &LegacyRepo{q: q, table: table}
}

func legacyQuery(table string, afterID int64, fromDay entity.Day, limit int) squirrel.SelectBuilder {
	q := builder().
		Select(
			"id",
			"COALESCE(owner_id, 0) AS owner_id",
			"COALESCE(client_id, 0) AS client_id",
			"COALESCE(driver_id, 0) AS driver_id",
			"status_code",
			"COALESCE(day::text, '') AS day",
			"COALESCE(packages, '') AS packages",
			"COALESCE(live_packages, '') AS live_packages",
		).
		From(pgx.Identifier{table}.Sanitize()).
		Where(squirrel.Gt{"id": afterID}).
		OrderBy("id ASC").
		Limit(uint64(limit))
	if fromDay != "" {
		q = q.Where(squirrel.GtOrEq{"day": fromDay.Time()})
	}
	return q
}

func (r *LegacyRepo) FetchLegacy(ctx context.Context, afterID int64, fromDay entity.Day, limit int) ([]aggregation.LegacyRow, error) {
	sql, args, err := legacyQuery(r.table, afterID, fromDay, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build legacy select: %w", err)
	}
	var rows []aggregation.LegacyRow
	if err := pgxscan.Select(ctx, r.q, &rows, sql, args...); err != nil {
		return nil, postgres.WrapError("read legacy rows", err)
	}
	return rows, nil
}
