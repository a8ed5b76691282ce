// Package index_repo stores the aggregate index, one row per package per cell.
package index_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"shipsync/internal/core/entity"
	"shipsync/internal/domain/aggregation"
	"shipsync/internal/infrastructure/storage/postgres"
)

var (
	_ aggregation.Index       = (*IndexRepo)(nil)
	_ aggregation.IndexMerger = (*IndexRepo)(nil)
)

const upsertMembersSQL = `
	INSERT INTO aggregate_index
		(tenant_id, client_id, driver_id, status_code, day, package_id, in_historical, in_live, updated_at)
	SELECT $1, $2, $3, $4, $5::date, m.package_id, true, m.live, now()
	FROM unnest($6::bigint[], $7::boolean[]) AS m(package_id, live)
	ON CONFLICT (tenant_id, client_id, driver_id, status_code, day, package_id) DO UPDATE
	SET in_historical = true,
	    in_live = EXCLUDED.in_live,
	    updated_at = now()`

const clearLiveSQL = `
	UPDATE aggregate_index
	SET in_live = false, updated_at = now()
	WHERE tenant_id = $1 AND client_id = $2 AND driver_id = $3 AND status_code = $4 AND day = $5::date
	  AND package_id = ANY($6) AND in_live`

type IndexRepo struct {
	txm   *postgres.TxManager
	batch *postgres.BatchExecutor
}

func NewIndexRepo(txm *postgres.TxManager) *IndexRepo {
	return &IndexRepo{txm: txm, batch: postgres.NewBatchExecutor(txm)}
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

type liveRow struct {
	PackageID  int64     `db:"package_id"`
	ClientID   int64     `db:"client_id"`
	DriverID   int64     `db:"driver_id"`
	StatusCode int       `db:"status_code"`
	Day        time.Time `db:"day"`
}

// LiveByPackages uses the partial index on live rows.
func (r *IndexRepo) LiveByPackages(ctx context.Context, tenantID int64, packageIDs []int64) (map[int64][]entity.AggregateKey, error) {
	out := make(map[int64][]entity.AggregateKey, len(packageIDs))
	if len(packageIDs) == 0 {
		return out, nil
	}
	var rows []liveRow
	err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, `
		SELECT package_id, client_id, driver_id, status_code, day
		FROM aggregate_index
		WHERE tenant_id = $1 AND package_id = ANY($2) AND in_live`,
		tenantID, packageIDs)
	if err != nil {
		return nil, postgres.WrapError("load live cells", err)
	}
	for _, row := range rows {
		out[row.PackageID] = append(out[row.PackageID], entity.AggregateKey{
			TenantID:   tenantID,
			ClientID:   row.ClientID,
			DriverID:   row.DriverID,
			StatusCode: row.StatusCode,
			Day:        entity.DayFromDate(row.Day),
		})
	}
	return out, nil
}

// applyQueries splits changes into one upsert for members and one live-clearing update.
func applyQueries(key entity.AggregateKey, changes []entity.Membership) []postgres.BatchQuery {
	var (
		addIDs  []int64
		addLive []bool
		removed []int64
	)
	for _, c := range changes {
		if c.Historical {
			addIDs = append(addIDs, c.PackageID)
			addLive = append(addLive, c.Live)
			continue
		}
		removed = append(removed, c.PackageID)
	}

	keyArgs := []any{key.TenantID, key.ClientID, key.DriverID, key.StatusCode, key.Day.Time()}
	var queries []postgres.BatchQuery
	if len(addIDs) > 0 {
		queries = append(queries, postgres.BatchQuery{
			SQL:  upsertMembersSQL,
			Args: append(keyArgs[:len(keyArgs):len(keyArgs)], addIDs, addLive),
		})
	}
	if len(removed) > 0 {
		queries = append(queries, postgres.BatchQuery{
			SQL:  clearLiveSQL,
			Args: append(keyArgs[:len(keyArgs):len(keyArgs)], removed),
		})
	}
	return queries
}

// Apply writes one cell. Must run inside a transaction of the repo's TxManager.
func (r *IndexRepo) Apply(ctx context.Context, key entity.AggregateKey, changes []entity.Membership) error {
	queries := applyQueries(key, changes)
	if len(queries) == 0 {
		return nil
	}
	if _, err := r.batch.ExecuteBatch(ctx, queries); err != nil {
		return fmt.Errorf("apply cell %s: %w", key, err)
	}
	return nil
}

type mergeKey struct {
	key entity.AggregateKey
	pkg int64
}

func mergeQuery(entries []aggregation.MergeEntry) squirrel.InsertBuilder {
	live := make(map[mergeKey]bool, len(entries))
	var order []mergeKey
	for _, e := range entries {
		k := mergeKey{e.Key, e.PackageID}
		prev, seen := live[k]
		if !seen {
			order = append(order, k)
		}
		live[k] = prev || e.Live
	}

	q := builder().
		Insert("aggregate_index").
		Columns("tenant_id", "client_id", "driver_id", "status_code", "day", "package_id", "in_historical", "in_live", "updated_at")
	for _, k := range order {
		q = q.Values(k.key.TenantID, k.key.ClientID, k.key.DriverID, k.key.StatusCode, k.key.Day.Time(), k.pkg, true, live[k], squirrel.Expr("now()"))
	}
	return q.Suffix(`ON CONFLICT (tenant_id, client_id, driver_id, status_code, day, package_id) DO UPDATE
	SET in_historical = true,
	    in_live = aggregate_index.in_live OR EXCLUDED.in_live,
	    updated_at = now()`)
}

// Merge writes backfill entries. Live membership is OR-merged, never lowered.
func (r *IndexRepo) Merge(ctx context.Context, entries []aggregation.MergeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	sql, args, err := mergeQuery(entries).ToSql()
	if err != nil {
		return fmt.Errorf("build merge: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return postgres.WrapError("merge index entries", err)
	}
	return nil
}

// CellMembers lists the packages of one cell.
func (r *IndexRepo) CellMembers(ctx context.Context, key entity.AggregateKey) ([]entity.IndexEntry, error) {
	var rows []entity.IndexEntry
	err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, `
		SELECT package_id, in_historical, in_live, updated_at
		FROM aggregate_index
		WHERE tenant_id = $1 AND client_id = $2 AND driver_id = $3 AND status_code = $4 AND day = $5::date
		ORDER BY package_id`,
		key.TenantID, key.ClientID, key.DriverID, key.StatusCode, key.Day.Time())
	if err != nil {
		return nil, postgres.WrapError("cell members", err)
	}
	for i := range rows {
		rows[i].Key = key
	}
	return rows, nil
}
