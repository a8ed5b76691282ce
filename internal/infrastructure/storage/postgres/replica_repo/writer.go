// Package replica_repo reads and writes the warehouse replica tables
// (shipments, assignments, status_events).
package replica_repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"shipsync/internal/domain/aggregation"
	"shipsync/internal/domain/replication"
	"shipsync/internal/domain/staging"
	"shipsync/internal/infrastructure/storage/postgres"
)

const tenantColumn = "tenant_id"

var (
	_ replication.ReplicaWriter     = (*ReplicaRepo)(nil)
	_ staging.ReplicaReader         = (*ReplicaRepo)(nil)
	_ aggregation.AssignmentHistory = (*ReplicaRepo)(nil)
)

// ReplicaRepo works on whatever warehouse pool its TxManager owns.
type ReplicaRepo struct {
	txm   *postgres.TxManager
	batch *postgres.BatchExecutor
}

func NewReplicaRepo(txm *postgres.TxManager) *ReplicaRepo {
	return &ReplicaRepo{txm: txm, batch: postgres.NewBatchExecutor(txm)}
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// Upsert writes rows last-write-wins on (tenant_id, naturalKey). Must run
// inside a transaction of the repo's TxManager.
func (r *ReplicaRepo) Upsert(ctx context.Context, table string, naturalKey string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	builders := upsertQueries(table, naturalKey, rows)
	queries := make([]postgres.BatchQuery, 0, len(builders))
	for _, b := range builders {
		q, err := postgres.NewBatchQuery(b)
		if err != nil {
			return err
		}
		queries = append(queries, q)
	}
	if _, err := r.batch.ExecuteBatch(ctx, queries); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

// upsertQueries builds one multi-row insert per distinct column set. Later
// versions of the same natural key replace earlier ones, since a single
// statement may not touch a row twice.
func upsertQueries(table, naturalKey string, rows []map[string]any) []squirrel.InsertBuilder {
	latest := make(map[any]int, len(rows))
	var order []any
	for i, row := range rows {
		k := row[naturalKey]
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = i
	}

	type group struct {
		cols []string
		rows []map[string]any
	}
	groups := make(map[string]*group)
	var sigs []string
	for _, k := range order {
		row := rows[latest[k]]
		cols := postgres.SortedKeys(row)
		sig := strings.Join(cols, ",")
		g, ok := groups[sig]
		if !ok {
			g = &group{cols: cols}
			groups[sig] = g
			sigs = append(sigs, sig)
		}
		g.rows = append(g.rows, row)
	}

	out := make([]squirrel.InsertBuilder, 0, len(sigs))
	for _, sig := range sigs {
		g := groups[sig]
		quoted := make([]string, len(g.cols))
		for i, c := range g.cols {
			quoted[i] = pgx.Identifier{c}.Sanitize()
		}
		q := builder().Insert(pgx.Identifier{table}.Sanitize()).Columns(quoted...)
		for _, row := range g.rows {
			vals := make([]any, len(g.cols))
			for i, c := range g.cols {
				vals[i] = row[c]
			}
			q = q.Values(vals...)
		}
		out = append(out, q.Suffix(conflictClause(naturalKey, g.cols)))
	}
	return out
}

func conflictClause(naturalKey string, cols []string) string {
	target := fmt.Sprintf("ON CONFLICT (%s, %s)", tenantColumn, pgx.Identifier{naturalKey}.Sanitize())
	updates := postgres.ExceptColumns(cols, tenantColumn, naturalKey)
	if len(updates) == 0 {
		return target + " DO NOTHING"
	}
	sets := make([]string, len(updates))
	for i, c := range updates {
		q := pgx.Identifier{c}.Sanitize()
		sets[i] = q + " = EXCLUDED." + q
	}
	return target + " DO UPDATE SET " + strings.Join(sets, ", ")
}

// MarkShipmentDeleted soft-deletes one replica shipment.
func (r *ReplicaRepo) MarkShipmentDeleted(ctx context.Context, tenantID, shipmentID int64) (bool, error) {
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx,
		`UPDATE shipments SET deleted = true WHERE tenant_id = $1 AND shipment_id = $2`,
		tenantID, shipmentID)
	if err != nil {
		return false, postgres.WrapError("mark shipment deleted", err)
	}
	return tag.RowsAffected() > 0, nil
}
