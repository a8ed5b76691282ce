// Package event_repo stores staged change events (the cdc_event queue).
package event_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"shipsync/internal/core/entity"
	"shipsync/internal/domain/aggregation"
	"shipsync/internal/domain/staging"
	"shipsync/internal/infrastructure/storage/postgres"
)

const tableName = "cdc_event"

var (
	_ staging.EventWriter    = (*EventRepo)(nil)
	_ aggregation.EventQueue = (*EventRepo)(nil)
)

var (
	selectColumns = postgres.ExtractDBColumns[entity.StagedEvent]()
	insertColumns = postgres.ExceptColumns(selectColumns, "id", "processed", "processed_at")
)

// EventRepo is the producer and consumer side of the queue.
type EventRepo struct {
	txm *postgres.TxManager
}

func NewEventRepo(txm *postgres.TxManager) *EventRepo {
	return &EventRepo{txm: txm}
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func insertQuery(events []entity.StagedEvent) squirrel.InsertBuilder {
	q := builder().Insert(tableName).Columns(insertColumns...)
	for _, e := range events {
		q = q.Values(
			e.TenantID,
			e.SourceID,
			e.PackageID,
			e.ClientID,
			e.DriverID,
			e.StatusCode,
			string(e.TriggerKind),
			string(e.ExecutionContext),
			e.EventTimestamp,
		)
	}
	return q.Suffix("ON CONFLICT (tenant_id, trigger_kind, source_id, execution_context) DO NOTHING")
}

// InsertIgnore appends events; already staged ones are silently skipped.
func (r *EventRepo) InsertIgnore(ctx context.Context, events []entity.StagedEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	sql, args, err := insertQuery(events).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert events: %w", err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, postgres.WrapError("insert events", err)
	}
	return tag.RowsAffected(), nil
}

func fetchQuery(execCtx entity.ExecutionContext, limit int) squirrel.SelectBuilder {
	return builder().
		Select(selectColumns...).
		From(tableName).
		Where(squirrel.Eq{"execution_context": string(execCtx), "processed": false}).
		Where(squirrel.NotEq{"client_id": nil}).
		OrderBy("id ASC").
		Limit(uint64(limit))
}

func (r *EventRepo) FetchUnprocessed(ctx context.Context, execCtx entity.ExecutionContext, limit int) ([]entity.StagedEvent, error) {
	sql, args, err := fetchQuery(execCtx, limit).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build fetch events: %w", err)
	}
	var events []entity.StagedEvent
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &events, sql, args...); err != nil {
		return nil, postgres.WrapError("fetch events", err)
	}
	return events, nil
}

// MarkProcessed acknowledges events. Already processed ids are not counted.
func (r *EventRepo) MarkProcessed(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, `
		UPDATE cdc_event
		SET processed = true, processed_at = now()
		WHERE id = ANY($1) AND NOT processed
	`, ids)
	if err != nil {
		return 0, postgres.WrapError("mark events processed", err)
	}
	return tag.RowsAffected(), nil
}

// QueueDepth counts unprocessed events per execution context.
func (r *EventRepo) QueueDepth(ctx context.Context) (map[entity.ExecutionContext]int64, error) {
	var rows []struct {
		ExecutionContext entity.ExecutionContext `db:"execution_context"`
		Pending          int64                   `db:"pending"`
	}
	err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, `
		SELECT execution_context, count(*) AS pending
		FROM cdc_event
		WHERE NOT processed
		GROUP BY execution_context
	`)
	if err != nil {
		return nil, postgres.WrapError("queue depth", err)
	}
	out := make(map[entity.ExecutionContext]int64, len(rows))
	for _, row := range rows {
		out[row.ExecutionContext] = row.Pending
	}
	return out, nil
}
