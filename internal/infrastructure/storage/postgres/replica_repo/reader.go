package replica_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"shipsync/internal/core/entity"
	"shipsync/internal/domain/staging"
	"shipsync/internal/infrastructure/storage/postgres"
)

const unstagedStatusSQL = `
	SELECT status_event_id AS source_id,
	       shipment_id AS package_id,
	       driver_id,
	       status_code,
	       COALESCE(occurred_at, created_at) AS event_timestamp
	FROM status_events
	WHERE tenant_id = $1 AND NOT staged AND created_at >= $2
	ORDER BY status_event_id
	LIMIT $3`

const unstagedAssignmentSQL = `
	SELECT assignment_id AS source_id,
	       shipment_id AS package_id,
	       driver_id,
	       NULL::int AS status_code,
	       COALESCE(assigned_at, created_at) AS event_timestamp
	FROM assignments
	WHERE tenant_id = $1 AND NOT staged AND created_at >= $2
	ORDER BY assignment_id
	LIMIT $3`

func (r *ReplicaRepo) unstaged(ctx context.Context, kind entity.TriggerKind, sql string, tenantID int64, since time.Time, limit int) ([]staging.PendingRow, error) {
	var rows []staging.PendingRow
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, sql, tenantID, since, limit); err != nil {
		return nil, postgres.WrapError(fmt.Sprintf("select unstaged %s rows", kind), err)
	}
	for i := range rows {
		rows[i].Kind = kind
	}
	return rows, nil
}

func (r *ReplicaRepo) UnstagedStatusEvents(ctx context.Context, tenantID int64, since time.Time, limit int) ([]staging.PendingRow, error) {
	return r.unstaged(ctx, entity.TriggerStatus, unstagedStatusSQL, tenantID, since, limit)
}

func (r *ReplicaRepo) UnstagedAssignments(ctx context.Context, tenantID int64, since time.Time, limit int) ([]staging.PendingRow, error) {
	return r.unstaged(ctx, entity.TriggerAssignment, unstagedAssignmentSQL, tenantID, since, limit)
}

// lookup scans a single value; a missing row is reported as found=false.
func lookup[T any](ctx context.Context, q postgres.Querier, op, sql string, args ...any) (T, bool, error) {
	var v T
	if err := pgxscan.Get(ctx, q, &v, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return v, false, nil
		}
		return v, false, postgres.WrapError(op, err)
	}
	return v, true, nil
}

func (r *ReplicaRepo) ResolveClient(ctx context.Context, tenantID, packageID int64) (int64, bool, error) {
	return lookup[int64](ctx, r.txm.GetQuerier(ctx), "resolve client", `
		SELECT client_id FROM shipments
		WHERE tenant_id = $1 AND shipment_id = $2 AND client_id IS NOT NULL
		ORDER BY deleted ASC
		LIMIT 1`, tenantID, packageID)
}

func (r *ReplicaRepo) CurrentDriver(ctx context.Context, tenantID, packageID int64) (int64, bool, error) {
	return lookup[int64](ctx, r.txm.GetQuerier(ctx), "current driver", `
		SELECT driver_id FROM assignments
		WHERE tenant_id = $1 AND shipment_id = $2 AND driver_id IS NOT NULL
		ORDER BY assignment_id DESC
		LIMIT 1`, tenantID, packageID)
}

func (r *ReplicaRepo) CurrentStatus(ctx context.Context, tenantID, packageID int64) (int, bool, error) {
	return lookup[int](ctx, r.txm.GetQuerier(ctx), "current status", `
		SELECT status_code FROM status_events
		WHERE tenant_id = $1 AND shipment_id = $2
		ORDER BY status_event_id DESC
		LIMIT 1`, tenantID, packageID)
}

// PreviousDriver orders by the natural assignment id, which tenant
// databases allocate monotonically.
func (r *ReplicaRepo) PreviousDriver(ctx context.Context, tenantID, packageID, beforeSourceID int64) (int64, bool, error) {
	return lookup[int64](ctx, r.txm.GetQuerier(ctx), "previous driver", `
		SELECT driver_id FROM assignments
		WHERE tenant_id = $1 AND shipment_id = $2 AND assignment_id < $3 AND driver_id IS NOT NULL
		ORDER BY assignment_id DESC
		LIMIT 1`, tenantID, packageID, beforeSourceID)
}

func stagedTarget(kind entity.TriggerKind) (table, key string, err error) {
	switch kind {
	case entity.TriggerStatus:
		return "status_events", "status_event_id", nil
	case entity.TriggerAssignment:
		return "assignments", "assignment_id", nil
	}
	return "", "", fmt.Errorf("unknown trigger kind %q", kind)
}

func (r *ReplicaRepo) MarkStaged(ctx context.Context, kind entity.TriggerKind, tenantID, sourceID int64) error {
	table, key, err := stagedTarget(kind)
	if err != nil {
		return err
	}
	sql, args, err := builder().
		Update(table).
		Set("staged", true).
		Where(squirrel.Eq{tenantColumn: tenantID, key: sourceID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark staged: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return postgres.WrapError("mark staged", err)
	}
	return nil
}
