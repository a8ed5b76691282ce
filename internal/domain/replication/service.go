package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"shipsync/internal/core/apperror"
	appctx "shipsync/internal/core/context"
	"shipsync/internal/core/entity"
	"shipsync/internal/core/tenant"
	"shipsync/internal/core/tx"
	"shipsync/pkg/logger"
)

var tracer = otel.Tracer("shipsync/replication")

// Config tunes a replication pass.
type Config struct {
	// BatchSize caps rows fetched per stream and pass.
	BatchSize int
	// Since is the recency watermark: older source rows are never replicated.
	Since time.Time
	// TenantTimeout bounds one tenant run; a timed-out tenant loses its connection.
	TenantTimeout time.Duration
	// Concurrency caps tenants replicated in parallel.
	Concurrency int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		Since:         time.Date(2025, 1, 28, 0, 0, 0, 0, time.UTC),
		TenantTimeout: time.Minute,
		Concurrency:   10,
	}
}

// Deps groups the collaborators of Replicator.
type Deps struct {
	Directory tenant.Directory
	Connector TenantConnector
	Source    SourceReader
	Cursors   CursorRepository
	Replicas  ReplicaWriter
	Schema    SchemaLoader
	TxManager tx.Manager
}

// Replicator copies tenant streams into the warehouse.
type Replicator struct {
	deps      Deps
	cfg       Config
	streams   []Stream
	deletions DeletionStream
}

// NewReplicator creates a replicator over the default streams.
func NewReplicator(deps Deps, cfg Config, deletions DeletionStream) *Replicator {
	return &Replicator{
		deps:      deps,
		cfg:       cfg,
		streams:   DefaultStreams(),
		deletions: deletions,
	}
}

// Kinds lists the cursor kinds maintained by the replicator.
func (r *Replicator) Kinds() []entity.EntityKind {
	kinds := make([]entity.EntityKind, 0, len(r.streams)+1)
	for _, s := range r.streams {
		kinds = append(kinds, s.Kind)
	}
	return append(kinds, entity.EntityDeletionLog)
}

func (r *Replicator) destTables() []string {
	tables := make([]string, 0, len(r.streams))
	for _, s := range r.streams {
		tables = append(tables, s.DestTable)
	}
	return tables
}

// ReplicateAll runs one pass over every active tenant. A missing registry
// yields an empty pass; one tenant failing never stops the others.
func (r *Replicator) ReplicateAll(ctx context.Context) (PassResult, error) {
	ctx, span := tracer.Start(ctx, "replication.pass")
	defer span.End()

	start := time.Now()
	result := PassResult{Totals: make(map[entity.EntityKind]int)}

	ids, err := r.deps.Directory.ListIDs(ctx)
	if err != nil {
		if errors.Is(err, tenant.ErrRegistryUnavailable) {
			logger.Warn(ctx, "tenant registry unavailable, skipping pass", "error", err)
			return result, nil
		}
		return result, fmt.Errorf("list tenants: %w", err)
	}
	span.SetAttributes(attribute.Int("tenants", len(ids)))
	if len(ids) == 0 {
		logger.Info(ctx, "no tenants to replicate")
		return result, nil
	}

	schema, err := r.deps.Schema.Load(ctx, r.destTables())
	if err != nil {
		return result, fmt.Errorf("load warehouse columns: %w", err)
	}

	if err := r.deps.Cursors.Ensure(ctx, ids, r.Kinds()); err != nil {
		return result, fmt.Errorf("ensure cursors: %w", err)
	}

	results := make([]TenantResult, len(ids))
	index := make(map[int64]int, len(ids))
	for i, id := range ids {
		index[id] = i
		results[i] = newTenantResult(id)
	}

	tenant.FanOut(ctx, ids, r.cfg.Concurrency, func(ctx context.Context, tenantID int64) {
		res, err := r.replicateTenant(ctx, tenantID, schema)
		res.Err = err
		results[index[tenantID]] = res
	})

	for _, res := range results {
		if res.Err != nil {
			result.Failed++
		}
		for kind, s := range res.Streams {
			result.Totals[kind] += s.Written
		}
		result.Backlog = result.Backlog || res.Backlog()
	}
	result.Tenants = results
	result.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.Int("tenants.failed", result.Failed),
		attribute.Bool("backlog", result.Backlog),
	)
	logger.Info(ctx, "replication pass finished",
		"tenants", len(ids),
		"failed", result.Failed,
		"shipments", result.Totals[entity.EntityShipment],
		"assignments", result.Totals[entity.EntityAssignment],
		"status_events", result.Totals[entity.EntityStatusHistory],
		"deletions", result.Totals[entity.EntityDeletionLog],
		"backlog", result.Backlog,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// ReplicateTenant runs every stream of one tenant.
func (r *Replicator) ReplicateTenant(ctx context.Context, tenantID int64) (TenantResult, error) {
	schema, err := r.deps.Schema.Load(ctx, r.destTables())
	if err != nil {
		return newTenantResult(tenantID), fmt.Errorf("load warehouse columns: %w", err)
	}
	if err := r.deps.Cursors.Ensure(ctx, []int64{tenantID}, r.Kinds()); err != nil {
		return newTenantResult(tenantID), fmt.Errorf("ensure cursors: %w", err)
	}
	return r.replicateTenant(ctx, tenantID, schema)
}

func (r *Replicator) replicateTenant(ctx context.Context, tenantID int64, schema Schema) (res TenantResult, err error) {
	res = newTenantResult(tenantID)
	start := time.Now()

	ctx = appctx.WithTenantID(ctx, tenantID)
	ctx, span := tracer.Start(ctx, "replication.tenant",
		trace.WithAttributes(attribute.Int64("tenant.id", tenantID)))
	defer span.End()

	if r.cfg.TenantTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TenantTimeout)
		defer cancel()
	}

	ctx, release, err := r.deps.Connector.Bind(ctx, tenantID)
	if err != nil {
		logger.Warn(ctx, "tenant connection failed", "error", err)
		return res, fmt.Errorf("connect tenant %d: %w", tenantID, err)
	}
	if t := tenant.BoundTenant(ctx); t != nil {
		span.SetAttributes(attribute.String("tenant.db", t.DBName))
	}
	defer func() {
		destroy := apperror.IsTransient(err)
		if destroy {
			logger.Warn(ctx, "discarding tenant connection", "error", err)
		}
		release(destroy)
		res.Elapsed = time.Since(start)
	}()

	var errs []error
	for _, s := range r.streams {
		sr, serr := r.replicateStream(ctx, tenantID, s, schema[s.DestTable])
		res.Streams[s.Kind] = sr
		if serr != nil {
			if apperror.IsTransient(serr) {
				return res, serr
			}
			logger.Error(ctx, "stream replication failed", "stream", s.Kind, "error", serr)
			errs = append(errs, serr)
		}
	}

	dr, derr := r.replicateDeletions(ctx, tenantID)
	res.Streams[entity.EntityDeletionLog] = dr
	if derr != nil {
		if apperror.IsTransient(derr) {
			return res, derr
		}
		logger.Error(ctx, "deletion replication failed", "error", derr)
		errs = append(errs, derr)
	}

	return res, errors.Join(errs...)
}

// replicateStream copies one batch. Rows and the cursor advance commit in one
// warehouse transaction, so a failed batch is retried in full next pass.
func (r *Replicator) replicateStream(ctx context.Context, tenantID int64, s Stream, cols TableColumns) (*StreamResult, error) {
	res := &StreamResult{Kind: s.Kind}

	last, err := r.deps.Cursors.Get(ctx, tenantID, s.Kind)
	if err != nil {
		return res, fmt.Errorf("read cursor %s: %w", s.Kind, err)
	}
	res.Cursor = last

	if len(cols) == 0 {
		return res, apperror.NewDataError(fmt.Sprintf("destination table %s has no columns", s.DestTable))
	}

	rows, err := r.deps.Source.FetchRows(ctx, s, last, r.cfg.Since, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", s.SourceTable, err)
	}
	res.Fetched = len(rows)
	res.Backlog = r.cfg.BatchSize > 0 && len(rows) >= r.cfg.BatchSize
	if len(rows) == 0 {
		return res, nil
	}

	mapped := make([]map[string]any, 0, len(rows))
	var maxID int64
	for _, row := range rows {
		id, err := RowID(row)
		if err != nil {
			res.Skipped++
			logger.Warn(ctx, "skipping source row without id", "stream", s.Kind, "error", err)
			continue
		}
		// Rows without a natural key are still passed by the cursor.
		maxID = max(maxID, id)
		m, ok := MapRow(row, tenantID, s.NaturalKey, cols)
		if !ok {
			res.Skipped++
			logger.Warn(ctx, "skipping source row without natural key", "stream", s.Kind, "source_id", id)
			continue
		}
		mapped = append(mapped, m)
	}
	if maxID <= last {
		return res, nil
	}

	err = r.deps.TxManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if len(mapped) > 0 {
			if err := r.deps.Replicas.Upsert(ctx, s.DestTable, s.NaturalKey, mapped); err != nil {
				return err
			}
		}
		return r.deps.Cursors.Advance(ctx, tenantID, s.Kind, maxID)
	})
	if err != nil {
		if apperror.IsTransient(err) {
			return res, err
		}
		return res, apperror.NewWriteFailed(s.DestTable, err).
			WithDetail("tenant_id", tenantID).
			WithDetail("rows", len(mapped))
	}

	res.Written = len(mapped)
	res.Advanced = maxID > last
	res.Cursor = max(last, maxID)
	logger.Debug(ctx, "stream replicated",
		"stream", s.Kind,
		"fetched", res.Fetched,
		"written", res.Written,
		"cursor", res.Cursor,
	)
	return res, nil
}

// replicateDeletions applies removal entries. The cursor only moves past
// entries that matched a replica shipment; unmatched ones are retried until
// the shipment arrives.
func (r *Replicator) replicateDeletions(ctx context.Context, tenantID int64) (*StreamResult, error) {
	kind := entity.EntityDeletionLog
	res := &StreamResult{Kind: kind}

	last, err := r.deps.Cursors.Get(ctx, tenantID, kind)
	if err != nil {
		return res, fmt.Errorf("read cursor %s: %w", kind, err)
	}
	res.Cursor = last

	entries, err := r.deps.Source.FetchDeletions(ctx, r.deletions, last, r.cfg.Since, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", r.deletions.SourceTable, err)
	}
	res.Fetched = len(entries)
	if len(entries) == 0 {
		return res, nil
	}

	var maxMatched int64
	matched := 0
	err = r.deps.TxManager.RunInTransaction(ctx, func(ctx context.Context) error {
		maxMatched, matched = 0, 0
		for _, d := range entries {
			if d.ShipmentID <= 0 {
				continue
			}
			ok, err := r.deps.Replicas.MarkShipmentDeleted(ctx, tenantID, d.ShipmentID)
			if err != nil {
				return err
			}
			if ok {
				matched++
				maxMatched = max(maxMatched, d.ID)
			}
		}
		if maxMatched == 0 {
			return nil
		}
		return r.deps.Cursors.Advance(ctx, tenantID, kind, maxMatched)
	})
	if err != nil {
		if apperror.IsTransient(err) {
			return res, err
		}
		return res, apperror.NewWriteFailed("shipments", err).WithDetail("tenant_id", tenantID)
	}

	res.Written = matched
	res.Skipped = len(entries) - matched
	res.Advanced = maxMatched > last
	res.Cursor = max(last, maxMatched)
	res.Backlog = r.cfg.BatchSize > 0 && len(entries) >= r.cfg.BatchSize && res.Advanced
	return res, nil
}
