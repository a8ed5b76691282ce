package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"shipsync/internal/core/apperror"
	appctx "shipsync/internal/core/context"
	"shipsync/internal/core/entity"
	"shipsync/internal/core/tenant"
	"shipsync/internal/core/tx"
	"shipsync/pkg/logger"
)

var tracer = otel.Tracer("shipsync/staging")

// Config tunes a staging pass.
type Config struct {
	StatusBatch     int
	AssignmentBatch int
	// Since bounds the replica rows considered, matching the replication watermark.
	Since       time.Time
	Concurrency int
	// Contexts lists the consumers that receive a copy of every event.
	Contexts []entity.ExecutionContext
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StatusBatch:     50,
		AssignmentBatch: 500,
		Since:           time.Date(2025, 1, 28, 0, 0, 0, 0, time.UTC),
		Concurrency:     10,
		Contexts:        entity.DefaultExecutionContexts(),
	}
}

// TenantResult reports one tenant.
type TenantResult struct {
	TenantID int64 `json:"tenant_id"`
	Rows     int   `json:"rows"`
	Events   int   `json:"events"`
	Skipped  int   `json:"skipped"`
	Backlog  bool  `json:"backlog"`
	Err      error `json:"-"`
}

// PassResult reports one pass over all tenants.
type PassResult struct {
	Tenants int           `json:"tenants"`
	Events  int           `json:"events"`
	Skipped int           `json:"skipped"`
	Failed  int           `json:"failed"`
	Backlog bool          `json:"backlog"`
	Elapsed time.Duration `json:"elapsed"`
}

// Stager converts replica rows into staged events.
type Stager struct {
	directory tenant.Directory
	reader    ReplicaReader
	writer    EventWriter
	txm       tx.Manager
	cfg       Config
}

func NewStager(directory tenant.Directory, reader ReplicaReader, writer EventWriter, txm tx.Manager, cfg Config) *Stager {
	if len(cfg.Contexts) == 0 {
		cfg.Contexts = entity.DefaultExecutionContexts()
	}
	return &Stager{
		directory: directory,
		reader:    reader,
		writer:    writer,
		txm:       txm,
		cfg:       cfg,
	}
}

// StageAll stages every active tenant.
func (s *Stager) StageAll(ctx context.Context) (PassResult, error) {
	ctx, span := tracer.Start(ctx, "staging.pass")
	defer span.End()

	start := time.Now()
	var result PassResult

	ids, err := s.directory.ListIDs(ctx)
	if err != nil {
		if errors.Is(err, tenant.ErrRegistryUnavailable) {
			logger.Warn(ctx, "tenant registry unavailable, skipping staging", "error", err)
			return result, nil
		}
		return result, fmt.Errorf("list tenants: %w", err)
	}
	result.Tenants = len(ids)

	results := make(chan TenantResult, len(ids))
	tenant.FanOut(ctx, ids, s.cfg.Concurrency, func(ctx context.Context, tenantID int64) {
		res, err := s.StageTenantEvents(ctx, tenantID)
		res.Err = err
		results <- res
	})
	close(results)

	for res := range results {
		result.Events += res.Events
		result.Skipped += res.Skipped
		result.Backlog = result.Backlog || res.Backlog
		if res.Err != nil {
			result.Failed++
		}
	}
	result.Elapsed = time.Since(start)

	span.SetAttributes(attribute.Int("events", result.Events), attribute.Int("tenants.failed", result.Failed))
	logger.Info(ctx, "staging pass finished",
		"tenants", result.Tenants,
		"events", result.Events,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// StageTenantEvents stages the pending status and assignment rows of one tenant.
// Each row commits with its events, so re-running never duplicates anything.
func (s *Stager) StageTenantEvents(ctx context.Context, tenantID int64) (TenantResult, error) {
	res := TenantResult{TenantID: tenantID}
	ctx = appctx.WithTenantID(ctx, tenantID)

	statusRows, err := s.reader.UnstagedStatusEvents(ctx, tenantID, s.cfg.Since, s.cfg.StatusBatch)
	if err != nil {
		return res, fmt.Errorf("read status rows: %w", err)
	}
	assignRows, err := s.reader.UnstagedAssignments(ctx, tenantID, s.cfg.Since, s.cfg.AssignmentBatch)
	if err != nil {
		return res, fmt.Errorf("read assignment rows: %w", err)
	}
	res.Backlog = (s.cfg.StatusBatch > 0 && len(statusRows) >= s.cfg.StatusBatch) ||
		(s.cfg.AssignmentBatch > 0 && len(assignRows) >= s.cfg.AssignmentBatch)

	for i := range statusRows {
		statusRows[i].Kind = entity.TriggerStatus
	}
	for i := range assignRows {
		assignRows[i].Kind = entity.TriggerAssignment
	}

	for _, row := range append(statusRows, assignRows...) {
		res.Rows++
		n, err := s.stageRow(ctx, tenantID, row)
		if err != nil {
			if apperror.IsTransient(err) {
				return res, err
			}
			res.Skipped++
			logger.Error(ctx, "staging row failed",
				"kind", row.Kind,
				"source_id", row.SourceID,
				"error", err,
			)
			continue
		}
		if n == 0 {
			res.Skipped++
		}
		res.Events += n
	}

	if res.Rows > 0 {
		logger.Debug(ctx, "tenant staged",
			"rows", res.Rows,
			"events", res.Events,
			"skipped", res.Skipped,
		)
	}
	return res, nil
}

// stageRow returns the number of events written. Rows whose client cannot
// be resolved stay unstaged and are retried next pass.
func (s *Stager) stageRow(ctx context.Context, tenantID int64, row PendingRow) (int, error) {
	clientID, ok, err := s.reader.ResolveClient(ctx, tenantID, row.PackageID)
	if err != nil {
		return 0, err
	}
	if !ok {
		logger.Debug(ctx, "client unresolved, leaving row for next pass",
			"kind", row.Kind,
			"package_id", row.PackageID,
		)
		return 0, nil
	}

	driverID, status := row.DriverID, row.StatusCode
	switch row.Kind {
	case entity.TriggerStatus:
		if driverID == nil {
			d, found, err := s.reader.CurrentDriver(ctx, tenantID, row.PackageID)
			if err != nil {
				return 0, err
			}
			if found && d != 0 {
				driverID = &d
			}
		}
	case entity.TriggerAssignment:
		if status == nil {
			st, found, err := s.reader.CurrentStatus(ctx, tenantID, row.PackageID)
			if err != nil {
				return 0, err
			}
			if found {
				status = &st
			}
		}
	}

	events := make([]entity.StagedEvent, 0, len(s.cfg.Contexts))
	for _, ec := range s.cfg.Contexts {
		events = append(events, entity.StagedEvent{
			TenantID:         tenantID,
			SourceID:         row.SourceID,
			PackageID:        row.PackageID,
			ClientID:         &clientID,
			DriverID:         driverID,
			StatusCode:       status,
			TriggerKind:      row.Kind,
			ExecutionContext: ec,
			EventTimestamp:   row.EventTimestamp,
		})
	}

	err = s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.writer.InsertIgnore(ctx, events); err != nil {
			return err
		}
		return s.reader.MarkStaged(ctx, row.Kind, tenantID, row.SourceID)
	})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}
