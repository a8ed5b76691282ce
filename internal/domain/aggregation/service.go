package aggregation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"shipsync/internal/core/apperror"
	"shipsync/internal/core/entity"
	"shipsync/internal/core/tx"
	"shipsync/pkg/logger"
)

var tracer = otel.Tracer("shipsync/aggregation")

// Config tunes the engine.
type Config struct {
	// FetchLimit caps events consumed per pass.
	FetchLimit int
	// KeyChunk is the number of cells written per transaction.
	KeyChunk int
	// MarkChunk is the number of events acknowledged per statement.
	MarkChunk int
	// Location is the reporting time zone that defines a day.
	Location   *time.Location
	Categories entity.Categories
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("America/Argentina/Buenos_Aires")
	if err != nil {
		loc = time.FixedZone("ART", -3*60*60)
	}
	return Config{
		FetchLimit: 1000,
		KeyChunk:   300,
		MarkChunk:  1000,
		Location:   loc,
		Categories: entity.DefaultCategories(),
	}
}

// PassResult reports one aggregation pass.
type PassResult struct {
	Fetched      int           `json:"fetched"`
	Processed    int           `json:"processed"`
	Skipped      int           `json:"skipped"`
	Deferred     int           `json:"deferred"`
	Keys         int           `json:"keys"`
	FailedChunks int           `json:"failed_chunks"`
	Backlog      bool          `json:"backlog"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Engine folds staged events into the aggregate index.
type Engine struct {
	queue   EventQueue
	index   Index
	history AssignmentHistory
	txm     tx.Manager
	cfg     Config
}

func NewEngine(queue EventQueue, index Index, history AssignmentHistory, txm tx.Manager, cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{
		queue:   queue,
		index:   index,
		history: history,
		txm:     txm,
		cfg:     cfg,
	}
}

// RunPendingTodayPass consumes one batch of pending-today events.
//
// Events are folded into an in-memory delta (status events first, then
// assignments, each in id order), the delta is written in independent
// chunks, and only events whose cells all committed are acknowledged.
// Everything else stays pending and is re-derived next pass.
func (e *Engine) RunPendingTodayPass(ctx context.Context) (PassResult, error) {
	ctx, span := tracer.Start(ctx, "aggregation.pending_today")
	defer span.End()

	start := time.Now()
	var res PassResult

	events, err := e.queue.FetchUnprocessed(ctx, entity.ContextPendingToday, e.cfg.FetchLimit)
	if err != nil {
		return res, fmt.Errorf("fetch pending events: %w", err)
	}
	res.Fetched = len(events)
	res.Backlog = e.cfg.FetchLimit > 0 && len(events) >= e.cfg.FetchLimit
	if len(events) == 0 {
		return res, nil
	}

	d := newDelta()
	if err := e.seed(ctx, d, events); err != nil {
		return res, err
	}

	deferred := make(map[int64]struct{})
	for _, ev := range events {
		if ev.TriggerKind != entity.TriggerStatus {
			continue
		}
		if err := e.applyStatus(d, ev); err != nil {
			res.Skipped++
			logger.Warn(ctx, "skipping malformed status event", "event_id", ev.ID, "error", err)
		}
	}
	for _, ev := range events {
		if ev.TriggerKind != entity.TriggerAssignment {
			continue
		}
		if err := e.applyAssignment(ctx, d, ev); err != nil {
			if apperror.IsTransient(err) {
				return res, err
			}
			deferred[ev.ID] = struct{}{}
			logger.Error(ctx, "assignment event deferred", "event_id", ev.ID, "error", err)
		}
	}

	failed := e.apply(ctx, d, &res)

	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		if _, ok := deferred[ev.ID]; ok {
			res.Deferred++
			continue
		}
		if slices.ContainsFunc(d.eventKeys(ev.ID), func(k entity.AggregateKey) bool {
			_, bad := failed[k]
			return bad
		}) {
			res.Deferred++
			continue
		}
		ids = append(ids, ev.ID)
	}

	marked, err := e.markProcessed(ctx, ids)
	res.Processed = marked
	res.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.Int("events.fetched", res.Fetched),
		attribute.Int("events.processed", res.Processed),
		attribute.Int("keys", res.Keys),
		attribute.Int("chunks.failed", res.FailedChunks),
	)
	if err != nil {
		return res, err
	}

	logger.Info(ctx, "aggregation pass finished",
		"fetched", res.Fetched,
		"processed", res.Processed,
		"deferred", res.Deferred,
		"keys", res.Keys,
		"failed_chunks", res.FailedChunks,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// seed loads the stored live cells of every package in the batch.
func (e *Engine) seed(ctx context.Context, d *delta, events []entity.StagedEvent) error {
	byTenant := make(map[int64][]int64)
	seen := make(map[pkgRef]struct{})
	for _, ev := range events {
		ref := pkgRef{ev.TenantID, ev.PackageID}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		byTenant[ev.TenantID] = append(byTenant[ev.TenantID], ev.PackageID)
	}

	for tenantID, pkgs := range byTenant {
		live, err := e.index.LiveByPackages(ctx, tenantID, pkgs)
		if err != nil {
			return fmt.Errorf("load live cells of tenant %d: %w", tenantID, err)
		}
		for _, pkg := range pkgs {
			d.seed(tenantID, pkg, live[pkg])
		}
	}
	return nil
}

type scope struct {
	clientID int64
	driverID int64
}

func key(tenantID int64, sc scope, status int, day entity.Day) entity.AggregateKey {
	return entity.AggregateKey{
		TenantID:   tenantID,
		ClientID:   sc.clientID,
		DriverID:   sc.driverID,
		StatusCode: status,
		Day:        day,
	}
}

// statusScopes lists the (client, driver) projections a status lands in.
func statusScopes(clientID, driverID int64) []scope {
	scopes := []scope{{0, 0}}
	if clientID != 0 {
		scopes = append(scopes, scope{clientID, 0})
	}
	if driverID != 0 {
		scopes = append(scopes, scope{0, driverID})
		if clientID != 0 {
			scopes = append(scopes, scope{clientID, driverID})
		}
	}
	return scopes
}

// driverScopes lists the projections that depend on the driver.
func driverScopes(clientID, driverID int64) []scope {
	scopes := []scope{{0, driverID}}
	if clientID != 0 {
		scopes = append(scopes, scope{clientID, driverID})
	}
	return scopes
}

// place adds the package to the real status cell of each scope and keeps
// the category buckets consistent: present in its bucket, absent from the other.
func (e *Engine) place(d *delta, tenantID int64, scopes []scope, status int, day entity.Day, pkg int64) {
	bucket, categorized := e.cfg.Categories.BucketOf(status)
	for _, sc := range scopes {
		d.add(key(tenantID, sc, status, day), pkg)
		for _, b := range entity.Buckets() {
			if categorized && b == bucket {
				d.add(key(tenantID, sc, b, day), pkg)
			} else {
				d.remove(key(tenantID, sc, b, day), pkg)
			}
		}
	}
}

// unplace removes the package from the status cell and both buckets of each scope.
func (e *Engine) unplace(d *delta, tenantID int64, scopes []scope, status int, day entity.Day, pkg int64) {
	for _, sc := range scopes {
		d.remove(key(tenantID, sc, status, day), pkg)
		for _, b := range entity.Buckets() {
			d.remove(key(tenantID, sc, b, day), pkg)
		}
	}
}

// applyStatus moves the package out of every live cell, whatever day, and
// into the cells of its new status.
func (e *Engine) applyStatus(d *delta, ev entity.StagedEvent) error {
	if ev.StatusCode == nil {
		return apperror.NewDataError("status event without status code")
	}
	d.track(ev.ID)

	day := entity.DayOf(ev.EventTimestamp, e.cfg.Location)
	for _, k := range d.liveKeys(ev.TenantID, ev.PackageID) {
		d.remove(k, ev.PackageID)
	}
	e.place(d, ev.TenantID, statusScopes(ev.Client(), ev.Driver()), *ev.StatusCode, day, ev.PackageID)
	d.setStatus(ev.TenantID, ev.PackageID, *ev.StatusCode)
	return nil
}

// applyAssignment re-seats the package from the superseded driver to the new one.
func (e *Engine) applyAssignment(ctx context.Context, d *delta, ev entity.StagedEvent) error {
	prev, found, err := e.history.PreviousDriver(ctx, ev.TenantID, ev.PackageID, ev.SourceID)
	if err != nil {
		return err
	}
	d.track(ev.ID)

	status := e.assignmentStatus(d, ev)
	day := entity.DayOf(ev.EventTimestamp, e.cfg.Location)
	newDriver := ev.Driver()

	if found && prev != 0 && prev != newDriver {
		e.unplace(d, ev.TenantID, driverScopes(ev.Client(), prev), status, day, ev.PackageID)
		for _, k := range d.liveKeys(ev.TenantID, ev.PackageID) {
			if k.DriverID == prev {
				d.remove(k, ev.PackageID)
			}
		}
	}

	if newDriver != 0 {
		e.place(d, ev.TenantID, driverScopes(ev.Client(), newDriver), status, day, ev.PackageID)
	}
	return nil
}

// assignmentStatus resolves the status an assignment is filed under. The
// package's current status comes first: the one captured at staging time
// may predate status events processed in the same batch.
func (e *Engine) assignmentStatus(d *delta, ev entity.StagedEvent) int {
	if s, ok := d.statusOf(ev.TenantID, ev.PackageID); ok {
		return s
	}
	if s, ok := ownerStatus(d.liveKeys(ev.TenantID, ev.PackageID), ev.StatusCode); ok {
		return s
	}
	if ev.StatusCode != nil {
		return *ev.StatusCode
	}
	return entity.StatusUnknown
}

// ownerStatus picks the owner-level live status from a package's sorted live
// cells. Reconciliation leaves at most one; stored state with several is
// resolved to the latest day, then to staged if live on that day, then to
// the lowest code.
func ownerStatus(keys []entity.AggregateKey, staged *int) (int, bool) {
	var (
		latest entity.Day
		picked int
		found  bool
	)
	for _, k := range keys {
		if k.ClientID != 0 || k.DriverID != 0 || entity.IsBucket(k.StatusCode) || k.StatusCode == entity.StatusUnknown {
			continue
		}
		switch {
		case !found || k.Day > latest:
			latest, picked, found = k.Day, k.StatusCode, true
		case k.Day == latest && staged != nil && k.StatusCode == *staged:
			picked = k.StatusCode
		}
	}
	return picked, found
}

// apply writes the delta chunk by chunk. A failed chunk rolls back alone;
// after a transport failure the remaining chunks are not attempted.
func (e *Engine) apply(ctx context.Context, d *delta, res *PassResult) map[entity.AggregateKey]struct{} {
	keys := d.keys()
	failed := make(map[entity.AggregateKey]struct{})
	chunk := max(e.cfg.KeyChunk, 1)
	abort := false

	for start := 0; start < len(keys); start += chunk {
		part := keys[start:min(start+chunk, len(keys))]
		if abort {
			for _, k := range part {
				failed[k] = struct{}{}
			}
			continue
		}

		err := e.txm.RunInTransaction(ctx, func(ctx context.Context) error {
			for _, k := range part {
				if err := e.index.Apply(ctx, k, d.memberships(k)); err != nil {
					return fmt.Errorf("apply cell %s: %w", k, err)
				}
			}
			return nil
		})
		if err != nil {
			res.FailedChunks++
			for _, k := range part {
				failed[k] = struct{}{}
			}
			logger.Error(ctx, "aggregate chunk rolled back",
				"chunk_start", start,
				"chunk_size", len(part),
				"error", err,
			)
			abort = apperror.IsTransient(err) || ctx.Err() != nil
			continue
		}
		res.Keys += len(part)
	}
	return failed
}

func (e *Engine) markProcessed(ctx context.Context, ids []int64) (int, error) {
	chunk := max(e.cfg.MarkChunk, 1)
	marked := 0
	for start := 0; start < len(ids); start += chunk {
		part := ids[start:min(start+chunk, len(ids))]
		n, err := e.queue.MarkProcessed(ctx, part)
		if err != nil {
			return marked, fmt.Errorf("mark events processed: %w", err)
		}
		marked += int(n)
	}
	return marked, nil
}
