// Package aggregation maintains the per-(tenant, client, driver, status, day)
// package index from staged events.
package aggregation

import (
	"context"

	"shipsync/internal/core/entity"
)

// EventQueue reads and acknowledges staged events of one consumer.
type EventQueue interface {
	// FetchUnprocessed returns unprocessed events of execCtx with a client, ascending by id.
	FetchUnprocessed(ctx context.Context, execCtx entity.ExecutionContext, limit int) ([]entity.StagedEvent, error)

	// MarkProcessed flags events as processed. Returns rows updated.
	MarkProcessed(ctx context.Context, ids []int64) (int64, error)
}

// Index reads and writes the aggregate index.
type Index interface {
	// LiveByPackages returns, per package, the cells where it is live.
	LiveByPackages(ctx context.Context, tenantID int64, packageIDs []int64) (map[int64][]entity.AggregateKey, error)

	// Apply writes the desired memberships of one cell: entries with
	// Historical=true are upserted (historical OR-ed, live overwritten);
	// the others only clear live.
	Apply(ctx context.Context, key entity.AggregateKey, changes []entity.Membership) error
}

// AssignmentHistory looks up earlier assignments of a package.
type AssignmentHistory interface {
	// PreviousDriver returns the driver of the latest assignment with a
	// source id below beforeSourceID.
	PreviousDriver(ctx context.Context, tenantID, packageID, beforeSourceID int64) (int64, bool, error)
}
