// Package staging turns replicated status and assignment rows into
// change-data-capture events, one copy per downstream consumer.
package staging

import (
	"context"
	"time"

	"shipsync/internal/core/entity"
)

// PendingRow is a replica row not yet converted into events.
type PendingRow struct {
	Kind           entity.TriggerKind `db:"-"`
	SourceID       int64     `db:"source_id"`
	PackageID      int64     `db:"package_id"`
	DriverID       *int64    `db:"driver_id"`
	StatusCode     *int      `db:"status_code"`
	EventTimestamp time.Time `db:"event_timestamp"`
}

// ReplicaReader reads the warehouse replica tables.
type ReplicaReader interface {
	// UnstagedStatusEvents returns status rows not yet staged, oldest first.
	UnstagedStatusEvents(ctx context.Context, tenantID int64, since time.Time, limit int) ([]PendingRow, error)

	// UnstagedAssignments returns assignment rows not yet staged, oldest first.
	UnstagedAssignments(ctx context.Context, tenantID int64, since time.Time, limit int) ([]PendingRow, error)

	// ResolveClient returns the client of a package, preferring the active
	// replica row and falling back to a deleted one.
	ResolveClient(ctx context.Context, tenantID, packageID int64) (int64, bool, error)

	// CurrentDriver returns the driver of the latest assignment of a package.
	CurrentDriver(ctx context.Context, tenantID, packageID int64) (int64, bool, error)

	// CurrentStatus returns the status of the latest status row of a package.
	CurrentStatus(ctx context.Context, tenantID, packageID int64) (int, bool, error)

	// MarkStaged flags one replica row as converted.
	MarkStaged(ctx context.Context, kind entity.TriggerKind, tenantID, sourceID int64) error
}

// EventWriter appends staged events.
type EventWriter interface {
	// InsertIgnore inserts events, skipping ones already staged. Returns rows inserted.
	InsertIgnore(ctx context.Context, events []entity.StagedEvent) (int64, error)
}
