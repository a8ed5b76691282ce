package replication

import (
	"context"
	"time"

	"shipsync/internal/core/entity"
)

// SourceReader reads tenant databases. Implementations take the tenant
// connection from ctx (see TenantConnector).
type SourceReader interface {
	// FetchRows returns up to limit rows with id > afterID and recency > since, ascending by id.
	FetchRows(ctx context.Context, s Stream, afterID int64, since time.Time, limit int) ([]SourceRow, error)

	// FetchDeletions returns up to limit removal entries with id > afterID, ascending by id.
	FetchDeletions(ctx context.Context, s DeletionStream, afterID int64, since time.Time, limit int) ([]Deletion, error)
}

// CursorRepository persists per-(tenant, stream) progress in the warehouse.
type CursorRepository interface {
	// Ensure creates zero cursors for every (tenant, kind) pair that lacks one.
	Ensure(ctx context.Context, tenantIDs []int64, kinds []entity.EntityKind) error

	// Get returns the last replicated source id (0 when absent).
	Get(ctx context.Context, tenantID int64, kind entity.EntityKind) (int64, error)

	// Advance moves the cursor forward; a smaller lastID is ignored.
	Advance(ctx context.Context, tenantID int64, kind entity.EntityKind, lastID int64) error
}

// ReplicaWriter writes warehouse replica tables.
type ReplicaWriter interface {
	// Upsert inserts rows or overwrites the columns they carry on natural-key conflict.
	Upsert(ctx context.Context, table string, naturalKey string, rows []map[string]any) error

	// MarkShipmentDeleted flags the replica shipment; false when no row matched.
	MarkShipmentDeleted(ctx context.Context, tenantID, shipmentID int64) (bool, error)
}

// SchemaLoader introspects warehouse destination tables.
type SchemaLoader interface {
	Load(ctx context.Context, tables []string) (Schema, error)
}

// TenantConnector binds a tenant database connection to ctx.
// release(true) discards the connection after a transport failure.
type TenantConnector interface {
	Bind(ctx context.Context, tenantID int64) (context.Context, func(destroy bool), error)
}
