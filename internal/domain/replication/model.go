// Package replication copies shipment data from every tenant database into
// the shared warehouse, one bounded batch per stream and pass.
package replication

import (
	"time"

	"shipsync/internal/core/entity"
)

// Source column naming shared by every tenant stream.
const (
	SourceIDColumn      = "id"
	SourceNaturalColumn = "did"
)

// Stream describes one table copied from tenant databases.
type Stream struct {
	Kind entity.EntityKind

	SourceTable string
	// RecencyColumn is compared against the replication watermark.
	RecencyColumn string

	DestTable string
	// NaturalKey is the warehouse column that receives the source "did".
	// (tenant_id, NaturalKey) is unique in DestTable.
	NaturalKey string
}

// DeletionStream describes the activity log scanned for shipment removals.
type DeletionStream struct {
	SourceTable   string
	RecencyColumn string
	// Marker identifies removal entries in the log's module column.
	Marker string
}

// DefaultStreams returns the replicated tables in processing order.
func DefaultStreams() []Stream {
	return []Stream{
		{
			Kind:          entity.EntityShipment,
			SourceTable:   "shipments",
			RecencyColumn: "updated_at",
			DestTable:     "shipments",
			NaturalKey:    "shipment_id",
		},
		{
			Kind:          entity.EntityAssignment,
			SourceTable:   "shipment_assignments",
			RecencyColumn: "updated_at",
			DestTable:     "assignments",
			NaturalKey:    "assignment_id",
		},
		{
			Kind:          entity.EntityStatusHistory,
			SourceTable:   "shipment_status_history",
			RecencyColumn: "updated_at",
			DestTable:     "status_events",
			NaturalKey:    "status_event_id",
		},
	}
}

// DefaultDeletionStream returns the activity log configuration.
func DefaultDeletionStream(marker string) DeletionStream {
	return DeletionStream{
		SourceTable:   "activity_log",
		RecencyColumn: "created_at",
		Marker:        marker,
	}
}

// SourceRow is one tenant row keyed by column name.
type SourceRow map[string]any

// Deletion is one removal entry of the activity log.
type Deletion struct {
	ID         int64
	ShipmentID int64
}

// Column is the introspected shape of one warehouse column.
type Column struct {
	Name     string
	Nullable bool
}

// TableColumns maps column name to its shape.
type TableColumns map[string]Column

// Schema maps warehouse table name to its columns.
type Schema map[string]TableColumns

// StreamResult reports one stream of one tenant.
type StreamResult struct {
	Kind     entity.EntityKind `json:"kind"`
	Fetched  int               `json:"fetched"`
	Written  int               `json:"written"`
	Skipped  int               `json:"skipped"`
	Cursor   int64             `json:"cursor"`
	Backlog  bool              `json:"backlog"`
	Advanced bool              `json:"advanced"`
}

// TenantResult reports one tenant run.
type TenantResult struct {
	TenantID int64                                `json:"tenant_id"`
	Streams  map[entity.EntityKind]*StreamResult `json:"streams"`
	Err      error                                `json:"-"`
	Elapsed  time.Duration                        `json:"elapsed"`
}

func newTenantResult(tenantID int64) TenantResult {
	return TenantResult{
		TenantID: tenantID,
		Streams:  make(map[entity.EntityKind]*StreamResult),
	}
}

// Written returns rows written for kind.
func (r TenantResult) Written(kind entity.EntityKind) int {
	if s, ok := r.Streams[kind]; ok {
		return s.Written
	}
	return 0
}

// Backlog reports whether any stream hit its batch limit.
func (r TenantResult) Backlog() bool {
	for _, s := range r.Streams {
		if s.Backlog {
			return true
		}
	}
	return false
}

// PassResult reports one replication pass over all tenants.
type PassResult struct {
	Tenants []TenantResult            `json:"tenants"`
	Totals  map[entity.EntityKind]int `json:"totals"`
	Failed  int                       `json:"failed"`
	Backlog bool                      `json:"backlog"`
	Elapsed time.Duration             `json:"elapsed"`
}
