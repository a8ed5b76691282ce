// Package entity provides the core records shared by the sync jobs.
package entity

import "time"

// EntityKind names one replicated stream of a tenant database.
type EntityKind string

const (
	EntityShipment      EntityKind = "shipment"
	EntityAssignment    EntityKind = "assignment"
	EntityStatusHistory EntityKind = "status_history"
	EntityDeletionLog   EntityKind = "deletion_log"
)

// AllEntityKinds lists the streams in processing order.
func AllEntityKinds() []EntityKind {
	return []EntityKind{
		EntityShipment,
		EntityAssignment,
		EntityStatusHistory,
		EntityDeletionLog,
	}
}

// TenantCursor is the last source id replicated for one (tenant, stream).
// LastSourceID only moves forward.
type TenantCursor struct {
	TenantID     int64      `db:"tenant_id"`
	EntityKind   EntityKind `db:"entity_kind"`
	LastSourceID int64      `db:"last_source_id"`
	UpdatedAt    time.Time  `db:"updated_at"`
}
