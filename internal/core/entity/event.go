package entity

import "time"

// TriggerKind names the replica change that produced a staged event.
type TriggerKind string

const (
	TriggerStatus     TriggerKind = "status"
	TriggerAssignment TriggerKind = "assignment"
)

// ExecutionContext names a downstream consumer of staged events.
// Every consumer gets its own copy of each event.
type ExecutionContext string

const (
	ContextVerifyClosure ExecutionContext = "verify-closure"
	ContextPendingToday  ExecutionContext = "pending-today"
)

// DefaultExecutionContexts returns the consumers fed by the stager.
func DefaultExecutionContexts() []ExecutionContext {
	return []ExecutionContext{ContextVerifyClosure, ContextPendingToday}
}

// StagedEvent is one change-data-capture record addressed to one consumer.
// (TenantID, TriggerKind, SourceID, ExecutionContext) is unique.
type StagedEvent struct {
	ID               int64            `db:"id"`
	TenantID         int64            `db:"tenant_id"`
	SourceID         int64            `db:"source_id"`
	PackageID        int64            `db:"package_id"`
	ClientID         *int64           `db:"client_id"`
	DriverID         *int64           `db:"driver_id"`
	StatusCode       *int             `db:"status_code"`
	TriggerKind      TriggerKind      `db:"trigger_kind"`
	ExecutionContext ExecutionContext `db:"execution_context"`
	EventTimestamp   time.Time        `db:"event_timestamp"`
	Processed        bool             `db:"processed"`
	ProcessedAt      *time.Time       `db:"processed_at"`
}

// Client returns the client id or 0.
func (e *StagedEvent) Client() int64 {
	if e.ClientID == nil {
		return 0
	}
	return *e.ClientID
}

// Driver returns the driver id or 0 (no driver).
func (e *StagedEvent) Driver() int64 {
	if e.DriverID == nil {
		return 0
	}
	return *e.DriverID
}
