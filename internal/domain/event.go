package domain

import (
	"context"
	"time"
)

// Event types emitted by the engine. Every state transition, risk rejection,
// and exit produces one of these for the audit/metrics sink.
const (
	EventPositionOpened    = "position_opened"
	EventPositionClosed    = "position_closed"
	EventPartialExit       = "partial_exit"
	EventTrailingUpdated   = "trailing_updated"
	EventStopMoved         = "stop_moved"
	EventExitStuck         = "exit_stuck"
	EventCloseConflict     = "close_conflict"
	EventRiskRejected      = "risk_rejected"
	EventEmergencyStop     = "emergency_stop"
	EventEmergencyResume   = "emergency_resume"
	EventRecoveryRegister  = "recovery_registered"
	EventRecoveryClosed    = "recovery_closed"
	EventRecoveryFlagged   = "recovery_flagged"
	EventRequestRejected   = "request_rejected"
	EventPositionFinalized = "position_finalized"
)

// Event is the structured record pushed to the audit store, the event bus,
// and the log for external dashboard consumption.
type Event struct {
	ID         string         `json:"id"`
	PositionID string         `json:"position_id"`
	Type       string         `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Reason     string         `json:"reason,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// EventSink receives engine events. Implementations must be safe for
// concurrent use and must never block the exit path on delivery failure.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}
