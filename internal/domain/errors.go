package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrNotReady       = errors.New("recovery not complete, not accepting trades")
	ErrPositionClosed = errors.New("position already closed")
	ErrExitInFlight   = errors.New("exit already in flight")
	ErrLockHeld       = errors.New("lock held by another instance")
)

// ValidationError reports a bad TradeRequest field. Rejected locally and
// never retried.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trade request: %s %s", e.Field, e.Detail)
}

// RiskRejection reports that the risk governor declined a trade. Surfaced to
// the caller with a human-readable reason; not retried automatically.
type RiskRejection struct {
	Rule   string
	Detail string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", e.Rule, e.Detail)
}

// AdapterError wraps a failed external call (price fetch or order placement)
// after retries are exhausted.
type AdapterError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// ConsistencyError reports that the store held an unexpected status during a
// compare-and-set. The operation is abandoned in favor of the stored value.
type ConsistencyError struct {
	PositionID string
	Expected   PositionStatus
	Actual     PositionStatus
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("position %s: store status %q, expected %q", e.PositionID, e.Actual, e.Expected)
}

// RecoveryError reports a broker reconciliation mismatch during startup.
// Ambiguous positions are flagged for manual review rather than auto-closed.
type RecoveryError struct {
	PositionID string
	Detail     string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery: position %s: %s", e.PositionID, e.Detail)
}
