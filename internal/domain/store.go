package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries. Since is
// inclusive; Until is exclusive, matching the DeleteBefore cutoff.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore is the durable record of every position and the single
// source of truth. All writes go through Put, keyed by position id; status
// transitions go through CompareAndSetStatus so concurrent manual and
// automatic paths cannot lose updates.
//
// Closed rows are immutable: Put against a closed position is a no-op, which
// makes the terminal write idempotent.
type PositionStore interface {
	Put(ctx context.Context, p Position) error
	Get(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CompareAndSetStatus(ctx context.Context, id string, expected, next PositionStatus) (bool, error)
}

// RiskStateStore persists one RiskState record per trading day.
type RiskStateStore interface {
	PutState(ctx context.Context, s RiskState) error
	GetState(ctx context.Context, day string) (RiskState, error)
}

// AuditStore persists the append-only event log.
type AuditStore interface {
	Log(ctx context.Context, e Event) error
	List(ctx context.Context, opts ListOpts) ([]Event, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventBus publishes engine events to external consumers and delivers
// inbound trade requests from the upstream signal source.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// BlobWriter uploads a serialized object to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
