// Package events delivers engine events to the audit store, the Redis event
// stream, and the log. Delivery is asynchronous: emitters never wait on a
// slow sink, and a full buffer drops rather than blocks.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// StreamName is the Redis stream engine events are appended to.
const StreamName = "events"

// ChannelName is the Pub/Sub channel for live dashboard consumers.
const ChannelName = "events"

// Alerter forwards routine events to operator channels. Which event types
// actually go out is the alerter's subscription filter, not ours.
type Alerter interface {
	Event(ctx context.Context, event, title, message string) error
}

// Fanout implements domain.EventSink. Events are buffered and delivered by
// the Run loop; Emit itself never does IO.
type Fanout struct {
	audit   domain.AuditStore
	bus     domain.EventBus // nil when running without Redis
	alerter Alerter         // nil when no channels are configured
	logger  *slog.Logger
	ch      chan domain.Event
}

// New builds a fan-out sink with the given buffer size.
func New(audit domain.AuditStore, bus domain.EventBus, alerter Alerter, logger *slog.Logger, buffer int) *Fanout {
	if buffer <= 0 {
		buffer = 256
	}
	return &Fanout{
		audit:   audit,
		bus:     bus,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "events")),
		ch:      make(chan domain.Event, buffer),
	}
}

// Emit queues an event for delivery. Missing IDs and timestamps are filled
// in. When the buffer is full the event is dropped with a log line; the exit
// path must never stall on event delivery.
func (f *Fanout) Emit(_ context.Context, e domain.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case f.ch <- e:
	default:
		f.logger.Warn("event buffer full, dropping",
			slog.String("event_type", e.Type),
			slog.String("position_id", e.PositionID))
	}
}

// Run delivers queued events until ctx is cancelled, then drains whatever is
// still buffered before returning.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return ctx.Err()
		case e := <-f.ch:
			f.deliver(ctx, e)
		}
	}
}

func (f *Fanout) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-f.ch:
			f.deliver(ctx, e)
		default:
			return
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, e domain.Event) {
	f.logger.Info("event",
		slog.String("event_type", e.Type),
		slog.String("position_id", e.PositionID),
		slog.String("reason", e.Reason))

	if err := f.audit.Log(ctx, e); err != nil {
		f.logger.Error("audit log write failed",
			slog.String("event_type", e.Type),
			slog.String("error", err.Error()))
	}

	if f.alerter != nil {
		if err := f.alerter.Event(ctx, e.Type, e.Type, alertBody(e)); err != nil {
			f.logger.Warn("alert delivery failed",
				slog.String("event_type", e.Type),
				slog.String("error", err.Error()))
		}
	}

	if f.bus == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("marshal event", slog.String("error", err.Error()))
		return
	}
	if err := f.bus.StreamAppend(ctx, StreamName, payload); err != nil {
		f.logger.Warn("event stream append failed", slog.String("error", err.Error()))
	}
	if err := f.bus.Publish(ctx, ChannelName, payload); err != nil {
		f.logger.Warn("event publish failed", slog.String("error", err.Error()))
	}
}

func alertBody(e domain.Event) string {
	body := "position " + e.PositionID
	if e.PositionID == "" {
		body = "engine"
	}
	if e.Reason != "" {
		body += ": " + e.Reason
	}
	return body
}
