package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// RequestChannel is the Pub/Sub channel the upstream signal source publishes
// trade requests to.
const RequestChannel = "trade_requests"

// TradeOpener is the manager-side surface the feeder drives.
type TradeOpener interface {
	OpenTrade(ctx context.Context, req domain.TradeRequest) (domain.Position, error)
}

// RequestFeeder subscribes to the trade-request channel and hands each
// decoded request to the trade manager. Rejections are audited and dropped;
// the upstream source is fire-and-forget.
type RequestFeeder struct {
	bus    domain.EventBus
	opener TradeOpener
	events domain.EventSink
	logger *slog.Logger
}

// NewRequestFeeder creates a RequestFeeder.
func NewRequestFeeder(bus domain.EventBus, opener TradeOpener, events domain.EventSink, logger *slog.Logger) *RequestFeeder {
	return &RequestFeeder{
		bus:    bus,
		opener: opener,
		events: events,
		logger: logger.With(slog.String("component", "request_feeder")),
	}
}

// Run consumes trade requests until ctx is cancelled.
func (f *RequestFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, RequestChannel)
	if err != nil {
		return err
	}
	f.logger.Info("request feeder started")
	defer f.logger.Info("request feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			f.handleRequest(ctx, data)
		}
	}
}

func (f *RequestFeeder) handleRequest(ctx context.Context, data []byte) {
	var req domain.TradeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		f.logger.Warn("undecodable trade request",
			slog.Int("payload_len", len(data)),
			slog.String("error", err.Error()))
		f.events.Emit(ctx, domain.Event{
			Type:      domain.EventRequestRejected,
			Timestamp: time.Now(),
			Reason:    "undecodable payload",
		})
		return
	}

	pos, err := f.opener.OpenTrade(ctx, req)
	if err != nil {
		f.rejected(ctx, req, err)
		return
	}
	f.logger.Info("trade request accepted",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("strategy", pos.Strategy))
}

func (f *RequestFeeder) rejected(ctx context.Context, req domain.TradeRequest, err error) {
	reason := "error"
	var verr *domain.ValidationError
	var rej *domain.RiskRejection
	switch {
	case errors.As(err, &verr):
		reason = "validation"
	case errors.As(err, &rej):
		reason = "risk"
	case errors.Is(err, domain.ErrNotReady):
		reason = "not_ready"
	}
	f.logger.Warn("trade request rejected",
		slog.String("symbol", req.Symbol),
		slog.String("strategy", req.Strategy),
		slog.String("reason", reason),
		slog.String("error", err.Error()))
	f.events.Emit(ctx, domain.Event{
		Type:      domain.EventRequestRejected,
		Timestamp: time.Now(),
		Reason:    reason,
		Data: map[string]any{
			"symbol":   req.Symbol,
			"strategy": req.Strategy,
			"detail":   err.Error(),
		},
	})
}
