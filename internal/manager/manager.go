// Package manager implements the trade manager: the single entry point that
// turns an approved trade request into a monitored position and settles risk
// accounting when positions close.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/positionbot/internal/domain"
	"github.com/alanyoungcy/positionbot/internal/monitor"
	"github.com/alanyoungcy/positionbot/internal/risk"
)

// Config holds the manager's call parameters.
type Config struct {
	OrderTimeout time.Duration // entry order placement deadline
}

// Manager wires validation, risk approval, entry execution, persistence, and
// monitor registration into one OpenTrade pipeline. It refuses trades until
// recovery marks it ready.
type Manager struct {
	cfg    Config
	store  domain.PositionStore
	broker domain.Broker
	gov    *risk.Governor
	mon    *monitor.Monitor
	events domain.EventSink
	logger *slog.Logger

	ready atomic.Bool
}

func New(cfg Config, store domain.PositionStore, broker domain.Broker, gov *risk.Governor,
	mon *monitor.Monitor, events domain.EventSink, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		store:  store,
		broker: broker,
		gov:    gov,
		mon:    mon,
		events: events,
		logger: logger.With(slog.String("component", "manager")),
	}
	mon.OnClose(m.finalize)
	return m
}

// SetReady opens the gate once startup recovery has reconciled the store
// against the broker.
func (m *Manager) SetReady() {
	m.ready.Store(true)
	m.logger.Info("accepting trade requests")
}

// Ready reports whether OpenTrade will accept requests.
func (m *Manager) Ready() bool { return m.ready.Load() }

// OpenTrade runs the full entry pipeline. On success the position is durable
// and under monitoring before the call returns. Rejections come back as
// *domain.ValidationError or *domain.RiskRejection; entry execution failures
// as *domain.AdapterError with the reserved risk budget released.
func (m *Manager) OpenTrade(ctx context.Context, req domain.TradeRequest) (domain.Position, error) {
	if !m.ready.Load() {
		return domain.Position{}, domain.ErrNotReady
	}
	if err := req.Validate(); err != nil {
		return domain.Position{}, err
	}

	check := risk.Check{
		Symbol:   req.Symbol,
		Strategy: req.Strategy,
		Notional: req.Notional(),
		MaxLoss:  req.MaxPotentialLoss(),
	}
	if err := m.gov.CanTrade(ctx, check); err != nil {
		return domain.Position{}, err
	}

	orderCtx, cancel := context.WithTimeout(ctx, m.cfg.OrderTimeout)
	fill, err := m.broker.PlaceOrder(orderCtx, domain.OrderRequest{
		Symbol:   req.Symbol,
		Side:     entrySide(req.Direction),
		Quantity: req.Quantity,
		Type:     domain.OrderTypeMarket,
		Paper:    req.Paper,
	})
	cancel()
	if err != nil {
		// The budget reserved at approval must not leak.
		m.gov.ReleaseExposure(ctx, req.Symbol, req.Strategy, req.Notional())
		m.logger.Error("entry order failed",
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()))
		return domain.Position{}, &domain.AdapterError{Op: "entry_order", Attempts: 1, Err: err}
	}

	now := time.Now()
	pos := domain.Position{
		ID:               uuid.NewString(),
		Symbol:           req.Symbol,
		Strategy:         req.Strategy,
		Direction:        req.Direction,
		Paper:            req.Paper,
		Quantity:         fill.Quantity,
		OriginalQuantity: fill.Quantity,
		EntryPrice:       fill.Price,
		EntryTime:        fill.FilledAt,
		CapitalUsed:      fill.Price * fill.Quantity,
		ReservedNotional: check.Notional,
		StopLoss:         req.StopLoss,
		Target:           req.Target,
		Trailing:         req.Trailing,
		PartialLevels:    req.PartialLevels,
		MaxHold:          req.MaxHold,
		MaxLossPct:       req.MaxLossPct,
		Status:           domain.StatusOpen,
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	if err := m.store.Put(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("manager: persist new position: %w", err)
	}
	m.mon.Register(pos)

	m.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("strategy", pos.Strategy),
		slog.String("direction", string(pos.Direction)),
		slog.Float64("quantity", pos.Quantity),
		slog.Float64("entry_price", pos.EntryPrice))
	m.events.Emit(ctx, domain.Event{
		PositionID: pos.ID,
		Type:       domain.EventPositionOpened,
		Timestamp:  now,
		Data: map[string]any{
			"symbol":      pos.Symbol,
			"strategy":    pos.Strategy,
			"direction":   string(pos.Direction),
			"quantity":    pos.Quantity,
			"entry_price": pos.EntryPrice,
			"paper":       pos.Paper,
		},
	})
	return pos, nil
}

// finalize settles risk accounting after the monitor closes a position. The
// release must match the reservation exactly or exposure drifts on every
// open/close cycle by the entry slippage.
func (m *Manager) finalize(ctx context.Context, p domain.Position) {
	m.gov.RecordOutcome(ctx, p.RealizedPnL)
	m.gov.ReleaseExposure(ctx, p.Symbol, p.Strategy, p.ReservedNotional)
	m.events.Emit(ctx, domain.Event{
		PositionID: p.ID,
		Type:       domain.EventPositionFinalized,
		Timestamp:  time.Now(),
		Reason:     string(p.CloseReason),
		Data: map[string]any{
			"symbol":       p.Symbol,
			"realized_pnl": p.RealizedPnL,
		},
	})
}

func entrySide(d domain.Direction) domain.OrderSide {
	if d == domain.DirectionShort {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}
