// Package monitor implements the position monitor: the periodic evaluation
// loop that watches every open position and executes exits exactly once,
// even when automatic ticks and manual commands race.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/positionbot/internal/domain"
	"github.com/alanyoungcy/positionbot/internal/exit"
)

// Notifier delivers out-of-band critical alerts. Delivery failure is logged,
// never propagated into the exit path.
type Notifier interface {
	Critical(ctx context.Context, subject, body string)
}

// Config holds the monitor's loop and retry parameters.
type Config struct {
	Interval      time.Duration // evaluation cycle period
	CallTimeout   time.Duration // per external call (price fetch, order)
	MaxWorkers    int           // concurrent position evaluations per tick
	RetryAttempts int           // order placement attempts before alerting
	RetryBase     time.Duration // first backoff; doubles per attempt
}

// entry is one monitored position. mu serializes every exit-relevant action
// on the position: the tick path takes TryLock and skips when busy, manual
// commands block, so at most one actor mutates a position at a time.
type entry struct {
	mu  sync.Mutex
	pos domain.Position
}

// Monitor owns the in-memory registry of open positions and drives the
// evaluation cycle against it. The store remains the source of truth; the
// registry is rebuilt from it on startup.
type Monitor struct {
	cfg      Config
	store    domain.PositionStore
	prices   domain.PriceSource
	broker   domain.Broker
	eval     *exit.Evaluator
	events   domain.EventSink
	notifier Notifier
	onClose  func(ctx context.Context, p domain.Position)
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New builds a monitor. onClose runs after a position reaches closed status
// in the store; the trade manager uses it to settle risk accounting.
func New(cfg Config, store domain.PositionStore, prices domain.PriceSource, broker domain.Broker,
	eval *exit.Evaluator, events domain.EventSink, notifier Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		store:    store,
		prices:   prices,
		broker:   broker,
		eval:     eval,
		events:   events,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "monitor")),
		entries:  make(map[string]*entry),
	}
}

// OnClose registers the close callback. Must be called before Run.
func (m *Monitor) OnClose(fn func(ctx context.Context, p domain.Position)) {
	m.onClose = fn
}

// Register adds a position to the monitoring set. Registering an id twice
// replaces the working copy, which recovery relies on.
func (m *Monitor) Register(p domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[p.ID] = &entry{pos: p}
	m.logger.Info("position registered",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.String("direction", string(p.Direction)))
}

func (m *Monitor) deregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

func (m *Monitor) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *Monitor) snapshot() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Count reports how many positions are currently monitored.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Positions returns working copies of every monitored position.
func (m *Monitor) Positions() []domain.Position {
	entries := m.snapshot()
	out := make([]domain.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.pos)
		e.mu.Unlock()
	}
	return out
}

// Run drives the evaluation loop until ctx is cancelled. One tick completes
// fully before the next starts; a shutdown waits for the tick in flight.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Int("max_workers", m.cfg.MaxWorkers))
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one full evaluation cycle: fetch one price per distinct symbol,
// then evaluate every registered position concurrently.
func (m *Monitor) Tick(ctx context.Context) {
	entries := m.snapshot()
	if len(entries) == 0 {
		return
	}

	symbols := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		sym := e.pos.Symbol
		e.mu.Unlock()
		if _, ok := seen[sym]; !ok {
			seen[sym] = struct{}{}
			symbols = append(symbols, sym)
		}
	}

	priceCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	prices, err := m.prices.GetPrices(priceCtx, symbols)
	cancel()
	if err != nil {
		m.logger.Warn("price fetch failed, skipping cycle", slog.String("error", err.Error()))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxWorkers)
	for _, e := range entries {
		g.Go(func() error {
			m.evaluateOne(gctx, e, prices)
			return nil
		})
	}
	_ = g.Wait()
}

// evaluateOne runs the evaluator on one position under its lock. A position
// already locked by a manual command or a stuck exit is skipped this cycle.
func (m *Monitor) evaluateOne(ctx context.Context, e *entry, prices map[string]float64) {
	if !e.mu.TryLock() {
		return
	}
	defer e.mu.Unlock()

	if !e.pos.IsOpen() {
		return
	}
	price, ok := prices[e.pos.Symbol]
	if !ok || price <= 0 {
		m.logger.Warn("no price for symbol, position skipped",
			slog.String("position_id", e.pos.ID),
			slog.String("symbol", e.pos.Symbol))
		return
	}

	now := time.Now()
	e.pos.UnrealizedPnL = e.pos.PnL(price, e.pos.Quantity)

	out := m.eval.Evaluate(e.pos, price, now)
	if out.TrailingUpdated {
		e.pos.TrailingStop = out.TrailingStop
		e.pos.UpdatedAt = now
		if err := m.store.Put(ctx, e.pos); err != nil {
			m.logger.Error("persist trailing stop", slog.String("position_id", e.pos.ID), slog.String("error", err.Error()))
		}
		m.events.Emit(ctx, domain.Event{
			PositionID: e.pos.ID,
			Type:       domain.EventTrailingUpdated,
			Timestamp:  now,
			Data:       map[string]any{"trailing_stop": out.TrailingStop, "price": price},
		})
	}
	if out.Decision == nil {
		return
	}
	m.executeExitLocked(ctx, e, *out.Decision)
}

// executeExitLocked places the exit order and commits the state transition.
// Caller holds e.mu. On retry exhaustion the position is flagged and stays
// registered so the next cycle retries.
func (m *Monitor) executeExitLocked(ctx context.Context, e *entry, d domain.ExitDecision) {
	// Once an exit fires, shutdown must not abort it mid-flight. Order
	// placement and the follow-up writes run to completion bounded by the
	// per-call timeouts, not by run-loop cancellation.
	ctx = context.WithoutCancel(ctx)
	fill, err := m.placeWithRetry(ctx, domain.OrderRequest{
		Symbol:   e.pos.Symbol,
		Side:     exitSide(e.pos.Direction),
		Quantity: d.Quantity,
		Type:     domain.OrderTypeMarket,
		Paper:    e.pos.Paper,
	})
	if err != nil {
		m.markStuckLocked(ctx, e, d, err)
		return
	}
	e.pos.AlertFlag = false

	if d.Final {
		m.closeLocked(ctx, e, fill, d.Reason)
		return
	}
	m.partialExitLocked(ctx, e, fill, d)
}

// closeLocked commits a terminal close: populate close fields, Put, then
// compare-and-set the status. A failed CAS means another actor closed first;
// the store's copy wins and the local one is discarded.
func (m *Monitor) closeLocked(ctx context.Context, e *entry, fill domain.Fill, reason domain.CloseReason) {
	now := time.Now()
	expected := e.pos.Status
	qty := e.pos.Quantity

	// Close fields are written first with the status untouched; the status
	// flip happens only through the compare-and-set. A crash in between
	// leaves the row open, so recovery re-evaluates it.
	e.pos.RealizedPnL += e.pos.PnL(fill.Price, qty)
	e.pos.Quantity = 0
	e.pos.CloseReason = reason
	e.pos.ClosePrice = &fill.Price
	e.pos.ClosedAt = &now
	e.pos.UnrealizedPnL = 0
	e.pos.UpdatedAt = now

	if err := m.store.Put(ctx, e.pos); err != nil {
		m.logger.Error("persist close", slog.String("position_id", e.pos.ID), slog.String("error", err.Error()))
	}
	ok, err := m.store.CompareAndSetStatus(ctx, e.pos.ID, expected, domain.StatusClosed)
	if err != nil {
		m.logger.Error("close status cas", slog.String("position_id", e.pos.ID), slog.String("error", err.Error()))
		return
	}
	if !ok {
		stored, gerr := m.store.Get(ctx, e.pos.ID)
		cerr := &domain.ConsistencyError{PositionID: e.pos.ID, Expected: expected, Actual: stored.Status}
		m.logger.Warn("close conflict, store wins", slog.String("error", cerr.Error()))
		m.events.Emit(ctx, domain.Event{
			PositionID: e.pos.ID,
			Type:       domain.EventCloseConflict,
			Timestamp:  now,
			Reason:     string(reason),
		})
		if gerr == nil {
			e.pos = stored
		}
		if gerr == nil && stored.Status == domain.StatusClosed {
			m.deregister(e.pos.ID)
		}
		return
	}
	e.pos.Status = domain.StatusClosed

	m.logger.Info("position closed",
		slog.String("position_id", e.pos.ID),
		slog.String("symbol", e.pos.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("close_price", fill.Price),
		slog.Float64("realized_pnl", e.pos.RealizedPnL))
	m.events.Emit(ctx, domain.Event{
		PositionID: e.pos.ID,
		Type:       domain.EventPositionClosed,
		Timestamp:  now,
		Reason:     string(reason),
		Data: map[string]any{
			"symbol":       e.pos.Symbol,
			"close_price":  fill.Price,
			"quantity":     qty,
			"realized_pnl": e.pos.RealizedPnL,
		},
	})
	m.deregister(e.pos.ID)
	if m.onClose != nil {
		m.onClose(ctx, e.pos)
	}
}

// partialExitLocked records an executed scale-out. When the fill consumes
// the whole remaining quantity the position closes as a target exit instead.
func (m *Monitor) partialExitLocked(ctx context.Context, e *entry, fill domain.Fill, d domain.ExitDecision) {
	if d.Quantity >= e.pos.Quantity {
		m.closeLocked(ctx, e, fill, domain.CloseTarget)
		return
	}

	now := time.Now()
	e.pos.PartialExits = append(e.pos.PartialExits, domain.PartialExit{
		Level:      d.Level,
		Price:      fill.Price,
		Quantity:   d.Quantity,
		ExecutedAt: now,
	})
	e.pos.Quantity -= d.Quantity
	e.pos.RealizedPnL += e.pos.PnL(fill.Price, d.Quantity)
	e.pos.UpdatedAt = now

	if err := m.store.Put(ctx, e.pos); err != nil {
		m.logger.Error("persist partial exit", slog.String("position_id", e.pos.ID), slog.String("error", err.Error()))
	}
	if e.pos.Status == domain.StatusOpen {
		if ok, err := m.store.CompareAndSetStatus(ctx, e.pos.ID, domain.StatusOpen, domain.StatusPartiallyClosed); err != nil {
			m.logger.Error("partial status cas", slog.String("position_id", e.pos.ID), slog.String("error", err.Error()))
		} else if ok {
			e.pos.Status = domain.StatusPartiallyClosed
		} else {
			m.logger.Warn("partial exit against changed status", slog.String("position_id", e.pos.ID))
		}
	}

	m.logger.Info("partial exit executed",
		slog.String("position_id", e.pos.ID),
		slog.String("symbol", e.pos.Symbol),
		slog.Int("level", d.Level),
		slog.Float64("quantity", d.Quantity),
		slog.Float64("price", fill.Price),
		slog.Float64("remaining", e.pos.Quantity))
	m.events.Emit(ctx, domain.Event{
		PositionID: e.pos.ID,
		Type:       domain.EventPartialExit,
		Timestamp:  now,
		Data: map[string]any{
			"level":     d.Level,
			"quantity":  d.Quantity,
			"price":     fill.Price,
			"remaining": e.pos.Quantity,
		},
	})
}

// markStuckLocked flags a position whose exit order could not be placed. The
// position stays registered; the next cycle re-evaluates and retries.
func (m *Monitor) markStuckLocked(ctx context.Context, e *entry, d domain.ExitDecision, cause error) {
	now := time.Now()
	e.pos.AlertFlag = true
	e.pos.ReviewNote = fmt.Sprintf("exit order failed at %s: %v", now.Format(time.RFC3339), cause)
	e.pos.UpdatedAt = now
	if err := m.store.Put(ctx, e.pos); err != nil {
		m.logger.Error("persist alert flag", slog.String("position_id", e.pos.ID), slog.String("error", err.Error()))
	}

	m.logger.Error("exit order stuck",
		slog.String("position_id", e.pos.ID),
		slog.String("symbol", e.pos.Symbol),
		slog.String("reason", string(d.Reason)),
		slog.String("error", cause.Error()))
	m.events.Emit(ctx, domain.Event{
		PositionID: e.pos.ID,
		Type:       domain.EventExitStuck,
		Timestamp:  now,
		Reason:     string(d.Reason),
		Data:       map[string]any{"error": cause.Error()},
	})
	if m.notifier != nil {
		m.notifier.Critical(ctx, "exit order stuck",
			fmt.Sprintf("position %s (%s): exit %s failed after %d attempts: %v",
				e.pos.ID, e.pos.Symbol, d.Reason, m.cfg.RetryAttempts, cause))
	}
}

// placeWithRetry submits the order with bounded exponential backoff. Each
// attempt gets its own timeout; the final error wraps the last attempt.
func (m *Monitor) placeWithRetry(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	var lastErr error
	backoff := m.cfg.RetryBase
	for attempt := 1; attempt <= m.cfg.RetryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		fill, err := m.broker.PlaceOrder(callCtx, req)
		cancel()
		if err == nil {
			return fill, nil
		}
		lastErr = err
		m.logger.Warn("order attempt failed",
			slog.String("symbol", req.Symbol),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt == m.cfg.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return domain.Fill{}, &domain.AdapterError{Op: "place_order", Attempts: attempt, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return domain.Fill{}, &domain.AdapterError{Op: "place_order", Attempts: m.cfg.RetryAttempts, Err: lastErr}
}

func exitSide(d domain.Direction) domain.OrderSide {
	if d == domain.DirectionShort {
		return domain.OrderSideBuy
	}
	return domain.OrderSideSell
}
