// Package recovery implements the startup loader: it rebuilds the monitoring
// set from the store, reconciles it against the broker's live positions, and
// only then lets the engine accept new trades.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/positionbot/internal/domain"
	"github.com/alanyoungcy/positionbot/internal/monitor"
)

// Result summarizes one recovery run.
type Result struct {
	Registered int
	Closed     int
	Flagged    int
}

// Loader reconciles stored open positions with the broker at startup.
type Loader struct {
	store  domain.PositionStore
	broker domain.Broker
	mon    *monitor.Monitor
	events domain.EventSink
	logger *slog.Logger
}

func New(store domain.PositionStore, broker domain.Broker, mon *monitor.Monitor,
	events domain.EventSink, logger *slog.Logger) *Loader {
	return &Loader{
		store:  store,
		broker: broker,
		mon:    mon,
		events: events,
		logger: logger.With(slog.String("component", "recovery")),
	}
}

// Run loads every open position, reconciles it against the broker, and
// registers the survivors with the monitor at their last persisted state
// (trailing stops and executed partials included). Positions the broker no
// longer holds are closed as externally resolved; ambiguous mismatches are
// flagged for review but kept under monitoring, erring toward watching a
// position that may not exist over ignoring one that does.
func (l *Loader) Run(ctx context.Context) (Result, error) {
	var res Result

	open, err := l.store.ListOpen(ctx)
	if err != nil {
		return res, fmt.Errorf("recovery: list open positions: %w", err)
	}
	if len(open) == 0 {
		l.logger.Info("no open positions to recover")
		return res, nil
	}

	live, err := l.broker.OpenPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("recovery: fetch broker positions: %w", err)
	}
	book := indexBroker(live)

	for _, p := range open {
		switch l.reconcile(ctx, p, book) {
		case outcomeRegistered:
			res.Registered++
		case outcomeClosed:
			res.Closed++
		case outcomeFlagged:
			res.Flagged++
		}
	}

	l.logger.Info("recovery complete",
		slog.Int("registered", res.Registered),
		slog.Int("closed", res.Closed),
		slog.Int("flagged", res.Flagged))
	return res, nil
}

type outcome int

const (
	outcomeRegistered outcome = iota
	outcomeClosed
	outcomeFlagged
)

type bookKey struct {
	symbol    string
	direction domain.Direction
}

type bookEntry struct {
	quantity  float64
	positions int
}

func indexBroker(live []domain.BrokerPosition) map[bookKey]*bookEntry {
	book := make(map[bookKey]*bookEntry, len(live))
	for _, bp := range live {
		k := bookKey{symbol: bp.Symbol, direction: bp.Direction}
		e, ok := book[k]
		if !ok {
			e = &bookEntry{}
			book[k] = e
		}
		e.quantity += bp.Quantity
		e.positions++
	}
	return book
}

func (l *Loader) reconcile(ctx context.Context, p domain.Position, book map[bookKey]*bookEntry) outcome {
	entry, held := book[bookKey{symbol: p.Symbol, direction: p.Direction}]

	if !held {
		// The broker resolved this position while we were down. Close it in
		// the store; the fill details are unknown, so the row keeps its last
		// known prices and gets flagged in the reason.
		now := time.Now()
		expected := p.Status
		p.CloseReason = domain.CloseManual
		p.ClosedAt = &now
		p.ReviewNote = "closed at broker while engine was down; fill unknown"
		p.UpdatedAt = now
		if err := l.store.Put(ctx, p); err != nil {
			l.logger.Error("persist externally closed position",
				slog.String("position_id", p.ID), slog.String("error", err.Error()))
		}
		if ok, err := l.store.CompareAndSetStatus(ctx, p.ID, expected, domain.StatusClosed); err != nil {
			l.logger.Error("close status cas",
				slog.String("position_id", p.ID), slog.String("error", err.Error()))
		} else if !ok {
			l.logger.Warn("recovery close conflict, store wins",
				slog.String("position_id", p.ID),
				slog.String("expected", string(expected)))
		}
		l.logger.Warn("position closed at broker during downtime",
			slog.String("position_id", p.ID),
			slog.String("symbol", p.Symbol))
		l.events.Emit(ctx, domain.Event{
			PositionID: p.ID,
			Type:       domain.EventRecoveryClosed,
			Timestamp:  now,
			Reason:     "not held at broker",
		})
		return outcomeClosed
	}

	if entry.positions > 1 || quantityMismatch(p.Quantity, entry.quantity) {
		rerr := &domain.RecoveryError{
			PositionID: p.ID,
			Detail: fmt.Sprintf("broker holds %.4f across %d position(s), store expects %.4f",
				entry.quantity, entry.positions, p.Quantity),
		}
		p.AlertFlag = true
		p.ReviewNote = rerr.Detail
		p.UpdatedAt = time.Now()
		if err := l.store.Put(ctx, p); err != nil {
			l.logger.Error("persist recovery flag",
				slog.String("position_id", p.ID), slog.String("error", err.Error()))
		}
		l.logger.Warn("recovery mismatch, position flagged",
			slog.String("position_id", p.ID),
			slog.String("detail", rerr.Detail))
		l.events.Emit(ctx, domain.Event{
			PositionID: p.ID,
			Type:       domain.EventRecoveryFlagged,
			Timestamp:  p.UpdatedAt,
			Reason:     rerr.Detail,
		})
		l.mon.Register(p)
		return outcomeFlagged
	}

	l.mon.Register(p)
	l.events.Emit(ctx, domain.Event{
		PositionID: p.ID,
		Type:       domain.EventRecoveryRegister,
		Timestamp:  time.Now(),
		Data: map[string]any{
			"symbol":        p.Symbol,
			"trailing_stop": p.TrailingStop,
			"partial_exits": len(p.PartialExits),
		},
	})
	return outcomeRegistered
}

// quantityMismatch tolerates rounding noise from the broker's reporting.
func quantityMismatch(stored, live float64) bool {
	const tolerance = 1e-6
	diff := stored - live
	if diff < 0 {
		diff = -diff
	}
	return diff > tolerance
}
