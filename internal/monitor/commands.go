package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// Manual commands go through the same per-position lock as the automatic
// cycle, but block instead of skipping: an operator's exit waits for the
// in-flight evaluation to finish rather than silently doing nothing.

// ExitPosition closes pct (0 < pct <= 1) of the position's remaining
// quantity at market. pct of 1 is a full manual close. Closing an already
// closed position returns ErrPositionClosed.
func (m *Monitor) ExitPosition(ctx context.Context, id string, pct float64) error {
	if pct <= 0 || pct > 1 {
		return &domain.ValidationError{Field: "pct", Detail: "must be in (0, 1]"}
	}
	e, ok := m.lookup(id)
	if !ok {
		return m.closedOrMissing(ctx, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pos.IsOpen() {
		return domain.ErrPositionClosed
	}

	if pct == 1 {
		m.executeExitLocked(ctx, e, domain.ExitDecision{
			Final:    true,
			Reason:   domain.CloseManual,
			Quantity: e.pos.Quantity,
		})
	} else {
		// Level -1 marks a manual scale-out so configured levels stay
		// eligible.
		m.executeExitLocked(ctx, e, domain.ExitDecision{
			Level:    -1,
			Quantity: pct * e.pos.Quantity,
		})
	}
	if e.pos.AlertFlag {
		return fmt.Errorf("monitor: manual exit %s: order placement failed, position flagged", id)
	}
	return nil
}

// SetBreakeven moves the stop loss to the entry price.
func (m *Monitor) SetBreakeven(ctx context.Context, id string) error {
	e, ok := m.lookup(id)
	if !ok {
		return m.closedOrMissing(ctx, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pos.IsOpen() {
		return domain.ErrPositionClosed
	}

	e.pos.StopLoss = e.pos.EntryPrice
	e.pos.UpdatedAt = time.Now()
	if err := m.store.Put(ctx, e.pos); err != nil {
		return fmt.Errorf("monitor: persist breakeven stop: %w", err)
	}
	m.logger.Info("stop moved to breakeven",
		slog.String("position_id", id),
		slog.Float64("stop", e.pos.StopLoss))
	m.events.Emit(ctx, domain.Event{
		PositionID: id,
		Type:       domain.EventStopMoved,
		Timestamp:  e.pos.UpdatedAt,
		Data:       map[string]any{"stop_loss": e.pos.StopLoss},
	})
	return nil
}

// EnableTrailing turns on a trailing stop at the given distance, effective
// from the next evaluation cycle.
func (m *Monitor) EnableTrailing(ctx context.Context, id string, distance float64) error {
	if distance <= 0 {
		return &domain.ValidationError{Field: "distance", Detail: "must be positive"}
	}
	e, ok := m.lookup(id)
	if !ok {
		return m.closedOrMissing(ctx, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pos.IsOpen() {
		return domain.ErrPositionClosed
	}

	e.pos.Trailing = &domain.TrailingConfig{Distance: distance}
	e.pos.UpdatedAt = time.Now()
	if err := m.store.Put(ctx, e.pos); err != nil {
		return fmt.Errorf("monitor: persist trailing config: %w", err)
	}
	m.logger.Info("trailing stop enabled",
		slog.String("position_id", id),
		slog.Float64("distance", distance))
	return nil
}

// EmergencyExitAll closes every monitored position at market. Failures flag
// the affected positions and are reported in aggregate; the sweep never stops
// at the first error.
func (m *Monitor) EmergencyExitAll(ctx context.Context) (closed int, err error) {
	entries := m.snapshot()
	var failed int
	for _, e := range entries {
		e.mu.Lock()
		if !e.pos.IsOpen() {
			e.mu.Unlock()
			continue
		}
		m.executeExitLocked(ctx, e, domain.ExitDecision{
			Final:    true,
			Reason:   domain.CloseEmergency,
			Quantity: e.pos.Quantity,
		})
		if e.pos.AlertFlag {
			failed++
		} else {
			closed++
		}
		e.mu.Unlock()
	}
	m.logger.Warn("emergency exit sweep finished",
		slog.Int("closed", closed),
		slog.Int("failed", failed))
	if failed > 0 {
		return closed, fmt.Errorf("monitor: emergency exit: %d position(s) failed to close", failed)
	}
	return closed, nil
}

// closedOrMissing distinguishes an unknown id from a position that already
// reached terminal state and left the registry.
func (m *Monitor) closedOrMissing(ctx context.Context, id string) error {
	p, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("monitor: position %s: %w", id, err)
	}
	if p.Status == domain.StatusClosed {
		return domain.ErrPositionClosed
	}
	return fmt.Errorf("monitor: position %s: %w", id, domain.ErrNotFound)
}
