// Package exit implements the exit-strategy evaluator: pure decision logic
// that maps (position, price, time) to at most one exit decision per cycle.
package exit

import (
	"time"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// Outcome bundles the evaluator's verdict for one cycle. TrailingStop carries
// the ratcheted trailing-stop price; it is decision state the caller must
// write back to the position, not an exit by itself.
type Outcome struct {
	Decision        *domain.ExitDecision
	TrailingStop    float64
	TrailingUpdated bool
}

// Evaluator applies the fixed exit priority order: max-loss, stop loss,
// target, partial levels, trailing stop, time exit. First match wins, so a
// single tick can never trigger two exits.
type Evaluator struct {
	cutoffHour   int
	cutoffMinute int
	cutoffLoc    *time.Location
	hasCutoff    bool
}

// NewEvaluator returns an evaluator without a market-close cutoff; time exits
// then fire on max-hold duration only.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// WithMarketClose sets the daily cutoff at hour:minute in loc; any evaluation
// at or after the cutoff fires a time exit.
func (e *Evaluator) WithMarketClose(hour, minute int, loc *time.Location) *Evaluator {
	e.cutoffHour = hour
	e.cutoffMinute = minute
	e.cutoffLoc = loc
	e.hasCutoff = true
	return e
}

// Evaluate runs one evaluation cycle for p at the given price and time.
func (e *Evaluator) Evaluate(p domain.Position, price float64, now time.Time) Outcome {
	out := Outcome{TrailingStop: p.TrailingStop}
	if !p.IsOpen() || price <= 0 {
		return out
	}

	// 1. Hard max-loss breach.
	if p.MaxLossPct > 0 && p.ReturnPct(price) <= -p.MaxLossPct {
		out.Decision = fullExit(p, price, domain.CloseMaxLoss)
		return out
	}

	// 2. Stop loss crossed in the adverse direction.
	if p.StopLoss > 0 && crossedAdverse(p, price, p.StopLoss) {
		out.Decision = fullExit(p, price, domain.CloseStopLoss)
		return out
	}

	// 3. Target reached in the favorable direction. Closes whatever quantity
	// the partial levels have not already taken.
	if p.Target > 0 && crossedFavorable(p, price, p.Target) {
		out.Decision = fullExit(p, price, domain.CloseTarget)
		return out
	}

	// 4. Partial scale-out levels, each a percentage of the ORIGINAL
	// quantity clamped to what remains. One level per cycle; the next cycle
	// picks up any further level still in range.
	for i, lvl := range p.PartialLevels {
		if p.LevelExecuted(i) || !crossedFavorable(p, price, lvl.Price) {
			continue
		}
		qty := lvl.Pct * p.OriginalQuantity
		if qty > p.Quantity {
			qty = p.Quantity
		}
		if qty <= 0 {
			continue
		}
		out.Decision = &domain.ExitDecision{
			Final:    false,
			Level:    i,
			Quantity: qty,
			Price:    price,
		}
		return out
	}

	// 5. Trailing stop: test the previous level first, then ratchet.
	if p.Trailing != nil && p.Trailing.Distance > 0 {
		armed := p.TrailingStop != 0 ||
			p.Trailing.Trigger == 0 ||
			crossedFavorable(p, price, p.Trailing.Trigger)
		if armed {
			if p.TrailingStop != 0 && crossedAdverse(p, price, p.TrailingStop) {
				out.Decision = fullExit(p, price, domain.CloseTrailingStop)
				return out
			}
			candidate := price - p.Trailing.Distance
			better := candidate > p.TrailingStop
			if p.Direction == domain.DirectionShort {
				candidate = price + p.Trailing.Distance
				better = candidate < p.TrailingStop
			}
			if p.TrailingStop == 0 || better {
				out.TrailingStop = candidate
				out.TrailingUpdated = true
			}
		}
	}

	// 6. Time-based exit: max hold duration or market-close cutoff.
	if p.MaxHold > 0 && now.Sub(p.EntryTime) >= p.MaxHold {
		out.Decision = fullExit(p, price, domain.CloseTimeExit)
		return out
	}
	if e.hasCutoff && e.afterCutoff(now) {
		out.Decision = fullExit(p, price, domain.CloseTimeExit)
		return out
	}

	return out
}

func (e *Evaluator) afterCutoff(now time.Time) bool {
	local := now.In(e.cutoffLoc)
	cutoff := time.Date(local.Year(), local.Month(), local.Day(),
		e.cutoffHour, e.cutoffMinute, 0, 0, e.cutoffLoc)
	return !local.Before(cutoff)
}

func fullExit(p domain.Position, price float64, reason domain.CloseReason) *domain.ExitDecision {
	return &domain.ExitDecision{
		Final:    true,
		Reason:   reason,
		Quantity: p.Quantity,
		Price:    price,
	}
}

// crossedAdverse reports whether price has reached level against the
// position: at/below for a long, at/above for a short.
func crossedAdverse(p domain.Position, price, level float64) bool {
	if p.Direction == domain.DirectionShort {
		return price >= level
	}
	return price <= level
}

// crossedFavorable reports whether price has reached level in the position's
// favor: at/above for a long, at/below for a short.
func crossedFavorable(p domain.Position, price, level float64) bool {
	if p.Direction == domain.DirectionShort {
		return price <= level
	}
	return price >= level
}
