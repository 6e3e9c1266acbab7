// Package risk implements the risk governor: the pre-trade gate every entry
// passes through, plus the daily circuit breakers that halt trading.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// Rule names reported in RiskRejection and in risk_rejected events.
const (
	RuleEmergencyStop     = "emergency_stop"
	RuleTradingHours      = "trading_hours"
	RuleDailyLossCap      = "daily_loss_cap"
	RuleTradeCount        = "trade_count"
	RuleSymbolExposure    = "symbol_exposure"
	RuleStrategyExposure  = "strategy_exposure"
	RuleConsecutiveLosses = "consecutive_losses"
)

// TradingHours is the daily session window. Checks are evaluated in Location;
// Saturdays and Sundays are always rejected when a window is configured.
type TradingHours struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
	Location    *time.Location
}

// Config holds the governor's limits. Caps are mandatory; a zero cap is a
// configuration error caught at startup, not an unlimited budget.
type Config struct {
	DailyLossCap         float64
	MaxTradesPerDay      int
	MaxSymbolExposure    float64
	MaxStrategyExposure  float64
	MaxConsecutiveLosses int
	Hours                *TradingHours // nil disables the session gate
}

// Check describes a prospective entry presented to CanTrade.
type Check struct {
	Symbol   string
	Strategy string
	Notional float64
	MaxLoss  float64 // worst-case loss if the stop fills exactly
}

// Governor serializes all risk decisions behind one mutex and persists the
// per-day state after every mutation. Approval reserves exposure immediately
// so two concurrent entries cannot both fit under the same headroom.
type Governor struct {
	mu     sync.Mutex
	cfg    Config
	store  domain.RiskStateStore
	events domain.EventSink
	logger *slog.Logger
	now    func() time.Time

	state domain.RiskState
}

// NewGovernor loads today's state from the store, starting fresh when no
// record exists for the current day.
func NewGovernor(ctx context.Context, cfg Config, store domain.RiskStateStore, events domain.EventSink, logger *slog.Logger) (*Governor, error) {
	g := &Governor{
		cfg:    cfg,
		store:  store,
		events: events,
		logger: logger.With(slog.String("component", "risk")),
		now:    time.Now,
	}
	day := domain.DayKey(g.now())
	state, err := store.GetState(ctx, day)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		state = domain.NewRiskState(day)
	case err != nil:
		return nil, fmt.Errorf("risk: load state for %s: %w", day, err)
	}
	g.state = state
	return g, nil
}

// WithClock overrides the time source. Tests only.
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

// CanTrade runs every gate in order and, on approval, reserves the trade's
// exposure and counts it against the daily budget. The returned error is a
// *domain.RiskRejection when a gate fires.
func (g *Governor) CanTrade(ctx context.Context, c Check) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)

	if rej := g.checkLocked(c); rej != nil {
		g.logger.Warn("trade rejected",
			slog.String("symbol", c.Symbol),
			slog.String("rule", rej.Rule),
			slog.String("detail", rej.Detail))
		g.events.Emit(ctx, domain.Event{
			Type:      domain.EventRiskRejected,
			Timestamp: g.now(),
			Reason:    rej.Rule,
			Data: map[string]any{
				"symbol":   c.Symbol,
				"strategy": c.Strategy,
				"detail":   rej.Detail,
			},
		})
		return rej
	}

	g.state.TradeCount++
	g.state.SymbolExposure[c.Symbol] += c.Notional
	if c.Strategy != "" {
		g.state.StrategyExposure[c.Strategy] += c.Notional
	}
	g.persistLocked(ctx)
	return nil
}

func (g *Governor) checkLocked(c Check) *domain.RiskRejection {
	if g.state.EmergencyStop {
		return &domain.RiskRejection{Rule: RuleEmergencyStop, Detail: g.state.StopReason}
	}
	if rej := g.checkHours(); rej != nil {
		return rej
	}
	if projected := g.state.RealizedLoss() + c.MaxLoss; projected > g.cfg.DailyLossCap {
		return &domain.RiskRejection{
			Rule: RuleDailyLossCap,
			Detail: fmt.Sprintf("worst case %.2f + realized loss %.2f exceeds cap %.2f",
				c.MaxLoss, g.state.RealizedLoss(), g.cfg.DailyLossCap),
		}
	}
	if g.state.TradeCount >= g.cfg.MaxTradesPerDay {
		return &domain.RiskRejection{
			Rule:   RuleTradeCount,
			Detail: fmt.Sprintf("%d trades already opened today, limit %d", g.state.TradeCount, g.cfg.MaxTradesPerDay),
		}
	}
	if g.state.SymbolExposure[c.Symbol]+c.Notional > g.cfg.MaxSymbolExposure {
		return &domain.RiskRejection{
			Rule: RuleSymbolExposure,
			Detail: fmt.Sprintf("%s exposure %.2f + %.2f exceeds limit %.2f",
				c.Symbol, g.state.SymbolExposure[c.Symbol], c.Notional, g.cfg.MaxSymbolExposure),
		}
	}
	if c.Strategy != "" && g.state.StrategyExposure[c.Strategy]+c.Notional > g.cfg.MaxStrategyExposure {
		return &domain.RiskRejection{
			Rule: RuleStrategyExposure,
			Detail: fmt.Sprintf("strategy %s exposure %.2f + %.2f exceeds limit %.2f",
				c.Strategy, g.state.StrategyExposure[c.Strategy], c.Notional, g.cfg.MaxStrategyExposure),
		}
	}
	return nil
}

func (g *Governor) checkHours() *domain.RiskRejection {
	h := g.cfg.Hours
	if h == nil {
		return nil
	}
	local := g.now().In(h.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return &domain.RiskRejection{Rule: RuleTradingHours, Detail: "market closed on weekends"}
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), h.OpenHour, h.OpenMinute, 0, 0, h.Location)
	close := time.Date(local.Year(), local.Month(), local.Day(), h.CloseHour, h.CloseMinute, 0, 0, h.Location)
	if local.Before(open) || !local.Before(close) {
		return &domain.RiskRejection{
			Rule:   RuleTradingHours,
			Detail: fmt.Sprintf("outside session %02d:%02d-%02d:%02d", h.OpenHour, h.OpenMinute, h.CloseHour, h.CloseMinute),
		}
	}
	return nil
}

// RecordOutcome folds a closed position's realized PnL into the day's state
// and advances the loss streak. Crossing the streak limit trips the
// emergency stop for the rest of the day.
func (g *Governor) RecordOutcome(ctx context.Context, pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)

	g.state.RealizedPnL += pnl
	if pnl < 0 {
		g.state.ConsecutiveLosses++
	} else {
		g.state.ConsecutiveLosses = 0
	}

	if !g.state.EmergencyStop && g.state.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		g.tripLocked(ctx, fmt.Sprintf("%d consecutive losses", g.state.ConsecutiveLosses))
	}
	if !g.state.EmergencyStop && g.state.RealizedLoss() >= g.cfg.DailyLossCap {
		g.tripLocked(ctx, fmt.Sprintf("daily loss %.2f reached cap %.2f", g.state.RealizedLoss(), g.cfg.DailyLossCap))
	}
	g.persistLocked(ctx)
}

// ReleaseExposure returns reserved notional after a position closes, so the
// headroom becomes available to new entries.
func (g *Governor) ReleaseExposure(ctx context.Context, symbol, strategy string, notional float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(ctx)

	g.state.SymbolExposure[symbol] -= notional
	if g.state.SymbolExposure[symbol] <= 0 {
		delete(g.state.SymbolExposure, symbol)
	}
	if strategy != "" {
		g.state.StrategyExposure[strategy] -= notional
		if g.state.StrategyExposure[strategy] <= 0 {
			delete(g.state.StrategyExposure, strategy)
		}
	}
	g.persistLocked(ctx)
}

// EmergencyStop halts all new entries until Resume or the next trading day.
func (g *Governor) EmergencyStop(ctx context.Context, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.EmergencyStop {
		return
	}
	g.tripLocked(ctx, reason)
	g.persistLocked(ctx)
}

// Resume clears the emergency stop.
func (g *Governor) Resume(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.EmergencyStop {
		return
	}
	g.state.EmergencyStop = false
	g.state.StopReason = ""
	g.logger.Info("emergency stop cleared")
	g.events.Emit(ctx, domain.Event{
		Type:      domain.EventEmergencyResume,
		Timestamp: g.now(),
	})
	g.persistLocked(ctx)
}

// Stopped reports whether the emergency stop is active.
func (g *Governor) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.EmergencyStop
}

// State returns a copy of the current day's state for status reporting.
func (g *Governor) State() domain.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state
	s.SymbolExposure = copyMap(g.state.SymbolExposure)
	s.StrategyExposure = copyMap(g.state.StrategyExposure)
	return s
}

func (g *Governor) tripLocked(ctx context.Context, reason string) {
	g.state.EmergencyStop = true
	g.state.StopReason = reason
	g.logger.Error("emergency stop tripped", slog.String("reason", reason))
	g.events.Emit(ctx, domain.Event{
		Type:      domain.EventEmergencyStop,
		Timestamp: g.now(),
		Reason:    reason,
	})
}

// rolloverLocked swaps in a fresh state when the trading day changes. The
// outgoing day's record is already persisted, so only the new day is written.
func (g *Governor) rolloverLocked(ctx context.Context) {
	day := domain.DayKey(g.now())
	if day == g.state.Day {
		return
	}
	g.logger.Info("trading day rollover",
		slog.String("from", g.state.Day),
		slog.String("to", day))
	g.state = domain.NewRiskState(day)
	g.persistLocked(ctx)
}

func (g *Governor) persistLocked(ctx context.Context) {
	g.state.UpdatedAt = g.now()
	if err := g.store.PutState(ctx, g.state); err != nil {
		g.logger.Error("persist risk state", slog.String("error", err.Error()))
	}
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
