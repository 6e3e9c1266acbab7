package domain

import "time"

// DayKey formats t as the trading-day key used to store RiskState.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// RiskState is the per-trading-day aggregate the risk governor gates on.
// One record exists per day, keyed by DayKey.
type RiskState struct {
	Day               string
	RealizedPnL       float64 // signed; losses are negative
	TradeCount        int
	ConsecutiveLosses int
	EmergencyStop     bool
	StopReason        string

	// Reserved notional exposure, released when positions close.
	SymbolExposure   map[string]float64
	StrategyExposure map[string]float64

	UpdatedAt time.Time
}

// NewRiskState returns a zeroed state for the given day.
func NewRiskState(day string) RiskState {
	return RiskState{
		Day:              day,
		SymbolExposure:   make(map[string]float64),
		StrategyExposure: make(map[string]float64),
	}
}

// RealizedLoss is the cumulative realized loss for the day as a positive
// number, zero while the day is net profitable.
func (s RiskState) RealizedLoss() float64 {
	if s.RealizedPnL >= 0 {
		return 0
	}
	return -s.RealizedPnL
}
