package domain

import "time"

// Direction indicates which way a position is exposed to price movement.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// PositionStatus tracks the position lifecycle. Transitions only move
// forward: open -> partially_closed -> closed; closed is terminal.
type PositionStatus string

const (
	StatusOpen            PositionStatus = "open"
	StatusPartiallyClosed PositionStatus = "partially_closed"
	StatusClosed          PositionStatus = "closed"
)

// CloseReason is the fixed enumerated set of reasons a position closes.
type CloseReason string

const (
	CloseStopLoss     CloseReason = "stop_loss"
	CloseTarget       CloseReason = "target"
	CloseTrailingStop CloseReason = "trailing_stop"
	CloseTimeExit     CloseReason = "time_exit"
	CloseMaxLoss      CloseReason = "max_loss"
	CloseManual       CloseReason = "manual"
	CloseEmergency    CloseReason = "emergency"
)

// TrailingConfig enables a trailing stop at the given distance from the best
// favorable price. Trigger is the price past which trailing activates; zero
// means the trail is unconditional from entry.
type TrailingConfig struct {
	Distance float64 `json:"distance"`
	Trigger  float64 `json:"trigger"`
}

// PartialLevel is a configured scale-out: when price reaches Price, Pct of
// the original quantity is closed.
type PartialLevel struct {
	Price float64 `json:"price"`
	Pct   float64 `json:"pct"`
}

// PartialExit records one executed scale-out.
type PartialExit struct {
	Level      int       `json:"level"` // index into PartialLevels
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Position is the central entity: a single open (or historically closed)
// trade with its exit configuration and mutable runtime state. The store owns
// the durable copy; the monitor keeps a working in-memory copy that must
// always be reconcilable from the store.
type Position struct {
	ID        string
	Symbol    string
	Strategy  string
	Direction Direction
	Paper     bool

	// Quantity is the remaining quantity; it shrinks as partial exits
	// execute. OriginalQuantity never changes after open.
	Quantity         float64
	OriginalQuantity float64
	EntryPrice       float64
	EntryTime        time.Time
	CapitalUsed      float64

	// ReservedNotional is what the risk governor reserved at approval,
	// computed from the requested entry price. It is released verbatim on
	// close; the fill-based CapitalUsed drifts from it by slippage.
	ReservedNotional float64

	// Exit configuration, immutable once set except via explicit commands.
	StopLoss      float64
	Target        float64
	Trailing      *TrailingConfig
	PartialLevels []PartialLevel
	MaxHold       time.Duration
	MaxLossPct    float64

	// Mutable runtime state.
	TrailingStop  float64 // current trailing-stop price, ratchets favorably only
	PartialExits  []PartialExit
	Status        PositionStatus
	CloseReason   CloseReason
	ClosePrice    *float64
	ClosedAt      *time.Time
	RealizedPnL   float64
	UnrealizedPnL float64 // recomputed each cycle, not authoritative
	AlertFlag     bool
	ReviewNote    string

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// Sign returns +1 for long and -1 for short, so that
// Sign * (price - entry) is positive when the move is favorable.
func (p Position) Sign() float64 {
	if p.Direction == DirectionShort {
		return -1
	}
	return 1
}

// PnL computes the profit of closing qty at price.
func (p Position) PnL(price, qty float64) float64 {
	return p.Sign() * (price - p.EntryPrice) * qty
}

// ReturnPct is the signed fractional return at price: positive when the move
// is favorable for the position's direction.
func (p Position) ReturnPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return p.Sign() * (price - p.EntryPrice) / p.EntryPrice
}

// IsOpen reports whether the position is still under monitoring.
func (p Position) IsOpen() bool {
	return p.Status == StatusOpen || p.Status == StatusPartiallyClosed
}

// LevelExecuted reports whether partial level i has already been filled.
func (p Position) LevelExecuted(i int) bool {
	for _, pe := range p.PartialExits {
		if pe.Level == i {
			return true
		}
	}
	return false
}

// ExitedQuantity is the sum of all executed partial-exit quantities.
func (p Position) ExitedQuantity() float64 {
	var total float64
	for _, pe := range p.PartialExits {
		total += pe.Quantity
	}
	return total
}
