package domain

import "time"

// TradeRequest is the input DTO produced by the upstream strategy signal
// source. It is immutable and consumed exactly once by the trade manager.
type TradeRequest struct {
	Symbol     string    `json:"symbol"`
	Strategy   string    `json:"strategy"`
	Direction  Direction `json:"direction"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	StopLoss   float64   `json:"stop_loss"`
	Target     float64   `json:"target"`
	Paper      bool      `json:"paper"`

	Trailing      *TrailingConfig `json:"trailing,omitempty"`
	PartialLevels []PartialLevel  `json:"partial_levels,omitempty"`
	MaxHold       time.Duration   `json:"max_hold,omitempty"`
	MaxLossPct    float64         `json:"max_loss_pct,omitempty"`
}

// Validate checks the request for internal consistency. It returns a
// *ValidationError describing the first problem found, or nil.
func (r TradeRequest) Validate() error {
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Detail: "must not be empty"}
	}
	if r.Strategy == "" {
		return &ValidationError{Field: "strategy", Detail: "must not be empty"}
	}
	if r.Direction != DirectionLong && r.Direction != DirectionShort {
		return &ValidationError{Field: "direction", Detail: "must be long or short"}
	}
	if r.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Detail: "must be > 0"}
	}
	if r.EntryPrice <= 0 {
		return &ValidationError{Field: "entry_price", Detail: "must be > 0"}
	}
	if r.StopLoss <= 0 {
		return &ValidationError{Field: "stop_loss", Detail: "must be > 0"}
	}
	if r.Target <= 0 {
		return &ValidationError{Field: "target", Detail: "must be > 0"}
	}

	// Stop and target must bracket the entry on the correct sides.
	switch r.Direction {
	case DirectionLong:
		if r.StopLoss >= r.EntryPrice {
			return &ValidationError{Field: "stop_loss", Detail: "must be below entry for a long"}
		}
		if r.Target <= r.EntryPrice {
			return &ValidationError{Field: "target", Detail: "must be above entry for a long"}
		}
	case DirectionShort:
		if r.StopLoss <= r.EntryPrice {
			return &ValidationError{Field: "stop_loss", Detail: "must be above entry for a short"}
		}
		if r.Target >= r.EntryPrice {
			return &ValidationError{Field: "target", Detail: "must be below entry for a short"}
		}
	}

	if r.Trailing != nil && r.Trailing.Distance <= 0 {
		return &ValidationError{Field: "trailing.distance", Detail: "must be > 0 when trailing is set"}
	}
	var totalPct float64
	for _, lvl := range r.PartialLevels {
		if lvl.Price <= 0 || lvl.Pct <= 0 || lvl.Pct > 1 {
			return &ValidationError{Field: "partial_levels", Detail: "each level needs price > 0 and 0 < pct <= 1"}
		}
		totalPct += lvl.Pct
	}
	if totalPct > 1 {
		return &ValidationError{Field: "partial_levels", Detail: "percentages must not sum above 100%"}
	}
	if r.MaxHold < 0 {
		return &ValidationError{Field: "max_hold", Detail: "must not be negative"}
	}
	if r.MaxLossPct < 0 || r.MaxLossPct >= 1 {
		return &ValidationError{Field: "max_loss_pct", Detail: "must be in [0, 1)"}
	}
	return nil
}

// Notional is the capital committed by the request at its entry price.
func (r TradeRequest) Notional() float64 {
	return r.Quantity * r.EntryPrice
}

// MaxPotentialLoss is the loss realized if the stop-loss fills exactly.
func (r TradeRequest) MaxPotentialLoss() float64 {
	loss := (r.EntryPrice - r.StopLoss) * r.Quantity
	if r.Direction == DirectionShort {
		loss = (r.StopLoss - r.EntryPrice) * r.Quantity
	}
	if loss < 0 {
		return 0
	}
	return loss
}
