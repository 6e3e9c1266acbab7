// Package broker holds broker adapters. The engine only ever sees the
// domain.Broker interface; paper execution is the in-process implementation
// used for dry runs and tests.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// Paper simulates an exchange: market orders fill immediately at the cached
// price plus configured slippage, and the simulated book is reported back
// through OpenPositions so recovery works the same as against a live broker.
type Paper struct {
	prices   domain.PriceSource
	slippage float64 // fraction of price, applied against the order
	logger   *slog.Logger

	mu   sync.Mutex
	book map[string]float64 // symbol -> signed net quantity, buys positive
}

// NewPaper creates a paper broker. slippage is a fraction (0.001 = 10 bps)
// applied adversely to every market fill.
func NewPaper(prices domain.PriceSource, slippage float64, logger *slog.Logger) *Paper {
	return &Paper{
		prices:   prices,
		slippage: slippage,
		logger:   logger.With(slog.String("component", "paper_broker")),
		book:     make(map[string]float64),
	}
}

// PlaceOrder fills the order against the cached price. Limit orders fill at
// their limit price; market orders need a cached price or the order fails.
func (b *Paper) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	if req.Quantity <= 0 {
		return domain.Fill{}, fmt.Errorf("paper: order quantity must be positive")
	}

	var price float64
	switch req.Type {
	case domain.OrderTypeLimit:
		price = req.Price
	default:
		p, _, err := b.prices.GetPrice(ctx, req.Symbol)
		if err != nil {
			return domain.Fill{}, fmt.Errorf("paper: no price for %s: %w", req.Symbol, err)
		}
		price = p
		if req.Side == domain.OrderSideBuy {
			price *= 1 + b.slippage
		} else {
			price *= 1 - b.slippage
		}
	}
	if price <= 0 {
		return domain.Fill{}, fmt.Errorf("paper: no fill price for %s", req.Symbol)
	}

	signed := req.Quantity
	if req.Side == domain.OrderSideSell {
		signed = -req.Quantity
	}
	b.mu.Lock()
	b.book[req.Symbol] += signed
	if b.book[req.Symbol] == 0 {
		delete(b.book, req.Symbol)
	}
	b.mu.Unlock()

	fill := domain.Fill{
		OrderID:  uuid.NewString(),
		Price:    price,
		Quantity: req.Quantity,
		FilledAt: time.Now(),
	}
	b.logger.Info("paper fill",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("quantity", req.Quantity),
		slog.Float64("price", price))
	return fill, nil
}

// OpenPositions reports the simulated book, one net position per symbol.
func (b *Paper) OpenPositions(context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.BrokerPosition, 0, len(b.book))
	for symbol, qty := range b.book {
		bp := domain.BrokerPosition{Symbol: symbol, Direction: domain.DirectionLong, Quantity: qty}
		if qty < 0 {
			bp.Direction = domain.DirectionShort
			bp.Quantity = -qty
		}
		out = append(out, bp)
	}
	return out, nil
}

// Seed primes the simulated book, used when starting paper mode against a
// store that already holds open paper positions.
func (b *Paper) Seed(positions []domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range positions {
		signed := p.Quantity
		if p.Direction == domain.DirectionShort {
			signed = -p.Quantity
		}
		b.book[p.Symbol] += signed
	}
}

// Compile-time interface check.
var _ domain.Broker = (*Paper)(nil)
