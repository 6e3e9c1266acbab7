package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

type priceStub map[string]float64

func (p priceStub) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	v, ok := p[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return v, time.Now(), nil
}

func (p priceStub) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range symbols {
		if v, ok := p[s]; ok {
			out[s] = v
		}
	}
	return out, nil
}

func newPaper(slippage float64) *Paper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPaper(priceStub{"BTC-USD": 100}, slippage, logger)
}

func TestPlaceOrder_MarketFillWithSlippage(t *testing.T) {
	ctx := context.Background()
	b := newPaper(0.001)

	buy, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC-USD", Side: domain.OrderSideBuy, Quantity: 2, Type: domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.InDelta(t, 100.1, buy.Price, 0.0001)
	assert.Equal(t, 2.0, buy.Quantity)
	assert.NotEmpty(t, buy.OrderID)

	sell, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC-USD", Side: domain.OrderSideSell, Quantity: 1, Type: domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.InDelta(t, 99.9, sell.Price, 0.0001)
}

func TestPlaceOrder_LimitFillsAtLimit(t *testing.T) {
	b := newPaper(0.01)
	fill, err := b.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTC-USD", Side: domain.OrderSideBuy, Quantity: 1,
		Type: domain.OrderTypeLimit, Price: 99.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 99.5, fill.Price)
}

func TestPlaceOrder_NoPriceFails(t *testing.T) {
	b := newPaper(0)
	_, err := b.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "NO-SUCH", Side: domain.OrderSideBuy, Quantity: 1, Type: domain.OrderTypeMarket,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpenPositions_TracksNetBook(t *testing.T) {
	ctx := context.Background()
	b := newPaper(0)

	_, err := b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC-USD", Side: domain.OrderSideBuy, Quantity: 5, Type: domain.OrderTypeMarket,
	})
	require.NoError(t, err)

	open, err := b.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.DirectionLong, open[0].Direction)
	assert.Equal(t, 5.0, open[0].Quantity)

	// Selling the full size flattens the book.
	_, err = b.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC-USD", Side: domain.OrderSideSell, Quantity: 5, Type: domain.OrderTypeMarket,
	})
	require.NoError(t, err)

	open, err = b.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSeed(t *testing.T) {
	b := newPaper(0)
	b.Seed([]domain.Position{
		{Symbol: "BTC-USD", Direction: domain.DirectionShort, Quantity: 3},
	})

	open, err := b.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.DirectionShort, open[0].Direction)
	assert.Equal(t, 3.0, open[0].Quantity)
}
