package domain

import (
	"context"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType indicates how the order should be priced.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRequest is submitted to the broker adapter. Paper routes the order to
// simulated execution; the flag is transparent to the monitor.
type OrderRequest struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
	Type     OrderType
	Price    float64 // limit price; ignored for market orders
	Paper    bool
}

// Fill is the broker's confirmation of an executed order. One reported fill
// price per order; partial fills are not modeled.
type Fill struct {
	OrderID  string
	Price    float64
	Quantity float64
	FilledAt time.Time
}

// BrokerPosition is the broker-side view of one open position, used by the
// recovery loader to reconcile against the store.
type BrokerPosition struct {
	Symbol    string
	Direction Direction
	Quantity  float64
}

// Broker places orders and reports live positions. Implementations must
// honor the context deadline; calls carry a configured timeout.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Fill, error)
	OpenPositions(ctx context.Context) ([]BrokerPosition, error)
}

// PriceSource supplies current prices. GetPrices is the batched form used by
// the monitor to fetch one price per distinct symbol per tick; symbols with
// no known price are omitted from the result map.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}
