package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionbot/internal/domain"
	"github.com/alanyoungcy/positionbot/internal/exit"
	"github.com/alanyoungcy/positionbot/internal/monitor"
	"github.com/alanyoungcy/positionbot/internal/store/memory"
)

type brokerStub struct {
	positions []domain.BrokerPosition
	fail      bool
}

func (b *brokerStub) PlaceOrder(context.Context, domain.OrderRequest) (domain.Fill, error) {
	return domain.Fill{}, errors.New("not used")
}

func (b *brokerStub) OpenPositions(context.Context) ([]domain.BrokerPosition, error) {
	if b.fail {
		return nil, errors.New("broker unreachable")
	}
	return b.positions, nil
}

type priceStub struct{}

func (priceStub) GetPrice(context.Context, string) (float64, time.Time, error) {
	return 100, time.Now(), nil
}

func (priceStub) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = 100
	}
	return out, nil
}

type sinkStub struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sinkStub) Emit(_ context.Context, e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sinkStub) count(t string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, e := range s.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func storedPosition(id, symbol string, qty float64) domain.Position {
	return domain.Position{
		ID:               id,
		Symbol:           symbol,
		Direction:        domain.DirectionLong,
		Quantity:         qty,
		OriginalQuantity: qty,
		EntryPrice:       100,
		EntryTime:        time.Now().Add(-2 * time.Hour),
		StopLoss:         90,
		Target:           120,
		Status:           domain.StatusOpen,
		OpenedAt:         time.Now().Add(-2 * time.Hour),
	}
}

func newTestLoader(t *testing.T, broker *brokerStub) (*Loader, *memory.Store, *monitor.Monitor, *sinkStub) {
	t.Helper()
	store := memory.New()
	sink := &sinkStub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mon := monitor.New(monitor.Config{
		Interval:      time.Second,
		CallTimeout:   time.Second,
		MaxWorkers:    4,
		RetryAttempts: 2,
		RetryBase:     time.Millisecond,
	}, store, priceStub{}, broker, exit.NewEvaluator(), sink, nil, logger)
	return New(store, broker, mon, sink, logger), store, mon, sink
}

func TestRun_RegistersSurvivors(t *testing.T) {
	ctx := context.Background()
	broker := &brokerStub{positions: []domain.BrokerPosition{
		{Symbol: "BTC-USD", Direction: domain.DirectionLong, Quantity: 10},
		{Symbol: "ETH-USD", Direction: domain.DirectionLong, Quantity: 5},
		{Symbol: "SOL-USD", Direction: domain.DirectionLong, Quantity: 7},
	}}
	loader, store, mon, sink := newTestLoader(t, broker)

	require.NoError(t, store.Put(ctx, storedPosition("p1", "BTC-USD", 10)))
	require.NoError(t, store.Put(ctx, storedPosition("p2", "ETH-USD", 5)))
	require.NoError(t, store.Put(ctx, storedPosition("p3", "SOL-USD", 7)))

	res, err := loader.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Registered)
	assert.Equal(t, 3, mon.Count())
	assert.Equal(t, 3, sink.count(domain.EventRecoveryRegister))
}

func TestRun_PreservesRuntimeState(t *testing.T) {
	ctx := context.Background()
	broker := &brokerStub{positions: []domain.BrokerPosition{
		{Symbol: "BTC-USD", Direction: domain.DirectionLong, Quantity: 6},
	}}
	loader, store, mon, _ := newTestLoader(t, broker)

	p := storedPosition("p1", "BTC-USD", 6)
	p.OriginalQuantity = 10
	p.Status = domain.StatusPartiallyClosed
	p.TrailingStop = 104
	p.PartialExits = []domain.PartialExit{{Level: 0, Price: 108, Quantity: 4, ExecutedAt: time.Now().Add(-time.Hour)}}
	require.NoError(t, store.Put(ctx, p))

	res, err := loader.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Registered)

	got := mon.Positions()
	require.Len(t, got, 1)
	assert.Equal(t, 104.0, got[0].TrailingStop)
	require.Len(t, got[0].PartialExits, 1)
	assert.Equal(t, domain.StatusPartiallyClosed, got[0].Status)
}

func TestRun_ClosesPositionsMissingAtBroker(t *testing.T) {
	ctx := context.Background()
	broker := &brokerStub{} // broker holds nothing
	loader, store, mon, sink := newTestLoader(t, broker)

	require.NoError(t, store.Put(ctx, storedPosition("p1", "BTC-USD", 10)))

	res, err := loader.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Closed)
	assert.Equal(t, 0, mon.Count())
	assert.Equal(t, 1, sink.count(domain.EventRecoveryClosed))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, domain.CloseManual, got.CloseReason)
	assert.NotEmpty(t, got.ReviewNote)
}

func TestRun_FlagsQuantityMismatch(t *testing.T) {
	ctx := context.Background()
	broker := &brokerStub{positions: []domain.BrokerPosition{
		{Symbol: "BTC-USD", Direction: domain.DirectionLong, Quantity: 4},
	}}
	loader, store, mon, sink := newTestLoader(t, broker)

	require.NoError(t, store.Put(ctx, storedPosition("p1", "BTC-USD", 10)))

	res, err := loader.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Flagged)
	// Flagged positions stay under monitoring.
	assert.Equal(t, 1, mon.Count())
	assert.Equal(t, 1, sink.count(domain.EventRecoveryFlagged))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.AlertFlag)
	assert.Equal(t, domain.StatusOpen, got.Status)
}

func TestRun_FlagsAmbiguousBrokerBook(t *testing.T) {
	ctx := context.Background()
	broker := &brokerStub{positions: []domain.BrokerPosition{
		{Symbol: "BTC-USD", Direction: domain.DirectionLong, Quantity: 5},
		{Symbol: "BTC-USD", Direction: domain.DirectionLong, Quantity: 5},
	}}
	loader, store, _, _ := newTestLoader(t, broker)

	require.NoError(t, store.Put(ctx, storedPosition("p1", "BTC-USD", 10)))

	res, err := loader.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Flagged)
}

func TestRun_BrokerUnreachableFailsStartup(t *testing.T) {
	ctx := context.Background()
	broker := &brokerStub{fail: true}
	loader, store, mon, _ := newTestLoader(t, broker)

	require.NoError(t, store.Put(ctx, storedPosition("p1", "BTC-USD", 10)))

	_, err := loader.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, mon.Count())
}

func TestRun_EmptyStore(t *testing.T) {
	loader, _, mon, _ := newTestLoader(t, &brokerStub{})
	res, err := loader.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Registered+res.Closed+res.Flagged)
	assert.Equal(t, 0, mon.Count())
}
