package risk

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

type stateStoreStub struct {
	mu     sync.Mutex
	states map[string]domain.RiskState
	puts   int
}

func newStateStoreStub() *stateStoreStub {
	return &stateStoreStub{states: make(map[string]domain.RiskState)}
}

func (s *stateStoreStub) PutState(_ context.Context, st domain.RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Day] = st
	s.puts++
	return nil
}

func (s *stateStoreStub) GetState(_ context.Context, day string) (domain.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[day]
	if !ok {
		return domain.RiskState{}, domain.ErrNotFound
	}
	return st, nil
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

func (s *sinkStub) byType(t string) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() Config {
	return Config{
		DailyLossCap:         5000,
		MaxTradesPerDay:      10,
		MaxSymbolExposure:    20000,
		MaxStrategyExposure:  50000,
		MaxConsecutiveLosses: 3,
	}
}

func newTestGovernor(t *testing.T, cfg Config) (*Governor, *stateStoreStub, *sinkStub) {
	t.Helper()
	store := newStateStoreStub()
	sink := &sinkStub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g, err := NewGovernor(context.Background(), cfg, store, sink, logger)
	require.NoError(t, err)
	return g, store, sink
}

func rejectionRule(t *testing.T, err error) string {
	t.Helper()
	var rej *domain.RiskRejection
	require.ErrorAs(t, err, &rej)
	return rej.Rule
}

func TestCanTrade_DailyLossHeadroom(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGovernor(t, testConfig())

	// Burn 4800 of the 5000 cap.
	g.RecordOutcome(ctx, -4800)
	require.False(t, g.Stopped())

	check := Check{Symbol: "ETH-USD", Notional: 1000, MaxLoss: 300}
	err := g.CanTrade(ctx, check)
	assert.Equal(t, RuleDailyLossCap, rejectionRule(t, err))

	check.MaxLoss = 150
	assert.NoError(t, g.CanTrade(ctx, check))
}

func TestCanTrade_TradeCount(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxTradesPerDay = 2
	g, _, _ := newTestGovernor(t, cfg)

	check := Check{Symbol: "BTC-USD", Notional: 100, MaxLoss: 10}
	require.NoError(t, g.CanTrade(ctx, check))
	require.NoError(t, g.CanTrade(ctx, check))
	err := g.CanTrade(ctx, check)
	assert.Equal(t, RuleTradeCount, rejectionRule(t, err))
}

func TestCanTrade_ExposureReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxSymbolExposure = 1500
	g, _, _ := newTestGovernor(t, cfg)

	require.NoError(t, g.CanTrade(ctx, Check{Symbol: "BTC-USD", Strategy: "momo", Notional: 1000, MaxLoss: 10}))

	err := g.CanTrade(ctx, Check{Symbol: "BTC-USD", Strategy: "momo", Notional: 600, MaxLoss: 10})
	assert.Equal(t, RuleSymbolExposure, rejectionRule(t, err))

	// Other symbols are unaffected by BTC's reservation.
	require.NoError(t, g.CanTrade(ctx, Check{Symbol: "ETH-USD", Strategy: "momo", Notional: 600, MaxLoss: 10}))

	g.ReleaseExposure(ctx, "BTC-USD", "momo", 1000)
	assert.NoError(t, g.CanTrade(ctx, Check{Symbol: "BTC-USD", Strategy: "momo", Notional: 600, MaxLoss: 10}))
}

func TestCanTrade_StrategyExposure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxStrategyExposure = 1000
	g, _, _ := newTestGovernor(t, cfg)

	require.NoError(t, g.CanTrade(ctx, Check{Symbol: "BTC-USD", Strategy: "momo", Notional: 800, MaxLoss: 10}))
	err := g.CanTrade(ctx, Check{Symbol: "ETH-USD", Strategy: "momo", Notional: 300, MaxLoss: 10})
	assert.Equal(t, RuleStrategyExposure, rejectionRule(t, err))
}

func TestRecordOutcome_StreakTripsEmergencyStop(t *testing.T) {
	ctx := context.Background()
	g, _, sink := newTestGovernor(t, testConfig())

	g.RecordOutcome(ctx, -100)
	g.RecordOutcome(ctx, -100)
	assert.False(t, g.Stopped())

	g.RecordOutcome(ctx, -100)
	assert.True(t, g.Stopped())
	require.Len(t, sink.byType(domain.EventEmergencyStop), 1)

	err := g.CanTrade(ctx, Check{Symbol: "BTC-USD", Notional: 100, MaxLoss: 10})
	assert.Equal(t, RuleEmergencyStop, rejectionRule(t, err))

	g.Resume(ctx)
	assert.False(t, g.Stopped())
	assert.NoError(t, g.CanTrade(ctx, Check{Symbol: "BTC-USD", Notional: 100, MaxLoss: 10}))
}

func TestRecordOutcome_WinResetsStreak(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGovernor(t, testConfig())

	g.RecordOutcome(ctx, -100)
	g.RecordOutcome(ctx, -100)
	g.RecordOutcome(ctx, 50)
	g.RecordOutcome(ctx, -100)
	assert.False(t, g.Stopped())
	assert.Equal(t, 1, g.State().ConsecutiveLosses)
}

func TestCanTrade_TradingHours(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Hours = &TradingHours{OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0, Location: time.UTC}
	g, _, _ := newTestGovernor(t, cfg)

	check := Check{Symbol: "BTC-USD", Notional: 100, MaxLoss: 10}

	// Monday mid-session.
	g.WithClock(func() time.Time { return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) })
	assert.NoError(t, g.CanTrade(ctx, check))

	// Monday before the open.
	g.WithClock(func() time.Time { return time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC) })
	assert.Equal(t, RuleTradingHours, rejectionRule(t, g.CanTrade(ctx, check)))

	// Saturday.
	g.WithClock(func() time.Time { return time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC) })
	assert.Equal(t, RuleTradingHours, rejectionRule(t, g.CanTrade(ctx, check)))
}

func TestDayRollover(t *testing.T) {
	ctx := context.Background()
	g, store, _ := newTestGovernor(t, testConfig())

	day1 := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	g.WithClock(func() time.Time { return day1 })
	require.NoError(t, g.CanTrade(ctx, Check{Symbol: "BTC-USD", Notional: 100, MaxLoss: 10}))
	g.RecordOutcome(ctx, -400)

	// The next decision after midnight starts a fresh day.
	g.WithClock(func() time.Time { return day1.Add(24 * time.Hour) })
	require.NoError(t, g.CanTrade(ctx, Check{Symbol: "BTC-USD", Notional: 100, MaxLoss: 10}))
	state := g.State()
	assert.Equal(t, "2025-06-03", state.Day)
	assert.Equal(t, 1, state.TradeCount)
	assert.Zero(t, state.RealizedPnL)

	// Yesterday's record is still on file.
	old, err := store.GetState(ctx, "2025-06-02")
	require.NoError(t, err)
	assert.Equal(t, -400.0, old.RealizedPnL)
	assert.Equal(t, 1, old.TradeCount)
}

func TestStatePersistedOnApproval(t *testing.T) {
	ctx := context.Background()
	g, store, _ := newTestGovernor(t, testConfig())

	require.NoError(t, g.CanTrade(ctx, Check{Symbol: "BTC-USD", Notional: 100, MaxLoss: 10}))
	st, err := store.GetState(ctx, domain.DayKey(time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, st.TradeCount)
	assert.Equal(t, 100.0, st.SymbolExposure["BTC-USD"])
}
