package events

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
	"github.com/alanyoungcy/positionbot/internal/store/memory"
)

func TestEmitAndDeliver(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New(store, nil, nil, logger, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Run(ctx)
		close(done)
	}()

	f.Emit(ctx, domain.Event{Type: domain.EventPositionOpened, PositionID: "p1"})
	f.Emit(ctx, domain.Event{Type: domain.EventPositionClosed, PositionID: "p1", Reason: "target"})

	require.Eventually(t, func() bool {
		got, err := store.List(context.Background(), domain.ListOpts{})
		return err == nil && len(got) == 2
	}, time.Second, 10*time.Millisecond)

	got, err := store.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	for _, e := range got {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	cancel()
	<-done
}

func TestEmit_DrainsOnShutdown(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New(store, nil, nil, logger, 16)

	ctx, cancel := context.WithCancel(context.Background())
	// Queue before the Run loop starts, then cancel immediately: the drain
	// pass must still deliver everything buffered.
	f.Emit(ctx, domain.Event{Type: domain.EventExitStuck, PositionID: "p1"})
	f.Emit(ctx, domain.Event{Type: domain.EventEmergencyStop})
	cancel()

	err := f.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	got, lerr := store.List(context.Background(), domain.ListOpts{})
	require.NoError(t, lerr)
	assert.Len(t, got, 2)
}

func TestEmit_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := New(store, nil, nil, logger, 2)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		f.Emit(ctx, domain.Event{Type: domain.EventTrailingUpdated})
	}
	// No Run loop consuming: Emit must have returned every time.
}

type alerterStub struct {
	mu     sync.Mutex
	events []string
	bodies []string
}

func (a *alerterStub) Event(_ context.Context, event, _, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	a.bodies = append(a.bodies, message)
	return nil
}

func TestDeliverForwardsToAlerter(t *testing.T) {
	store := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	alerter := &alerterStub{}
	f := New(store, nil, alerter, logger, 16)

	ctx, cancel := context.WithCancel(context.Background())
	f.Emit(ctx, domain.Event{Type: domain.EventExitStuck, PositionID: "p1", Reason: "stop_loss"})
	cancel()
	_ = f.Run(ctx) // drain delivers the queued event

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	require.Len(t, alerter.events, 1)
	assert.Equal(t, domain.EventExitStuck, alerter.events[0])
	assert.Contains(t, alerter.bodies[0], "p1")
	assert.Contains(t, alerter.bodies[0], "stop_loss")
}
