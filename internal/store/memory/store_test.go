package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

func openPosition(id string) domain.Position {
	return domain.Position{
		ID:               id,
		Symbol:           "BTC-USD",
		Direction:        domain.DirectionLong,
		Quantity:         10,
		OriginalQuantity: 10,
		EntryPrice:       100,
		Status:           domain.StatusOpen,
		OpenedAt:         time.Now(),
	}
}

func TestPut_ClosedRowIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := New()

	p := openPosition("p1")
	require.NoError(t, s.Put(ctx, p))

	now := time.Now()
	price := 95.0
	p.Status = domain.StatusClosed
	p.CloseReason = domain.CloseStopLoss
	p.ClosePrice = &price
	p.ClosedAt = &now
	require.NoError(t, s.Put(ctx, p))

	// A late write from a slower actor is silently dropped.
	stale := openPosition("p1")
	stale.TrailingStop = 99
	require.NoError(t, s.Put(ctx, stale))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, domain.CloseStopLoss, got.CloseReason)
	assert.Zero(t, got.TrailingStop)
}

func TestCompareAndSetStatus(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, openPosition("p1")))

	ok, err := s.CompareAndSetStatus(ctx, "p1", domain.StatusOpen, domain.StatusClosed)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second transition loses: status is no longer open.
	ok, err = s.CompareAndSetStatus(ctx, "p1", domain.StatusOpen, domain.StatusClosed)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.CompareAndSetStatus(ctx, "missing", domain.StatusOpen, domain.StatusClosed)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListOpen(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, openPosition("p1")))
	require.NoError(t, s.Put(ctx, openPosition("p2")))

	closed := openPosition("p3")
	closed.Status = domain.StatusClosed
	now := time.Now()
	closed.ClosedAt = &now
	require.NoError(t, s.Put(ctx, closed))

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestClosedRetention(t *testing.T) {
	ctx := context.Background()
	s := New()

	old := openPosition("old")
	old.Status = domain.StatusClosed
	oldTime := time.Now().Add(-48 * time.Hour)
	old.ClosedAt = &oldTime
	require.NoError(t, s.Put(ctx, old))

	recent := openPosition("recent")
	recent.Status = domain.StatusClosed
	recentTime := time.Now()
	recent.ClosedAt = &recentTime
	require.NoError(t, s.Put(ctx, recent))

	cutoff := time.Now().Add(-24 * time.Hour)
	rows, err := s.ListClosedBefore(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "old", rows[0].ID)

	n, err := s.DeleteClosedBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Get(ctx, "recent")
	assert.NoError(t, err)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := openPosition("p1")
	p.PartialLevels = []domain.PartialLevel{{Price: 110, Pct: 0.5}}
	require.NoError(t, s.Put(ctx, p))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	got.PartialLevels[0].Price = 999
	got.Quantity = 0

	again, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 110.0, again.PartialLevels[0].Price)
	assert.Equal(t, 10.0, again.Quantity)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	s := New()

	base := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Log(ctx, domain.Event{
			ID:        string(rune('a' + i)),
			Type:      domain.EventPositionOpened,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	since := base.Add(2 * time.Minute)
	events, err := s.List(ctx, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = s.List(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	n, err := s.DeleteBefore(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAuditUntilMatchesDeleteCutoff(t *testing.T) {
	ctx := context.Background()
	s := New()

	cutoff := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Log(ctx, domain.Event{ID: "before", Timestamp: cutoff.Add(-time.Second)}))
	require.NoError(t, s.Log(ctx, domain.Event{ID: "at", Timestamp: cutoff}))

	// An event timestamped exactly at the cutoff is neither listed nor
	// deleted, so one archive sweep never uploads a row it cannot prune.
	events, err := s.List(ctx, domain.ListOpts{Until: &cutoff})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "before", events[0].ID)

	n, err := s.DeleteBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "at", remaining[0].ID)
}
