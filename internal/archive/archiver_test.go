package archive

import (
	"context"
	"encoding/json"
	"errors"
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

type blobStub struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func newBlobStub() *blobStub {
	return &blobStub{objects: make(map[string][]byte)}
}

func (b *blobStub) Put(_ context.Context, path string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("upload failed")
	}
	b.objects[path] = data
	return nil
}

func closedPosition(id string, closedAt time.Time) domain.Position {
	price := 95.0
	return domain.Position{
		ID:        id,
		Symbol:    "BTC-USD",
		Direction: domain.DirectionLong,
		Status:    domain.StatusClosed,
		ClosePrice: &price,
		ClosedAt:  &closedAt,
		OpenedAt:  closedAt.Add(-time.Hour),
	}
}

func newArchiver(t *testing.T, store *memory.Store, blob *blobStub, batchSize int) *Archiver {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{RetentionDays: 30, BatchSize: batchSize, Interval: time.Hour},
		store, store, blob, logger)
}

func TestRun_ArchivesAndDeletesAgedRows(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blob := newBlobStub()

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	require.NoError(t, store.Put(ctx, closedPosition("old-1", old)))
	require.NoError(t, store.Put(ctx, closedPosition("old-2", old.Add(time.Minute))))
	recent := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Put(ctx, closedPosition("recent", recent)))

	require.NoError(t, newArchiver(t, store, blob, 100).Run(ctx))

	// Aged rows are gone, the recent one stays.
	_, err := store.Get(ctx, "old-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = store.Get(ctx, "recent")
	assert.NoError(t, err)

	blob.mu.Lock()
	defer blob.mu.Unlock()
	require.Len(t, blob.objects, 1)
	for _, data := range blob.objects {
		var batch []domain.Position
		require.NoError(t, json.Unmarshal(data, &batch))
		assert.Len(t, batch, 2)
	}
}

func TestRun_BatchesLargeBacklogs(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blob := newBlobStub()

	base := time.Now().UTC().Add(-60 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx,
			closedPosition(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))))
	}

	require.NoError(t, newArchiver(t, store, blob, 2).Run(ctx))

	blob.mu.Lock()
	defer blob.mu.Unlock()
	assert.Len(t, blob.objects, 3) // 2 + 2 + 1

	rows, err := store.ListClosedBefore(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRun_UploadFailureKeepsRows(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blob := newBlobStub()
	blob.fail = true

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	require.NoError(t, store.Put(ctx, closedPosition("old-1", old)))

	err := newArchiver(t, store, blob, 100).Run(ctx)
	require.Error(t, err)

	// Nothing deleted when the upload failed.
	_, gerr := store.Get(ctx, "old-1")
	assert.NoError(t, gerr)
}

func TestRun_ArchivesAuditEvents(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	blob := newBlobStub()

	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	require.NoError(t, store.Log(ctx, domain.Event{ID: "e1", Type: domain.EventPositionClosed, Timestamp: old}))
	require.NoError(t, store.Log(ctx, domain.Event{ID: "e2", Type: domain.EventPositionOpened, Timestamp: time.Now()}))

	require.NoError(t, newArchiver(t, store, blob, 100).Run(ctx))

	remaining, err := store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "e2", remaining[0].ID)
}
