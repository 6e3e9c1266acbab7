// Package archive moves aged closed positions and audit events from the
// database to blob cold storage, keeping the hot store small.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// Config controls retention and batching.
type Config struct {
	RetentionDays int           // closed rows and events older than this get archived
	BatchSize     int           // positions per uploaded object
	Interval      time.Duration // how often RunPeriodic sweeps
}

// Archiver uploads aged rows as JSON batches, then deletes them from the
// database. Rows are only deleted after every batch uploaded cleanly.
type Archiver struct {
	cfg       Config
	positions domain.PositionStore
	audit     domain.AuditStore
	writer    domain.BlobWriter
	logger    *slog.Logger
}

func New(cfg Config, positions domain.PositionStore, audit domain.AuditStore,
	writer domain.BlobWriter, logger *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Archiver{
		cfg:       cfg,
		positions: positions,
		audit:     audit,
		writer:    writer,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// RunPeriodic sweeps on the configured interval until ctx is cancelled.
func (a *Archiver) RunPeriodic(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Run executes one archive sweep.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-time.Duration(a.cfg.RetentionDays) * 24 * time.Hour)
	a.logger.Info("starting archive sweep",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.cfg.RetentionDays))

	archived, err := a.archivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive: positions before %v: %w", cutoff, err)
	}

	pruned, err := a.archiveEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive: events before %v: %w", cutoff, err)
	}

	a.logger.Info("archive sweep complete",
		slog.Int("positions_archived", archived),
		slog.Int64("events_pruned", pruned))
	return nil
}

// archivePositions uploads closed positions older than cutoff in batches.
// Deletion happens once, after all batches landed, so a failed upload leaves
// every row in place for the next sweep.
func (a *Archiver) archivePositions(ctx context.Context, cutoff time.Time) (int, error) {
	var total int
	for {
		batch, err := a.positions.ListClosedBefore(ctx, cutoff, a.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			break
		}

		data, err := json.Marshal(batch)
		if err != nil {
			return total, fmt.Errorf("marshal batch: %w", err)
		}
		path := objectPath("positions", batch[len(batch)-1].ClosedAt.UTC())
		if err := a.writer.Put(ctx, path, data, "application/json"); err != nil {
			return total, err
		}

		// Delete exactly the uploaded window, not everything before cutoff:
		// rows after the last uploaded ClosedAt stay for the next batch.
		upper := batch[len(batch)-1].ClosedAt.Add(time.Nanosecond)
		deleted, err := a.positions.DeleteClosedBefore(ctx, upper)
		if err != nil {
			return total, err
		}
		total += int(deleted)
		a.logger.Info("archived position batch",
			slog.String("path", path),
			slog.Int64("rows", deleted))

		if len(batch) < a.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

func (a *Archiver) archiveEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	events, err := a.audit.List(ctx, domain.ListOpts{Until: &cutoff})
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	data, err := json.Marshal(events)
	if err != nil {
		return 0, fmt.Errorf("marshal events: %w", err)
	}
	path := objectPath("events", cutoff)
	if err := a.writer.Put(ctx, path, data, "application/json"); err != nil {
		return 0, err
	}
	return a.audit.DeleteBefore(ctx, cutoff)
}

func objectPath(kind string, t time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", kind, t.Format("2006/01/02"), uuid.NewString())
}
