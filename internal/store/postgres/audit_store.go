package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one event to the audit log. The data map is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, e domain.Event) error {
	var dataJSON []byte
	if len(e.Data) > 0 {
		var err error
		dataJSON, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("postgres: marshal event data: %w", err)
		}
	}

	const query = `
		INSERT INTO audit_log (id, position_id, event_type, ts, reason, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query, e.ID, e.PositionID, e.Type, e.Timestamp, e.Reason, dataJSON)
	if err != nil {
		return fmt.Errorf("postgres: log event %s: %w", e.Type, err)
	}
	return nil
}

// List returns events with pagination and optional time filtering, newest
// first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT id, position_id, event_type, ts, reason, data FROM audit_log WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND ts >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	// Until is exclusive, matching DeleteBefore, so an event timestamped
	// exactly at an archive cutoff is never uploaded without being pruned.
	if opts.Until != nil {
		query += fmt.Sprintf(" AND ts < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY ts DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var dataJSON []byte

		if err := rows.Scan(&e.ID, &e.PositionID, &e.Type, &e.Timestamp, &e.Reason, &dataJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		if dataJSON != nil {
			if err := json.Unmarshal(dataJSON, &e.Data); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event data: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: event rows: %w", err)
	}
	return events, nil
}

// DeleteBefore prunes events older than cutoff.
func (s *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}
