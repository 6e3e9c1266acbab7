package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Closed rows
// are immutable: the upsert's conflict clause refuses to touch them, and
// status transitions only happen through CompareAndSetStatus.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, strategy, direction, paper,
	quantity, original_quantity, entry_price, entry_time, capital_used, reserved_notional,
	stop_loss, target, trailing, partial_levels, max_hold_ns, max_loss_pct,
	trailing_stop, partial_exits, status, close_reason, close_price, closed_at,
	realized_pnl, alert_flag, review_note, opened_at, updated_at`

// Put upserts the position. Writes against a row that already reached closed
// status are silently dropped so the terminal write stays idempotent.
func (s *PositionStore) Put(ctx context.Context, p domain.Position) error {
	trailingJSON, err := marshalNullable(p.Trailing)
	if err != nil {
		return fmt.Errorf("postgres: marshal trailing config: %w", err)
	}
	levelsJSON, err := marshalNullable(p.PartialLevels)
	if err != nil {
		return fmt.Errorf("postgres: marshal partial levels: %w", err)
	}
	exitsJSON, err := marshalNullable(p.PartialExits)
	if err != nil {
		return fmt.Errorf("postgres: marshal partial exits: %w", err)
	}

	const query = `
		INSERT INTO positions (
			id, symbol, strategy, direction, paper,
			quantity, original_quantity, entry_price, entry_time, capital_used, reserved_notional,
			stop_loss, target, trailing, partial_levels, max_hold_ns, max_loss_pct,
			trailing_stop, partial_exits, status, close_reason, close_price, closed_at,
			realized_pnl, alert_flag, review_note, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28
		)
		ON CONFLICT (id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			stop_loss = EXCLUDED.stop_loss,
			target = EXCLUDED.target,
			trailing = EXCLUDED.trailing,
			partial_levels = EXCLUDED.partial_levels,
			trailing_stop = EXCLUDED.trailing_stop,
			partial_exits = EXCLUDED.partial_exits,
			close_reason = EXCLUDED.close_reason,
			close_price = EXCLUDED.close_price,
			closed_at = EXCLUDED.closed_at,
			realized_pnl = EXCLUDED.realized_pnl,
			alert_flag = EXCLUDED.alert_flag,
			review_note = EXCLUDED.review_note,
			updated_at = EXCLUDED.updated_at
		WHERE positions.status <> 'closed'`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.Symbol, p.Strategy, string(p.Direction), p.Paper,
		p.Quantity, p.OriginalQuantity, p.EntryPrice, p.EntryTime, p.CapitalUsed, p.ReservedNotional,
		p.StopLoss, p.Target, trailingJSON, levelsJSON, int64(p.MaxHold), p.MaxLossPct,
		p.TrailingStop, exitsJSON, string(p.Status), string(p.CloseReason), p.ClosePrice, p.ClosedAt,
		p.RealizedPnL, p.AlertFlag, p.ReviewNote, p.OpenedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put position %s: %w", p.ID, err)
	}
	return nil
}

// Get fetches one position by id.
func (s *PositionStore) Get(ctx context.Context, id string) (domain.Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE id = $1`, positionSelectCols)
	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns every position still under monitoring, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM positions WHERE status IN ('open', 'partially_closed') ORDER BY opened_at`,
		positionSelectCols)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListClosedBefore returns closed positions with closed_at before cutoff,
// oldest first, capped at limit.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM positions WHERE status = 'closed' AND closed_at < $1 ORDER BY closed_at LIMIT $2`,
		positionSelectCols)
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// DeleteClosedBefore prunes closed positions older than cutoff and reports
// how many rows went away.
func (s *PositionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE status = 'closed' AND closed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CompareAndSetStatus transitions id from expected to next in one statement.
// It reports false without error when the stored status differs, which is
// how concurrent close attempts lose gracefully.
func (s *PositionStore) CompareAndSetStatus(ctx context.Context, id string, expected, next domain.PositionStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(expected), string(next))
	if err != nil {
		return false, fmt.Errorf("postgres: cas position %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: cas position %s: %w", id, err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var direction, status, closeReason string
	var trailingJSON, levelsJSON, exitsJSON []byte
	var maxHoldNs int64

	err := row.Scan(
		&p.ID, &p.Symbol, &p.Strategy, &direction, &p.Paper,
		&p.Quantity, &p.OriginalQuantity, &p.EntryPrice, &p.EntryTime, &p.CapitalUsed, &p.ReservedNotional,
		&p.StopLoss, &p.Target, &trailingJSON, &levelsJSON, &maxHoldNs, &p.MaxLossPct,
		&p.TrailingStop, &exitsJSON, &status, &closeReason, &p.ClosePrice, &p.ClosedAt,
		&p.RealizedPnL, &p.AlertFlag, &p.ReviewNote, &p.OpenedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(closeReason)
	p.MaxHold = time.Duration(maxHoldNs)
	if trailingJSON != nil {
		if err := json.Unmarshal(trailingJSON, &p.Trailing); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal trailing config: %w", err)
		}
	}
	if levelsJSON != nil {
		if err := json.Unmarshal(levelsJSON, &p.PartialLevels); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal partial levels: %w", err)
		}
	}
	if exitsJSON != nil {
		if err := json.Unmarshal(exitsJSON, &p.PartialExits); err != nil {
			return domain.Position{}, fmt.Errorf("unmarshal partial exits: %w", err)
		}
	}
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return positions, nil
}

// marshalNullable keeps empty values as SQL NULL instead of JSON null text.
func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *domain.TrailingConfig:
		if val == nil {
			return nil, nil
		}
	case []domain.PartialLevel:
		if len(val) == 0 {
			return nil, nil
		}
	case []domain.PartialExit:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
