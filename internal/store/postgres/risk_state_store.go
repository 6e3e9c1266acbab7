package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// RiskStateStore implements domain.RiskStateStore using PostgreSQL, one row
// per trading day.
type RiskStateStore struct {
	pool *pgxpool.Pool
}

// NewRiskStateStore creates a new RiskStateStore backed by the given connection pool.
func NewRiskStateStore(pool *pgxpool.Pool) *RiskStateStore {
	return &RiskStateStore{pool: pool}
}

// PutState upserts the state for its day.
func (s *RiskStateStore) PutState(ctx context.Context, st domain.RiskState) error {
	symbolJSON, err := json.Marshal(st.SymbolExposure)
	if err != nil {
		return fmt.Errorf("postgres: marshal symbol exposure: %w", err)
	}
	strategyJSON, err := json.Marshal(st.StrategyExposure)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy exposure: %w", err)
	}

	const query = `
		INSERT INTO risk_states (
			day, realized_pnl, trade_count, consecutive_losses,
			emergency_stop, stop_reason, symbol_exposure, strategy_exposure, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (day) DO UPDATE SET
			realized_pnl = EXCLUDED.realized_pnl,
			trade_count = EXCLUDED.trade_count,
			consecutive_losses = EXCLUDED.consecutive_losses,
			emergency_stop = EXCLUDED.emergency_stop,
			stop_reason = EXCLUDED.stop_reason,
			symbol_exposure = EXCLUDED.symbol_exposure,
			strategy_exposure = EXCLUDED.strategy_exposure,
			updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		st.Day, st.RealizedPnL, st.TradeCount, st.ConsecutiveLosses,
		st.EmergencyStop, st.StopReason, symbolJSON, strategyJSON, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put risk state %s: %w", st.Day, err)
	}
	return nil
}

// GetState fetches the state for one trading day.
func (s *RiskStateStore) GetState(ctx context.Context, day string) (domain.RiskState, error) {
	const query = `
		SELECT day, realized_pnl, trade_count, consecutive_losses,
			emergency_stop, stop_reason, symbol_exposure, strategy_exposure, updated_at
		FROM risk_states WHERE day = $1`

	var st domain.RiskState
	var symbolJSON, strategyJSON []byte
	err := s.pool.QueryRow(ctx, query, day).Scan(
		&st.Day, &st.RealizedPnL, &st.TradeCount, &st.ConsecutiveLosses,
		&st.EmergencyStop, &st.StopReason, &symbolJSON, &strategyJSON, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RiskState{}, domain.ErrNotFound
		}
		return domain.RiskState{}, fmt.Errorf("postgres: get risk state %s: %w", day, err)
	}

	st.SymbolExposure = make(map[string]float64)
	st.StrategyExposure = make(map[string]float64)
	if symbolJSON != nil {
		if err := json.Unmarshal(symbolJSON, &st.SymbolExposure); err != nil {
			return domain.RiskState{}, fmt.Errorf("postgres: unmarshal symbol exposure: %w", err)
		}
	}
	if strategyJSON != nil {
		if err := json.Unmarshal(strategyJSON, &st.StrategyExposure); err != nil {
			return domain.RiskState{}, fmt.Errorf("postgres: unmarshal strategy exposure: %w", err)
		}
	}
	return st, nil
}
