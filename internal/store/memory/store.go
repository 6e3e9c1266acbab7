// Package memory provides in-memory implementations of the persistence
// interfaces, used by paper mode and tests. Semantics mirror the postgres
// store: closed positions are immutable and status changes go through
// compare-and-set.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/positionbot/internal/domain"
)

// Store implements PositionStore, RiskStateStore, and AuditStore against
// process memory. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	states    map[string]domain.RiskState
	events    []domain.Event
}

func New() *Store {
	return &Store{
		positions: make(map[string]domain.Position),
		states:    make(map[string]domain.RiskState),
	}
}

// Put upserts a position. Writes against an already closed row are dropped,
// which makes the terminal write idempotent.
func (s *Store) Put(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.positions[p.ID]; ok && cur.Status == domain.StatusClosed {
		return nil
	}
	s.positions[p.ID] = clonePosition(p)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return clonePosition(p), nil
}

func (s *Store) ListOpen(_ context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.IsOpen() {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *Store) ListClosedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.StatusClosed && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, p := range s.positions {
		if p.Status == domain.StatusClosed && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			delete(s.positions, id)
			n++
		}
	}
	return n, nil
}

// CompareAndSetStatus transitions id from expected to next atomically. It
// reports false without error when the stored status differs.
func (s *Store) CompareAndSetStatus(_ context.Context, id string, expected, next domain.PositionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status != expected {
		return false, nil
	}
	p.Status = next
	p.UpdatedAt = time.Now()
	s.positions[id] = p
	return true, nil
}

func (s *Store) PutState(_ context.Context, st domain.RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.Day] = cloneState(st)
	return nil
}

func (s *Store) GetState(_ context.Context, day string) (domain.RiskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[day]
	if !ok {
		return domain.RiskState{}, domain.ErrNotFound
	}
	return cloneState(st), nil
}

func (s *Store) Log(_ context.Context, e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Event
	for _, e := range s.events {
		if opts.Since != nil && e.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.Timestamp.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var n int64
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

func clonePosition(p domain.Position) domain.Position {
	out := p
	if p.ClosePrice != nil {
		v := *p.ClosePrice
		out.ClosePrice = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		out.ClosedAt = &v
	}
	out.PartialLevels = append([]domain.PartialLevel(nil), p.PartialLevels...)
	out.PartialExits = append([]domain.PartialExit(nil), p.PartialExits...)
	if p.Trailing != nil {
		v := *p.Trailing
		out.Trailing = &v
	}
	return out
}

func cloneState(st domain.RiskState) domain.RiskState {
	out := st
	out.SymbolExposure = make(map[string]float64, len(st.SymbolExposure))
	for k, v := range st.SymbolExposure {
		out.SymbolExposure[k] = v
	}
	out.StrategyExposure = make(map[string]float64, len(st.StrategyExposure))
	for k, v := range st.StrategyExposure {
		out.StrategyExposure[k] = v
	}
	return out
}
