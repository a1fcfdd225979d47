// Package memory implements the domain stores in process memory. It backs
// local paper runs and the service tests; it offers the same idempotency
// guarantees as the Postgres stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

// Store holds every table behind one lock.
type Store struct {
	mu          sync.RWMutex
	instruments map[string]domain.Instrument
	strategies  map[string]domain.Strategy
	positions   map[string]domain.Position
	archived    map[string]bool
	executions  map[string]domain.Execution
	fillIndex   map[[2]string]string
	audit       []domain.AuditEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		instruments: make(map[string]domain.Instrument),
		strategies:  make(map[string]domain.Strategy),
		positions:   make(map[string]domain.Position),
		archived:    make(map[string]bool),
		executions:  make(map[string]domain.Execution),
		fillIndex:   make(map[[2]string]string),
	}
}

// Instruments returns the store as a domain.InstrumentStore.
func (s *Store) Instruments() domain.InstrumentStore { return instrumentStore{s} }

// Strategies returns the store as a domain.StrategyStore.
func (s *Store) Strategies() domain.StrategyStore { return strategyStore{s} }

// Positions returns the store as a domain.PositionStore.
func (s *Store) Positions() domain.PositionStore { return positionStore{s} }

// Executions returns the store as a domain.ExecutionStore.
func (s *Store) Executions() domain.ExecutionStore { return executionStore{s} }

// Audit returns the store as a domain.AuditStore.
func (s *Store) Audit() domain.AuditStore { return auditStore{s} }

type instrumentStore struct{ s *Store }

func (st instrumentStore) Upsert(_ context.Context, inst domain.Instrument) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.instruments[inst.ID] = inst
	return nil
}

func (st instrumentStore) GetByID(_ context.Context, id string) (domain.Instrument, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	inst, ok := st.s.instruments[id]
	if !ok {
		return domain.Instrument{}, domain.ErrNotFound
	}
	return inst, nil
}

func (st instrumentStore) ListEnabled(_ context.Context) ([]domain.Instrument, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var out []domain.Instrument
	for _, inst := range st.s.instruments {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type strategyStore struct{ s *Store }

func (st strategyStore) Upsert(_ context.Context, strat domain.Strategy) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	strat.UpdatedAt = time.Now().UTC()
	st.s.strategies[strat.ID] = strat
	return nil
}

func (st strategyStore) GetByID(_ context.Context, id string) (domain.Strategy, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	strat, ok := st.s.strategies[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return strat, nil
}

func (st strategyStore) ListEnabled(_ context.Context) ([]domain.Strategy, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var out []domain.Strategy
	for _, strat := range st.s.strategies {
		if strat.Enabled {
			out = append(out, strat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type positionStore struct{ s *Store }

// clone detaches the slices of p so callers cannot mutate stored state.
func clone(p domain.Position) domain.Position {
	p.Exit.Legs = append([]domain.Leg(nil), p.Exit.Legs...)
	p.ExecutionIDs = append([]string(nil), p.ExecutionIDs...)
	return p
}

func (st positionStore) CreateWithExecutions(_ context.Context, pos domain.Position, execs []domain.Execution) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if _, ok := st.s.positions[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	pos.ExecutionIDs = nil
	for _, e := range execs {
		if id, ok := st.s.insertExecution(e); ok {
			pos.ExecutionIDs = append(pos.ExecutionIDs, id)
		}
	}
	pos.UpdatedAt = time.Now().UTC()
	st.s.positions[pos.ID] = clone(pos)
	return nil
}

func (st positionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	p, ok := st.s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return clone(p), nil
}

func (st positionStore) LastOpen(_ context.Context, strategyID, instrumentID string, mode domain.Mode) (domain.Position, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var best domain.Position
	found := false
	for _, p := range st.s.positions {
		if !p.Open || p.StrategyID != strategyID || p.InstrumentID != instrumentID || p.Mode != mode {
			continue
		}
		if !found || p.OpenedAt.After(best.OpenedAt) {
			best, found = p, true
		}
	}
	if !found {
		return domain.Position{}, domain.ErrNotFound
	}
	return clone(best), nil
}

func (st positionStore) ListOpenByAccount(_ context.Context, account string) ([]domain.Position, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var out []domain.Position
	for _, p := range st.s.positions {
		if p.Open && p.Mode == domain.ModeLive && p.Account == account {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (st positionStore) UpdateExitState(_ context.Context, id string, exit domain.ExitState) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	p, ok := st.s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.Exit = exit
	p.UpdatedAt = time.Now().UTC()
	st.s.positions[id] = clone(p)
	return nil
}

func (st positionStore) FlagReconcile(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	p, ok := st.s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.NeedsReconcile = true
	st.s.positions[id] = p
	return nil
}

func (st positionStore) ListNeedsReconcile(_ context.Context, limit int) ([]domain.Position, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var out []domain.Position
	for _, p := range st.s.positions {
		if p.NeedsReconcile && p.Mode == domain.ModeLive {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st positionStore) MarkReconciled(_ context.Context, id string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	p, ok := st.s.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.NeedsReconcile = false
	st.s.positions[id] = p
	return nil
}

func (st positionStore) Close(_ context.Context, id string, exit domain.ExitState, closedAt time.Time) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	p, ok := st.s.positions[id]
	if !ok || !p.Open {
		return domain.ErrNotFound
	}
	p.Open = false
	p.Exit = exit
	p.ClosedAt = &closedAt
	p.UpdatedAt = time.Now().UTC()
	st.s.positions[id] = clone(p)
	return nil
}

func (st positionStore) ListClosedBefore(_ context.Context, before time.Time, limit int) ([]domain.Position, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var out []domain.Position
	for id, p := range st.s.positions {
		if p.Open || p.ClosedAt == nil || !p.ClosedAt.Before(before) || st.s.archived[id] {
			continue
		}
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st positionStore) MarkArchived(_ context.Context, ids []string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	for _, id := range ids {
		st.s.archived[id] = true
	}
	return nil
}

type executionStore struct{ s *Store }

// insertExecution stores e unless its (fill, trade) pair exists. Callers
// hold the write lock.
func (s *Store) insertExecution(e domain.Execution) (string, bool) {
	k := [2]string{e.FillID, e.TradeID}
	if _, dup := s.fillIndex[k]; dup {
		return "", false
	}
	s.fillIndex[k] = e.ID
	s.executions[e.ID] = e
	if p, ok := s.positions[e.PositionID]; ok {
		p.ExecutionIDs = append(append([]string(nil), p.ExecutionIDs...), e.ID)
		s.positions[e.PositionID] = p
	}
	return e.ID, true
}

func (st executionStore) Insert(_ context.Context, e domain.Execution) (bool, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	_, ok := st.s.insertExecution(e)
	return ok, nil
}

func (st executionStore) ListByPosition(_ context.Context, positionID string) ([]domain.Execution, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var out []domain.Execution
	for _, e := range st.s.executions {
		if e.PositionID == positionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return out, nil
}

func (st executionStore) LastFillTime(_ context.Context, positionID string) (time.Time, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	var last time.Time
	for _, e := range st.s.executions {
		if e.PositionID == positionID && e.Time.After(last) {
			last = e.Time
		}
	}
	if last.IsZero() {
		return time.Time{}, domain.ErrNotFound
	}
	return last, nil
}

type auditStore struct{ s *Store }

func (st auditStore) Log(_ context.Context, event string, detail map[string]any) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	st.s.audit = append(st.s.audit, domain.AuditEntry{
		ID:        int64(len(st.s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (st auditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	st.s.mu.RLock()
	defer st.s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(st.s.audit))
	for i := len(st.s.audit) - 1; i >= 0; i-- {
		e := st.s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
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
