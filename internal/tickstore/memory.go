// Package tickstore is the in-process tick store: one bounded, time-ordered
// series per (instrument, venue). Each series is appended by a single
// listener and read concurrently by cycles.
package tickstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/divergebot/internal/domain"
)

type seriesKey struct {
	instrument string
	venue      string
}

type series struct {
	mu    sync.RWMutex
	ticks []domain.Tick
}

// Store implements domain.TickStore in memory.
type Store struct {
	mu      sync.RWMutex
	series  map[seriesKey]*series
	horizon time.Duration
}

// New creates a Store that keeps horizon worth of ticks per series.
func New(horizon time.Duration) *Store {
	return &Store{
		series:  make(map[seriesKey]*series),
		horizon: horizon,
	}
}

func (s *Store) get(instrumentID, venue string, create bool) *series {
	k := seriesKey{instrumentID, venue}
	s.mu.RLock()
	sr := s.series[k]
	s.mu.RUnlock()
	if sr != nil || !create {
		return sr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sr = s.series[k]; sr == nil {
		sr = &series{}
		s.series[k] = sr
	}
	return sr
}

// Append adds t to the series. Ticks older than the newest stored tick are
// dropped, and anything beyond the horizon is trimmed.
func (s *Store) Append(_ context.Context, instrumentID, venue string, t domain.Tick) error {
	sr := s.get(instrumentID, venue, true)
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if n := len(sr.ticks); n > 0 && t.Time.Before(sr.ticks[n-1].Time) {
		return nil
	}
	sr.ticks = append(sr.ticks, t)
	if s.horizon > 0 {
		sr.trim(t.Time.Add(-s.horizon))
	}
	return nil
}

// trim drops ticks strictly before cutoff. Callers hold the write lock.
func (sr *series) trim(cutoff time.Time) {
	i := sort.Search(len(sr.ticks), func(i int) bool { return !sr.ticks[i].Time.Before(cutoff) })
	if i == 0 {
		return
	}
	kept := make([]domain.Tick, len(sr.ticks)-i, cap(sr.ticks))
	copy(kept, sr.ticks[i:])
	sr.ticks = kept
}

// Window returns a copy of the ticks in [from, to].
func (s *Store) Window(_ context.Context, instrumentID, venue string, from, to time.Time) ([]domain.Tick, error) {
	sr := s.get(instrumentID, venue, false)
	if sr == nil {
		return nil, nil
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	lo := sort.Search(len(sr.ticks), func(i int) bool { return !sr.ticks[i].Time.Before(from) })
	hi := sort.Search(len(sr.ticks), func(i int) bool { return sr.ticks[i].Time.After(to) })
	if lo >= hi {
		return nil, nil
	}
	out := make([]domain.Tick, hi-lo)
	copy(out, sr.ticks[lo:hi])
	return out, nil
}

// Last returns the newest tick or domain.ErrNotFound.
func (s *Store) Last(_ context.Context, instrumentID, venue string) (domain.Tick, error) {
	sr := s.get(instrumentID, venue, false)
	if sr == nil {
		return domain.Tick{}, domain.ErrNotFound
	}
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	if len(sr.ticks) == 0 {
		return domain.Tick{}, domain.ErrNotFound
	}
	return sr.ticks[len(sr.ticks)-1], nil
}

// Trim drops ticks before the cutoff in every series.
func (s *Store) Trim(_ context.Context, before time.Time) error {
	s.mu.RLock()
	all := make([]*series, 0, len(s.series))
	for _, sr := range s.series {
		all = append(all, sr)
	}
	s.mu.RUnlock()

	for _, sr := range all {
		sr.mu.Lock()
		sr.trim(before)
		sr.mu.Unlock()
	}
	return nil
}

var _ domain.TickStore = (*Store)(nil)
