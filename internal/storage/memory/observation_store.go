package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

type obsKey struct {
	instrument string
	session    string
	model      string
	tradeID    string
}

// ObservationStore is an in-memory implementation of storage.ObservationStore.
type ObservationStore struct {
	mu   sync.RWMutex
	data map[obsKey]*domain.Observation
	aged map[obsKey]struct{} // soft-excluded by MarkAged
}

// NewObservationStore creates a new in-memory observation store.
func NewObservationStore() *ObservationStore {
	return &ObservationStore{
		data: make(map[obsKey]*domain.Observation),
		aged: make(map[obsKey]struct{}),
	}
}

// Compile-time interface check.
var _ storage.ObservationStore = (*ObservationStore)(nil)

// Insert adds an observation. Returns ErrDuplicateKey on repeat key.
func (s *ObservationStore) Insert(_ context.Context, o *domain.Observation) error {
	if o == nil || o.Instrument == "" || o.Session == "" || o.Model == "" {
		return storage.ErrInvalidInput
	}

	k := obsKey{o.Instrument, o.Session, o.Model, o.TradeID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[k]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *o
	s.data[k] = &cp
	return nil
}

// GetByKey retrieves observations for a key with timestamp >= since, ordered ASC.
func (s *ObservationStore) GetByKey(_ context.Context, instrument, session, model string, since time.Time) ([]*domain.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Observation
	for k, o := range s.data {
		if k.instrument != instrument || k.session != session || k.model != model {
			continue
		}
		if _, excluded := s.aged[k]; excluded {
			continue
		}
		if o.Timestamp.Before(since) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sortObservations(result)
	return result, nil
}

// GetSince retrieves all non-aged observations with timestamp >= since.
func (s *ObservationStore) GetSince(_ context.Context, since time.Time) ([]*domain.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Observation
	for k, o := range s.data {
		if _, excluded := s.aged[k]; excluded {
			continue
		}
		if o.Timestamp.Before(since) {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sortObservations(result)
	return result, nil
}

// MarkAged soft-excludes observations older than cutoff.
func (s *ObservationStore) MarkAged(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, o := range s.data {
		if _, done := s.aged[k]; done {
			continue
		}
		if o.Timestamp.Before(cutoff) {
			s.aged[k] = struct{}{}
			n++
		}
	}
	return n, nil
}

func sortObservations(obs []*domain.Observation) {
	sort.Slice(obs, func(i, j int) bool {
		if !obs[i].Timestamp.Equal(obs[j].Timestamp) {
			return obs[i].Timestamp.Before(obs[j].Timestamp)
		}
		return obs[i].TradeID < obs[j].TradeID
	})
}
