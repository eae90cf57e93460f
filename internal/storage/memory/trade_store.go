package memory

import (
	"context"
	"sort"
	"sync"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

// TradeStore is an in-memory implementation of storage.TradeStore.
type TradeStore struct {
	mu   sync.RWMutex
	data map[string]*domain.Trade // keyed by trade_id
}

// NewTradeStore creates a new in-memory trade store.
func NewTradeStore() *TradeStore {
	return &TradeStore{data: make(map[string]*domain.Trade)}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

// Insert adds a newly opened trade. Returns ErrDuplicateKey if trade_id exists.
func (s *TradeStore) Insert(_ context.Context, t *domain.Trade) error {
	if t == nil || t.TradeID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.TradeID]; exists {
		return storage.ErrDuplicateKey
	}
	cp := *t
	s.data[t.TradeID] = &cp
	return nil
}

// Update rewrites a trade's mutable lifecycle fields.
func (s *TradeStore) Update(_ context.Context, t *domain.Trade) error {
	if t == nil || t.TradeID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[t.TradeID]; !exists {
		return storage.ErrNotFound
	}
	cp := *t
	s.data[t.TradeID] = &cp
	return nil
}

// GetByID retrieves a trade. Returns ErrNotFound if not exists.
func (s *TradeStore) GetByID(_ context.Context, tradeID string) (*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.data[tradeID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// GetOpen retrieves all trades not in a terminal state.
func (s *TradeStore) GetOpen(_ context.Context) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Trade
	for _, t := range s.data {
		if !t.State.Terminal() {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortByOpenTime(result)
	return result, nil
}

// GetByInstance retrieves all trades of one session instance.
func (s *TradeStore) GetByInstance(_ context.Context, instanceID string) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Trade
	for _, t := range s.data {
		if t.SessionInstanceID == instanceID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortByOpenTime(result)
	return result, nil
}

// GetRecent retrieves up to limit settled trades, newest first.
func (s *TradeStore) GetRecent(_ context.Context, limit int) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Trade
	for _, t := range s.data {
		if t.State.Terminal() {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CloseTime.Equal(result[j].CloseTime) {
			return result[i].CloseTime.After(result[j].CloseTime)
		}
		return result[i].TradeID < result[j].TradeID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortByOpenTime(trades []*domain.Trade) {
	sort.Slice(trades, func(i, j int) bool {
		if !trades[i].OpenTime.Equal(trades[j].OpenTime) {
			return trades[i].OpenTime.Before(trades[j].OpenTime)
		}
		return trades[i].TradeID < trades[j].TradeID
	})
}
