package memory

import (
	"context"
	"sort"
	"sync"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

// TickArchive is an in-memory implementation of storage.TickArchive.
type TickArchive struct {
	mu   sync.RWMutex
	data map[string][]domain.Quote // keyed by instance_id
}

// NewTickArchive creates a new in-memory tick archive.
func NewTickArchive() *TickArchive {
	return &TickArchive{data: make(map[string][]domain.Quote)}
}

// Compile-time interface check.
var _ storage.TickArchive = (*TickArchive)(nil)

// InsertBulk appends a batch of ticks for a session instance.
func (a *TickArchive) InsertBulk(_ context.Context, instanceID string, ticks []domain.Quote) error {
	if instanceID == "" {
		return storage.ErrInvalidInput
	}
	if len(ticks) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.data[instanceID] = append(a.data[instanceID], ticks...)
	return nil
}

// GetByInstance retrieves archived ticks for one instrument of an instance.
func (a *TickArchive) GetByInstance(_ context.Context, instanceID, instrument string) ([]domain.Quote, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []domain.Quote
	for _, q := range a.data[instanceID] {
		if q.Instrument == instrument {
			result = append(result, q)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Time.Before(result[j].Time)
	})
	return result, nil
}
