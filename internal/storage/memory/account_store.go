package memory

import (
	"context"
	"sync"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

// AccountStore is an in-memory implementation of storage.AccountStore.
type AccountStore struct {
	mu      sync.RWMutex
	account *domain.Account
}

// NewAccountStore creates a new in-memory account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{}
}

// Compile-time interface check.
var _ storage.AccountStore = (*AccountStore)(nil)

// Get retrieves the account. Returns ErrNotFound if none exists yet.
func (s *AccountStore) Get(_ context.Context) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.account == nil {
		return nil, storage.ErrNotFound
	}
	cp := *s.account
	return &cp, nil
}

// Save upserts the account state.
func (s *AccountStore) Save(_ context.Context, a *domain.Account) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.account = &cp
	return nil
}
