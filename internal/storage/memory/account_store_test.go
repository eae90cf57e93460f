package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

func TestAccountStoreGetNotFound(t *testing.T) {
	s := NewAccountStore()

	_, err := s.Get(context.Background())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccountStoreSaveAndGet(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()

	acct := &domain.Account{
		ID:            "primary",
		Currency:      "USD",
		Balance:       10250.50,
		Equity:        10250.50,
		TotalTrades:   12,
		WinningTrades: 7,
		LosingTrades:  5,
		PeakBalance:   10400.00,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.Save(ctx, acct); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "primary" {
		t.Errorf("ID mismatch: got %s, want primary", got.ID)
	}
	if got.Balance != 10250.50 {
		t.Errorf("Balance mismatch: got %f, want 10250.50", got.Balance)
	}
	if got.TotalTrades != 12 || got.WinningTrades != 7 || got.LosingTrades != 5 {
		t.Errorf("counters mismatch: got %d/%d/%d", got.TotalTrades, got.WinningTrades, got.LosingTrades)
	}
}

func TestAccountStoreSaveUpserts(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()

	acct := &domain.Account{ID: "primary", Currency: "USD", Balance: 10000}
	if err := s.Save(ctx, acct); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	acct.Balance = 10219.60
	acct.TotalTrades = 1
	if err := s.Save(ctx, acct); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Balance != 10219.60 {
		t.Errorf("Balance not updated: got %f", got.Balance)
	}
	if got.TotalTrades != 1 {
		t.Errorf("TotalTrades not updated: got %d", got.TotalTrades)
	}
}

func TestAccountStoreSaveInvalidInput(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()

	if err := s.Save(ctx, nil); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("nil account: expected ErrInvalidInput, got %v", err)
	}
	if err := s.Save(ctx, &domain.Account{Balance: 100}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("empty ID: expected ErrInvalidInput, got %v", err)
	}
}

func TestAccountStoreReturnsCopy(t *testing.T) {
	s := NewAccountStore()
	ctx := context.Background()

	if err := s.Save(ctx, &domain.Account{ID: "primary", Balance: 10000}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got.Balance = 1

	again, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if again.Balance != 10000 {
		t.Errorf("store state mutated through returned copy: got %f", again.Balance)
	}
}
