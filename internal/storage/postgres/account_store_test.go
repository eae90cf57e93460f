package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
	pgstore "forex-session-lab/internal/storage/postgres"
)

func TestAccountStore_GetNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewAccountStore(pool)

	_, err := store.Get(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAccountStore_SaveAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewAccountStore(pool)
	ctx := context.Background()

	acct := &domain.Account{
		ID:             "primary",
		Currency:       "USD",
		Balance:        10000,
		Equity:         10000,
		PeakBalance:    10000,
		MaxDrawdownPct: 0,
		UpdatedAt:      time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, acct))

	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "primary", got.ID)
	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, 10000.0, got.Balance)
	assert.True(t, got.UpdatedAt.Equal(acct.UpdatedAt))
}

func TestAccountStore_SaveUpserts(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewAccountStore(pool)
	ctx := context.Background()

	acct := &domain.Account{
		ID:          "primary",
		Currency:    "USD",
		Balance:     10000,
		Equity:      10000,
		PeakBalance: 10000,
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, acct))

	acct.Balance = 10192.10
	acct.Equity = 10192.10
	acct.PeakBalance = 10192.10
	acct.TotalTrades = 1
	acct.WinningTrades = 1
	require.NoError(t, store.Save(ctx, acct))

	got, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10192.10, got.Balance)
	assert.Equal(t, 1, got.TotalTrades)
	assert.Equal(t, 1, got.WinningTrades)
	assert.Equal(t, 0, got.LosingTrades)
}

func TestAccountStore_SaveRejectsInvalid(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := pgstore.NewAccountStore(pool)
	ctx := context.Background()

	assert.ErrorIs(t, store.Save(ctx, nil), storage.ErrInvalidInput)
	assert.ErrorIs(t, store.Save(ctx, &domain.Account{}), storage.ErrInvalidInput)
}
