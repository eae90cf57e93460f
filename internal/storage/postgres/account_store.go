package postgres

import (
	"context"
	"fmt"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

// AccountStore implements storage.AccountStore using PostgreSQL.
// The account table holds a single row keyed by account id.
type AccountStore struct {
	pool *Pool
}

// NewAccountStore creates a new AccountStore.
func NewAccountStore(pool *Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AccountStore = (*AccountStore)(nil)

// Get retrieves the account. Returns ErrNotFound if none exists yet.
func (s *AccountStore) Get(ctx context.Context) (*domain.Account, error) {
	query := `
		SELECT account_id, currency, balance, equity,
		       total_trades, winning_trades, losing_trades,
		       peak_balance, max_drawdown_pct, updated_at
		FROM account
		ORDER BY account_id
		LIMIT 1
	`

	var a domain.Account
	err := s.pool.QueryRow(ctx, query).Scan(
		&a.ID, &a.Currency, &a.Balance, &a.Equity,
		&a.TotalTrades, &a.WinningTrades, &a.LosingTrades,
		&a.PeakBalance, &a.MaxDrawdownPct, &a.UpdatedAt,
	)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// Save upserts the account state.
func (s *AccountStore) Save(ctx context.Context, a *domain.Account) error {
	if a == nil || a.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO account (
			account_id, currency, balance, equity,
			total_trades, winning_trades, losing_trades,
			peak_balance, max_drawdown_pct, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			equity = EXCLUDED.equity,
			total_trades = EXCLUDED.total_trades,
			winning_trades = EXCLUDED.winning_trades,
			losing_trades = EXCLUDED.losing_trades,
			peak_balance = EXCLUDED.peak_balance,
			max_drawdown_pct = EXCLUDED.max_drawdown_pct,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.pool.Exec(ctx, query,
		a.ID, a.Currency, a.Balance, a.Equity,
		a.TotalTrades, a.WinningTrades, a.LosingTrades,
		a.PeakBalance, a.MaxDrawdownPct, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}
