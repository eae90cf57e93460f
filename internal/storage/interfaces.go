package storage

import (
	"context"
	"time"

	"forex-session-lab/internal/domain"
)

// AccountStore persists the single account aggregate.
type AccountStore interface {
	// Get retrieves the account. Returns ErrNotFound if none exists yet.
	Get(ctx context.Context) (*domain.Account, error)

	// Save upserts the account state. Settlement durability depends on this
	// call: a trade is never considered settled until Save has succeeded.
	Save(ctx context.Context, a *domain.Account) error
}

// TradeStore persists trades across their lifecycle.
type TradeStore interface {
	// Insert adds a newly opened trade. Returns ErrDuplicateKey if trade_id exists.
	Insert(ctx context.Context, t *domain.Trade) error

	// Update rewrites a trade's mutable lifecycle fields (state, close data,
	// excursions, P/L). Returns ErrNotFound if the trade does not exist.
	Update(ctx context.Context, t *domain.Trade) error

	// GetByID retrieves a trade. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, tradeID string) (*domain.Trade, error)

	// GetOpen retrieves all trades not in a terminal state, for recovery
	// after restart.
	GetOpen(ctx context.Context) ([]*domain.Trade, error)

	// GetByInstance retrieves all trades of one session instance.
	GetByInstance(ctx context.Context, instanceID string) ([]*domain.Trade, error)

	// GetRecent retrieves up to limit settled trades, newest first.
	GetRecent(ctx context.Context, limit int) ([]*domain.Trade, error)
}

// ObservationStore persists rolling-window observations.
type ObservationStore interface {
	// Insert adds an observation. Returns ErrDuplicateKey if one already
	// exists for the same (instrument, session, model, trade_id).
	Insert(ctx context.Context, o *domain.Observation) error

	// GetByKey retrieves observations for a key with timestamp >= since,
	// ordered by timestamp ASC.
	GetByKey(ctx context.Context, instrument, session, model string, since time.Time) ([]*domain.Observation, error)

	// GetSince retrieves all observations with timestamp >= since, for
	// hydrating the in-memory window index at startup.
	GetSince(ctx context.Context, since time.Time) ([]*domain.Observation, error)

	// MarkAged soft-excludes observations older than cutoff from the window.
	// Rows are kept for history; queries must still filter by time.
	MarkAged(ctx context.Context, cutoff time.Time) (int64, error)
}

// TickArchive stores the quote ticks consumed by open trades, per session
// instance, for post-session excursion audit. Optional: a nil archive
// disables archiving.
type TickArchive interface {
	// InsertBulk appends a batch of ticks for a session instance.
	InsertBulk(ctx context.Context, instanceID string, ticks []domain.Quote) error

	// GetByInstance retrieves archived ticks for one instrument of an
	// instance, ordered by time ASC.
	GetByInstance(ctx context.Context, instanceID, instrument string) ([]domain.Quote, error)
}
