// Package account owns the process-wide account aggregate. All mutation goes
// through a single writer goroutine so concurrent settlements can never lose
// updates.
package account

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

// Default configuration values.
const (
	DefaultAccountID       = "primary"
	DefaultCurrency        = "USD"
	DefaultStartingBalance = 10000.00
)

// Options configures a Manager.
type Options struct {
	Store storage.AccountStore

	// StartingBalance seeds the account when none exists yet.
	StartingBalance float64
	Currency        string
	AccountID       string

	Logger *log.Logger
}

type settleReq struct {
	settlement domain.Settlement
	reply      chan error
}

type snapshotReq struct {
	reply chan *domain.Account
}

// Manager is the single writer for the account aggregate.
type Manager struct {
	store  storage.AccountStore
	logger *log.Logger

	acct *domain.Account // owned by the run loop after Start

	settlements chan settleReq
	snapshots   chan snapshotReq

	done     chan struct{}
	wg       sync.WaitGroup
	startErr error
	started  bool
	mu       sync.Mutex
}

// NewManager creates a Manager. Store is required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("account store is required")
	}
	if opts.StartingBalance <= 0 {
		opts.StartingBalance = DefaultStartingBalance
	}
	if opts.Currency == "" {
		opts.Currency = DefaultCurrency
	}
	if opts.AccountID == "" {
		opts.AccountID = DefaultAccountID
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Manager{
		store:  opts.Store,
		logger: opts.Logger,
		acct: &domain.Account{
			ID:          opts.AccountID,
			Currency:    opts.Currency,
			Balance:     opts.StartingBalance,
			Equity:      opts.StartingBalance,
			PeakBalance: opts.StartingBalance,
			UpdatedAt:   time.Now().UTC(),
		},
		settlements: make(chan settleReq),
		snapshots:   make(chan snapshotReq),
		done:        make(chan struct{}),
	}, nil
}

// Start loads the persisted account, seeding a fresh one if none exists, and
// launches the writer loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("account manager already started")
	}

	existing, err := m.store.Get(ctx)
	switch {
	case err == nil:
		m.acct = existing
		m.logger.Printf("[ACCOUNT] loaded %s balance=%.2f trades=%d",
			existing.ID, existing.Balance, existing.TotalTrades)
	case errors.Is(err, storage.ErrNotFound):
		if err := m.store.Save(ctx, m.acct); err != nil {
			return fmt.Errorf("seed account: %w", err)
		}
		m.logger.Printf("[ACCOUNT] seeded %s balance=%.2f", m.acct.ID, m.acct.Balance)
	default:
		return fmt.Errorf("load account: %w", err)
	}

	m.started = true
	m.wg.Add(1)
	go m.run()
	return nil
}

// Apply applies one settlement and returns once it is durably recorded.
// On persistence failure the in-memory state is unchanged, so the caller can
// retry the same settlement safely.
func (m *Manager) Apply(ctx context.Context, s domain.Settlement) error {
	req := settleReq{settlement: s, reply: make(chan error, 1)}
	select {
	case m.settlements <- req:
	case <-m.done:
		return fmt.Errorf("account manager closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the current account state.
func (m *Manager) Snapshot(ctx context.Context) (*domain.Account, error) {
	req := snapshotReq{reply: make(chan *domain.Account, 1)}
	select {
	case m.snapshots <- req:
	case <-m.done:
		return nil, fmt.Errorf("account manager closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case a := <-req.reply:
		return a, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the writer loop. Pending Apply calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.wg.Wait()
	m.started = false
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case req := <-m.settlements:
			req.reply <- m.settle(req.settlement)
		case req := <-m.snapshots:
			cp := *m.acct
			req.reply <- &cp
		}
	}
}

// settle computes the next state, persists it, and only then commits it in
// memory. A trade is never considered settled until the Save succeeds.
func (m *Manager) settle(s domain.Settlement) error {
	next := *m.acct
	next.Balance += s.NetPL
	next.Equity = next.Balance
	next.TotalTrades++
	if s.NetPL > 0 {
		next.WinningTrades++
	} else {
		next.LosingTrades++
	}
	if next.Balance > next.PeakBalance {
		next.PeakBalance = next.Balance
	}
	if next.PeakBalance > 0 {
		dd := (next.PeakBalance - next.Balance) / next.PeakBalance * 100
		if dd > next.MaxDrawdownPct {
			next.MaxDrawdownPct = dd
		}
	}
	next.UpdatedAt = s.ClosedAt.UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, &next); err != nil {
		return fmt.Errorf("persist settlement %s: %w", s.TradeID, err)
	}

	m.acct = &next
	m.logger.Printf("[ACCOUNT] settled trade=%s pl=%.2f balance=%.2f reason=%s",
		s.TradeID, s.NetPL, next.Balance, s.CloseReason)
	return nil
}
