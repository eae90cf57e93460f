package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

// TradeStore implements storage.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

const tradeColumns = `
	trade_id, instrument, session_name, session_instance_id, model, side, conviction,
	state, open_time, open_price, take_profit, stop_loss, tp_pips, sl_pips,
	lot_size, risk_amount, close_time, close_price, close_reason,
	mfe_pips, mae_pips, commission, slippage_pips, net_pl
`

// Insert adds a newly opened trade. Returns ErrDuplicateKey if trade_id exists.
func (s *TradeStore) Insert(ctx context.Context, t *domain.Trade) error {
	if t == nil || t.TradeID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trades (` + tradeColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24
		)
	`

	_, err := s.pool.Exec(ctx, query,
		t.TradeID, t.Instrument, t.Session, t.SessionInstanceID, t.Model, t.Side, t.Conviction,
		t.State, t.OpenTime, t.OpenPrice, t.TakeProfit, t.StopLoss, t.TPPips, t.SLPips,
		t.LotSize, t.RiskAmount, t.CloseTime, t.ClosePrice, t.CloseReason,
		t.MFEPips, t.MAEPips, t.Commission, t.SlippagePips, t.NetPL,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// Update rewrites a trade's mutable lifecycle fields.
func (s *TradeStore) Update(ctx context.Context, t *domain.Trade) error {
	if t == nil || t.TradeID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE trades SET
			state = $2, close_time = $3, close_price = $4, close_reason = $5,
			mfe_pips = $6, mae_pips = $7, commission = $8, slippage_pips = $9,
			net_pl = $10
		WHERE trade_id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		t.TradeID, t.State, t.CloseTime, t.ClosePrice, t.CloseReason,
		t.MFEPips, t.MAEPips, t.Commission, t.SlippagePips, t.NetPL,
	)
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByID retrieves a trade. Returns ErrNotFound if not exists.
func (s *TradeStore) GetByID(ctx context.Context, tradeID string) (*domain.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE trade_id = $1`

	row := s.pool.QueryRow(ctx, query, tradeID)
	t, err := scanTrade(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get trade by id: %w", err)
	}
	return t, nil
}

// GetOpen retrieves all trades not in a terminal state.
func (s *TradeStore) GetOpen(ctx context.Context) ([]*domain.Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE state NOT IN ('CLOSED_TP', 'CLOSED_SL', 'CLOSED_TIMEOUT', 'CLOSED_MANUAL')
		ORDER BY open_time ASC, trade_id ASC
	`
	return s.queryTrades(ctx, query)
}

// GetByInstance retrieves all trades of one session instance.
func (s *TradeStore) GetByInstance(ctx context.Context, instanceID string) ([]*domain.Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE session_instance_id = $1
		ORDER BY open_time ASC, trade_id ASC
	`
	return s.queryTrades(ctx, query, instanceID)
}

// GetRecent retrieves up to limit settled trades, newest first.
func (s *TradeStore) GetRecent(ctx context.Context, limit int) ([]*domain.Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE state IN ('CLOSED_TP', 'CLOSED_SL', 'CLOSED_TIMEOUT', 'CLOSED_MANUAL')
		ORDER BY close_time DESC, trade_id ASC
		LIMIT $1
	`
	return s.queryTrades(ctx, query, limit)
}

func (s *TradeStore) queryTrades(ctx context.Context, query string, args ...any) ([]*domain.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var result []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return result, nil
}

func scanTrade(row pgx.Row) (*domain.Trade, error) {
	var t domain.Trade
	err := row.Scan(
		&t.TradeID, &t.Instrument, &t.Session, &t.SessionInstanceID, &t.Model, &t.Side, &t.Conviction,
		&t.State, &t.OpenTime, &t.OpenPrice, &t.TakeProfit, &t.StopLoss, &t.TPPips, &t.SLPips,
		&t.LotSize, &t.RiskAmount, &t.CloseTime, &t.ClosePrice, &t.CloseReason,
		&t.MFEPips, &t.MAEPips, &t.Commission, &t.SlippagePips, &t.NetPL,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
