package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

// ObservationStore implements storage.ObservationStore using PostgreSQL.
type ObservationStore struct {
	pool *Pool
}

// NewObservationStore creates a new ObservationStore.
func NewObservationStore(pool *Pool) *ObservationStore {
	return &ObservationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ObservationStore = (*ObservationStore)(nil)

const observationColumns = `
	instrument, session_name, model, trade_id, direction, correct,
	mfe_pips, mae_pips, observed_at
`

// Insert adds an observation. Returns ErrDuplicateKey on repeat key.
func (s *ObservationStore) Insert(ctx context.Context, o *domain.Observation) error {
	if o == nil || o.Instrument == "" || o.Session == "" || o.Model == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO rolling_window (` + observationColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.pool.Exec(ctx, query,
		o.Instrument, o.Session, o.Model, o.TradeID, o.Direction, o.Correct,
		o.MFEPips, o.MAEPips, o.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert observation: %w", err)
	}
	return nil
}

// GetByKey retrieves observations for a key with observed_at >= since, ordered ASC.
func (s *ObservationStore) GetByKey(ctx context.Context, instrument, session, model string, since time.Time) ([]*domain.Observation, error) {
	query := `
		SELECT ` + observationColumns + `
		FROM rolling_window
		WHERE instrument = $1 AND session_name = $2 AND model = $3
		  AND in_window AND observed_at >= $4
		ORDER BY observed_at ASC, trade_id ASC
	`
	return s.queryObservations(ctx, query, instrument, session, model, since)
}

// GetSince retrieves all in-window observations with observed_at >= since.
func (s *ObservationStore) GetSince(ctx context.Context, since time.Time) ([]*domain.Observation, error) {
	query := `
		SELECT ` + observationColumns + `
		FROM rolling_window
		WHERE in_window AND observed_at >= $1
		ORDER BY observed_at ASC, trade_id ASC
	`
	return s.queryObservations(ctx, query, since)
}

// MarkAged soft-excludes observations older than cutoff. Rows are kept for
// history; window queries re-filter by time regardless.
func (s *ObservationStore) MarkAged(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE rolling_window
		SET in_window = FALSE
		WHERE in_window AND observed_at < $1
	`

	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark aged observations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *ObservationStore) queryObservations(ctx context.Context, query string, args ...any) ([]*domain.Observation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var result []*domain.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate observations: %w", err)
	}
	return result, nil
}

func scanObservation(row pgx.Row) (*domain.Observation, error) {
	var o domain.Observation
	err := row.Scan(
		&o.Instrument, &o.Session, &o.Model, &o.TradeID, &o.Direction, &o.Correct,
		&o.MFEPips, &o.MAEPips, &o.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
