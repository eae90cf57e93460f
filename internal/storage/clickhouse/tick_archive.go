package clickhouse

import (
	"context"
	"fmt"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

// TickArchive implements storage.TickArchive using ClickHouse.
// The archive is append-only; MergeTree does not enforce uniqueness and the
// writers only ever append ticks they consumed once.
type TickArchive struct {
	conn *Conn
}

// NewTickArchive creates a new TickArchive.
func NewTickArchive(conn *Conn) *TickArchive {
	return &TickArchive{conn: conn}
}

// Compile-time interface check.
var _ storage.TickArchive = (*TickArchive)(nil)

// InsertBulk appends a batch of ticks for a session instance.
func (a *TickArchive) InsertBulk(ctx context.Context, instanceID string, ticks []domain.Quote) error {
	if instanceID == "" {
		return storage.ErrInvalidInput
	}
	if len(ticks) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO tick_archive (instance_id, instrument, bid, ask, tick_time)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, q := range ticks {
		if err := batch.Append(instanceID, q.Instrument, q.Bid, q.Ask, q.Time); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetByInstance retrieves archived ticks for one instrument of an instance.
func (a *TickArchive) GetByInstance(ctx context.Context, instanceID, instrument string) ([]domain.Quote, error) {
	query := `
		SELECT instrument, bid, ask, tick_time
		FROM tick_archive
		WHERE instance_id = ? AND instrument = ?
		ORDER BY tick_time ASC
	`

	rows, err := a.conn.Query(ctx, query, instanceID, instrument)
	if err != nil {
		return nil, fmt.Errorf("query tick archive: %w", err)
	}
	defer rows.Close()

	var result []domain.Quote
	for rows.Next() {
		var q domain.Quote
		if err := rows.Scan(&q.Instrument, &q.Bid, &q.Ask, &q.Time); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		result = append(result, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ticks: %w", err)
	}
	return result, nil
}
