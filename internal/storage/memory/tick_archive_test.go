package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

func TestTickArchiveInsertBulkAndGet(t *testing.T) {
	a := NewTickArchive()
	ctx := context.Background()

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	instance := "London_Open@2026-03-02T08:00:00Z"
	ticks := []domain.Quote{
		{Instrument: "EURUSD", Bid: 1.0851, Ask: 1.0852, Time: base.Add(time.Second)},
		{Instrument: "EURUSD", Bid: 1.0850, Ask: 1.0851, Time: base},
		{Instrument: "GBPUSD", Bid: 1.2700, Ask: 1.2701, Time: base},
	}
	if err := a.InsertBulk(ctx, instance, ticks); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	got, err := a.GetByInstance(ctx, instance, "EURUSD")
	if err != nil {
		t.Fatalf("GetByInstance failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(got))
	}
	if !got[0].Time.Equal(base) || !got[1].Time.Equal(base.Add(time.Second)) {
		t.Errorf("ticks not ordered by time ASC: %v, %v", got[0].Time, got[1].Time)
	}
	if got[0].Bid != 1.0850 {
		t.Errorf("Bid mismatch: got %f, want 1.0850", got[0].Bid)
	}
}

func TestTickArchiveInstanceIsolation(t *testing.T) {
	a := NewTickArchive()
	ctx := context.Background()

	now := time.Now().UTC()
	tick := []domain.Quote{{Instrument: "EURUSD", Bid: 1.0850, Ask: 1.0851, Time: now}}
	if err := a.InsertBulk(ctx, "instance-a", tick); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	got, err := a.GetByInstance(ctx, "instance-b", "EURUSD")
	if err != nil {
		t.Fatalf("GetByInstance failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no ticks for other instance, got %d", len(got))
	}
}

func TestTickArchiveEmptyBatch(t *testing.T) {
	a := NewTickArchive()
	ctx := context.Background()

	if err := a.InsertBulk(ctx, "instance-a", nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}

	got, err := a.GetByInstance(ctx, "instance-a", "EURUSD")
	if err != nil {
		t.Fatalf("GetByInstance failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no ticks, got %d", len(got))
	}
}

func TestTickArchiveEmptyInstanceID(t *testing.T) {
	a := NewTickArchive()

	tick := []domain.Quote{{Instrument: "EURUSD", Bid: 1.0850, Ask: 1.0851, Time: time.Now().UTC()}}
	err := a.InsertBulk(context.Background(), "", tick)
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTickArchiveAppendsAcrossBatches(t *testing.T) {
	a := NewTickArchive()
	ctx := context.Background()

	base := time.Now().UTC()
	first := []domain.Quote{{Instrument: "EURUSD", Bid: 1.0850, Ask: 1.0851, Time: base}}
	second := []domain.Quote{{Instrument: "EURUSD", Bid: 1.0852, Ask: 1.0853, Time: base.Add(time.Second)}}

	if err := a.InsertBulk(ctx, "instance-a", first); err != nil {
		t.Fatalf("first InsertBulk failed: %v", err)
	}
	if err := a.InsertBulk(ctx, "instance-a", second); err != nil {
		t.Fatalf("second InsertBulk failed: %v", err)
	}

	got, err := a.GetByInstance(ctx, "instance-a", "EURUSD")
	if err != nil {
		t.Fatalf("GetByInstance failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 ticks after two batches, got %d", len(got))
	}
}
