package domain

import "time"

// Account is the process-wide account aggregate. Mutated only by trade
// settlement events applied through the single-writer account manager.
type Account struct {
	ID       string
	Currency string

	Balance float64
	Equity  float64

	TotalTrades   int
	WinningTrades int
	LosingTrades  int

	PeakBalance    float64
	MaxDrawdownPct float64

	UpdatedAt time.Time
}

// Settlement is one applied trade outcome.
type Settlement struct {
	TradeID     string
	NetPL       float64
	CloseReason string
	ClosedAt    time.Time
}
