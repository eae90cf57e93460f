package domain

import (
	"math"
	"time"
)

// Instrument holds per-pair metadata needed for pip math and cost modeling.
type Instrument struct {
	Symbol            string  // e.g. "EURUSD"
	PipLocation       int     // pip = 10^PipLocation in price terms (-4 majors, -2 JPY)
	PipValuePerLot    float64 // account-currency value of one pip per standard lot
	TypicalSpreadPips float64 // fallback ECN spread when no live quote is available
}

// PipSize returns the pip size in price terms.
func (i Instrument) PipSize() float64 {
	return math.Pow(10, float64(i.PipLocation))
}

// Quote is one tick from the live price stream.
type Quote struct {
	Instrument string
	Bid        float64
	Ask        float64
	Time       time.Time
}

// Mid returns the mid price.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns the raw bid/ask spread in price terms.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// SpreadPips converts the spread to pips for the given instrument.
func (q Quote) SpreadPips(inst Instrument) float64 {
	return q.Spread() / inst.PipSize()
}

// Candle is one OHLC bar from the market data service.
type Candle struct {
	Instrument string
	Time       time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
}
