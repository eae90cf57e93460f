package domain

import "time"

// Observation is one historical session result for an
// (instrument, session, model) key. Immutable once written; only observations
// inside the trailing 6-month window feed percentile computation.
type Observation struct {
	Instrument string
	Session    string
	Model      string
	TradeID    string
	Direction  Direction
	Correct    bool // prediction ended profitable
	MFEPips    float64
	MAEPips    float64
	Timestamp  time.Time
}

// PercentileTarget is the cached percentile summary for a key. Derived data:
// recomputable at any time from the observation set, never the source of truth.
type PercentileTarget struct {
	Instrument string
	Session    string
	Model      string

	SampleCount int
	AccuracyPct float64

	MFEP25 float64
	MFEP50 float64
	MFEP75 float64
	MAEP25 float64
	MAEP50 float64
	MAEP75 float64

	ComputedAt time.Time // staleness marker for cache-aside invalidation
}
