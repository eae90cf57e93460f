package domain

import "time"

// Side is the trade side of an order plan.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
	// SideFlat means no trade is opened for this instrument. A flat plan is a
	// normal outcome (neutral direction or conviction below minimum), not an error.
	SideFlat Side = "FLAT"
)

// TradeState is the lifecycle state of a trade.
type TradeState string

const (
	StatePlanned TradeState = "PLANNED"
	StateOpen    TradeState = "OPEN"
	// StateSettling is a transient sub-state: a closing trigger fired but the
	// settlement write has not been durably recorded yet.
	StateSettling      TradeState = "SETTLING"
	StateClosedTP      TradeState = "CLOSED_TP"
	StateClosedSL      TradeState = "CLOSED_SL"
	StateClosedTimeout TradeState = "CLOSED_TIMEOUT"
	StateClosedManual  TradeState = "CLOSED_MANUAL"
)

// Terminal reports whether the state is a settled close.
func (s TradeState) Terminal() bool {
	switch s {
	case StateClosedTP, StateClosedSL, StateClosedTimeout, StateClosedManual:
		return true
	}
	return false
}

// Close reason codes, recorded on the trade.
const (
	CloseReasonTakeProfit = "TAKE_PROFIT"
	CloseReasonStopLoss   = "STOP_LOSS"
	CloseReasonTimeout    = "TIMEOUT"
	CloseReasonManual     = "MANUAL"
)

// OrderPlan is the sized order produced by the risk engine.
// Immutable after creation; TP/SL are price-distance based and the absolute
// trigger levels are recomputed against the live fill at open.
type OrderPlan struct {
	Instrument string
	Session    string
	Model      string
	Side       Side
	Conviction int

	Entry      float64 // indicative entry at planning time
	TakeProfit float64 // indicative TP level
	StopLoss   float64 // indicative SL level
	TPPips     float64 // TP distance in pips, fixed relative to fill
	SLPips     float64 // SL distance in pips, fixed relative to fill

	LotSize          float64
	RiskAmount       float64 // account currency at SL
	SpreadPips       float64 // spread embedded in the effective entry
	PercentileSource string  // e.g. "P75/P50", or "default" on fallback
}

// Flat reports whether the plan opens no trade.
func (p OrderPlan) Flat() bool {
	return p.Side == SideFlat
}

// Trade is a single simulated trade from open to settlement.
// Owned exclusively by its lifecycle until terminal, then read-only history.
type Trade struct {
	TradeID           string
	Instrument        string
	Session           string
	SessionInstanceID string
	Model             string
	Side              Side
	Conviction        int

	State TradeState

	OpenTime   time.Time
	OpenPrice  float64 // live fill, not the plan's indicative entry
	TakeProfit float64 // absolute level from fill
	StopLoss   float64 // absolute level from fill
	TPPips     float64
	SLPips     float64
	LotSize    float64
	RiskAmount float64

	CloseTime   time.Time
	ClosePrice  float64
	CloseReason string

	// Excursions observed while open, in pips from fill.
	MFEPips float64
	MAEPips float64

	Commission   float64
	SlippagePips float64
	NetPL        float64 // after costs, account currency
}
