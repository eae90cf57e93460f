// Package costmodel reproduces the execution economics of an ECN venue:
// spread paid at entry, per-lot commission, and slippage applied against the
// trader. All functions are pure so identical inputs always yield identical
// results.
package costmodel

import (
	"forex-session-lab/internal/domain"
)

// SpreadConvention selects how much of the quoted spread the effective entry
// price absorbs.
type SpreadConvention string

const (
	// SpreadFull charges the full spread on the traded side at entry.
	SpreadFull SpreadConvention = "FULL"
	// SpreadHalf charges half the spread (mid-based fills).
	SpreadHalf SpreadConvention = "HALF"
)

// VenueParams describe one ECN venue's cost structure.
type VenueParams struct {
	CommissionPerLotPerSide float64 // account currency, charged both sides
	EntrySlippagePips       float64 // market order entry
	TPExitSlippagePips      float64 // limit order at TP, low slippage
	SLExitSlippagePips      float64 // stop order at SL, worst slippage
	DefaultSpreadPips       float64 // used when no live quote spread is known
	SpreadConvention        SpreadConvention
}

// DefaultVenueParams returns a typical raw-spread ECN cost structure.
func DefaultVenueParams() VenueParams {
	return VenueParams{
		CommissionPerLotPerSide: 3.50,
		EntrySlippagePips:       0.2,
		TPExitSlippagePips:      0.1,
		SLExitSlippagePips:      0.5,
		DefaultSpreadPips:       0.3,
		SpreadConvention:        SpreadFull,
	}
}

// ExitSlippagePips returns the slippage charged for a close reason.
// Stop exits fill through the level; limit and market-at-deadline exits do not.
func (vp VenueParams) ExitSlippagePips(closeReason string) float64 {
	if closeReason == domain.CloseReasonStopLoss {
		return vp.SLExitSlippagePips
	}
	return vp.TPExitSlippagePips
}

// EffectiveEntry embeds the spread and entry slippage costs into an
// indicative entry price: longs pay up, shorts receive less. The returned
// price is the entry used for all later P/L math, so both costs are charged
// exactly once, at entry.
func EffectiveEntry(side domain.Side, entry, spreadPips float64, inst domain.Instrument, vp VenueParams) float64 {
	if spreadPips <= 0 {
		spreadPips = vp.DefaultSpreadPips
	}
	if vp.SpreadConvention == SpreadHalf {
		spreadPips /= 2
	}
	adj := (spreadPips + vp.EntrySlippagePips) * inst.PipSize()

	switch side {
	case domain.SideLong:
		return entry + adj
	case domain.SideShort:
		return entry - adj
	default:
		return entry
	}
}

// Result breaks down a settled trade's economics.
type Result struct {
	RawPips      float64 // signed price move in pips, before costs
	GrossPL      float64 // account currency, before costs
	Commission   float64 // round trip
	SlippagePips float64
	SlippageCost float64 // account currency, always against the trader
	NetPL        float64
}

// NetResult computes the signed net P/L of a round trip. The computation
// order is fixed to keep results reproducible:
//
//  1. raw pip difference, signed by direction
//  2. gross P/L = pips x pip value x lots
//  3. minus round-trip commission
//  4. minus exit slippage cost
//
// The entry price must already be the effective entry (see EffectiveEntry);
// spread is never charged here.
func NetResult(side domain.Side, entryPrice, exitPrice, lotSize float64, inst domain.Instrument, vp VenueParams, closeReason string) Result {
	pip := inst.PipSize()

	rawPips := (exitPrice - entryPrice) / pip
	if side == domain.SideShort {
		rawPips = -rawPips
	}

	gross := rawPips * inst.PipValuePerLot * lotSize
	commission := 2 * vp.CommissionPerLotPerSide * lotSize

	slipPips := vp.ExitSlippagePips(closeReason)
	slipCost := slipPips * inst.PipValuePerLot * lotSize

	return Result{
		RawPips:      rawPips,
		GrossPL:      gross,
		Commission:   commission,
		SlippagePips: slipPips,
		SlippageCost: slipCost,
		NetPL:        gross - commission - slipCost,
	}
}
