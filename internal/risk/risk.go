// Package risk turns a prediction plus account state into a sized order plan.
// TP/SL distances come from the rolling window's excursion percentiles; lot
// size is derived from a fixed risk fraction of balance.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/window"
)

// ErrRiskBoundsExceeded indicates the clamped lot size would still risk more
// than the tolerated fraction of balance. The instrument is skipped for the
// instance.
var ErrRiskBoundsExceeded = errors.New("risk bounds exceeded")

// Params is the risk profile. Zero fields take the defaults below.
type Params struct {
	RiskPercent     float64 // fraction of balance risked per trade, e.g. 0.0155
	ToleranceFactor float64 // realized risk may exceed RiskPercent by this factor

	TPPercentile string // "P25", "P50" or "P75" of MFE
	SLPercentile string // "P25", "P50" or "P75" of MAE

	MinDistancePips float64 // floor for both TP and SL distances
	DefaultTPPips   float64 // fallback when history is insufficient
	DefaultSLPips   float64

	MinLot  float64
	MaxLot  float64
	LotStep float64

	MinConviction int // below this the plan is flat
}

// DefaultParams mirrors the production risk profile.
func DefaultParams() Params {
	return Params{
		RiskPercent:     0.0155,
		ToleranceFactor: 1.25,
		TPPercentile:    "P75",
		SLPercentile:    "P50",
		MinDistancePips: 5.0,
		DefaultTPPips:   15.0,
		DefaultSLPips:   10.0,
		MinLot:          0.01,
		MaxLot:          5.0,
		LotStep:         0.01,
		MinConviction:   6,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.RiskPercent <= 0 {
		p.RiskPercent = d.RiskPercent
	}
	if p.ToleranceFactor <= 0 {
		p.ToleranceFactor = d.ToleranceFactor
	}
	if p.TPPercentile == "" {
		p.TPPercentile = d.TPPercentile
	}
	if p.SLPercentile == "" {
		p.SLPercentile = d.SLPercentile
	}
	if p.MinDistancePips <= 0 {
		p.MinDistancePips = d.MinDistancePips
	}
	if p.DefaultTPPips <= 0 {
		p.DefaultTPPips = d.DefaultTPPips
	}
	if p.DefaultSLPips <= 0 {
		p.DefaultSLPips = d.DefaultSLPips
	}
	if p.MinLot <= 0 {
		p.MinLot = d.MinLot
	}
	if p.MaxLot <= 0 {
		p.MaxLot = d.MaxLot
	}
	if p.LotStep <= 0 {
		p.LotStep = d.LotStep
	}
	if p.MinConviction <= 0 {
		p.MinConviction = d.MinConviction
	}
	return p
}

// PercentileSource is the window query surface the engine needs.
type PercentileSource interface {
	QueryPercentiles(ctx context.Context, instrument, session, model string, asOf time.Time) (*domain.PercentileTarget, error)
}

// Engine plans orders. Stateless apart from injected collaborators.
type Engine struct {
	window PercentileSource
	params Params
	logger *log.Logger
}

// Options configures an Engine.
type Options struct {
	Window PercentileSource
	Params Params
	Logger *log.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Window == nil {
		return nil, fmt.Errorf("percentile source is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Engine{
		window: opts.Window,
		params: opts.Params.withDefaults(),
		logger: opts.Logger,
	}, nil
}

// PlanOrder produces an immutable order plan for one instrument of a session
// instance. A flat plan (neutral direction or low conviction) is a normal
// outcome. entry is the indicative mid at planning time; absolute TP/SL
// levels are recomputed against the live fill at open.
func (e *Engine) PlanOrder(ctx context.Context, acct *domain.Account, inst domain.Instrument, pred domain.Prediction, entry float64, asOf time.Time) (*domain.OrderPlan, error) {
	if pred.Direction == domain.DirectionNeutral || pred.Conviction < e.params.MinConviction {
		return &domain.OrderPlan{
			Instrument: inst.Symbol,
			Session:    pred.Session,
			Model:      pred.Model,
			Side:       domain.SideFlat,
			Conviction: pred.Conviction,
		}, nil
	}

	side := domain.SideLong
	if pred.Direction == domain.DirectionBearish {
		side = domain.SideShort
	}

	tpPips, slPips, source := e.distances(ctx, inst.Symbol, pred.Session, pred.Model, asOf)

	riskAmount := acct.Balance * e.params.RiskPercent
	rawLot := riskAmount / (slPips * inst.PipValuePerLot)
	lot := e.clampLot(rawLot)

	realizedRisk := lot * slPips * inst.PipValuePerLot
	if realizedRisk > riskAmount*e.params.ToleranceFactor {
		return nil, fmt.Errorf("%w: %s lot %.2f risks %.2f, tolerated %.2f",
			ErrRiskBoundsExceeded, inst.Symbol, lot, realizedRisk, riskAmount*e.params.ToleranceFactor)
	}

	pip := inst.PipSize()
	var tp, sl float64
	if side == domain.SideLong {
		tp = entry + tpPips*pip
		sl = entry - slPips*pip
	} else {
		tp = entry - tpPips*pip
		sl = entry + slPips*pip
	}

	return &domain.OrderPlan{
		Instrument:       inst.Symbol,
		Session:          pred.Session,
		Model:            pred.Model,
		Side:             side,
		Conviction:       pred.Conviction,
		Entry:            entry,
		TakeProfit:       tp,
		StopLoss:         sl,
		TPPips:           tpPips,
		SLPips:           slPips,
		LotSize:          lot,
		RiskAmount:       riskAmount,
		SpreadPips:       inst.TypicalSpreadPips,
		PercentileSource: source,
	}, nil
}

// distances resolves the TP/SL pip distances, falling back to the default
// profile on insufficient history.
func (e *Engine) distances(ctx context.Context, instrument, session, model string, asOf time.Time) (tpPips, slPips float64, source string) {
	pt, err := e.window.QueryPercentiles(ctx, instrument, session, model, asOf)
	if err != nil {
		if !errors.Is(err, window.ErrInsufficientHistory) {
			e.logger.Printf("[RISK] percentile query %s/%s/%s failed, using defaults: %v",
				instrument, session, model, err)
		}
		tp := math.Max(e.params.DefaultTPPips, e.params.MinDistancePips)
		sl := math.Max(e.params.DefaultSLPips, e.params.MinDistancePips)
		return tp, sl, "default"
	}

	tpPips = math.Max(percentileOf(pt, "mfe", e.params.TPPercentile), e.params.MinDistancePips)
	slPips = math.Max(percentileOf(pt, "mae", e.params.SLPercentile), e.params.MinDistancePips)
	return tpPips, slPips, e.params.TPPercentile + "/" + e.params.SLPercentile
}

func percentileOf(pt *domain.PercentileTarget, stat, p string) float64 {
	switch stat + p {
	case "mfeP25":
		return pt.MFEP25
	case "mfeP50":
		return pt.MFEP50
	case "mfeP75":
		return pt.MFEP75
	case "maeP25":
		return pt.MAEP25
	case "maeP50":
		return pt.MAEP50
	case "maeP75":
		return pt.MAEP75
	}
	return 0
}

// clampLot bounds the lot to [MinLot, MaxLot] and rounds down to the venue's
// lot step so rounding never increases risk.
func (e *Engine) clampLot(lot float64) float64 {
	lot = math.Max(e.params.MinLot, math.Min(e.params.MaxLot, lot))
	steps := math.Floor(lot/e.params.LotStep + 1e-9)
	lot = steps * e.params.LotStep
	if lot < e.params.MinLot {
		lot = e.params.MinLot
	}
	return math.Round(lot*100) / 100
}
