package risk

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/window"
)

var eurusd = domain.Instrument{
	Symbol:            "EUR_USD",
	PipLocation:       -4,
	PipValuePerLot:    10.0,
	TypicalSpreadPips: 0.2,
}

// fakeWindow serves a fixed target, or an error when target is nil.
type fakeWindow struct {
	target *domain.PercentileTarget
	err    error
}

func (f *fakeWindow) QueryPercentiles(ctx context.Context, instrument, session, model string, asOf time.Time) (*domain.PercentileTarget, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.target, nil
}

func newEngine(t *testing.T, w PercentileSource, params Params) *Engine {
	t.Helper()
	e, err := NewEngine(Options{Window: w, Params: params})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func bullish(conviction int) domain.Prediction {
	return domain.Prediction{
		Instrument: "EUR_USD",
		Session:    "London_Open",
		Model:      "haiku",
		Direction:  domain.DirectionBullish,
		Conviction: conviction,
	}
}

func target(mfeP75, maeP50 float64) *domain.PercentileTarget {
	return &domain.PercentileTarget{
		Instrument:  "EUR_USD",
		Session:     "London_Open",
		Model:       "haiku",
		SampleCount: 40,
		MFEP25:      mfeP75 / 3,
		MFEP50:      mfeP75 / 2,
		MFEP75:      mfeP75,
		MAEP25:      maeP50 / 2,
		MAEP50:      maeP50,
		MAEP75:      maeP50 * 2,
		ComputedAt:  time.Now(),
	}
}

func TestPlanOrderLotSizing(t *testing.T) {
	// balance=10000, risk 1.55%, SL=20 pips, pip value $10:
	// raw lot = 155 / 200 = 0.775, rounded down to 0.77.
	e := newEngine(t, &fakeWindow{target: target(30, 20)}, Params{})
	acct := &domain.Account{Balance: 10000}

	plan, err := e.PlanOrder(context.Background(), acct, eurusd, bullish(8), 1.1000, time.Now())
	if err != nil {
		t.Fatalf("PlanOrder: %v", err)
	}
	if plan.Side != domain.SideLong {
		t.Fatalf("side = %s, want LONG", plan.Side)
	}
	if math.Abs(plan.LotSize-0.77) > 1e-9 {
		t.Fatalf("lot = %v, want 0.77", plan.LotSize)
	}
	if math.Abs(plan.RiskAmount-155) > 1e-9 {
		t.Fatalf("risk amount = %v, want 155", plan.RiskAmount)
	}
	if plan.SLPips != 20 || plan.TPPips != 30 {
		t.Fatalf("distances tp=%v sl=%v, want 30/20", plan.TPPips, plan.SLPips)
	}
	if plan.PercentileSource != "P75/P50" {
		t.Fatalf("source = %q, want P75/P50", plan.PercentileSource)
	}
}

func TestPlanOrderDirectionAwareLevels(t *testing.T) {
	e := newEngine(t, &fakeWindow{target: target(30, 20)}, Params{})
	acct := &domain.Account{Balance: 10000}
	ctx := context.Background()

	long, err := e.PlanOrder(ctx, acct, eurusd, bullish(8), 1.1000, time.Now())
	if err != nil {
		t.Fatalf("long plan: %v", err)
	}
	if long.TakeProfit <= long.Entry || long.StopLoss >= long.Entry {
		t.Fatalf("long levels wrong: entry=%v tp=%v sl=%v", long.Entry, long.TakeProfit, long.StopLoss)
	}

	pred := bullish(8)
	pred.Direction = domain.DirectionBearish
	short, err := e.PlanOrder(ctx, acct, eurusd, pred, 1.1000, time.Now())
	if err != nil {
		t.Fatalf("short plan: %v", err)
	}
	if short.Side != domain.SideShort {
		t.Fatalf("side = %s, want SHORT", short.Side)
	}
	if short.TakeProfit >= short.Entry || short.StopLoss <= short.Entry {
		t.Fatalf("short levels wrong: entry=%v tp=%v sl=%v", short.Entry, short.TakeProfit, short.StopLoss)
	}
	if math.Abs(short.TakeProfit-(1.1000-30*0.0001)) > 1e-9 {
		t.Fatalf("short tp = %v, want %v", short.TakeProfit, 1.1000-30*0.0001)
	}
}

func TestPlanOrderFlatOnNeutralOrLowConviction(t *testing.T) {
	e := newEngine(t, &fakeWindow{target: target(30, 20)}, Params{})
	acct := &domain.Account{Balance: 10000}
	ctx := context.Background()

	pred := bullish(8)
	pred.Direction = domain.DirectionNeutral
	plan, err := e.PlanOrder(ctx, acct, eurusd, pred, 1.1000, time.Now())
	if err != nil {
		t.Fatalf("neutral plan: %v", err)
	}
	if !plan.Flat() {
		t.Fatalf("neutral prediction must yield a flat plan, got %s", plan.Side)
	}

	plan, err = e.PlanOrder(ctx, acct, eurusd, bullish(5), 1.1000, time.Now())
	if err != nil {
		t.Fatalf("low conviction plan: %v", err)
	}
	if !plan.Flat() {
		t.Fatalf("conviction 5 must yield a flat plan, got %s", plan.Side)
	}
	if plan.LotSize != 0 {
		t.Fatalf("flat plan must not size a position, lot = %v", plan.LotSize)
	}
}

func TestPlanOrderDefaultProfileOnInsufficientHistory(t *testing.T) {
	e := newEngine(t, &fakeWindow{err: window.ErrInsufficientHistory}, Params{})
	acct := &domain.Account{Balance: 10000}

	plan, err := e.PlanOrder(context.Background(), acct, eurusd, bullish(8), 1.1000, time.Now())
	if err != nil {
		t.Fatalf("PlanOrder: %v", err)
	}
	if plan.PercentileSource != "default" {
		t.Fatalf("source = %q, want default", plan.PercentileSource)
	}
	if plan.TPPips != 15 || plan.SLPips != 10 {
		t.Fatalf("default distances tp=%v sl=%v, want 15/10", plan.TPPips, plan.SLPips)
	}
}

func TestPlanOrderMinimumDistanceFloor(t *testing.T) {
	e := newEngine(t, &fakeWindow{target: target(1, 0.5)}, Params{})
	acct := &domain.Account{Balance: 10000}

	plan, err := e.PlanOrder(context.Background(), acct, eurusd, bullish(8), 1.1000, time.Now())
	if err != nil {
		t.Fatalf("PlanOrder: %v", err)
	}
	if plan.TPPips != 5 || plan.SLPips != 5 {
		t.Fatalf("distances tp=%v sl=%v, want 5-pip floor", plan.TPPips, plan.SLPips)
	}
}

func TestPlanOrderRiskBoundsExceeded(t *testing.T) {
	// Tiny balance forces the raw lot far below MinLot; the clamped minimum
	// then risks more than tolerance allows.
	e := newEngine(t, &fakeWindow{target: target(30, 20)}, Params{})
	acct := &domain.Account{Balance: 10}

	_, err := e.PlanOrder(context.Background(), acct, eurusd, bullish(8), 1.1000, time.Now())
	if !errors.Is(err, ErrRiskBoundsExceeded) {
		t.Fatalf("err = %v, want ErrRiskBoundsExceeded", err)
	}
}

func TestPlanOrderLotClampedToMax(t *testing.T) {
	// Huge balance pushes the raw lot above MaxLot; clamping to MaxLot
	// reduces risk, which is always tolerated.
	e := newEngine(t, &fakeWindow{target: target(30, 20)}, Params{})
	acct := &domain.Account{Balance: 10_000_000}

	plan, err := e.PlanOrder(context.Background(), acct, eurusd, bullish(8), 1.1000, time.Now())
	if err != nil {
		t.Fatalf("PlanOrder: %v", err)
	}
	if plan.LotSize != 5.0 {
		t.Fatalf("lot = %v, want clamped to 5.0", plan.LotSize)
	}
}

func TestClampLotRoundsDownToStep(t *testing.T) {
	e := newEngine(t, &fakeWindow{target: target(30, 20)}, Params{})

	if got := e.clampLot(0.7779); got != 0.77 {
		t.Fatalf("clampLot(0.7779) = %v, want 0.77", got)
	}
	if got := e.clampLot(0.009); got != 0.01 {
		t.Fatalf("clampLot(0.009) = %v, want MinLot 0.01", got)
	}
	if got := e.clampLot(12.3); got != 5.0 {
		t.Fatalf("clampLot(12.3) = %v, want MaxLot 5.0", got)
	}
}
