package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"forex-session-lab/internal/costmodel"
	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
	"forex-session-lab/internal/storage/memory"
)

var eurusd = domain.Instrument{
	Symbol:            "EUR_USD",
	PipLocation:       -4,
	PipValuePerLot:    10.0,
	TypicalSpreadPips: 0.2,
}

// fakeSettler records applied settlements.
type fakeSettler struct {
	mu       sync.Mutex
	applied  []domain.Settlement
	failures int
}

func (f *fakeSettler) Apply(_ context.Context, s domain.Settlement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("account unavailable")
	}
	f.applied = append(f.applied, s)
	return nil
}

func (f *fakeSettler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// fakeRecorder records window observations.
type fakeRecorder struct {
	mu       sync.Mutex
	recorded []*domain.Observation
}

func (f *fakeRecorder) Record(_ context.Context, o *domain.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, o)
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recorded)
}

type fixture struct {
	lc      *Lifecycle
	trades  *memory.TradeStore
	settler *fakeSettler
	window  *fakeRecorder
}

func longPlan() *domain.OrderPlan {
	return &domain.OrderPlan{
		Instrument: "EUR_USD",
		Session:    "London_Open",
		Model:      "haiku",
		Side:       domain.SideLong,
		Conviction: 8,
		TPPips:     30,
		SLPips:     20,
		LotSize:    0.77,
		RiskAmount: 155,
	}
}

func newFixture(t *testing.T, plan *domain.OrderPlan, deadline time.Time) *fixture {
	t.Helper()
	f := &fixture{
		trades:  memory.NewTradeStore(),
		settler: &fakeSettler{},
		window:  &fakeRecorder{},
	}
	lc, err := New(Options{
		Plan:        plan,
		Instrument:  eurusd,
		InstanceID:  "London_Open@2026-03-02T08:00:00Z",
		Deadline:    deadline,
		Trades:      f.trades,
		Account:     f.settler,
		Window:      f.window,
		Venue:       costmodel.DefaultVenueParams(),
		SettleDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.lc = lc
	return f
}

func quote(bid, ask float64, at time.Time) domain.Quote {
	return domain.Quote{Instrument: "EUR_USD", Bid: bid, Ask: ask, Time: at}
}

func TestOpenRecomputesLevelsFromFill(t *testing.T) {
	f := newFixture(t, longPlan(), time.Now().Add(time.Hour))
	now := time.Now()

	tr, err := f.lc.Open(context.Background(), quote(1.0999, 1.1001, now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Mid 1.1000 plus 2 pips of spread and 0.2 pips of entry slippage,
	// embedded long.
	wantEntry := 1.1000 + 2.2*0.0001
	if diff := tr.OpenPrice - wantEntry; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("open price = %v, want %v", tr.OpenPrice, wantEntry)
	}
	if diff := tr.TakeProfit - (wantEntry + 30*0.0001); diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("tp = %v, want %v", tr.TakeProfit, wantEntry+30*0.0001)
	}
	if diff := tr.StopLoss - (wantEntry - 20*0.0001); diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("sl = %v, want %v", tr.StopLoss, wantEntry-20*0.0001)
	}
	if tr.State != domain.StateOpen {
		t.Fatalf("state = %s, want OPEN", tr.State)
	}

	persisted, err := f.trades.GetByID(context.Background(), tr.TradeID)
	if err != nil {
		t.Fatalf("trade not persisted: %v", err)
	}
	if persisted.State != domain.StateOpen {
		t.Fatalf("persisted state = %s, want OPEN", persisted.State)
	}
}

func runToCompletion(t *testing.T, f *fixture, quotes chan domain.Quote) *domain.Trade {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- f.lc.Run(context.Background(), quotes)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}
	return f.lc.Trade()
}

func TestTakeProfitClose(t *testing.T) {
	f := newFixture(t, longPlan(), time.Now().Add(time.Hour))
	now := time.Now()
	if _, err := f.lc.Open(context.Background(), quote(1.0999, 1.1001, now)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	quotes := make(chan domain.Quote, 4)
	quotes <- quote(1.1010, 1.1012, now.Add(time.Second))
	quotes <- quote(1.1040, 1.1042, now.Add(2*time.Second)) // bid past TP

	tr := runToCompletion(t, f, quotes)
	if tr.State != domain.StateClosedTP {
		t.Fatalf("state = %s, want CLOSED_TP", tr.State)
	}
	if tr.CloseReason != domain.CloseReasonTakeProfit {
		t.Fatalf("reason = %s, want TAKE_PROFIT", tr.CloseReason)
	}
	if tr.ClosePrice != tr.TakeProfit {
		t.Fatalf("close price = %v, want TP level %v", tr.ClosePrice, tr.TakeProfit)
	}
	if tr.NetPL <= 0 {
		t.Fatalf("tp close must be profitable, pl = %v", tr.NetPL)
	}
	if f.settler.count() != 1 || f.window.count() != 1 {
		t.Fatalf("settlements=%d observations=%d, want 1/1", f.settler.count(), f.window.count())
	}
}

func TestStopLossPrecedenceOnGappedTick(t *testing.T) {
	plan := longPlan()
	plan.TPPips = 5
	plan.SLPips = 5
	f := newFixture(t, plan, time.Now().Add(time.Hour))
	now := time.Now()
	if _, err := f.lc.Open(context.Background(), quote(1.0999, 1.1001, now)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Degenerate trade where TP == SL == entry: any tick triggers both
	// predicates and SL must win.
	tr := f.lc.Trade()
	mid := (tr.TakeProfit + tr.StopLoss) / 2
	f.lc.mu.Lock()
	f.lc.trade.TakeProfit = mid
	f.lc.trade.StopLoss = mid
	f.lc.mu.Unlock()

	quotes := make(chan domain.Quote, 1)
	quotes <- quote(mid, mid+0.0002, now.Add(time.Second))

	tr = runToCompletion(t, f, quotes)
	if tr.State != domain.StateClosedSL {
		t.Fatalf("state = %s, want CLOSED_SL on tie", tr.State)
	}
}

func TestAtMostOnceSettlement(t *testing.T) {
	f := newFixture(t, longPlan(), time.Now().Add(time.Hour))
	now := time.Now()
	if _, err := f.lc.Open(context.Background(), quote(1.0999, 1.1001, now)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// A burst of qualifying quotes queued before Run starts: only the first
	// may settle.
	quotes := make(chan domain.Quote, 8)
	for i := 0; i < 8; i++ {
		quotes <- quote(1.1050, 1.1052, now.Add(time.Duration(i)*time.Second))
	}
	tr := runToCompletion(t, f, quotes)
	if !tr.State.Terminal() {
		t.Fatalf("state = %s, want terminal", tr.State)
	}

	// Concurrent force-closes after settlement are no-ops.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.lc.ForceClose(context.Background(), quote(1.0900, 1.0902, now), domain.CloseReasonManual)
		}()
	}
	wg.Wait()

	if f.settler.count() != 1 {
		t.Fatalf("settlements = %d, want exactly 1", f.settler.count())
	}
	if f.window.count() != 1 {
		t.Fatalf("observations = %d, want exactly 1", f.window.count())
	}
	if got := f.lc.Trade().State; got != tr.State {
		t.Fatalf("state changed after settlement: %s -> %s", tr.State, got)
	}
}

func TestTimeoutCloseUsesLastQuote(t *testing.T) {
	f := newFixture(t, longPlan(), time.Now().Add(300*time.Millisecond))
	now := time.Now()
	if _, err := f.lc.Open(context.Background(), quote(1.0999, 1.1001, now)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	quotes := make(chan domain.Quote, 2)
	quotes <- quote(1.1005, 1.1007, now) // inside both levels

	tr := runToCompletion(t, f, quotes)
	if tr.State != domain.StateClosedTimeout {
		t.Fatalf("state = %s, want CLOSED_TIMEOUT", tr.State)
	}
	if tr.ClosePrice != 1.1005 {
		t.Fatalf("close price = %v, want last bid 1.1005", tr.ClosePrice)
	}
}

func TestDisconnectKeepsTradeOpen(t *testing.T) {
	f := newFixture(t, longPlan(), time.Now().Add(400*time.Millisecond))
	now := time.Now()
	if _, err := f.lc.Open(context.Background(), quote(1.0999, 1.1001, now)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	quotes := make(chan domain.Quote, 2)
	quotes <- quote(1.1005, 1.1007, now)
	close(quotes) // stream torn down mid-trade

	done := make(chan error, 1)
	go func() {
		done <- f.lc.Run(context.Background(), quotes)
	}()

	// Before the deadline the trade must still be open, not spuriously
	// closed by the disconnect.
	time.Sleep(150 * time.Millisecond)
	if got := f.lc.Trade().State; got != domain.StateOpen {
		t.Fatalf("state during disconnect = %s, want OPEN", got)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish")
	}
	if got := f.lc.Trade().State; got != domain.StateClosedTimeout {
		t.Fatalf("state = %s, want CLOSED_TIMEOUT at deadline", got)
	}
}

func TestCancellationLeavesTradeOpen(t *testing.T) {
	f := newFixture(t, longPlan(), time.Now().Add(time.Hour))
	now := time.Now()
	if _, err := f.lc.Open(context.Background(), quote(1.0999, 1.1001, now)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	quotes := make(chan domain.Quote)
	done := make(chan error, 1)
	go func() {
		done <- f.lc.Run(ctx, quotes)
	}()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if got := f.lc.Trade().State; got != domain.StateOpen {
		t.Fatalf("state = %s, shutdown must not close trades", got)
	}
	if f.settler.count() != 0 {
		t.Fatalf("settlements = %d, want 0", f.settler.count())
	}
}

func TestExcursionTracking(t *testing.T) {
	f := newFixture(t, longPlan(), time.Now().Add(time.Hour))
	now := time.Now()
	if _, err := f.lc.Open(context.Background(), quote(1.0999, 1.1001, now)); err != nil {
		t.Fatalf("Open: %v", err)
	}
	entry := f.lc.Trade().OpenPrice

	quotes := make(chan domain.Quote, 4)
	quotes <- quote(entry+10*0.0001, entry+10*0.0001+0.0002, now.Add(time.Second))
	quotes <- quote(entry-8*0.0001, entry-8*0.0001+0.0002, now.Add(2*time.Second))
	quotes <- quote(entry+31*0.0001, entry+31*0.0001+0.0002, now.Add(3*time.Second)) // TP hit

	tr := runToCompletion(t, f, quotes)
	if tr.MFEPips < 30 {
		t.Fatalf("mfe = %v, want at least the TP distance", tr.MFEPips)
	}
	if diff := tr.MAEPips - 8; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("mae = %v, want 8", tr.MAEPips)
	}

	obs := f.window.recorded[0]
	if obs.MFEPips != tr.MFEPips || obs.MAEPips != tr.MAEPips {
		t.Fatalf("observation excursions %v/%v do not match trade %v/%v",
			obs.MFEPips, obs.MAEPips, tr.MFEPips, tr.MAEPips)
	}
	if obs.Direction != domain.DirectionBullish {
		t.Fatalf("observation direction = %s, want BULLISH", obs.Direction)
	}
}

func TestSettlementRetriesOnPersistFailure(t *testing.T) {
	f := newFixture(t, longPlan(), time.Now().Add(time.Hour))
	now := time.Now()
	if _, err := f.lc.Open(context.Background(), quote(1.0999, 1.1001, now)); err != nil {
		t.Fatalf("Open: %v", err)
	}

	f.settler.mu.Lock()
	f.settler.failures = 2
	f.settler.mu.Unlock()

	quotes := make(chan domain.Quote, 1)
	quotes <- quote(1.1050, 1.1052, now.Add(time.Second))

	tr := runToCompletion(t, f, quotes)
	if tr.State != domain.StateClosedTP {
		t.Fatalf("state = %s, want CLOSED_TP after retries", tr.State)
	}
	if f.settler.count() != 1 {
		t.Fatalf("settlements = %d, want exactly 1 despite retries", f.settler.count())
	}
	if f.window.count() != 1 {
		t.Fatalf("observations = %d, want exactly 1 despite retries", f.window.count())
	}
}

func TestResumeAdoptsPersistedTrade(t *testing.T) {
	trades := memory.NewTradeStore()
	settler := &fakeSettler{}
	window := &fakeRecorder{}
	persisted := &domain.Trade{
		TradeID:           "recovered-1",
		Instrument:        "EUR_USD",
		Session:           "London_Open",
		SessionInstanceID: "London_Open@2026-03-02T08:00:00Z",
		Model:             "haiku",
		Side:              domain.SideShort,
		State:             domain.StateOpen,
		OpenTime:          time.Now().Add(-time.Hour),
		OpenPrice:         1.1000,
		TakeProfit:        1.0970,
		StopLoss:          1.1020,
		TPPips:            30,
		SLPips:            20,
		LotSize:           0.5,
	}
	if err := trades.Insert(context.Background(), persisted); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	lc, err := Resume(persisted, Options{
		Instrument:  eurusd,
		InstanceID:  persisted.SessionInstanceID,
		Deadline:    time.Now().Add(time.Hour),
		Trades:      trades,
		Account:     settler,
		Window:      window,
		Venue:       costmodel.DefaultVenueParams(),
		SettleDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Short TP: ask at or under the level.
	quotes := make(chan domain.Quote, 1)
	quotes <- quote(1.0965, 1.0967, time.Now())
	done := make(chan error, 1)
	go func() { done <- lc.Run(context.Background(), quotes) }()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	tr := lc.Trade()
	if tr.State != domain.StateClosedTP {
		t.Fatalf("state = %s, want CLOSED_TP", tr.State)
	}
	if tr.TradeID != "recovered-1" {
		t.Fatalf("trade id = %s, resume must keep identity", tr.TradeID)
	}
	stored, err := trades.GetByID(context.Background(), "recovered-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.State != domain.StateClosedTP {
		t.Fatalf("persisted state = %s, want CLOSED_TP", stored.State)
	}
}

func TestResumeFinishesInterruptedSettlement(t *testing.T) {
	trades := memory.NewTradeStore()
	settler := &fakeSettler{}
	window := &fakeRecorder{}

	// A crash landed between the SETTLING write and the terminal update:
	// the close is fully priced but the settlement never finished.
	persisted := &domain.Trade{
		TradeID:           "crashed-1",
		Instrument:        "EUR_USD",
		Session:           "London_Open",
		SessionInstanceID: "London_Open@2026-03-02T08:00:00Z",
		Model:             "haiku",
		Side:              domain.SideLong,
		State:             domain.StateSettling,
		OpenTime:          time.Now().Add(-time.Hour),
		OpenPrice:         1.1002,
		TakeProfit:        1.1032,
		StopLoss:          1.0982,
		TPPips:            30,
		SLPips:            20,
		LotSize:           0.5,
		CloseTime:         time.Now().Add(-time.Minute),
		ClosePrice:        1.1032,
		CloseReason:       domain.CloseReasonTakeProfit,
		Commission:        3.50,
		NetPL:             145.50,
	}
	if err := trades.Insert(context.Background(), persisted); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	lc, err := Resume(persisted, Options{
		Instrument:  eurusd,
		InstanceID:  persisted.SessionInstanceID,
		Deadline:    time.Now().Add(time.Hour),
		Trades:      trades,
		Account:     settler,
		Window:      window,
		Venue:       costmodel.DefaultVenueParams(),
		SettleDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// The recovery close ignores the quote and reason and finishes the
	// persisted settlement instead of repricing.
	q := quote(1.0900, 1.0902, time.Now())
	if err := lc.ForceClose(context.Background(), q, domain.CloseReasonManual); err != nil {
		t.Fatalf("ForceClose: %v", err)
	}

	tr := lc.Trade()
	if tr.State != domain.StateClosedTP {
		t.Fatalf("state = %s, want CLOSED_TP from the persisted close reason", tr.State)
	}
	if tr.ClosePrice != 1.1032 || tr.NetPL != 145.50 {
		t.Fatalf("close repriced: price=%v pl=%v", tr.ClosePrice, tr.NetPL)
	}
	if settler.count() != 1 {
		t.Fatalf("settlements = %d, want 1", settler.count())
	}
	if window.count() != 1 {
		t.Fatalf("observations = %d, want 1", window.count())
	}
	stored, err := trades.GetByID(context.Background(), "crashed-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.State != domain.StateClosedTP {
		t.Fatalf("persisted state = %s, want CLOSED_TP", stored.State)
	}
}

var _ storage.TradeStore = (*memory.TradeStore)(nil)
