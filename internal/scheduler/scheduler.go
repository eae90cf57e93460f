// Package scheduler orchestrates the per-session trading timeline: history
// prefetch, quote subscription, sequential predictions at the open, and the
// deadline sweep that closes whatever is still open when the session ends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"forex-session-lab/internal/costmodel"
	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/lifecycle"
	"forex-session-lab/internal/marketdata"
	"forex-session-lab/internal/observability"
	"forex-session-lab/internal/prediction"
	"forex-session-lab/internal/retry"
	"forex-session-lab/internal/risk"
	"forex-session-lab/internal/storage"
)

// Default timeline configuration.
const (
	DefaultPrefetchLead        = 120 * time.Second
	DefaultSubscribeLead       = 60 * time.Second
	DefaultPrefetchConcurrency = 4
	DefaultHistoryLookback     = 24 * time.Hour
	DefaultSoftBudget          = 12 * time.Second
	DefaultHardBudget          = 30 * time.Second
	DefaultStepGrace           = 10 * time.Second
	DefaultPredictAttempts     = 2
	DefaultPredictRetryDelay   = 2 * time.Second
)

// AccountManager is the account surface the scheduler and lifecycles need.
type AccountManager interface {
	lifecycle.Settler
	Snapshot(ctx context.Context) (*domain.Account, error)
}

// WindowStore is the rolling-window surface the scheduler needs.
type WindowStore interface {
	lifecycle.Recorder
	risk.PercentileSource
	MarkAged(ctx context.Context, now time.Time) (int64, error)
}

// Options configures a Scheduler.
type Options struct {
	Sessions    []domain.SessionSpec
	Instruments []domain.Instrument

	Bars      marketdata.BarFetcher
	Stream    marketdata.QuoteStream
	Predictor prediction.Service
	Risk      *risk.Engine
	Account   AccountManager
	Window    WindowStore
	Trades    storage.TradeStore
	Archive   storage.TickArchive // nil disables tick archiving
	Venue     costmodel.VenueParams

	PrefetchLead        time.Duration
	SubscribeLead       time.Duration
	PrefetchConcurrency int
	HistoryLookback     time.Duration
	SoftBudget          time.Duration
	HardBudget          time.Duration
	StepGrace           time.Duration

	Metrics *observability.Metrics
	Logger  *log.Logger
}

// instanceState tracks one running session instance.
type instanceState struct {
	instance   domain.SessionInstance
	lifecycles []*lifecycle.Lifecycle
	wg         sync.WaitGroup
}

// Scheduler drives the session timeline. Construct with New, then Run.
type Scheduler struct {
	sessions    []domain.SessionSpec
	instruments []domain.Instrument
	instByName  map[string]domain.Instrument

	bars      marketdata.BarFetcher
	stream    marketdata.QuoteStream
	predictor prediction.Service
	risk      *risk.Engine
	account   AccountManager
	window    WindowStore
	trades    storage.TradeStore
	archive   storage.TickArchive
	venue     costmodel.VenueParams

	prefetchLead  time.Duration
	subscribeLead time.Duration
	prefetchConc  int
	lookback      time.Duration
	softBudget    time.Duration
	hardBudget    time.Duration
	stepGrace     time.Duration

	metrics *observability.Metrics
	logger  *log.Logger

	mu     sync.Mutex
	active *instanceState

	// recovered lifecycles run outside any instance.
	recoveredWG sync.WaitGroup

	now func() time.Time
}

// New creates a Scheduler. All collaborators except Archive and Metrics are
// required.
func New(opts Options) (*Scheduler, error) {
	switch {
	case len(opts.Sessions) == 0:
		return nil, fmt.Errorf("at least one session is required")
	case len(opts.Instruments) == 0:
		return nil, fmt.Errorf("at least one instrument is required")
	case opts.Bars == nil, opts.Stream == nil, opts.Predictor == nil,
		opts.Risk == nil, opts.Account == nil, opts.Window == nil, opts.Trades == nil:
		return nil, fmt.Errorf("bars, stream, predictor, risk, account, window and trades are required")
	}

	if opts.PrefetchLead <= 0 {
		opts.PrefetchLead = DefaultPrefetchLead
	}
	if opts.SubscribeLead <= 0 {
		opts.SubscribeLead = DefaultSubscribeLead
	}
	if opts.PrefetchConcurrency <= 0 {
		opts.PrefetchConcurrency = DefaultPrefetchConcurrency
	}
	if opts.HistoryLookback <= 0 {
		opts.HistoryLookback = DefaultHistoryLookback
	}
	if opts.SoftBudget <= 0 {
		opts.SoftBudget = DefaultSoftBudget
	}
	if opts.HardBudget <= 0 {
		opts.HardBudget = DefaultHardBudget
	}
	if opts.StepGrace <= 0 {
		opts.StepGrace = DefaultStepGrace
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	byName := make(map[string]domain.Instrument, len(opts.Instruments))
	for _, inst := range opts.Instruments {
		byName[inst.Symbol] = inst
	}

	return &Scheduler{
		sessions:      opts.Sessions,
		instruments:   opts.Instruments,
		instByName:    byName,
		bars:          opts.Bars,
		stream:        opts.Stream,
		predictor:     opts.Predictor,
		risk:          opts.Risk,
		account:       opts.Account,
		window:        opts.Window,
		trades:        opts.Trades,
		archive:       opts.Archive,
		venue:         opts.Venue,
		prefetchLead:  opts.PrefetchLead,
		subscribeLead: opts.SubscribeLead,
		prefetchConc:  opts.PrefetchConcurrency,
		lookback:      opts.HistoryLookback,
		softBudget:    opts.SoftBudget,
		hardBudget:    opts.HardBudget,
		stepGrace:     opts.StepGrace,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		now:           time.Now,
	}, nil
}

// Run executes the session loop until ctx is canceled. Cancellation stops
// timeline progression but never force-closes open trades; they are
// recoverable from the trade store on the next start.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recoverOpenTrades(ctx); err != nil {
		return fmt.Errorf("recover open trades: %w", err)
	}

	maintenanceAt := nextMidnightUTC(s.now())

	for {
		next, err := NextInstance(s.sessions, s.now())
		if err != nil {
			return err
		}
		prefetchAt := next.Open.Add(-s.prefetchLead)
		s.logger.Printf("[SCHED] next session %s open=%s prefetch=%s",
			next.Session, next.Open.Format(time.RFC3339), prefetchAt.Format(time.RFC3339))

		for {
			now := s.now()
			if !now.Before(prefetchAt) {
				break
			}
			wake := prefetchAt
			if maintenanceAt.Before(wake) {
				wake = maintenanceAt
			}

			timer := time.NewTimer(wake.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.waitForTrades()
				return ctx.Err()
			case <-timer.C:
			}

			if !s.now().Before(maintenanceAt) {
				s.runMaintenance(ctx)
				maintenanceAt = nextMidnightUTC(s.now())
			}
		}

		if err := s.runInstance(ctx, next); err != nil {
			if errors.Is(err, context.Canceled) {
				s.waitForTrades()
				return err
			}
			s.logger.Printf("[SCHED] instance %s failed: %v", next.InstanceID(), err)
		}
	}
}

// waitForTrades blocks until all lifecycle goroutines return. Canceled
// lifecycles exit promptly with their trades left OPEN in the store.
func (s *Scheduler) waitForTrades() {
	s.mu.Lock()
	st := s.active
	s.mu.Unlock()
	if st != nil {
		st.wg.Wait()
	}
	s.recoveredWG.Wait()
}

// runMaintenance soft-excludes aged observations. Runs daily at 00:00 UTC.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	n, err := s.window.MarkAged(ctx, s.now())
	if err != nil {
		s.logger.Printf("[SCHED] maintenance failed: %v", err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObservationsAged.Add(float64(n))
	}
	s.logger.Printf("[SCHED] maintenance aged %d observations out of the window", n)
}

// runInstance executes one session instance end to end.
func (s *Scheduler) runInstance(ctx context.Context, si domain.SessionInstance) error {
	id := si.InstanceID()
	s.logger.Printf("[SCHED] instance %s starting", id)

	st := &instanceState{instance: si}
	s.mu.Lock()
	s.active = st
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	// S-120s: prefetch history, bounded fan-out, partial results fine.
	var bars map[string][]domain.Candle
	if s.pastDeadline(si.Open.Add(-s.prefetchLead), "prefetch") {
		bars = make(map[string][]domain.Candle)
	} else {
		if err := s.waitUntil(ctx, si.Open.Add(-s.prefetchLead)); err != nil {
			return err
		}
		bars = s.prefetch(ctx, si)
	}

	// S-60s: establish the live quote subscriptions.
	subs := make(map[string]<-chan domain.Quote)
	if !s.pastDeadline(si.Open.Add(-s.subscribeLead), "subscribe") {
		if err := s.waitUntil(ctx, si.Open.Add(-s.subscribeLead)); err != nil {
			return err
		}
		subs = s.subscribeAll(ctx, bars)
	}
	defer s.unsubscribeAll(subs)

	if !s.stream.Connected() || len(subs) == 0 {
		si.Degraded = true
		s.mu.Lock()
		st.instance.Degraded = true
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.DegradedInstances.Inc()
		}
		s.logger.Printf("[SCHED] instance %s degraded: no live quote stream at open", id)
	}

	// S+0: sequential predictions, one instrument at a time.
	if s.pastDeadline(si.Open, "predict") {
		s.logger.Printf("[SCHED] instance %s open deadline already passed, no trades", id)
	} else {
		if err := s.waitUntil(ctx, si.Open); err != nil {
			return err
		}
		s.executePredictions(ctx, st, bars, subs)
	}
	if s.metrics != nil {
		s.metrics.SessionsRun.WithLabelValues(si.Session).Inc()
	}

	// [S, S+duration]: lifecycles run independently until their triggers or
	// the deadline timer fire.
	st.wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sweep(ctx, st)
	s.refreshAccountGauges(ctx)
	s.logger.Printf("[SCHED] instance %s complete", id)
	return nil
}

// pastDeadline reports whether a step's wall-clock deadline is already more
// than the grace behind us, meaning the process slept through it. Stale steps
// are skipped, never executed late.
func (s *Scheduler) pastDeadline(deadline time.Time, step string) bool {
	if s.now().After(deadline.Add(s.stepGrace)) {
		s.logger.Printf("[SCHED] step %s deadline %s already passed, skipping",
			step, deadline.Format(time.RFC3339))
		if s.metrics != nil {
			s.metrics.StepsSkipped.WithLabelValues(step).Inc()
		}
		return true
	}
	return false
}

func (s *Scheduler) waitUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(s.now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// prefetch loads recent bars for every instrument with bounded concurrency.
// A failed instrument is skipped for this instance with a warning.
func (s *Scheduler) prefetch(ctx context.Context, si domain.SessionInstance) map[string][]domain.Candle {
	type result struct {
		symbol string
		bars   []domain.Candle
		err    error
	}

	sem := make(chan struct{}, s.prefetchConc)
	results := make(chan result, len(s.instruments))
	from := si.Open.Add(-s.lookback)

	for _, inst := range s.instruments {
		inst := inst
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()

			fetchCtx, cancel := context.WithTimeout(ctx, s.hardBudget)
			defer cancel()
			bars, err := s.bars.FetchBars(fetchCtx, inst.Symbol, from, si.Open)
			results <- result{symbol: inst.Symbol, bars: bars, err: err}
		}()
	}

	out := make(map[string][]domain.Candle, len(s.instruments))
	for range s.instruments {
		r := <-results
		switch {
		case r.err != nil:
			s.logger.Printf("[SCHED] prefetch %s failed, skipping for this instance: %v", r.symbol, r.err)
			s.metrics.RecordSkip("prefetch_failed")
		case len(r.bars) == 0:
			s.logger.Printf("[SCHED] prefetch %s returned no bars, skipping for this instance", r.symbol)
			s.metrics.RecordSkip("no_history")
		default:
			out[r.symbol] = r.bars
		}
	}
	s.logger.Printf("[SCHED] prefetched history for %d/%d instruments", len(out), len(s.instruments))
	return out
}

// subscribeAll opens quote subscriptions for every prefetched instrument.
func (s *Scheduler) subscribeAll(ctx context.Context, bars map[string][]domain.Candle) map[string]<-chan domain.Quote {
	subs := make(map[string]<-chan domain.Quote, len(bars))
	for symbol := range bars {
		ch, err := s.stream.Subscribe(ctx, symbol)
		if err != nil {
			s.logger.Printf("[SCHED] subscribe %s failed: %v", symbol, err)
			continue
		}
		subs[symbol] = ch
	}
	return subs
}

func (s *Scheduler) unsubscribeAll(subs map[string]<-chan domain.Quote) {
	for symbol := range subs {
		if err := s.stream.Unsubscribe(symbol); err != nil {
			s.logger.Printf("[SCHED] unsubscribe %s: %v", symbol, err)
		}
	}
}

// executePredictions runs the prediction -> plan -> open pipeline
// sequentially per instrument. Each instrument gets the hard budget; an
// overrun or failure skips that instrument only.
func (s *Scheduler) executePredictions(ctx context.Context, st *instanceState, bars map[string][]domain.Candle, subs map[string]<-chan domain.Quote) {
	si := st.instance
	acct, err := s.account.Snapshot(ctx)
	if err != nil {
		s.logger.Printf("[SCHED] account snapshot failed, no trades this instance: %v", err)
		return
	}

	opened := 0
	for _, inst := range s.instruments {
		history, ok := bars[inst.Symbol]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return
		}

		started := s.now()
		pipeCtx, cancel := context.WithTimeout(ctx, s.hardBudget)
		err := s.runPipeline(pipeCtx, ctx, st, acct, inst, history, subs[inst.Symbol])
		cancel()

		elapsed := s.now().Sub(started)
		if s.metrics != nil {
			s.metrics.PipelineLatency.Observe(elapsed.Seconds())
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			s.logger.Printf("[SCHED] %s pipeline exceeded %s ceiling, skipped", inst.Symbol, s.hardBudget)
			if s.metrics != nil {
				s.metrics.PipelineOverruns.Inc()
			}
			s.metrics.RecordSkip("pipeline_overrun")
		case err != nil:
			s.logger.Printf("[SCHED] %s pipeline failed: %v", inst.Symbol, err)
		case elapsed > s.softBudget:
			s.logger.Printf("[SCHED] %s pipeline slow: %s (budget %s)", inst.Symbol, elapsed, s.softBudget)
			opened++
		default:
			opened++
		}
	}
	s.logger.Printf("[SCHED] instance %s: %d pipelines succeeded, %d trades opened",
		si.InstanceID(), opened, len(st.lifecycles))
}

// runPipeline handles one instrument: predict, plan, open, launch lifecycle.
// ctx carries the per-instrument budget; runCtx outlives it and bounds the
// launched lifecycle.
func (s *Scheduler) runPipeline(ctx, runCtx context.Context, st *instanceState, acct *domain.Account, inst domain.Instrument, history []domain.Candle, quotes <-chan domain.Quote) error {
	si := st.instance

	var pred domain.Prediction
	err := retry.Do(ctx, DefaultPredictAttempts, DefaultPredictRetryDelay, func() error {
		var perr error
		pred, perr = s.predictor.Predict(ctx, prediction.ChartInput{
			Instrument: inst.Symbol,
			Session:    si.Session,
			AsOf:       si.Open,
			Bars:       history,
		})
		if perr != nil && !errors.Is(perr, prediction.ErrRateLimited) && !errors.Is(perr, prediction.ErrTimeout) {
			return retry.Permanent(perr)
		}
		return perr
	})
	if err != nil {
		s.metrics.RecordPrediction("error")
		return fmt.Errorf("predict: %w", err)
	}
	s.metrics.RecordPrediction(strings.ToLower(string(pred.Direction)))

	entry, fill := s.entryQuote(inst, history)

	plan, err := s.risk.PlanOrder(ctx, acct, inst, pred, entry, si.Open)
	if err != nil {
		if errors.Is(err, risk.ErrRiskBoundsExceeded) {
			s.metrics.RecordSkip("risk_bounds")
		}
		return fmt.Errorf("plan: %w", err)
	}
	if plan.Flat() {
		s.logger.Printf("[SCHED] %s: %s conviction=%d, staying flat",
			inst.Symbol, pred.Direction, pred.Conviction)
		return nil
	}

	lc, err := lifecycle.New(lifecycle.Options{
		Plan:       plan,
		Instrument: inst,
		InstanceID: si.InstanceID(),
		Deadline:   si.Close(),
		Trades:     s.trades,
		Account:    s.account,
		Window:     s.window,
		Archive:    s.archive,
		Venue:      s.venue,
		Logger:     s.logger,
	})
	if err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}

	if _, err := lc.Open(ctx, fill); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if s.metrics != nil {
		s.metrics.TradesOpened.Inc()
		s.metrics.OpenTrades.Inc()
	}

	s.mu.Lock()
	st.lifecycles = append(st.lifecycles, lc)
	s.mu.Unlock()
	st.wg.Add(1)
	go s.runLifecycle(runCtx, lc, quotes, &st.wg)
	return nil
}

// runLifecycle drives one lifecycle to completion. Shutdown cancellation
// stops it promptly: a canceled run leaves the trade OPEN (or SETTLING) in
// the store, where the next start recovers it.
func (s *Scheduler) runLifecycle(ctx context.Context, lc *lifecycle.Lifecycle, quotes <-chan domain.Quote, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		if s.metrics != nil {
			s.metrics.OpenTrades.Dec()
		}
	}()

	err := lc.Run(ctx, quotes)
	if err != nil {
		s.logger.Printf("[SCHED] lifecycle run: %v", err)
		return
	}
	if t := lc.Trade(); t != nil && t.State.Terminal() {
		s.metrics.RecordTradeClosed(t.CloseReason)
	}
}

// entryQuote resolves the indicative entry and the fill quote, preferring the
// live stream and falling back to the last prefetched bar close.
func (s *Scheduler) entryQuote(inst domain.Instrument, history []domain.Candle) (float64, domain.Quote) {
	if q, err := s.stream.LastQuote(inst.Symbol); err == nil {
		return q.Mid(), q
	}
	last := history[len(history)-1]
	q := domain.Quote{
		Instrument: inst.Symbol,
		Bid:        last.Close,
		Ask:        last.Close,
		Time:       s.now(),
	}
	return last.Close, q
}

// sweep force-closes any trade a lifecycle failed to settle by the deadline.
func (s *Scheduler) sweep(ctx context.Context, st *instanceState) {
	for _, lc := range st.lifecycles {
		t := lc.Trade()
		if t == nil || t.State.Terminal() {
			continue
		}
		q, err := s.stream.LastQuote(t.Instrument)
		if err != nil {
			q = domain.Quote{Instrument: t.Instrument, Bid: t.OpenPrice, Ask: t.OpenPrice, Time: s.now()}
		}
		if err := lc.ForceClose(ctx, q, domain.CloseReasonTimeout); err != nil {
			s.logger.Printf("[SCHED] sweep close %s failed: %v", t.TradeID, err)
			continue
		}
		s.metrics.RecordTradeClosed(domain.CloseReasonTimeout)
	}
}

// recoverOpenTrades resumes persisted OPEN trades after a restart. Trades
// whose session deadline already passed are closed immediately at the last
// known price.
func (s *Scheduler) recoverOpenTrades(ctx context.Context) error {
	open, err := s.trades.GetOpen(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}
	s.logger.Printf("[SCHED] recovering %d open trades", len(open))

	for _, t := range open {
		inst, ok := s.instByName[t.Instrument]
		if !ok {
			s.logger.Printf("[SCHED] recovered trade %s references unknown instrument %s, skipping",
				t.TradeID, t.Instrument)
			continue
		}

		deadline := s.recoveredDeadline(t)
		lc, err := lifecycle.Resume(t, lifecycle.Options{
			Instrument: inst,
			InstanceID: t.SessionInstanceID,
			Deadline:   deadline,
			Trades:     s.trades,
			Account:    s.account,
			Window:     s.window,
			Archive:    s.archive,
			Venue:      s.venue,
			Logger:     s.logger,
		})
		if err != nil {
			s.logger.Printf("[SCHED] resume trade %s: %v", t.TradeID, err)
			continue
		}

		if t.State == domain.StateSettling {
			// Crash mid-settlement: the close is already priced, finish
			// the settlement writes.
			q := domain.Quote{Instrument: t.Instrument, Bid: t.ClosePrice, Ask: t.ClosePrice, Time: s.now()}
			if err := lc.ForceClose(ctx, q, t.CloseReason); err != nil {
				s.logger.Printf("[SCHED] settle recovered trade %s: %v", t.TradeID, err)
			} else {
				s.metrics.RecordTradeClosed(t.CloseReason)
			}
			continue
		}

		if !deadline.After(s.now()) {
			// Session is already over; settle at the best price we have.
			q, qerr := s.stream.LastQuote(t.Instrument)
			if qerr != nil {
				q = domain.Quote{Instrument: t.Instrument, Bid: t.OpenPrice, Ask: t.OpenPrice, Time: s.now()}
			}
			if err := lc.ForceClose(ctx, q, domain.CloseReasonTimeout); err != nil {
				s.logger.Printf("[SCHED] close recovered trade %s: %v", t.TradeID, err)
			} else {
				s.metrics.RecordTradeClosed(domain.CloseReasonTimeout)
			}
			continue
		}

		ch, err := s.stream.Subscribe(ctx, t.Instrument)
		if err != nil {
			s.logger.Printf("[SCHED] subscribe for recovered trade %s: %v", t.TradeID, err)
			continue
		}
		if s.metrics != nil {
			s.metrics.OpenTrades.Inc()
		}
		s.recoveredWG.Add(1)
		go func(symbol string) {
			defer s.recoveredWG.Done()
			defer func() {
				if s.metrics != nil {
					s.metrics.OpenTrades.Dec()
				}
			}()
			if err := lc.Run(ctx, ch); err != nil {
				s.logger.Printf("[SCHED] recovered lifecycle run: %v", err)
			}
			if err := s.stream.Unsubscribe(symbol); err != nil {
				s.logger.Printf("[SCHED] unsubscribe recovered %s: %v", symbol, err)
			}
		}(t.Instrument)
	}
	return nil
}

// recoveredDeadline rebuilds a trade's session close from its session spec
// and open time.
func (s *Scheduler) recoveredDeadline(t *domain.Trade) time.Time {
	spec, ok := specByName(s.sessions, t.Session)
	if !ok {
		return s.now()
	}
	open, err := ResolveOpen(spec, t.OpenTime)
	if err != nil {
		return s.now()
	}
	return open.Add(spec.Duration)
}

func (s *Scheduler) refreshAccountGauges(ctx context.Context) {
	acct, err := s.account.Snapshot(ctx)
	if err != nil {
		return
	}
	s.metrics.UpdateAccount(acct.Balance, acct.Equity, acct.MaxDrawdownPct)
}
