// Package lifecycle manages one trade from fill to settlement. Each lifecycle
// owns its trade and quote channel exclusively: trigger checks, excursion
// tracking and the closing transition all happen on a single consumer
// goroutine, which is what makes settlement at-most-once.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"forex-session-lab/internal/costmodel"
	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/retry"
	"forex-session-lab/internal/storage"
)

// Settler applies a settlement to the account aggregate.
type Settler interface {
	Apply(ctx context.Context, s domain.Settlement) error
}

// Recorder ingests the trade's outcome into the rolling window.
type Recorder interface {
	Record(ctx context.Context, o *domain.Observation) error
}

// Default configuration values.
const (
	DefaultSettleAttempts = 5
	DefaultSettleDelay    = 2 * time.Second
)

// Options configures a Lifecycle.
type Options struct {
	Plan       *domain.OrderPlan
	Instrument domain.Instrument
	InstanceID string
	Deadline   time.Time // session close; forces CLOSED_TIMEOUT

	Trades  storage.TradeStore
	Account Settler
	Window  Recorder
	Archive storage.TickArchive // nil disables tick archiving
	Venue   costmodel.VenueParams

	// SettleAttempts and SettleDelay bound the settlement persistence retry.
	SettleAttempts int
	SettleDelay    time.Duration

	Logger *log.Logger
}

// Lifecycle drives one trade. Construct with New, open with Open, then hand
// the quote channel to Run.
type Lifecycle struct {
	plan       *domain.OrderPlan
	inst       domain.Instrument
	instanceID string
	deadline   time.Time

	trades  storage.TradeStore
	account Settler
	window  Recorder
	archive storage.TickArchive
	venue   costmodel.VenueParams

	settleAttempts int
	settleDelay    time.Duration
	logger         *log.Logger

	mu    sync.Mutex
	trade *domain.Trade

	// settlement sub-step completion, so a retried settle never double
	// applies the account update or the observation.
	accountApplied bool
	obsRecorded    bool
	settleActive   bool

	ticks []domain.Quote // archived on close when the archive is enabled
}

// New creates a lifecycle for a non-flat plan.
func New(opts Options) (*Lifecycle, error) {
	if opts.Plan == nil || opts.Plan.Flat() {
		return nil, fmt.Errorf("lifecycle requires a non-flat plan")
	}
	if opts.Trades == nil || opts.Account == nil || opts.Window == nil {
		return nil, fmt.Errorf("trades, account and window are required")
	}
	if opts.SettleAttempts <= 0 {
		opts.SettleAttempts = DefaultSettleAttempts
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Lifecycle{
		plan:           opts.Plan,
		inst:           opts.Instrument,
		instanceID:     opts.InstanceID,
		deadline:       opts.Deadline,
		trades:         opts.Trades,
		account:        opts.Account,
		window:         opts.Window,
		archive:        opts.Archive,
		venue:          opts.Venue,
		settleAttempts: opts.SettleAttempts,
		settleDelay:    opts.SettleDelay,
		logger:         opts.Logger,
	}, nil
}

// Open fills the plan at the live quote and persists the trade as OPEN.
// The fill embeds the spread, and the absolute TP/SL levels are recomputed
// from the fill using the plan's fixed pip distances.
func (l *Lifecycle) Open(ctx context.Context, fill domain.Quote) (*domain.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trade != nil {
		return nil, fmt.Errorf("trade already open")
	}

	spreadPips := fill.SpreadPips(l.inst)
	entry := costmodel.EffectiveEntry(l.plan.Side, fill.Mid(), spreadPips, l.inst, l.venue)

	pip := l.inst.PipSize()
	var tp, sl float64
	if l.plan.Side == domain.SideLong {
		tp = entry + l.plan.TPPips*pip
		sl = entry - l.plan.SLPips*pip
	} else {
		tp = entry - l.plan.TPPips*pip
		sl = entry + l.plan.SLPips*pip
	}

	t := &domain.Trade{
		TradeID:           uuid.NewString(),
		Instrument:        l.plan.Instrument,
		Session:           l.plan.Session,
		SessionInstanceID: l.instanceID,
		Model:             l.plan.Model,
		Side:              l.plan.Side,
		Conviction:        l.plan.Conviction,
		State:             domain.StateOpen,
		OpenTime:          fill.Time,
		OpenPrice:         entry,
		TakeProfit:        tp,
		StopLoss:          sl,
		TPPips:            l.plan.TPPips,
		SLPips:            l.plan.SLPips,
		LotSize:           l.plan.LotSize,
		RiskAmount:        l.plan.RiskAmount,
	}

	if err := l.trades.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("persist open trade: %w", err)
	}

	l.trade = t
	l.logger.Printf("[TRADE] opened %s %s %s lot=%.2f entry=%.5f tp=%.5f sl=%.5f",
		t.TradeID, t.Side, t.Instrument, t.LotSize, t.OpenPrice, tp, sl)
	cp := *t
	return &cp, nil
}

// Resume adopts a persisted non-terminal trade after restart instead of
// filling a new one. A trade recovered in SETTLING already carries its close
// fields; the next close call finishes its settlement writes.
func Resume(t *domain.Trade, opts Options) (*Lifecycle, error) {
	if t == nil || t.State.Terminal() {
		return nil, fmt.Errorf("resume requires an open trade")
	}
	opts.Plan = &domain.OrderPlan{
		Instrument: t.Instrument,
		Session:    t.Session,
		Model:      t.Model,
		Side:       t.Side,
		Conviction: t.Conviction,
		TPPips:     t.TPPips,
		SLPips:     t.SLPips,
		LotSize:    t.LotSize,
		RiskAmount: t.RiskAmount,
	}
	l, err := New(opts)
	if err != nil {
		return nil, err
	}
	cp := *t
	l.trade = &cp
	return l, nil
}

// Trade returns a copy of the current trade state, or nil before Open.
func (l *Lifecycle) Trade() *domain.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trade == nil {
		return nil
	}
	cp := *l.trade
	return &cp
}

// Run consumes quotes until the trade settles, the deadline forces a timeout
// close, or ctx is canceled. Cancellation leaves the trade OPEN: missing data
// never closes a position. Run owns the channel exclusively.
func (l *Lifecycle) Run(ctx context.Context, quotes <-chan domain.Quote) error {
	timer := time.NewTimer(time.Until(l.deadline))
	defer timer.Stop()

	var last domain.Quote
	haveLast := false

	for {
		select {
		case <-ctx.Done():
			l.logger.Printf("[TRADE] %s run canceled, trade stays open", l.tradeID())
			return ctx.Err()

		case <-timer.C:
			if !haveLast {
				if q, err := l.lastKnown(); err == nil {
					last = q
					haveLast = true
				}
			}
			if !haveLast {
				return fmt.Errorf("deadline reached with no quote for %s", l.tradeID())
			}
			return l.close(ctx, last, domain.CloseReasonTimeout)

		case q, ok := <-quotes:
			if !ok {
				// Stream torn down underneath us. Hold the position; the
				// scheduler force-closes at the deadline.
				l.logger.Printf("[TRADE] %s quote channel closed, holding position", l.tradeID())
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-timer.C:
					if !haveLast {
						return fmt.Errorf("deadline reached with no quote for %s", l.tradeID())
					}
					return l.close(ctx, last, domain.CloseReasonTimeout)
				}
			}

			last = q
			haveLast = true
			l.observe(q)

			if reason, hit := l.trigger(q); hit {
				return l.close(ctx, q, reason)
			}
		}
	}
}

// ForceClose settles the trade at the given quote, for scheduler-driven
// closes outside Run (deadline sweep, recovery, shutdown with explicit
// close). Safe to call concurrently with a finished Run: a terminal trade is
// left untouched.
func (l *Lifecycle) ForceClose(ctx context.Context, q domain.Quote, reason string) error {
	return l.close(ctx, q, reason)
}

func (l *Lifecycle) tradeID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trade == nil {
		return "?"
	}
	return l.trade.TradeID
}

func (l *Lifecycle) lastKnown() (domain.Quote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ticks) == 0 {
		return domain.Quote{}, fmt.Errorf("no quotes observed")
	}
	return l.ticks[len(l.ticks)-1], nil
}

// observe updates the excursions from one quote. Exit side convention: longs
// close at bid, shorts at ask.
func (l *Lifecycle) observe(q domain.Quote) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.trade
	if t == nil || t.State != domain.StateOpen {
		return
	}

	if l.archive != nil {
		l.ticks = append(l.ticks, q)
	} else if len(l.ticks) == 0 {
		l.ticks = []domain.Quote{q}
	} else {
		l.ticks[0] = q
	}

	pip := l.inst.PipSize()
	var favorable float64
	if t.Side == domain.SideLong {
		favorable = (q.Bid - t.OpenPrice) / pip
	} else {
		favorable = (t.OpenPrice - q.Ask) / pip
	}
	if favorable > t.MFEPips {
		t.MFEPips = favorable
	}
	if -favorable > t.MAEPips {
		t.MAEPips = -favorable
	}
}

// trigger evaluates the absolute TP/SL levels against one quote. SL is
// checked first: a gapped tick beyond both levels settles at the stop.
func (l *Lifecycle) trigger(q domain.Quote) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.trade
	if t == nil || t.State != domain.StateOpen {
		return "", false
	}

	if t.Side == domain.SideLong {
		if q.Bid <= t.StopLoss {
			return domain.CloseReasonStopLoss, true
		}
		if q.Bid >= t.TakeProfit {
			return domain.CloseReasonTakeProfit, true
		}
	} else {
		if q.Ask >= t.StopLoss {
			return domain.CloseReasonStopLoss, true
		}
		if q.Ask <= t.TakeProfit {
			return domain.CloseReasonTakeProfit, true
		}
	}
	return "", false
}

// exitPrice picks the fill for a close. Stop and limit closes fill at their
// level; timeout and manual closes fill at the market.
func (l *Lifecycle) exitPrice(t *domain.Trade, q domain.Quote, reason string) float64 {
	switch reason {
	case domain.CloseReasonTakeProfit:
		return t.TakeProfit
	case domain.CloseReasonStopLoss:
		return t.StopLoss
	}
	if t.Side == domain.SideLong {
		return q.Bid
	}
	return q.Ask
}

// close performs the single closing transition and the settlement sequence.
// The OPEN -> SETTLING transition happens exactly once; late or concurrent
// callers see a non-open state and return nil. A trade adopted in SETTLING
// after a crash re-enters the settlement writes with its persisted close
// fields instead of repricing.
func (l *Lifecycle) close(ctx context.Context, q domain.Quote, reason string) error {
	l.mu.Lock()
	t := l.trade
	if t == nil {
		l.mu.Unlock()
		return fmt.Errorf("no trade to close")
	}
	if t.State.Terminal() {
		l.mu.Unlock()
		return nil
	}
	if t.State == domain.StateSettling {
		if l.settleActive {
			// Another goroutine is driving the settlement retry.
			l.mu.Unlock()
			return nil
		}
		reason = t.CloseReason
		l.settleActive = true
		l.mu.Unlock()
		return l.settle(ctx, reason)
	}
	if t.State != domain.StateOpen {
		l.mu.Unlock()
		return fmt.Errorf("trade %s in state %s", t.TradeID, t.State)
	}

	t.State = domain.StateSettling
	l.settleActive = true
	exit := l.exitPrice(t, q, reason)
	res := costmodel.NetResult(t.Side, t.OpenPrice, exit, t.LotSize, l.inst, l.venue, reason)

	t.CloseTime = q.Time
	t.ClosePrice = exit
	t.CloseReason = reason
	t.Commission = res.Commission
	t.SlippagePips = res.SlippagePips
	t.NetPL = res.NetPL
	l.mu.Unlock()

	return l.settle(ctx, reason)
}

// settle drives the settlement persistence retry and the terminal state
// transition. The trade holds SETTLING until the writes are durable; it is
// never terminal in memory before that.
func (l *Lifecycle) settle(ctx context.Context, reason string) error {
	err := retry.Do(ctx, l.settleAttempts, l.settleDelay, func() error {
		return l.persistSettlement(ctx)
	})
	if err != nil {
		l.mu.Lock()
		l.settleActive = false
		l.mu.Unlock()
		l.logger.Printf("[TRADE] %s settlement persist failed, holding SETTLING: %v", l.tradeID(), err)
		return fmt.Errorf("settle trade %s: %w", l.tradeID(), err)
	}

	l.mu.Lock()
	l.trade.State = terminalState(reason)
	l.mu.Unlock()

	if err := l.trades.Update(ctx, l.Trade()); err != nil {
		// The settlement itself is durable; only the state column lags.
		l.logger.Printf("[TRADE] %s terminal state update failed: %v", l.tradeID(), err)
	}

	l.flushArchive(ctx)

	t := l.Trade()
	l.logger.Printf("[TRADE] closed %s %s reason=%s exit=%.5f pl=%.2f mfe=%.1f mae=%.1f",
		t.TradeID, t.Instrument, reason, t.ClosePrice, t.NetPL, t.MFEPips, t.MAEPips)
	return nil
}

// persistSettlement applies the account update and the window observation,
// each exactly once across retries, then writes the trade row.
func (l *Lifecycle) persistSettlement(ctx context.Context) error {
	t := l.Trade()

	if !l.accountApplied {
		err := l.account.Apply(ctx, domain.Settlement{
			TradeID:     t.TradeID,
			NetPL:       t.NetPL,
			CloseReason: t.CloseReason,
			ClosedAt:    t.CloseTime,
		})
		if err != nil {
			return fmt.Errorf("account: %w", err)
		}
		l.accountApplied = true
	}

	if !l.obsRecorded {
		err := l.window.Record(ctx, &domain.Observation{
			Instrument: t.Instrument,
			Session:    t.Session,
			Model:      t.Model,
			TradeID:    t.TradeID,
			Direction:  directionOf(t.Side),
			Correct:    t.NetPL > 0,
			MFEPips:    t.MFEPips,
			MAEPips:    t.MAEPips,
			Timestamp:  t.CloseTime,
		})
		if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("observation: %w", err)
		}
		l.obsRecorded = true
	}

	if err := l.trades.Update(ctx, t); err != nil {
		return fmt.Errorf("trade: %w", err)
	}
	return nil
}

func (l *Lifecycle) flushArchive(ctx context.Context) {
	if l.archive == nil {
		return
	}
	l.mu.Lock()
	ticks := l.ticks
	l.ticks = nil
	l.mu.Unlock()
	if len(ticks) == 0 {
		return
	}
	if err := l.archive.InsertBulk(ctx, l.instanceID, ticks); err != nil {
		l.logger.Printf("[TRADE] %s tick archive flush failed: %v", l.tradeID(), err)
	}
}

func terminalState(reason string) domain.TradeState {
	switch reason {
	case domain.CloseReasonTakeProfit:
		return domain.StateClosedTP
	case domain.CloseReasonStopLoss:
		return domain.StateClosedSL
	case domain.CloseReasonTimeout:
		return domain.StateClosedTimeout
	default:
		return domain.StateClosedManual
	}
}

func directionOf(s domain.Side) domain.Direction {
	if s == domain.SideShort {
		return domain.DirectionBearish
	}
	return domain.DirectionBullish
}
