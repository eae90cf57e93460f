// Package main replays a CSV quote tape through the real risk, cost and
// lifecycle engines against in-memory storage. Useful for validating cost
// parameters and exit behavior on recorded ticks.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"forex-session-lab/internal/account"
	"forex-session-lab/internal/config"
	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/lifecycle"
	"forex-session-lab/internal/risk"
	"forex-session-lab/internal/storage/memory"
	"forex-session-lab/internal/window"
)

func main() {
	// Parse flags
	quotesPath := flag.String("quotes", "", "CSV quote tape: time,instrument,bid,ask (required)")
	instrument := flag.String("instrument", "EURUSD", "Instrument symbol to replay")
	direction := flag.String("direction", "BULLISH", "Predicted direction (BULLISH or BEARISH)")
	conviction := flag.Int("conviction", 8, "Prediction conviction (1-10)")
	session := flag.String("session", "London_Open", "Session name for the window key")
	model := flag.String("model", "replay", "Model name for the window key")
	balance := flag.Float64("balance", 10000, "Starting account balance")
	outputJSON := flag.Bool("json", false, "Output as JSON")

	flag.Parse()

	logger := log.New(os.Stderr, "[replay] ", log.LstdFlags)

	if *quotesPath == "" {
		logger.Fatal("--quotes is required")
	}

	cfg := config.Default()
	inst, ok := findInstrument(cfg, *instrument)
	if !ok {
		logger.Fatalf("Unknown instrument %q", *instrument)
	}

	var side domain.Direction
	switch strings.ToUpper(*direction) {
	case "BULLISH":
		side = domain.DirectionBullish
	case "BEARISH":
		side = domain.DirectionBearish
	default:
		logger.Fatalf("Invalid direction %q (BULLISH or BEARISH)", *direction)
	}

	quotes, err := loadQuotes(*quotesPath, inst.Symbol)
	if err != nil {
		logger.Fatalf("Load quotes: %v", err)
	}
	if len(quotes) == 0 {
		logger.Fatal("Quote tape is empty")
	}
	logger.Printf("Loaded %d quotes for %s", len(quotes), inst.Symbol)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	win, err := window.New(window.Options{
		Observations: memory.NewObservationStore(),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatalf("Create window store: %v", err)
	}

	acct, err := account.NewManager(account.Options{
		Store:           memory.NewAccountStore(),
		StartingBalance: *balance,
		Currency:        cfg.Account.Currency,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalf("Create account manager: %v", err)
	}
	if err := acct.Start(ctx); err != nil {
		logger.Fatalf("Start account manager: %v", err)
	}
	defer acct.Close()

	riskEngine, err := risk.NewEngine(risk.Options{
		Window: win,
		Params: cfg.RiskParams(),
		Logger: logger,
	})
	if err != nil {
		logger.Fatalf("Create risk engine: %v", err)
	}

	snapshot, err := acct.Snapshot(ctx)
	if err != nil {
		logger.Fatalf("Account snapshot: %v", err)
	}

	first := quotes[0]
	pred := domain.Prediction{
		Instrument: inst.Symbol,
		Session:    *session,
		Model:      *model,
		Direction:  side,
		Conviction: *conviction,
	}
	plan, err := riskEngine.PlanOrder(ctx, snapshot, inst, pred, first.Mid(), first.Time)
	if err != nil {
		logger.Fatalf("Plan order: %v", err)
	}
	if plan.Side == domain.SideFlat {
		logger.Fatal("Plan is flat, nothing to replay")
	}

	lc, err := lifecycle.New(lifecycle.Options{
		Plan:       plan,
		Instrument: inst,
		InstanceID: fmt.Sprintf("replay@%s", first.Time.UTC().Format(time.RFC3339)),
		Deadline:   time.Now().Add(24 * time.Hour),
		Trades:     memory.NewTradeStore(),
		Account:    acct,
		Window:     win,
		Venue:      cfg.VenueParams(),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("Create lifecycle: %v", err)
	}

	if _, err := lc.Open(ctx, first); err != nil {
		logger.Fatalf("Open trade: %v", err)
	}

	if err := runTape(ctx, cancel, lc, quotes[1:], quotes[len(quotes)-1]); err != nil {
		logger.Fatalf("Replay tape: %v", err)
	}

	final := lc.Trade()
	finalAcct, err := acct.Snapshot(context.Background())
	if err != nil {
		logger.Fatalf("Final snapshot: %v", err)
	}
	printResult(final, finalAcct, *outputJSON)
}

// runTape feeds the tape into the lifecycle and returns once the trade
// settles, force-closing at the last quote when the tape runs out first.
// Sends race the lifecycle's own close, so every send selects against run
// completion; a trigger mid-tape must never leave the producer blocked.
func runTape(ctx context.Context, cancel context.CancelFunc, lc *lifecycle.Lifecycle, tape []domain.Quote, last domain.Quote) error {
	feed := make(chan domain.Quote)
	runDone := make(chan error, 1)
	go func() { runDone <- lc.Run(ctx, feed) }()

	finished := false
	for _, q := range tape {
		select {
		case feed <- q:
		case <-runDone:
			finished = true
		}
		if finished {
			break
		}
	}
	close(feed)

	if !finished {
		// Tape exhausted without a trigger: close at the last quote. A
		// trigger on the final tick settles inside Run instead; waiting on
		// runDone covers both.
		if t := lc.Trade(); t != nil && t.State == domain.StateOpen {
			if err := lc.ForceClose(ctx, last, domain.CloseReasonTimeout); err != nil {
				return fmt.Errorf("close at tape end: %w", err)
			}
		}
		cancel()
		<-runDone
	}
	return nil
}

func findInstrument(cfg *config.Config, symbol string) (domain.Instrument, bool) {
	for _, inst := range cfg.DomainInstruments() {
		if strings.EqualFold(inst.Symbol, symbol) {
			return inst, true
		}
	}
	return domain.Instrument{}, false
}

// loadQuotes parses a CSV tape with columns time,instrument,bid,ask. Rows for
// other instruments are skipped. A header row is tolerated.
func loadQuotes(path, symbol string) ([]domain.Quote, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4

	var quotes []domain.Quote
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 && strings.EqualFold(rec[0], "time") {
			continue
		}
		if !strings.EqualFold(rec[1], symbol) {
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: parse time: %w", line, err)
		}
		bid, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parse bid: %w", line, err)
		}
		ask, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parse ask: %w", line, err)
		}
		quotes = append(quotes, domain.Quote{
			Instrument: symbol,
			Bid:        bid,
			Ask:        ask,
			Time:       ts,
		})
	}
	return quotes, nil
}

func printResult(t *domain.Trade, acct *domain.Account, asJSON bool) {
	if asJSON {
		out := struct {
			Trade   *domain.Trade   `json:"trade"`
			Account *domain.Account `json:"account"`
		}{t, acct}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
		return
	}

	fmt.Printf("Trade %s %s %s\n", t.TradeID, t.Instrument, t.Side)
	fmt.Printf("  state:       %s (%s)\n", t.State, t.CloseReason)
	fmt.Printf("  entry/exit:  %.5f -> %.5f\n", t.OpenPrice, t.ClosePrice)
	fmt.Printf("  lot size:    %.2f\n", t.LotSize)
	fmt.Printf("  net P/L:     %.2f\n", t.NetPL)
	fmt.Printf("  MFE/MAE:     %.1f / %.1f pips\n", t.MFEPips, t.MAEPips)
	fmt.Printf("Account balance: %.2f (%d trades, %d wins, %d losses)\n",
		acct.Balance, acct.TotalTrades, acct.WinningTrades, acct.LosingTrades)
}
