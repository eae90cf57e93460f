// Package main runs the live session trader: scheduler, price stream,
// prediction pipeline, trade lifecycles and the HTTP API in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"forex-session-lab/internal/account"
	"forex-session-lab/internal/api"
	"forex-session-lab/internal/config"
	"forex-session-lab/internal/marketdata"
	"forex-session-lab/internal/observability"
	"forex-session-lab/internal/prediction"
	"forex-session-lab/internal/risk"
	"forex-session-lab/internal/scheduler"
	"forex-session-lab/internal/storage"
	chstore "forex-session-lab/internal/storage/clickhouse"
	"forex-session-lab/internal/storage/memory"
	"forex-session-lab/internal/storage/migrations"
	pgstore "forex-session-lab/internal/storage/postgres"
	"forex-session-lab/internal/window"
)

// stores holds all storage implementations.
type stores struct {
	account      storage.AccountStore
	trades       storage.TradeStore
	observations storage.ObservationStore
	archive      storage.TickArchive
}

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Parse flags (env vars as defaults)
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config file")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (overrides config)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (overrides config)")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")

	flag.Parse()

	logger := log.New(os.Stdout, "[trader] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Load config: %v", err)
	}
	if *postgresDSN != "" {
		cfg.Storage.PostgresDSN = *postgresDSN
	}
	if *clickhouseDSN != "" {
		cfg.Storage.ClickHouseDSN = *clickhouseDSN
	}
	if *useMemory {
		cfg.Storage.UseMemory = true
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	if !cfg.Storage.UseMemory && (cfg.Storage.PostgresDSN == "" || cfg.Storage.ClickHouseDSN == "") {
		logger.Fatal("postgres and clickhouse DSNs are required (use --use-memory for in-memory storage)")
	}
	if cfg.MarketData.APIKey == "" {
		logger.Fatal("MARKET_DATA_API_KEY is required")
	}
	if cfg.Prediction.APIKey == "" {
		logger.Fatal("PREDICTION_API_KEY is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, cleanup, err := createStores(ctx, cfg)
	if err != nil {
		logger.Fatalf("Create stores: %v", err)
	}
	defer cleanup()

	metrics := observability.NewMetrics("")

	win, err := window.New(window.Options{
		Observations: st.observations,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatalf("Create window store: %v", err)
	}
	if err := win.Hydrate(ctx, time.Now().UTC()); err != nil {
		logger.Fatalf("Hydrate window: %v", err)
	}

	acct, err := account.NewManager(account.Options{
		Store:           st.account,
		StartingBalance: cfg.Account.StartingBalance,
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

	bars := marketdata.NewBarsClient(cfg.MarketData.RESTEndpoint, cfg.MarketData.APIKey)

	stream, err := marketdata.NewWSQuoteStream(ctx, cfg.MarketData.WSEndpoint, nil, logger)
	if err != nil {
		logger.Fatalf("Connect quote stream: %v", err)
	}
	defer stream.Close()

	predictor := prediction.NewHTTPClient(cfg.Prediction.Endpoint, cfg.Prediction.APIKey, cfg.Prediction.Model)

	sched, err := scheduler.New(scheduler.Options{
		Sessions:    cfg.SessionSpecs(),
		Instruments: cfg.DomainInstruments(),
		Bars:        bars,
		Stream:      stream,
		Predictor:   predictor,
		Risk:        riskEngine,
		Account:     acct,
		Window:      win,
		Trades:      st.trades,
		Archive:     st.archive,
		Venue:       cfg.VenueParams(),
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("Create scheduler: %v", err)
	}

	apiServer, err := api.NewServer(api.Options{
		Account:   acct,
		Trades:    st.trades,
		Window:    win,
		Scheduler: sched,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("Create API server: %v", err)
	}
	go func() {
		if err := apiServer.ListenAndServe(cfg.Server.Addr); err != nil {
			logger.Printf("HTTP server error: %v", err)
		}
	}()

	// Channel to signal completion
	done := make(chan error, 1)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
			// Normal shutdown completed
		}
	}()

	err = sched.Run(ctx)
	done <- err

	if err != nil && err != context.Canceled {
		logger.Fatalf("Scheduler error: %v", err)
	}

	logger.Println("Shutdown complete")
}

// createStores creates all required stores and runs migrations.
func createStores(ctx context.Context, cfg *config.Config) (*stores, func(), error) {
	if cfg.Storage.UseMemory {
		st := &stores{
			account:      memory.NewAccountStore(),
			trades:       memory.NewTradeStore(),
			observations: memory.NewObservationStore(),
			archive:      memory.NewTickArchive(),
		}
		return st, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run postgres migrations: %w", err)
	}

	var conn *chstore.Conn
	conn, err = migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickHouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run clickhouse migrations: %w", err)
	}

	st := &stores{
		account:      pgstore.NewAccountStore(pool),
		trades:       pgstore.NewTradeStore(pool),
		observations: pgstore.NewObservationStore(pool),
		archive:      chstore.NewTickArchive(conn),
	}
	cleanup := func() {
		conn.Close()
		pool.Close()
	}
	return st, cleanup, nil
}
