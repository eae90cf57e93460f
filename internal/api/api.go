// Package api exposes the read-only HTTP surface: account snapshot, trade
// history, percentile targets, scheduler status, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/observability"
	"forex-session-lab/internal/scheduler"
	"forex-session-lab/internal/storage"
	"forex-session-lab/internal/window"
)

const defaultTradeLimit = 50

// AccountReader provides the current account snapshot.
type AccountReader interface {
	Snapshot(ctx context.Context) (*domain.Account, error)
}

// TradeReader provides settled trade history.
type TradeReader interface {
	GetRecent(ctx context.Context, limit int) ([]*domain.Trade, error)
}

// PercentileReader provides percentile targets for a window key.
type PercentileReader interface {
	QueryPercentiles(ctx context.Context, instrument, session, model string, asOf time.Time) (*domain.PercentileTarget, error)
}

// StatusReader provides the scheduler's point-in-time status.
type StatusReader interface {
	Status() scheduler.Status
}

// Options configures the API server.
type Options struct {
	Account   AccountReader
	Trades    TradeReader
	Window    PercentileReader
	Scheduler StatusReader

	// Metrics handler to mount at /metrics. Defaults to observability.Handler().
	Metrics http.Handler

	Logger *log.Logger
}

// Server serves the JSON API.
type Server struct {
	account   AccountReader
	trades    TradeReader
	window    PercentileReader
	scheduler StatusReader
	metrics   http.Handler
	logger    *log.Logger
}

// NewServer creates an API server. All readers are required except Metrics.
func NewServer(opts Options) (*Server, error) {
	if opts.Account == nil {
		return nil, errors.New("account reader is required")
	}
	if opts.Trades == nil {
		return nil, errors.New("trade reader is required")
	}
	if opts.Window == nil {
		return nil, errors.New("window reader is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler reader is required")
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Handler()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		account:   opts.Account,
		trades:    opts.Trades,
		window:    opts.Window,
		scheduler: opts.Scheduler,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Handler builds the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc("/api/account", s.handleAccount)
	mux.HandleFunc("/api/trades", s.handleTrades)
	mux.HandleFunc("/api/percentiles", s.handlePercentiles)
	mux.HandleFunc("/api/status", s.handleStatus)

	return mux
}

// ListenAndServe runs the HTTP server until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, s.Handler()); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	acct, err := s.account.Snapshot(r.Context())
	if err != nil {
		s.logger.Printf("Account snapshot error: %v", err)
		http.Error(w, "account unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, acct)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	trades, err := s.trades.GetRecent(r.Context(), limit)
	if err != nil {
		s.logger.Printf("Trade history error: %v", err)
		http.Error(w, "trade history unavailable", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []*domain.Trade{}
	}
	writeJSON(w, trades)
}

func (s *Server) handlePercentiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	instrument := q.Get("instrument")
	session := q.Get("session")
	model := q.Get("model")
	if instrument == "" || session == "" || model == "" {
		http.Error(w, "instrument, session and model are required", http.StatusBadRequest)
		return
	}
	target, err := s.window.QueryPercentiles(r.Context(), instrument, session, model, time.Now().UTC())
	switch {
	case errors.Is(err, window.ErrInsufficientHistory) || errors.Is(err, storage.ErrNotFound):
		http.Error(w, "insufficient history for key", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Printf("Percentile query error: %v", err)
		http.Error(w, "percentiles unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, target)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.scheduler.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
