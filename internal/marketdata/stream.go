package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"forex-session-lab/internal/domain"
)

// StreamConfig configures websocket stream behavior.
type StreamConfig struct {
	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the backoff between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is the interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is the timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultStreamConfig returns default stream configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// WSQuoteStream implements QuoteStream over gorilla/websocket. It reconnects
// with capped exponential backoff and resubscribes active instruments, so a
// subscription channel stays valid for the consumer across disconnects.
type WSQuoteStream struct {
	endpoint string
	config   StreamConfig
	logger   *log.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool
	live   atomic.Bool

	// subs maps instrument to its single-consumer delivery channel.
	subs   map[string]chan domain.Quote
	subsMu sync.RWMutex

	// last holds the most recent quote per instrument.
	last   map[string]domain.Quote
	lastMu sync.RWMutex

	// Reconnects counts transport reconnect attempts, for metrics.
	Reconnects atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup

	reconnecting atomic.Bool
}

// NewWSQuoteStream connects to the endpoint and starts the read and ping
// loops.
func NewWSQuoteStream(ctx context.Context, endpoint string, config *StreamConfig, logger *log.Logger) (*WSQuoteStream, error) {
	cfg := DefaultStreamConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &WSQuoteStream{
		endpoint: endpoint,
		config:   cfg,
		logger:   logger,
		subs:     make(map[string]chan domain.Quote),
		last:     make(map[string]domain.Quote),
		done:     make(chan struct{}),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go s.pingLoop()

	return s, nil
}

var _ QuoteStream = (*WSQuoteStream)(nil)

func (s *WSQuoteStream) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.conn = conn
	s.live.Store(true)
	return nil
}

type streamRequest struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

type streamMessage struct {
	Type       string  `json:"type"`
	Instrument string  `json:"instrument"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	TS         int64   `json:"ts"` // epoch millis
}

// Subscribe starts quote delivery for an instrument.
func (s *WSQuoteStream) Subscribe(ctx context.Context, instrument string) (<-chan domain.Quote, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("stream closed")
	}

	s.subsMu.Lock()
	if _, exists := s.subs[instrument]; exists {
		s.subsMu.Unlock()
		return nil, fmt.Errorf("already subscribed to %s", instrument)
	}
	// Buffer absorbs bursts; delivery blocks rather than dropping ticks.
	ch := make(chan domain.Quote, 1024)
	s.subs[instrument] = ch
	s.subsMu.Unlock()

	if err := s.writeJSON(streamRequest{Action: "subscribe", Instruments: []string{instrument}}); err != nil {
		s.subsMu.Lock()
		delete(s.subs, instrument)
		s.subsMu.Unlock()
		close(ch)
		return nil, fmt.Errorf("subscribe %s: %w", instrument, err)
	}

	return ch, nil
}

// Unsubscribe stops delivery for an instrument and closes its channel.
func (s *WSQuoteStream) Unsubscribe(instrument string) error {
	s.subsMu.Lock()
	ch, ok := s.subs[instrument]
	if ok {
		delete(s.subs, instrument)
	}
	s.subsMu.Unlock()
	if !ok {
		return fmt.Errorf("not subscribed to %s", instrument)
	}
	close(ch)

	// Best effort; the server drops the subscription on disconnect anyway.
	if err := s.writeJSON(streamRequest{Action: "unsubscribe", Instruments: []string{instrument}}); err != nil {
		s.logger.Printf("[STREAM] unsubscribe %s: %v", instrument, err)
	}
	return nil
}

// Connected reports whether the transport is live.
func (s *WSQuoteStream) Connected() bool {
	return s.live.Load() && !s.closed.Load()
}

// LastQuote returns the most recent quote for an instrument.
func (s *WSQuoteStream) LastQuote(instrument string) (domain.Quote, error) {
	s.lastMu.RLock()
	q, ok := s.last[instrument]
	s.lastMu.RUnlock()
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no quote yet for %s", ErrStreamDisconnected, instrument)
	}
	return q, nil
}

// Close tears down the stream and closes all subscription channels.
func (s *WSQuoteStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)
	s.live.Store(false)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.subsMu.Lock()
	for instrument, ch := range s.subs {
		close(ch)
		delete(s.subs, instrument)
	}
	s.subsMu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *WSQuoteStream) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrStreamDisconnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return s.conn.WriteJSON(v)
}

// readLoop reads messages and dispatches quotes to subscribers, driving
// reconnect on transport errors.
func (s *WSQuoteStream) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}

			s.live.Store(false)
			if !s.reconnecting.Swap(true) {
				go s.reconnect(reconnectDelay)
			}

			reconnectDelay *= 2
			if reconnectDelay > s.config.MaxReconnectDelay {
				reconnectDelay = s.config.MaxReconnectDelay
			}

			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		reconnectDelay = s.config.ReconnectDelay
		s.handleMessage(message)
	}
}

func (s *WSQuoteStream) reconnect(delay time.Duration) {
	defer s.reconnecting.Store(false)

	if s.closed.Load() {
		return
	}
	s.Reconnects.Add(1)

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		s.logger.Printf("[STREAM] reconnect failed, will retry: %v", err)
		return
	}

	s.resubscribeAll()
}

// resubscribeAll re-sends subscribe requests for all active instruments. The
// delivery channels are untouched, so consumers never observe the reconnect.
func (s *WSQuoteStream) resubscribeAll() {
	s.subsMu.RLock()
	instruments := make([]string, 0, len(s.subs))
	for instrument := range s.subs {
		instruments = append(instruments, instrument)
	}
	s.subsMu.RUnlock()

	if len(instruments) == 0 {
		return
	}
	if err := s.writeJSON(streamRequest{Action: "subscribe", Instruments: instruments}); err != nil {
		s.logger.Printf("[STREAM] resubscribe %d instruments: %v", len(instruments), err)
		return
	}
	s.logger.Printf("[STREAM] reconnected, resubscribed %d instruments", len(instruments))
}

func (s *WSQuoteStream) handleMessage(message []byte) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Type != "quote" {
		return
	}

	q := domain.Quote{
		Instrument: msg.Instrument,
		Bid:        msg.Bid,
		Ask:        msg.Ask,
		Time:       time.UnixMilli(msg.TS).UTC(),
	}

	s.lastMu.Lock()
	s.last[msg.Instrument] = q
	s.lastMu.Unlock()

	// The send happens under the read lock so Unsubscribe cannot close the
	// channel mid-send. Delivery blocks rather than dropping ticks.
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	if ch, ok := s.subs[msg.Instrument]; ok {
		select {
		case ch <- q:
		case <-s.done:
		}
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (s *WSQuoteStream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// Reader sees the dead connection and reconnects.
				}
			}
			s.connMu.Unlock()
		}
	}
}
