// Package stub provides in-memory market data collaborators for tests and
// replay runs.
package stub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/marketdata"
)

// StubBarFetcher returns fixed in-memory bars.
// Implements marketdata.BarFetcher.
type StubBarFetcher struct {
	bars map[string][]domain.Candle // keyed by instrument
	err  error
}

// NewStubBarFetcher creates a stub bar fetcher with the given bars.
func NewStubBarFetcher(bars []domain.Candle) *StubBarFetcher {
	byInst := make(map[string][]domain.Candle)
	for _, b := range bars {
		byInst[b.Instrument] = append(byInst[b.Instrument], b)
	}
	return &StubBarFetcher{bars: byInst}
}

// Fail makes every FetchBars call return err.
func (f *StubBarFetcher) Fail(err error) {
	f.err = err
}

// FetchBars returns bars inside [from, to] for the instrument.
func (f *StubBarFetcher) FetchBars(_ context.Context, instrument string, from, to time.Time) ([]domain.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	var result []domain.Candle
	for _, b := range f.bars[instrument] {
		if !b.Time.Before(from) && !b.Time.After(to) {
			result = append(result, b)
		}
	}
	return result, nil
}

var _ marketdata.BarFetcher = (*StubBarFetcher)(nil)

// StubQuoteStream is a manually driven quote stream.
// Implements marketdata.QuoteStream; tests push ticks with Push.
type StubQuoteStream struct {
	mu        sync.Mutex
	subs      map[string]chan domain.Quote
	last      map[string]domain.Quote
	connected bool
	closed    bool
}

// NewStubQuoteStream creates a connected stub stream.
func NewStubQuoteStream() *StubQuoteStream {
	return &StubQuoteStream{
		subs:      make(map[string]chan domain.Quote),
		last:      make(map[string]domain.Quote),
		connected: true,
	}
}

var _ marketdata.QuoteStream = (*StubQuoteStream)(nil)

// Subscribe starts quote delivery for an instrument.
func (s *StubQuoteStream) Subscribe(_ context.Context, instrument string) (<-chan domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("stream closed")
	}
	if _, exists := s.subs[instrument]; exists {
		return nil, fmt.Errorf("already subscribed to %s", instrument)
	}
	ch := make(chan domain.Quote, 1024)
	s.subs[instrument] = ch
	return ch, nil
}

// Unsubscribe stops delivery and closes the instrument's channel.
func (s *StubQuoteStream) Unsubscribe(instrument string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.subs[instrument]
	if !ok {
		return fmt.Errorf("not subscribed to %s", instrument)
	}
	delete(s.subs, instrument)
	close(ch)
	return nil
}

// Connected reports the simulated transport state.
func (s *StubQuoteStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.closed
}

// SetConnected simulates a disconnect or reconnect. Subscriptions survive
// either way, matching the real stream's behavior.
func (s *StubQuoteStream) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// LastQuote returns the most recent pushed quote for an instrument.
func (s *StubQuoteStream) LastQuote(instrument string) (domain.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.last[instrument]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no quote yet for %s", marketdata.ErrStreamDisconnected, instrument)
	}
	return q, nil
}

// Push delivers a quote to the instrument's subscriber, if any. Delivery is
// dropped while the simulated transport is down.
func (s *StubQuoteStream) Push(q domain.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.connected {
		return
	}
	s.last[q.Instrument] = q
	if ch, ok := s.subs[q.Instrument]; ok {
		ch <- q
	}
}

// Close tears the stream down and closes all subscription channels.
func (s *StubQuoteStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.connected = false
	for instrument, ch := range s.subs {
		close(ch)
		delete(s.subs, instrument)
	}
	return nil
}
