// Package marketdata provides the external market collaborators: historical
// OHLC bars over REST and live bid/ask quotes over a websocket stream.
package marketdata

import (
	"context"
	"errors"
	"time"

	"forex-session-lab/internal/domain"
)

// ErrStreamDisconnected indicates the quote stream is not currently live.
// Recoverable: the stream reconnects and resubscribes on its own; callers
// must never close a trade because of it.
var ErrStreamDisconnected = errors.New("quote stream disconnected")

// BarFetcher retrieves historical OHLC bars.
type BarFetcher interface {
	// FetchBars returns bars for the instrument in [from, to], oldest first.
	FetchBars(ctx context.Context, instrument string, from, to time.Time) ([]domain.Candle, error)
}

// QuoteStream delivers live quotes per instrument.
type QuoteStream interface {
	// Subscribe starts quote delivery for an instrument. The returned channel
	// is owned by a single consumer and stays valid across reconnects; it is
	// closed only by Unsubscribe or Close.
	Subscribe(ctx context.Context, instrument string) (<-chan domain.Quote, error)

	// Unsubscribe stops delivery and closes the instrument's channel.
	Unsubscribe(instrument string) error

	// Connected reports whether the underlying transport is currently live.
	Connected() bool

	// LastQuote returns the most recent quote seen for an instrument, or
	// ErrStreamDisconnected if none has arrived yet.
	LastQuote(instrument string) (domain.Quote, error)

	// Close tears the stream down and closes all subscription channels.
	Close() error
}
