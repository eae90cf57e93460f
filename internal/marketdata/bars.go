package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/retry"
)

// Default configuration values.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 1 * time.Second
)

// BarsClient fetches historical OHLC aggregates over REST.
type BarsClient struct {
	endpoint   string
	apiKey     string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// BarsOption configures BarsClient.
type BarsOption func(*BarsClient)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) BarsOption {
	return func(c *BarsClient) {
		c.client = client
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) BarsOption {
	return func(c *BarsClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the initial retry delay.
func WithRetryDelay(d time.Duration) BarsOption {
	return func(c *BarsClient) {
		c.retryDelay = d
	}
}

// NewBarsClient creates a REST client for OHLC aggregates.
func NewBarsClient(endpoint, apiKey string, opts ...BarsOption) *BarsClient {
	c := &BarsClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		client:     &http.Client{Timeout: DefaultTimeout},
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type barsResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Open   float64 `json:"o"`
		High   float64 `json:"h"`
		Low    float64 `json:"l"`
		Close  float64 `json:"c"`
		Volume float64 `json:"v"`
		TS     int64   `json:"t"` // epoch millis
	} `json:"results"`
}

// FetchBars returns 1-minute bars for [from, to], oldest first. Transient
// HTTP failures are retried with backoff.
func (c *BarsClient) FetchBars(ctx context.Context, instrument string, from, to time.Time) ([]domain.Candle, error) {
	u, err := url.Parse(fmt.Sprintf("%s/v2/aggs/%s/1/minute/%d/%d",
		c.endpoint, url.PathEscape(instrument), from.UnixMilli(), to.UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("build bars url: %w", err)
	}
	q := u.Query()
	q.Set("sort", "asc")
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	var body []byte
	err = retry.Do(ctx, c.maxRetries, c.retryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch bars %s: %w", instrument, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("fetch bars %s: status %d", instrument, resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}

	var parsed barsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse bars %s: %w", instrument, err)
	}

	candles := make([]domain.Candle, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		candles = append(candles, domain.Candle{
			Instrument: instrument,
			Time:       time.UnixMilli(r.TS).UTC(),
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     r.Volume,
		})
	}
	return candles, nil
}
