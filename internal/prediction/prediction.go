// Package prediction wraps the external chart-analysis service that produces
// a directional call with a conviction score per instrument and session.
package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"forex-session-lab/internal/domain"
)

var (
	// ErrRateLimited indicates the service rejected the call with HTTP 429.
	// Recoverable: retry with backoff, then skip the instrument.
	ErrRateLimited = errors.New("prediction service rate limited")

	// ErrTimeout indicates the call exceeded its deadline.
	ErrTimeout = errors.New("prediction service timeout")
)

// ChartInput is the rendered market context sent to the service.
type ChartInput struct {
	Instrument string
	Session    string
	AsOf       time.Time
	Bars       []domain.Candle
}

// Service is the external prediction collaborator.
type Service interface {
	// Predict returns a directional call for the chart input.
	Predict(ctx context.Context, in ChartInput) (domain.Prediction, error)

	// Model identifies the model behind this service; it is part of the
	// rolling-window key so different models never share statistics.
	Model() string
}

// Default configuration values.
const (
	DefaultTimeout = 25 * time.Second
)

// HTTPClient calls a prediction endpoint over HTTP JSON.
type HTTPClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// ClientOption configures HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a prediction client for one model.
func NewHTTPClient(endpoint, apiKey, model string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Service = (*HTTPClient)(nil)

// Model returns the model identifier.
func (c *HTTPClient) Model() string {
	return c.model
}

type predictRequest struct {
	Model      string          `json:"model"`
	Instrument string          `json:"instrument"`
	Session    string          `json:"session"`
	AsOf       time.Time       `json:"as_of"`
	Bars       []domain.Candle `json:"bars"`
}

type predictResponse struct {
	Direction  string `json:"direction"`
	Conviction int    `json:"conviction"`
}

// Predict posts the chart input and parses the directional call. Unknown
// directions and out-of-range convictions degrade to NEUTRAL / 0 so a
// malformed response never opens a trade.
func (c *HTTPClient) Predict(ctx context.Context, in ChartInput) (domain.Prediction, error) {
	pred := domain.Prediction{
		Instrument: in.Instrument,
		Session:    in.Session,
		Model:      c.model,
		Direction:  domain.DirectionNeutral,
	}

	payload, err := json.Marshal(predictRequest{
		Model:      c.model,
		Instrument: in.Instrument,
		Session:    in.Session,
		AsOf:       in.AsOf,
		Bars:       in.Bars,
	})
	if err != nil {
		return pred, fmt.Errorf("marshal predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return pred, fmt.Errorf("build predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return pred, fmt.Errorf("predict %s: %w", in.Instrument, ErrTimeout)
		}
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return pred, fmt.Errorf("predict %s: %w", in.Instrument, ErrTimeout)
		}
		return pred, fmt.Errorf("predict %s: %w", in.Instrument, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return pred, fmt.Errorf("predict %s: %w", in.Instrument, ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return pred, fmt.Errorf("predict %s: status %d", in.Instrument, resp.StatusCode)
	}

	var parsed predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return pred, fmt.Errorf("parse predict response %s: %w", in.Instrument, err)
	}

	switch strings.ToUpper(parsed.Direction) {
	case string(domain.DirectionBullish):
		pred.Direction = domain.DirectionBullish
	case string(domain.DirectionBearish):
		pred.Direction = domain.DirectionBearish
	}
	if parsed.Conviction >= 1 && parsed.Conviction <= 10 {
		pred.Conviction = parsed.Conviction
	}
	return pred, nil
}
