package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"forex-session-lab/internal/domain"
)

func testInput() ChartInput {
	return ChartInput{
		Instrument: "EURUSD",
		Session:    "London_Open",
		AsOf:       time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		Bars: []domain.Candle{
			{Instrument: "EURUSD", Time: time.Date(2026, 3, 2, 7, 59, 0, 0, time.UTC), Open: 1.1, High: 1.101, Low: 1.0995, Close: 1.1005},
		},
	}
}

func TestPredict(t *testing.T) {
	var gotReq predictRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"direction":"BULLISH","conviction":8}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", "haiku")
	pred, err := c.Predict(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Fatalf("Expected bearer auth, got %q", gotAuth)
	}
	if gotReq.Model != "haiku" || gotReq.Instrument != "EURUSD" || gotReq.Session != "London_Open" {
		t.Fatalf("Unexpected request: %+v", gotReq)
	}
	if len(gotReq.Bars) != 1 {
		t.Fatalf("Expected 1 bar in request, got %d", len(gotReq.Bars))
	}

	if pred.Direction != domain.DirectionBullish {
		t.Fatalf("Expected BULLISH, got %s", pred.Direction)
	}
	if pred.Conviction != 8 {
		t.Fatalf("Expected conviction 8, got %d", pred.Conviction)
	}
	if pred.Model != "haiku" {
		t.Fatalf("Expected model stamped on prediction, got %q", pred.Model)
	}
}

func TestPredictRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", "haiku")
	pred, err := c.Predict(context.Background(), testInput())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	if pred.Direction != domain.DirectionNeutral {
		t.Fatalf("Expected neutral prediction on error, got %s", pred.Direction)
	}
}

func TestPredictTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		fmt.Fprint(w, `{"direction":"BULLISH","conviction":9}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", "haiku", WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	if _, err := c.Predict(context.Background(), testInput()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestPredictContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewHTTPClient(srv.URL, "k", "haiku")
	if _, err := c.Predict(ctx, testInput()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestPredictServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", "haiku")
	if _, err := c.Predict(context.Background(), testInput()); err == nil {
		t.Fatal("Expected error for 500 response")
	}
}

func TestPredictMalformedResponseDegrades(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown direction", `{"direction":"SIDEWAYS","conviction":7}`},
		{"conviction too high", `{"direction":"BEARISH","conviction":99}`},
		{"conviction zero", `{"direction":"BULLISH","conviction":0}`},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, tc.body)
		}))

		c := NewHTTPClient(srv.URL, "k", "haiku")
		pred, err := c.Predict(context.Background(), testInput())
		srv.Close()
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}

		switch tc.name {
		case "unknown direction":
			if pred.Direction != domain.DirectionNeutral {
				t.Fatalf("%s: expected neutral, got %s", tc.name, pred.Direction)
			}
		case "conviction too high", "conviction zero":
			if pred.Conviction != 0 {
				t.Fatalf("%s: expected conviction 0, got %d", tc.name, pred.Conviction)
			}
		}
	}
}

func TestPredictLowercaseDirection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"direction":"bearish","conviction":7}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", "haiku")
	pred, err := c.Predict(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if pred.Direction != domain.DirectionBearish {
		t.Fatalf("Expected BEARISH, got %s", pred.Direction)
	}
}
