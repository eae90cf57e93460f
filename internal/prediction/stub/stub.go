// Package stub provides a scripted prediction service for tests and replay.
package stub

import (
	"context"
	"sync"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/prediction"
)

// StubService returns scripted predictions keyed by instrument.
// Implements prediction.Service.
type StubService struct {
	mu    sync.Mutex
	model string
	calls []string // instruments in call order
	preds map[string]domain.Prediction
	errs  map[string]error
}

// NewStubService creates a stub service for the given model.
func NewStubService(model string) *StubService {
	return &StubService{
		model: model,
		preds: make(map[string]domain.Prediction),
		errs:  make(map[string]error),
	}
}

var _ prediction.Service = (*StubService)(nil)

// Set scripts the prediction for an instrument.
func (s *StubService) Set(instrument string, dir domain.Direction, conviction int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preds[instrument] = domain.Prediction{
		Instrument: instrument,
		Model:      s.model,
		Direction:  dir,
		Conviction: conviction,
	}
}

// SetError scripts a failure for an instrument.
func (s *StubService) SetError(instrument string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[instrument] = err
}

// Calls returns the instruments predicted so far, in call order.
func (s *StubService) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Model returns the model identifier.
func (s *StubService) Model() string {
	return s.model
}

// Predict returns the scripted prediction, or NEUTRAL when none is set.
func (s *StubService) Predict(_ context.Context, in prediction.ChartInput) (domain.Prediction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, in.Instrument)

	if err, ok := s.errs[in.Instrument]; ok {
		return domain.Prediction{
			Instrument: in.Instrument,
			Session:    in.Session,
			Model:      s.model,
			Direction:  domain.DirectionNeutral,
		}, err
	}

	p, ok := s.preds[in.Instrument]
	if !ok {
		p = domain.Prediction{
			Instrument: in.Instrument,
			Model:      s.model,
			Direction:  domain.DirectionNeutral,
		}
	}
	p.Session = in.Session
	return p, nil
}
