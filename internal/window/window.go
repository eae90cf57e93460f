// Package window maintains the rolling statistical history that risk
// planning reads. Observations append to durable storage; percentile targets
// are a derived cache recomputed from the trailing window.
package window

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/storage"
)

var (
	// ErrInvalidObservation indicates non-finite excursions or a future
	// timestamp.
	ErrInvalidObservation = errors.New("invalid observation")

	// ErrInsufficientHistory indicates fewer observations than the configured
	// minimum inside the window. Callers fall back to default risk distances.
	ErrInsufficientHistory = errors.New("insufficient history")
)

const (
	defaultWindow          = 182 * 24 * time.Hour // trailing 6 months
	defaultStaleness       = time.Hour
	defaultMinObservations = 20
)

// Options configures a Store.
type Options struct {
	Observations storage.ObservationStore

	// Window is the trailing duration observations stay statistically live.
	Window time.Duration

	// Staleness bounds how old a cached target may be before a query
	// recomputes it.
	Staleness time.Duration

	// MinObservations is the sample floor below which queries return
	// ErrInsufficientHistory.
	MinObservations int

	Logger *log.Logger
}

type key struct {
	instrument string
	session    string
	model      string
}

// keyState serializes same-key writes and holds the cached target. Different
// keys never share a keyState, so writers for different keys do not block
// each other.
type keyState struct {
	mu     sync.Mutex
	cached *domain.PercentileTarget
}

// Store implements the rolling window over an ObservationStore.
type Store struct {
	obs       storage.ObservationStore
	window    time.Duration
	staleness time.Duration
	minObs    int
	logger    *log.Logger

	mu   sync.RWMutex // guards keys map only
	keys map[key]*keyState
}

// New creates a Store. Observations is required.
func New(opts Options) (*Store, error) {
	if opts.Observations == nil {
		return nil, fmt.Errorf("observation store is required")
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.Staleness <= 0 {
		opts.Staleness = defaultStaleness
	}
	if opts.MinObservations <= 0 {
		opts.MinObservations = defaultMinObservations
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Store{
		obs:       opts.Observations,
		window:    opts.Window,
		staleness: opts.Staleness,
		minObs:    opts.MinObservations,
		logger:    opts.Logger,
		keys:      make(map[key]*keyState),
	}, nil
}

func (s *Store) state(k key) *keyState {
	s.mu.RLock()
	st, ok := s.keys[k]
	s.mu.RUnlock()
	if ok {
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.keys[k]; ok {
		return st
	}
	st = &keyState{}
	s.keys[k] = st
	return st
}

// Record validates and appends an observation, then eagerly recomputes the
// cached target for its key so the next query is a cache hit.
func (s *Store) Record(ctx context.Context, o *domain.Observation) error {
	if o == nil {
		return fmt.Errorf("%w: nil observation", ErrInvalidObservation)
	}
	if !isFinite(o.MFEPips) || !isFinite(o.MAEPips) {
		return fmt.Errorf("%w: non-finite excursion mfe=%v mae=%v", ErrInvalidObservation, o.MFEPips, o.MAEPips)
	}
	if o.Timestamp.After(time.Now().Add(time.Minute)) {
		return fmt.Errorf("%w: timestamp %s is in the future", ErrInvalidObservation, o.Timestamp.Format(time.RFC3339))
	}
	if o.Instrument == "" || o.Session == "" || o.Model == "" {
		return fmt.Errorf("%w: empty key field", ErrInvalidObservation)
	}

	k := key{o.Instrument, o.Session, o.Model}
	st := s.state(k)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := s.obs.Insert(ctx, o); err != nil {
		return fmt.Errorf("insert observation: %w", err)
	}

	// Recompute over the window as it stands now, not as of the observation:
	// a backdated settlement must never roll the window end backwards and
	// hide newer observations behind an old ComputedAt.
	target, err := s.compute(ctx, k, time.Now())
	if err != nil {
		if errors.Is(err, ErrInsufficientHistory) {
			st.cached = nil
			return nil
		}
		// Recompute failure does not undo the durable append; the next
		// query recomputes lazily.
		s.logger.Printf("[WINDOW] recompute after record failed key=%s/%s/%s: %v",
			k.instrument, k.session, k.model, err)
		st.cached = nil
		return nil
	}
	st.cached = target
	return nil
}

// QueryPercentiles returns the percentile target for a key as of asOf,
// serving the cached copy when fresh and recomputing otherwise.
func (s *Store) QueryPercentiles(ctx context.Context, instrument, session, model string, asOf time.Time) (*domain.PercentileTarget, error) {
	k := key{instrument, session, model}
	st := s.state(k)
	st.mu.Lock()
	defer st.mu.Unlock()

	if c := st.cached; c != nil {
		age := asOf.Sub(c.ComputedAt)
		if age >= 0 && age < s.staleness {
			cp := *c
			return &cp, nil
		}
	}

	target, err := s.compute(ctx, k, asOf)
	if err != nil {
		return nil, err
	}
	st.cached = target
	cp := *target
	return &cp, nil
}

// compute rebuilds a target from durable observations in
// [asOf - window, asOf]. Caller holds the key lock.
func (s *Store) compute(ctx context.Context, k key, asOf time.Time) (*domain.PercentileTarget, error) {
	since := asOf.Add(-s.window)
	rows, err := s.obs.GetByKey(ctx, k.instrument, k.session, k.model, since)
	if err != nil {
		return nil, fmt.Errorf("load observations: %w", err)
	}

	mfe := make([]float64, 0, len(rows))
	mae := make([]float64, 0, len(rows))
	correct := 0
	for _, o := range rows {
		if o.Timestamp.After(asOf) {
			continue
		}
		mfe = append(mfe, o.MFEPips)
		mae = append(mae, o.MAEPips)
		if o.Correct {
			correct++
		}
	}

	n := len(mfe)
	if n < s.minObs {
		return nil, fmt.Errorf("%w: %d observations for %s/%s/%s, need %d",
			ErrInsufficientHistory, n, k.instrument, k.session, k.model, s.minObs)
	}

	sort.Float64s(mfe)
	sort.Float64s(mae)

	return &domain.PercentileTarget{
		Instrument:  k.instrument,
		Session:     k.session,
		Model:       k.model,
		SampleCount: n,
		AccuracyPct: 100 * float64(correct) / float64(n),
		MFEP25:      Percentile(mfe, 25),
		MFEP50:      Percentile(mfe, 50),
		MFEP75:      Percentile(mfe, 75),
		MAEP25:      Percentile(mae, 25),
		MAEP50:      Percentile(mae, 50),
		MAEP75:      Percentile(mae, 75),
		ComputedAt:  asOf,
	}, nil
}

// Hydrate warms the per-key caches from durable storage, for startup. Errors
// on individual keys are logged, not fatal.
func (s *Store) Hydrate(ctx context.Context, now time.Time) error {
	rows, err := s.obs.GetSince(ctx, now.Add(-s.window))
	if err != nil {
		return fmt.Errorf("hydrate observations: %w", err)
	}

	seen := make(map[key]struct{})
	for _, o := range rows {
		seen[key{o.Instrument, o.Session, o.Model}] = struct{}{}
	}

	warmed := 0
	for k := range seen {
		st := s.state(k)
		st.mu.Lock()
		target, err := s.compute(ctx, k, now)
		if err == nil {
			st.cached = target
			warmed++
		} else if !errors.Is(err, ErrInsufficientHistory) {
			s.logger.Printf("[WINDOW] hydrate key=%s/%s/%s: %v", k.instrument, k.session, k.model, err)
		}
		st.mu.Unlock()
	}

	s.logger.Printf("[WINDOW] hydrated %d keys (%d with targets) from %d observations",
		len(seen), warmed, len(rows))
	return nil
}

// MarkAged soft-excludes observations that fell out of the window and drops
// all cached targets so the next queries recompute.
func (s *Store) MarkAged(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.obs.MarkAged(ctx, now.Add(-s.window))
	if err != nil {
		return 0, fmt.Errorf("mark aged: %w", err)
	}
	if n > 0 {
		s.mu.RLock()
		for _, st := range s.keys {
			st.mu.Lock()
			st.cached = nil
			st.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	return n, nil
}

// Percentile computes the p-th percentile of sorted values using linear
// interpolation between order statistics (the R-7 definition). The slice must
// be sorted ascending; an empty slice yields 0.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
