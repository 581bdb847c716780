package observer

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm-governor/pkg/ledger"
)

// StaticSource returns metrics pushed to it by an external collaborator.
type StaticSource struct {
	mu sync.RWMutex
	m  Metrics
}

// NewStaticSource starts from initial.
func NewStaticSource(initial Metrics) *StaticSource {
	return &StaticSource{m: initial}
}

func (s *StaticSource) Name() string { return "static" }

// Set replaces the current metrics.
func (s *StaticSource) Set(m Metrics) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = m
	return nil
}

func (s *StaticSource) Sample(ctx context.Context) (Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m, nil
}

// ActivityReader is the slice of the ledger the activity source needs.
type ActivityReader interface {
	Activity(ctx context.Context, since time.Time, riskThreshold float64) (ledger.Activity, error)
}

// LedgerActivitySource derives metrics from recent ledger admissions:
//
//	Φs = 1 − mean risk score over the window
//	Φd = 1 − fraction of events at or above the risk threshold
//	T  = admissions / nominal admissions, capped at 1
//
// An empty window reads as fully viable at zero temperature.
type LedgerActivitySource struct {
	reader    ActivityReader
	window    time.Duration
	nominal   float64
	threshold float64
	clock     func() time.Time
}

// NewLedgerActivitySource looks back over window and treats nominal admissions per
// window as temperature 1.
func NewLedgerActivitySource(reader ActivityReader, window time.Duration, nominal float64) *LedgerActivitySource {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if nominal <= 0 {
		nominal = 1000
	}
	return &LedgerActivitySource{
		reader:    reader,
		window:    window,
		nominal:   nominal,
		threshold: ledger.DefaultRiskThreshold,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *LedgerActivitySource) WithClock(clock func() time.Time) *LedgerActivitySource {
	s.clock = clock
	return s
}

func (s *LedgerActivitySource) Name() string { return "ledger_activity" }

func (s *LedgerActivitySource) Sample(ctx context.Context) (Metrics, error) {
	a, err := s.reader.Activity(ctx, s.clock().Add(-s.window), s.threshold)
	if err != nil {
		return Metrics{}, err
	}
	if a.Count == 0 {
		return Metrics{StaticViability: 1, DynamicViability: 1, Temperature: 0}, nil
	}
	return Metrics{
		StaticViability:  1 - a.MeanRisk,
		DynamicViability: 1 - float64(a.Risky)/float64(a.Count),
		Temperature:      min(1, float64(a.Count)/s.nominal),
	}, nil
}
