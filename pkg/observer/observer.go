// Package observer samples the monitored system's viability metrics and records them
// to an append-only state history. It never touches control state.
package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoSnapshot    = errors.New("no snapshot recorded")
	ErrInvalidSample = errors.New("metrics must be finite")
)

// Metrics are the raw inputs to the controller.
type Metrics struct {
	StaticViability  float64 `json:"static_viability"`
	DynamicViability float64 `json:"dynamic_viability"`
	Temperature      float64 `json:"temperature"`
}

// Validate rejects values that cannot be persisted.
func (m Metrics) Validate() error {
	for _, v := range []float64{m.StaticViability, m.DynamicViability, m.Temperature} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidSample
		}
	}
	return nil
}

// Snapshot is one recorded observation.
type Snapshot struct {
	ID string `json:"id"`
	Metrics
	TakenAt time.Time `json:"taken_at"`
	Origin  string    `json:"origin"`
}

// Source produces metrics on demand.
type Source interface {
	Name() string
	Sample(ctx context.Context) (Metrics, error)
}

// History is the state-history append log.
type History interface {
	Append(ctx context.Context, s Snapshot) error
	Latest(ctx context.Context) (Snapshot, error)
	List(ctx context.Context, limit int) ([]Snapshot, error)
}

// Observer samples a Source into a History.
type Observer struct {
	source  Source
	history History
	clock   func() time.Time
	logger  *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// New creates an observer.
func New(source Source, history History) *Observer {
	return &Observer{
		source:  source,
		history: history,
		clock:   time.Now,
		logger:  slog.Default().With("component", "observer"),
	}
}

// WithClock overrides the clock for testing.
func (o *Observer) WithClock(clock func() time.Time) *Observer {
	o.clock = clock
	return o
}

// Observe samples the source and records the snapshot.
func (o *Observer) Observe(ctx context.Context) (Snapshot, error) {
	m, err := o.source.Sample(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sample %s: %w", o.source.Name(), err)
	}
	return o.Record(ctx, m, o.source.Name())
}

// Record stores externally pushed metrics as a snapshot attributed to origin.
func (o *Observer) Record(ctx context.Context, m Metrics, origin string) (Snapshot, error) {
	if err := m.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("sample %s: %w", origin, err)
	}

	snap := Snapshot{
		ID:      uuid.NewString(),
		Metrics: m,
		TakenAt: o.tick(),
		Origin:  origin,
	}
	if err := o.history.Append(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("record snapshot: %w", err)
	}
	o.logger.DebugContext(ctx, "observed",
		"phi_s", m.StaticViability, "phi_d", m.DynamicViability, "temperature", m.Temperature)
	return snap, nil
}

// Latest returns the most recent snapshot.
func (o *Observer) Latest(ctx context.Context) (Snapshot, error) {
	return o.history.Latest(ctx)
}

// Run observes on a fixed cadence until ctx is cancelled. Sampling failures are
// logged and do not stop the loop.
func (o *Observer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.Observe(ctx); err != nil {
				o.logger.WarnContext(ctx, "observation failed", "error", err)
			}
		}
	}
}

// tick returns a strictly increasing UTC timestamp so Latest is unambiguous.
func (o *Observer) tick() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock().UTC()
	if !now.After(o.last) {
		now = o.last.Add(time.Nanosecond)
	}
	o.last = now
	return now
}
