package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Mindburn-Labs/helm-governor/pkg/controller"
	"github.com/Mindburn-Labs/helm-governor/pkg/controlstate"
	"github.com/Mindburn-Labs/helm-governor/pkg/observer"
)

// SupervisorActor is the audit actor for automatic control cycles.
const SupervisorActor = "supervisor"

// CycleResult is the outcome of one observe → control → apply pass.
type CycleResult struct {
	Applied   bool                 `json:"applied"`
	Reason    string               `json:"reason,omitempty"`
	Throttle  float64              `json:"throttle"`
	Proposed  float64              `json:"proposed"`
	Rationale controller.Rationale `json:"rationale"`
	Snapshot  observer.Snapshot    `json:"snapshot"`
}

// Supervisor drives the control loop. Only one should run per deployment; a second
// one loses on the throttle version check rather than overwriting.
type Supervisor struct {
	exec     *Executor
	observer *observer.Observer
	ctl      *controller.Controller
	store    controlstate.Store
	recorder CycleRecorder
	logger   *slog.Logger
}

// CycleRecorder counts cycle outcomes. An empty reason means applied.
type CycleRecorder interface {
	RecordCycle(reason string)
}

// NewSupervisor wires the loop.
func NewSupervisor(exec *Executor, obs *observer.Observer, ctl *controller.Controller, store controlstate.Store) *Supervisor {
	return &Supervisor{
		exec:     exec,
		observer: obs,
		ctl:      ctl,
		store:    store,
		logger:   slog.Default().With("component", "supervisor"),
	}
}

// WithRecorder reports every completed cycle to r.
func (s *Supervisor) WithRecorder(r CycleRecorder) *Supervisor {
	s.recorder = r
	return s
}

// RunCycle runs the controller on the latest snapshot, observing first if none exists,
// and hands the action to the executor. Frozen and pending-approval outcomes are
// reported in the result, not as errors.
func (s *Supervisor) RunCycle(ctx context.Context, actor string) (CycleResult, error) {
	ctx, span := otel.Tracer("governor/killswitch").Start(ctx, "control.cycle")
	defer span.End()

	snap, err := s.observer.Latest(ctx)
	if errors.Is(err, observer.ErrNoSnapshot) {
		snap, err = s.observer.Observe(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "observe failed")
		return CycleResult{}, fmt.Errorf("control cycle: %w", err)
	}

	current, err := s.store.Get(ctx, controlstate.KeyThrottle)
	if err != nil {
		return CycleResult{}, err
	}
	action := s.ctl.Control(snap, current.Float())
	res := CycleResult{
		Proposed:  action.Throttle,
		Rationale: action.Rationale,
		Snapshot:  snap,
	}

	applied, err := s.exec.ApplyAction(ctx, action, current.Version, actor)
	switch {
	case errors.Is(err, ErrFrozen), errors.Is(err, ErrPendingApproval):
		res.Reason = applied.Reason
		res.Throttle = applied.Throttle
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return CycleResult{}, err
	default:
		res.Applied = true
		res.Throttle = applied.Throttle
	}

	span.SetAttributes(
		attribute.Bool("governor.applied", res.Applied),
		attribute.String("governor.reason", res.Reason),
		attribute.Float64("governor.lambda", action.Rationale.Lambda),
		attribute.Float64("governor.throttle", res.Throttle),
	)
	if s.recorder != nil {
		s.recorder.RecordCycle(res.Reason)
	}
	return res, nil
}

// Run executes a cycle on every tick until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := s.RunCycle(ctx, SupervisorActor)
			if err != nil {
				s.logger.ErrorContext(ctx, "control cycle failed", "error", err)
				continue
			}
			if !res.Applied {
				s.logger.InfoContext(ctx, "control cycle not applied", "reason", res.Reason)
			}
		}
	}
}
