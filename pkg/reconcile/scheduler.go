package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler runs the job for each configured source on a fixed cadence, each run
// covering the preceding lookback window.
type Scheduler struct {
	job      *Job
	sources  []string
	lookback time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

func NewScheduler(job *Job, sources []string, lookback time.Duration) *Scheduler {
	if lookback <= 0 {
		lookback = 48 * time.Hour
	}
	return &Scheduler{
		job:      job,
		sources:  sources,
		lookback: lookback,
		clock:    time.Now,
		logger:   slog.Default().With("component", "reconcile.scheduler"),
	}
}

// RunOnce reconciles every source and returns the reports of those that succeeded.
func (s *Scheduler) RunOnce(ctx context.Context) []Report {
	now := s.clock()
	w := Window{From: now.Add(-s.lookback), To: now}
	reports := make([]Report, 0, len(s.sources))
	for _, src := range s.sources {
		rep, err := s.job.Run(ctx, src, w)
		if err != nil {
			s.logger.ErrorContext(ctx, "reconciliation failed", "source", src, "error", err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports
}

// Run calls RunOnce on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
