// Package dedupe implements the time-windowed set of seen event hashes.
//
// TryAdmit is the single authority for exactly-once admission: it returns true only
// to the caller whose insert created (or revived an expired) entry. Implementations
// must make that decision atomically; a check followed by a separate insert would let
// two concurrent deliveries of the same event both pass.
package dedupe

import (
	"context"
	"log/slog"
	"time"
)

// DefaultWindow outlasts the redelivery horizon of the upstream providers (24h) with
// an hour of margin.
const DefaultWindow = 25 * time.Hour

// Store is a dedupe set.
type Store interface {
	// TryAdmit inserts hash with a fresh expiry and reports whether this call
	// performed the insert. Expired entries count as absent.
	TryAdmit(ctx context.Context, hash string) (bool, error)

	// Sweep physically removes expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int64, error)
}

// Sweeper periodically garbage-collects expired entries.
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   slog.Default().With("component", "dedupe.sweeper"),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := s.store.Sweep(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "dedupe sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.InfoContext(ctx, "dedupe sweep", "removed", removed)
			}
		}
	}
}
