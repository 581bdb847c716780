package dedupe

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local dedupe set. It only provides exactly-once admission
// within a single process.
type MemoryStore struct {
	mu     sync.Mutex
	expiry map[string]time.Time
	window time.Duration
	clock  func() time.Time
}

// NewMemoryStore creates an in-memory dedupe set.
func NewMemoryStore(window time.Duration) *MemoryStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryStore{
		expiry: make(map[string]time.Time),
		window: window,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// TryAdmit implements Store.
func (s *MemoryStore) TryAdmit(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if exp, ok := s.expiry[hash]; ok && exp.After(now) {
		return false, nil
	}
	s.expiry[hash] = now.Add(s.window)
	return true, nil
}

// Forget removes hash so a later delivery is admitted again.
func (s *MemoryStore) Forget(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expiry, hash)
	return nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var removed int64
	for h, exp := range s.expiry {
		if !exp.After(now) {
			delete(s.expiry, h)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expiry)
}
