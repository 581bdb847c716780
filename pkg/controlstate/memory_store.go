package controlstate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[Key][]Entry
	audit   []AuditEntry
	clock   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		history: make(map[Key][]Entry),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key Key) (Entry, error) {
	def, err := Default(key)
	if err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h := s.history[key]; len(h) > 0 {
		return h[len(h)-1], nil
	}
	return def, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, c Change) (Entry, error) {
	out, err := s.SetMany(ctx, c)
	if err != nil {
		return Entry{}, err
	}
	return out[0], nil
}

// SetMany implements Store. Changes are staged and only published once all of them
// pass their checks.
func (s *MemoryStore) SetMany(ctx context.Context, changes ...Change) ([]Entry, error) {
	for _, c := range changes {
		if err := validate(c); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[Key]Entry, len(changes))
	current := func(k Key) (Entry, error) {
		if e, ok := staged[k]; ok {
			return e, nil
		}
		if h := s.history[k]; len(h) > 0 {
			return h[len(h)-1], nil
		}
		return Default(k)
	}

	now := s.clock()
	out := make([]Entry, 0, len(changes))
	audits := make([]AuditEntry, 0, len(changes))
	for _, c := range changes {
		next, audit, err := apply(c, current, now, uuid.NewString())
		if err != nil {
			return nil, err
		}
		staged[c.Key] = next
		out = append(out, next)
		audits = append(audits, audit)
	}
	for _, e := range out {
		s.history[e.Key] = append(s.history[e.Key], e)
	}
	s.audit = append(s.audit, audits...)
	return out, nil
}

// History implements Store, newest first.
func (s *MemoryStore) History(ctx context.Context, key Key, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[key]
	limit = clampLimit(limit)
	out := make([]Entry, 0, min(limit, len(h)))
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out, nil
}

// Audit implements Store, newest first.
func (s *MemoryStore) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit)
	out := make([]AuditEntry, 0, min(limit, len(s.audit)))
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

// RecordRejection implements Store.
func (s *MemoryStore) RecordRejection(ctx context.Context, a AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.clock().UTC()
	}
	a.Outcome = OutcomeRejected
	a.Version = 0
	s.audit = append(s.audit, a)
	return nil
}
