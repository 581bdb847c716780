// Package controlstate is the versioned store for the governor's safety flags and
// throttle. Every write appends a new state row and a matching audit row; nothing is
// ever updated in place.
package controlstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Key names a control flag.
type Key string

const (
	KeyFrozen                Key = "frozen"
	KeyIngestionFrozen       Key = "ingestion_frozen"
	KeyThrottle              Key = "throttle"
	KeyRequireManualApproval Key = "require_manual_approval"
)

// Keys lists every known key.
var Keys = []Key{KeyFrozen, KeyIngestionFrozen, KeyThrottle, KeyRequireManualApproval}

var defaults = map[Key]string{
	KeyFrozen:                "false",
	KeyIngestionFrozen:       "false",
	KeyThrottle:              "0",
	KeyRequireManualApproval: "false",
}

// AnyVersion disables the optimistic version check on Set.
const AnyVersion int64 = -1

// Audit outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

var (
	// ErrVersionConflict means a newer row exists than the one the caller observed.
	ErrVersionConflict = errors.New("control state version conflict")
	// ErrGuardChanged means a key the write was conditioned on has moved.
	ErrGuardChanged = errors.New("control state guard changed")
	ErrUnknownKey   = errors.New("unknown control state key")
	ErrInvalidValue    = errors.New("invalid control state value")
)

// Entry is one row of control state. Version 0 is the implicit default.
type Entry struct {
	Key       Key       `json:"key"`
	Value     string    `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
	Reason    string    `json:"reason"`
}

// Bool interprets the value as a flag.
func (e Entry) Bool() bool {
	b, _ := strconv.ParseBool(e.Value)
	return b
}

// Float interprets the value as a number.
func (e Entry) Float() float64 {
	f, _ := strconv.ParseFloat(e.Value, 64)
	return f
}

// Guard conditions a write on another key still being at the version the caller read.
type Guard struct {
	Key     Key
	Version int64
}

// Change is a requested write.
type Change struct {
	Key    Key
	Value  string
	Actor  string
	Reason string
	Cmd    string
	// ExpectedVersion is the version the caller read; AnyVersion skips the check.
	ExpectedVersion int64
	// Guards are checked in the same transaction as the write.
	Guards []Guard
}

// AuditEntry records one executed or rejected control command.
type AuditEntry struct {
	ID        string    `json:"id"`
	Cmd       string    `json:"cmd"`
	Actor     string    `json:"actor"`
	Key       Key       `json:"key,omitempty"`
	OldState  string    `json:"old_state"`
	NewState  string    `json:"new_state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Outcome   string    `json:"outcome"`
	Version   int64     `json:"version,omitempty"`
}

// Store persists control state and its audit trail.
type Store interface {
	// Get returns the latest entry for key, or the default at version 0.
	Get(ctx context.Context, key Key) (Entry, error)
	// Set appends a state row and its audit row atomically.
	Set(ctx context.Context, c Change) (Entry, error)
	// SetMany applies every change or none of them.
	SetMany(ctx context.Context, changes ...Change) ([]Entry, error)
	History(ctx context.Context, key Key, limit int) ([]Entry, error)
	Audit(ctx context.Context, limit int) ([]AuditEntry, error)
	// RecordRejection writes an audit row for a command that changed nothing.
	RecordRejection(ctx context.Context, a AuditEntry) error
}

// Default returns the value a key has before any write.
func Default(key Key) (Entry, error) {
	v, ok := defaults[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return Entry{Key: key, Value: v}, nil
}

// Current reads every key.
func Current(ctx context.Context, s Store) (map[Key]Entry, error) {
	out := make(map[Key]Entry, len(Keys))
	for _, k := range Keys {
		e, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = e
	}
	return out, nil
}

// FormatBool renders a flag value.
func FormatBool(b bool) string {
	return strconv.FormatBool(b)
}

// FormatFloat renders a throttle value.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// validate rejects unknown keys and values of the wrong shape.
func validate(c Change) error {
	if _, ok := defaults[c.Key]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, c.Key)
	}
	for _, g := range c.Guards {
		if _, ok := defaults[g.Key]; !ok {
			return fmt.Errorf("%w: guard on %q", ErrUnknownKey, g.Key)
		}
	}
	if c.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidValue)
	}
	if c.Key == KeyThrottle {
		f, err := strconv.ParseFloat(c.Value, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("%w: throttle must be a number in [0,1], got %q", ErrInvalidValue, c.Value)
		}
		return nil
	}
	if _, err := strconv.ParseBool(c.Value); err != nil {
		return fmt.Errorf("%w: %s must be a boolean, got %q", ErrInvalidValue, c.Key, c.Value)
	}
	return nil
}

// unconditional reports whether every change may be retried blindly.
func unconditional(changes []Change) bool {
	for _, c := range changes {
		if c.ExpectedVersion != AnyVersion || len(c.Guards) > 0 {
			return false
		}
	}
	return true
}

// apply checks c against the state current returns and builds the next row and its
// audit entry.
func apply(c Change, current func(Key) (Entry, error), now time.Time, id string) (Entry, AuditEntry, error) {
	for _, g := range c.Guards {
		e, err := current(g.Key)
		if err != nil {
			return Entry{}, AuditEntry{}, err
		}
		if e.Version != g.Version {
			return Entry{}, AuditEntry{}, fmt.Errorf("%w: %s at version %d, expected %d", ErrGuardChanged, g.Key, e.Version, g.Version)
		}
	}
	prev, err := current(c.Key)
	if err != nil {
		return Entry{}, AuditEntry{}, err
	}
	if c.ExpectedVersion != AnyVersion && c.ExpectedVersion != prev.Version {
		return Entry{}, AuditEntry{}, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, c.Key, prev.Version, c.ExpectedVersion)
	}

	next := Entry{
		Key:       c.Key,
		Value:     c.Value,
		Version:   prev.Version + 1,
		UpdatedAt: nextTimestamp(now.UTC(), prev.UpdatedAt),
		UpdatedBy: c.Actor,
		Reason:    c.Reason,
	}
	audit := AuditEntry{
		ID:        id,
		Cmd:       c.Cmd,
		Actor:     c.Actor,
		Key:       c.Key,
		OldState:  prev.Value,
		NewState:  next.Value,
		Timestamp: next.UpdatedAt,
		Reason:    c.Reason,
		Outcome:   OutcomeApplied,
		Version:   next.Version,
	}
	return next, audit, nil
}

func clampLimit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}

// nextTimestamp keeps per-key timestamps monotonic even if the wall clock steps back.
func nextTimestamp(now, prev time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}
