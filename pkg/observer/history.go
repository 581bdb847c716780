package observer

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm-governor/pkg/database"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS state_history (
	id                TEXT PRIMARY KEY,
	static_viability  DOUBLE PRECISION NOT NULL,
	dynamic_viability DOUBLE PRECISION NOT NULL,
	temperature       DOUBLE PRECISION NOT NULL,
	taken_at          BIGINT NOT NULL,
	origin            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS state_history_taken_at ON state_history (taken_at);
`

// SQLHistory persists snapshots in state_history.
type SQLHistory struct {
	db *database.DB
}

func NewSQLHistory(db *database.DB) *SQLHistory {
	return &SQLHistory{db: db}
}

// Init creates the state_history table.
func (h *SQLHistory) Init(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, historySchema); err != nil {
		return fmt.Errorf("failed to init state history: %w", err)
	}
	return nil
}

func (h *SQLHistory) Append(ctx context.Context, s Snapshot) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO state_history (id, static_viability, dynamic_viability, temperature, taken_at, origin)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.StaticViability, s.DynamicViability, s.Temperature, database.Nanos(s.TakenAt), s.Origin,
	)
	return err
}

func (h *SQLHistory) Latest(ctx context.Context) (Snapshot, error) {
	list, err := h.List(ctx, 1)
	if err != nil {
		return Snapshot{}, err
	}
	if len(list) == 0 {
		return Snapshot{}, ErrNoSnapshot
	}
	return list[0], nil
}

// List returns snapshots newest first.
func (h *SQLHistory) List(ctx context.Context, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, static_viability, dynamic_viability, temperature, taken_at, origin
		FROM state_history ORDER BY taken_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list state history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Snapshot, 0)
	for rows.Next() {
		var (
			s     Snapshot
			taken int64
		)
		if err := rows.Scan(&s.ID, &s.StaticViability, &s.DynamicViability, &s.Temperature, &taken, &s.Origin); err != nil {
			return nil, err
		}
		s.TakenAt = database.FromNanos(taken)
		result = append(result, s)
	}
	return result, rows.Err()
}

// MemoryHistory keeps snapshots in memory.
type MemoryHistory struct {
	mu    sync.RWMutex
	snaps []Snapshot
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(ctx context.Context, s Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, s)
	return nil
}

func (h *MemoryHistory) Latest(ctx context.Context) (Snapshot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.snaps) == 0 {
		return Snapshot{}, ErrNoSnapshot
	}
	return h.snaps[len(h.snaps)-1], nil
}

func (h *MemoryHistory) List(ctx context.Context, limit int) ([]Snapshot, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]Snapshot, 0, min(limit, len(h.snaps)))
	for i := len(h.snaps) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.snaps[i])
	}
	return out, nil
}
