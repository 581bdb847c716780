package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-governor/pkg/database"
)

// GapType classifies a discrepancy.
type GapType string

const (
	GapMissing   GapType = "missing"
	GapMismatch  GapType = "mismatch"
	GapDuplicate GapType = "duplicate"
)

var (
	ErrGapNotFound       = errors.New("gap not found")
	ErrAlreadyResolved   = errors.New("gap already resolved")
	ErrResolutionMissing = errors.New("resolution and operator are required")
)

// Gap is one recorded discrepancy between the ledger and an external source.
type Gap struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	ExternalID   string     `json:"external_id"`
	ExpectedHash string     `json:"expected_hash,omitempty"`
	GapType      GapType    `json:"gap_type"`
	Detail       string     `json:"detail,omitempty"`
	FoundAt      time.Time  `json:"found_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Resolution   string     `json:"resolution,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
}

// GapFilter narrows List.
type GapFilter struct {
	Resolved *bool
	Source   string
	Limit    int
}

const gapSchema = `
CREATE TABLE IF NOT EXISTS reconciliation_gaps (
	id            TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	external_id   TEXT NOT NULL,
	expected_hash TEXT,
	gap_type      TEXT NOT NULL CHECK (gap_type IN ('missing', 'mismatch', 'duplicate')),
	detail        TEXT NOT NULL DEFAULT '',
	found_at      BIGINT NOT NULL,
	resolved_at   BIGINT,
	resolution    TEXT NOT NULL DEFAULT '',
	resolved_by   TEXT NOT NULL DEFAULT '',
	CHECK (resolved_at IS NULL OR resolution <> '')
);
CREATE UNIQUE INDEX IF NOT EXISTS reconciliation_gaps_open
	ON reconciliation_gaps (source, external_id, gap_type) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS reconciliation_gaps_found_at ON reconciliation_gaps (found_at);
`

const gapColumns = `id, source, external_id, expected_hash, gap_type, detail, found_at, resolved_at, resolution, resolved_by`

// GapStore persists reconciliation gaps. Gaps are closed, never deleted.
type GapStore struct {
	db    *database.DB
	clock func() time.Time
}

func NewGapStore(db *database.DB) *GapStore {
	return &GapStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *GapStore) WithClock(clock func() time.Time) *GapStore {
	s.clock = clock
	return s
}

// Init creates the reconciliation_gaps table.
func (s *GapStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, gapSchema); err != nil {
		return fmt.Errorf("failed to init reconciliation gaps: %w", err)
	}
	return nil
}

// Record inserts g unless an identical open gap exists, and reports whether it did.
func (s *GapStore) Record(ctx context.Context, g *Gap) (bool, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.FoundAt.IsZero() {
		g.FoundAt = s.clock().UTC()
	}
	var expected sql.NullString
	if g.ExpectedHash != "" {
		expected = sql.NullString{String: g.ExpectedHash, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_gaps (id, source, external_id, expected_hash, gap_type, detail, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.Source, g.ExternalID, expected, string(g.GapType), g.Detail, database.Nanos(g.FoundAt),
	)
	if database.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record gap: %w", err)
	}
	return true, nil
}

// Get returns a gap by id.
func (s *GapStore) Get(ctx context.Context, id string) (*Gap, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gapColumns+` FROM reconciliation_gaps WHERE id = $1`, id)
	g, err := scanGap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGapNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get gap %s: %w", id, err)
	}
	return g, nil
}

// List returns gaps newest first.
func (s *GapStore) List(ctx context.Context, f GapFilter) ([]Gap, error) {
	var (
		where []string
		args  []any
	)
	if f.Resolved != nil {
		if *f.Resolved {
			where = append(where, "resolved_at IS NOT NULL")
		} else {
			where = append(where, "resolved_at IS NULL")
		}
	}
	if f.Source != "" {
		args = append(args, f.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + gapColumns + ` FROM reconciliation_gaps`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY found_at DESC, id LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Gap, 0)
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *g)
	}
	return result, rows.Err()
}

// Resolve closes an open gap. It is the only way a gap changes.
func (s *GapStore) Resolve(ctx context.Context, id, resolution, actor string) (*Gap, error) {
	if strings.TrimSpace(resolution) == "" || actor == "" {
		return nil, ErrResolutionMissing
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliation_gaps SET resolved_at = $1, resolution = $2, resolved_by = $3
		WHERE id = $4 AND resolved_at IS NULL`,
		database.Nanos(s.clock()), resolution, actor, id,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve gap %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return s.Get(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGap(row scanner) (*Gap, error) {
	var (
		g        Gap
		gapType  string
		expected sql.NullString
		found    int64
		resolved sql.NullInt64
	)
	err := row.Scan(&g.ID, &g.Source, &g.ExternalID, &expected, &gapType, &g.Detail, &found, &resolved, &g.Resolution, &g.ResolvedBy)
	if err != nil {
		return nil, err
	}
	g.GapType = GapType(gapType)
	g.ExpectedHash = expected.String
	g.FoundAt = database.FromNanos(found)
	g.ResolvedAt = database.NullNanos(resolved)
	return &g, nil
}
