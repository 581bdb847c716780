package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-governor/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-governor/pkg/database"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	seq          BIGINT PRIMARY KEY,
	hash         TEXT NOT NULL UNIQUE,
	prev_hash    TEXT NOT NULL,
	chain_hash   TEXT NOT NULL,
	canonical    TEXT NOT NULL,
	source       TEXT NOT NULL CHECK (source IN ('payments', 'billing', 'crm', 'internal')),
	type         TEXT NOT NULL DEFAULT '',
	external_id  TEXT,
	payload      TEXT NOT NULL,
	processed_at BIGINT NOT NULL,
	risk_score   DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (risk_score >= 0 AND risk_score <= 1)
);
CREATE INDEX IF NOT EXISTS ledger_source_type ON ledger (source, type, seq);
CREATE INDEX IF NOT EXISTS ledger_source_external_id ON ledger (source, external_id);
CREATE INDEX IF NOT EXISTS ledger_processed_at ON ledger (processed_at);
CREATE INDEX IF NOT EXISTS ledger_risk_score ON ledger (risk_score);

CREATE TABLE IF NOT EXISTS ledger_head (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	seq        BIGINT NOT NULL,
	chain_hash TEXT NOT NULL
);
INSERT INTO ledger_head (id, seq, chain_hash) VALUES (1, 0, 'genesis') ON CONFLICT (id) DO NOTHING;
`

const eventColumns = `seq, hash, prev_hash, chain_hash, canonical, source, type, external_id, payload, processed_at, risk_score`

// Store is the SQL ledger. It runs unchanged on Postgres and SQLite.
type Store struct {
	db    *database.DB
	clock func() time.Time
}

// NewStore creates a ledger over db.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// DB exposes the handle so callers can open the admission transaction.
func (s *Store) DB() *database.DB {
	return s.db
}

// Init creates the ledger tables and seeds the chain head.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to init ledger: %w", err)
	}
	return nil
}

// Append inserts e in its own transaction. It fails with ErrDuplicate if the hash is
// already present.
func (s *Store) Append(ctx context.Context, e *Event) error {
	return database.InTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		return s.AppendTx(ctx, tx, e)
	})
}

// AppendTx inserts e inside tx, filling in Seq, PrevHash, ChainHash and ProcessedAt.
// The chain head row is locked for the rest of tx, which serialises appends.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, e *Event) error {
	if canonicalize.HashBytes(e.Canonical) != e.Hash {
		return fmt.Errorf("%w: %s", ErrHashMismatch, e.Hash)
	}

	var head Head
	err := tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM ledger_head WHERE id = 1`+s.db.ForUpdate(),
	).Scan(&head.Seq, &head.ChainHash)
	if err != nil {
		return fmt.Errorf("read ledger head: %w", err)
	}

	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = s.clock()
	}
	e.ProcessedAt = e.ProcessedAt.UTC()
	e.Seq = head.Seq + 1
	e.PrevHash = head.ChainHash
	e.ChainHash = ChainHash(head.ChainHash, e.Hash)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.Seq, e.Hash, e.PrevHash, e.ChainHash, string(e.Canonical), e.Source, e.Type,
		nullString(e.ExternalID), string(e.Payload), database.Nanos(e.ProcessedAt), e.RiskScore,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.Hash)
		}
		return fmt.Errorf("insert ledger row: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_head SET seq = $1, chain_hash = $2 WHERE id = 1`,
		e.Seq, e.ChainHash,
	)
	if err != nil {
		return fmt.Errorf("advance ledger head: %w", err)
	}
	return nil
}

// Get returns the event with the given hash.
func (s *Store) Get(ctx context.Context, hash string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM ledger WHERE hash = $1`, hash)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", hash, err)
	}
	return e, nil
}

// List returns events matching q in sequence order.
func (s *Store) List(ctx context.Context, q Query) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.Source != "" {
		add("source = $%d", q.Source)
	}
	if q.Type != "" {
		add("type = $%d", q.Type)
	}
	if !q.Since.IsZero() {
		add("processed_at >= $%d", database.Nanos(q.Since))
	}
	if !q.Until.IsZero() {
		add("processed_at < $%d", database.Nanos(q.Until))
	}
	if q.AfterSeq > 0 {
		add("seq > $%d", q.AfterSeq)
	}

	query := `SELECT ` + eventColumns + ` FROM ledger`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, PageSize(q.Limit))
	query += fmt.Sprintf(` ORDER BY seq LIMIT $%d`, len(args))

	return s.query(ctx, query, args...)
}

// ByExternalID returns every event from source with the given provider id.
func (s *Store) ByExternalID(ctx context.Context, source, externalID string) ([]Event, error) {
	return s.query(ctx,
		`SELECT `+eventColumns+` FROM ledger WHERE source = $1 AND external_id = $2 ORDER BY seq`,
		source, externalID,
	)
}

// RiskEvents returns events at or above threshold, highest risk first.
func (s *Store) RiskEvents(ctx context.Context, threshold float64, limit int) ([]Event, error) {
	return s.query(ctx,
		`SELECT `+eventColumns+` FROM ledger WHERE risk_score >= $1 ORDER BY risk_score DESC, seq LIMIT $2`,
		threshold, PageSize(limit),
	)
}

// Activity summarises events admitted at or after since.
func (s *Store) Activity(ctx context.Context, since time.Time, riskThreshold float64) (Activity, error) {
	var a Activity
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(AVG(risk_score), 0),
		       COALESCE(SUM(CASE WHEN risk_score >= $2 THEN 1 ELSE 0 END), 0)
		FROM ledger WHERE processed_at >= $1`,
		database.Nanos(since), riskThreshold,
	).Scan(&a.Count, &a.MeanRisk, &a.Risky)
	if err != nil {
		return Activity{}, fmt.Errorf("ledger activity: %w", err)
	}
	return a, nil
}

// Head returns the current chain tip.
func (s *Store) Head(ctx context.Context) (Head, error) {
	var h Head
	err := s.db.QueryRowContext(ctx, `SELECT seq, chain_hash FROM ledger_head WHERE id = 1`).Scan(&h.Seq, &h.ChainHash)
	if err != nil {
		return Head{}, fmt.Errorf("read ledger head: %w", err)
	}
	return h, nil
}

// VerifyChain recomputes every content hash and chain link from genesis and checks the
// result against the recorded head. It stops at the first broken row.
func (s *Store) VerifyChain(ctx context.Context) (Verification, error) {
	head, err := s.Head(ctx)
	if err != nil {
		return Verification{}, err
	}
	v := Verification{HeadSeq: head.Seq, HeadHash: head.ChainHash}

	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM ledger ORDER BY seq`)
	if err != nil {
		return Verification{}, fmt.Errorf("scan ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	prev := GenesisHash
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return Verification{}, fmt.Errorf("scan ledger: %w", err)
		}
		want := v.Checked + 1
		switch {
		case e.Seq != want:
			return v.fail(want, fmt.Sprintf("sequence gap: expected %d, found %d", want, e.Seq)), nil
		case canonicalize.HashBytes(e.Canonical) != e.Hash:
			return v.fail(e.Seq, "content hash does not match canonical form"), nil
		case e.PrevHash != prev:
			return v.fail(e.Seq, "prev_hash does not link to previous row"), nil
		case ChainHash(prev, e.Hash) != e.ChainHash:
			return v.fail(e.Seq, "chain_hash mismatch"), nil
		}
		prev = e.ChainHash
		v.Checked++
	}
	if err := rows.Err(); err != nil {
		return Verification{}, fmt.Errorf("scan ledger: %w", err)
	}

	if v.Checked != head.Seq || prev != head.ChainHash {
		return v.fail(v.Checked+1, "chain does not end at recorded head"), nil
	}
	v.Valid = true
	return v, nil
}

func (v Verification) fail(seq int64, problem string) Verification {
	v.Valid = false
	v.BadSeq = seq
	v.Problem = problem
	return v
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		e          Event
		canonical  string
		payload    string
		externalID sql.NullString
		processed  int64
	)
	err := row.Scan(&e.Seq, &e.Hash, &e.PrevHash, &e.ChainHash, &canonical, &e.Source, &e.Type,
		&externalID, &payload, &processed, &e.RiskScore)
	if err != nil {
		return nil, err
	}
	e.Canonical = []byte(canonical)
	e.Payload = []byte(payload)
	e.ExternalID = externalID.String
	e.ProcessedAt = database.FromNanos(processed)
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// PageSize is the number of rows a read with limit n returns at most.
func PageSize(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	default:
		return n
	}
}
