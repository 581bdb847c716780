package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-governor/pkg/database"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS dedupe_set (
	hash       TEXT PRIMARY KEY,
	created_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	CHECK (expires_at > created_at)
);
CREATE INDEX IF NOT EXISTS dedupe_set_expires_at ON dedupe_set (expires_at);
`

// The conflict branch only fires for expired rows, so RETURNING yields a row exactly
// when this statement created or revived the entry.
const admitQuery = `
	INSERT INTO dedupe_set (hash, created_at, expires_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (hash) DO UPDATE
		SET created_at = excluded.created_at, expires_at = excluded.expires_at
		WHERE dedupe_set.expires_at <= excluded.created_at
	RETURNING hash
`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore keeps the dedupe set in the same database as the ledger, which lets the
// ingestion path admit and append in one transaction.
type SQLStore struct {
	db     *database.DB
	window time.Duration
	clock  func() time.Time
}

// NewSQLStore creates a SQL-backed dedupe set with the given window.
func NewSQLStore(db *database.DB, window time.Duration) *SQLStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &SQLStore{db: db, window: window, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// Init creates the dedupe_set table.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to init dedupe_set: %w", err)
	}
	return nil
}

// TryAdmit implements Store.
func (s *SQLStore) TryAdmit(ctx context.Context, hash string) (bool, error) {
	return s.tryAdmit(ctx, s.db, hash)
}

// TryAdmitTx is TryAdmit inside the caller's transaction.
func (s *SQLStore) TryAdmitTx(ctx context.Context, tx *sql.Tx, hash string) (bool, error) {
	return s.tryAdmit(ctx, tx, hash)
}

func (s *SQLStore) tryAdmit(ctx context.Context, q rowQuerier, hash string) (bool, error) {
	now := s.clock()
	var got string
	err := q.QueryRowContext(ctx, admitQuery, hash, database.Nanos(now), database.Nanos(now.Add(s.window))).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedupe admit %s: %w", hash, err)
	}
	return true, nil
}

// Contains reports whether hash has an unexpired entry.
func (s *SQLStore) Contains(ctx context.Context, hash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dedupe_set WHERE hash = $1 AND expires_at > $2`,
		hash, database.Nanos(s.clock()),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedupe lookup %s: %w", hash, err)
	}
	return n > 0, nil
}

// Sweep implements Store.
func (s *SQLStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedupe_set WHERE expires_at <= $1`, database.Nanos(s.clock()))
	if err != nil {
		return 0, fmt.Errorf("dedupe sweep: %w", err)
	}
	return res.RowsAffected()
}
