package controlstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-governor/pkg/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS control_state (
	key        TEXT NOT NULL CHECK (key IN ('frozen', 'ingestion_frozen', 'throttle', 'require_manual_approval')),
	version    BIGINT NOT NULL CHECK (version > 0),
	value      TEXT NOT NULL,
	updated_at BIGINT NOT NULL,
	updated_by TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (key, version)
);

CREATE TABLE IF NOT EXISTS control_audit (
	id            TEXT PRIMARY KEY,
	cmd           TEXT NOT NULL,
	actor         TEXT NOT NULL,
	key           TEXT NOT NULL DEFAULT '',
	old_state     TEXT NOT NULL DEFAULT '',
	new_state     TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	outcome       TEXT NOT NULL CHECK (outcome IN ('applied', 'rejected')),
	state_version BIGINT,
	created_at    BIGINT NOT NULL,
	FOREIGN KEY (key, state_version) REFERENCES control_state (key, version)
);
CREATE INDEX IF NOT EXISTS control_audit_created_at ON control_audit (created_at);
`

const maxCASRetries = 5

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db    *database.DB
	clock func() time.Time
}

// NewSQLStore creates a SQL control-state store.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// Init creates the control_state and control_audit tables.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to init control state: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key Key) (Entry, error) {
	def, err := Default(key)
	if err != nil {
		return Entry{}, err
	}
	e, err := latest(ctx, s.db, key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get control state %s: %w", key, err)
	}
	return e, nil
}

// Set implements Store.
func (s *SQLStore) Set(ctx context.Context, c Change) (Entry, error) {
	out, err := s.SetMany(ctx, c)
	if err != nil {
		return Entry{}, err
	}
	return out[0], nil
}

// SetMany implements Store. Writers are serialized on the control_state table, so
// versions and guards read inside the transaction cannot move before commit.
// Unconditional writes still retry when they lose a race on the (key, version)
// constraint; conditional writes surface it as ErrVersionConflict.
func (s *SQLStore) SetMany(ctx context.Context, changes ...Change) ([]Entry, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	for _, c := range changes {
		if err := validate(c); err != nil {
			return nil, err
		}
	}
	retry := unconditional(changes)

	for attempt := 0; ; attempt++ {
		var out []Entry
		err := database.InTx(ctx, s.db.DB, func(tx *sql.Tx) error {
			if err := s.db.LockTable(ctx, tx, "control_state"); err != nil {
				return fmt.Errorf("lock control state: %w", err)
			}
			now := s.clock()
			out = make([]Entry, 0, len(changes))
			for _, c := range changes {
				e, err := s.setTx(ctx, tx, c, now)
				if err != nil {
					return err
				}
				out = append(out, e)
			}
			return nil
		})
		if err == nil {
			return out, nil
		}
		if database.IsUniqueViolation(err) {
			if retry && attempt < maxCASRetries {
				continue
			}
			return nil, fmt.Errorf("%w: %s", ErrVersionConflict, changes[0].Key)
		}
		return nil, err
	}
}

func (s *SQLStore) setTx(ctx context.Context, tx *sql.Tx, c Change, now time.Time) (Entry, error) {
	current := func(k Key) (Entry, error) {
		e, err := latest(ctx, tx, k)
		if errors.Is(err, sql.ErrNoRows) {
			return Default(k)
		}
		if err != nil {
			return Entry{}, fmt.Errorf("read control state %s: %w", k, err)
		}
		return e, nil
	}
	next, audit, err := apply(c, current, now, uuid.NewString())
	if err != nil {
		return Entry{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO control_state (key, version, value, updated_at, updated_by, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(next.Key), next.Version, next.Value, database.Nanos(next.UpdatedAt), next.UpdatedBy, next.Reason,
	)
	if err != nil {
		return Entry{}, err
	}
	if err := insertAudit(ctx, tx, audit); err != nil {
		return Entry{}, err
	}
	return next, nil
}

// History implements Store, newest first.
func (s *SQLStore) History(ctx context.Context, key Key, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, version, value, updated_at, updated_by, reason
		FROM control_state WHERE key = $1 ORDER BY version DESC LIMIT $2`,
		string(key), clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("control state history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Audit implements Store, newest first.
func (s *SQLStore) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cmd, actor, key, old_state, new_state, reason, outcome, state_version, created_at
		FROM control_audit ORDER BY created_at DESC, id LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("control audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]AuditEntry, 0)
	for rows.Next() {
		var (
			a       AuditEntry
			key     string
			version sql.NullInt64
			created int64
		)
		if err := rows.Scan(&a.ID, &a.Cmd, &a.Actor, &key, &a.OldState, &a.NewState, &a.Reason, &a.Outcome, &version, &created); err != nil {
			return nil, err
		}
		a.Key = Key(key)
		a.Version = version.Int64
		a.Timestamp = database.FromNanos(created)
		result = append(result, a)
	}
	return result, rows.Err()
}

// RecordRejection implements Store.
func (s *SQLStore) RecordRejection(ctx context.Context, a AuditEntry) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = s.clock().UTC()
	}
	a.Outcome = OutcomeRejected
	a.Version = 0
	if err := insertAudit(ctx, s.db, a); err != nil {
		return fmt.Errorf("record rejection: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertAudit(ctx context.Context, db execer, a AuditEntry) error {
	var version sql.NullInt64
	if a.Version > 0 {
		version = sql.NullInt64{Int64: a.Version, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO control_audit (id, cmd, actor, key, old_state, new_state, reason, outcome, state_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.Cmd, a.Actor, string(a.Key), a.OldState, a.NewState, a.Reason, a.Outcome, version, database.Nanos(a.Timestamp),
	)
	return err
}

func latest(ctx context.Context, q rowQuerier, key Key) (Entry, error) {
	row := q.QueryRowContext(ctx, `
		SELECT key, version, value, updated_at, updated_by, reason
		FROM control_state WHERE key = $1 ORDER BY version DESC LIMIT 1`,
		string(key),
	)
	return scanEntry(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e       Entry
		key     string
		updated int64
	)
	if err := row.Scan(&key, &e.Version, &e.Value, &updated, &e.UpdatedBy, &e.Reason); err != nil {
		return Entry{}, err
	}
	e.Key = Key(key)
	e.UpdatedAt = database.FromNanos(updated)
	return e, nil
}
