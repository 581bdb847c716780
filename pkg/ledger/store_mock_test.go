package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-governor/pkg/database"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	s := NewStore(&database.DB{DB: raw, Dialect: database.Postgres}).WithClock(func() time.Time { return t0 })
	return s, mock
}

func TestStore_PostgresAppendLocksHead(t *testing.T) {
	s, mock := mockStore(t)
	e := event(t, `{"source":"payments","external_id":"evt_1","amount":500}`)
	prev := ChainHash(GenesisHash, "aa")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, chain_hash FROM ledger_head WHERE id = 1 FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "chain_hash"}).AddRow(int64(7), prev))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger")).
		WithArgs(int64(8), e.Hash, prev, ChainHash(prev, e.Hash), string(e.Canonical), "payments", "",
			"evt_1", string(e.Payload), t0.UnixNano(), 0.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_head SET seq = $1, chain_hash = $2 WHERE id = 1")).
		WithArgs(int64(8), ChainHash(prev, e.Hash)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Append(context.Background(), e))
	assert.Equal(t, int64(8), e.Seq)
	assert.Equal(t, prev, e.PrevHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PostgresUniqueViolationIsDuplicate(t *testing.T) {
	s, mock := mockStore(t)
	e := event(t, `{"source":"payments","external_id":"evt_1"}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT seq, chain_hash FROM ledger_head").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "chain_hash"}).AddRow(int64(0), GenesisHash))
	mock.ExpectExec("INSERT INTO ledger").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := s.Append(context.Background(), e)
	require.ErrorIs(t, err, ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListBuildsPlaceholders(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE source = $1 AND type = $2 AND seq > $3 ORDER BY seq LIMIT $4")).
		WithArgs("payments", "charge", int64(10), 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"seq", "hash", "prev_hash", "chain_hash", "canonical", "source", "type",
			"external_id", "payload", "processed_at", "risk_score",
		}).AddRow(int64(11), "h", "p", "c", "{}", "payments", "charge", nil, "{}", t0.UnixNano(), 0.1))

	events, err := s.List(context.Background(), Query{Source: "payments", Type: "charge", AfterSeq: 10, Limit: 50})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "", events[0].ExternalID)
	assert.Equal(t, t0, events[0].ProcessedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
