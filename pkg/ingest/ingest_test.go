package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-governor/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-governor/pkg/controlstate"
	"github.com/Mindburn-Labs/helm-governor/pkg/database"
	"github.com/Mindburn-Labs/helm-governor/pkg/dedupe"
	"github.com/Mindburn-Labs/helm-governor/pkg/killswitch"
	"github.com/Mindburn-Labs/helm-governor/pkg/ledger"
	"github.com/Mindburn-Labs/helm-governor/pkg/risk"
)

type fixture struct {
	ledger  *ledger.Store
	dedupe  *dedupe.SQLStore
	memory  *dedupe.MemoryStore
	canon   *canonicalize.Canonicalizer
	counter *countingRecorder
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordIngest(source, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[outcome]++
}

func (r *countingRecorder) get(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[outcome]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	l := ledger.NewStore(db)
	require.NoError(t, l.Init(ctx))
	d := dedupe.NewSQLStore(db, dedupe.DefaultWindow)
	require.NoError(t, d.Init(ctx))
	c, err := canonicalize.New()
	require.NoError(t, err)

	return &fixture{
		ledger:  l,
		dedupe:  d,
		memory:  dedupe.NewMemoryStore(dedupe.DefaultWindow),
		canon:   c,
		counter: &countingRecorder{counts: map[string]int{}},
	}
}

func (f *fixture) admitters() map[string]Admitter {
	return map[string]Admitter{
		"tx":    NewTxAdmitter(f.dedupe, f.ledger),
		"chain": NewChainAdmitter(f.memory, f.ledger),
	}
}

func TestIngest_PaymentScenario(t *testing.T) {
	for _, name := range []string{"tx", "chain"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			svc := NewService(f.canon, f.admitters()[name], WithRecorder(f.counter))
			raw := []byte(`{"source":"payments","external_id":"evt_1","amount":500}`)

			first, err := svc.Ingest(ctx, raw)
			require.NoError(t, err)
			assert.True(t, first.Admitted)
			assert.Len(t, first.Hash, 64)

			second, err := svc.Ingest(ctx, raw)
			require.NoError(t, err)
			assert.False(t, second.Admitted)
			assert.Equal(t, first.Hash, second.Hash)

			rows, err := f.ledger.List(ctx, ledger.Query{Source: "payments"})
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, first.Hash, rows[0].Hash)
			assert.Equal(t, raw, rows[0].Payload)

			assert.Equal(t, 1, f.counter.get(OutcomeAdmitted))
			assert.Equal(t, 1, f.counter.get(OutcomeDuplicate))
		})
	}
}

func TestIngest_ConcurrentRedeliveryAdmitsOnce(t *testing.T) {
	for _, name := range []string{"tx", "chain"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			svc := NewService(f.canon, f.admitters()[name])

			// Redeliveries differ only in presentation and transport metadata.
			variants := []string{
				`{"source":"payments","external_id":"evt_7","amount":500}`,
				`{"amount":500.0,"external_id":"evt_7","source":"payments","delivery_id":"d2"}`,
				`{"source":"payments","external_id":"evt_7","amount":5e2,"delivery_attempt":3}`,
			}

			const n = 30
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				admitted int
				hashes   = map[string]bool{}
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(raw string) {
					defer wg.Done()
					res, err := svc.Ingest(ctx, []byte(raw))
					mu.Lock()
					defer mu.Unlock()
					if !assert.NoError(t, err) {
						return
					}
					hashes[res.Hash] = true
					if res.Admitted {
						admitted++
					}
				}(variants[i%len(variants)])
			}
			wg.Wait()

			assert.Equal(t, 1, admitted)
			assert.Len(t, hashes, 1)

			rows, err := f.ledger.ByExternalID(ctx, "payments", "evt_7")
			require.NoError(t, err)
			assert.Len(t, rows, 1)

			v, err := f.ledger.VerifyChain(ctx)
			require.NoError(t, err)
			assert.True(t, v.Valid)
		})
	}
}

func TestIngest_MalformedNeverReachesLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := NewService(f.canon, NewTxAdmitter(f.dedupe, f.ledger), WithRecorder(f.counter))

	for _, raw := range []string{``, `[]`, `{"source":"nowhere"}`, `{"source":"payments","risk_score":7}`, `not json`} {
		_, err := svc.Ingest(ctx, []byte(raw))
		require.Error(t, err, raw)
		assert.True(t, IsMalformed(err), raw)
	}

	head, err := f.ledger.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head.Seq)
	assert.Equal(t, 5, f.counter.get(OutcomeMalformed))
}

func TestIngest_FrozenGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	exec := killswitch.NewExecutor(controlstate.NewMemoryStore(), killswitch.Policy{HaltIngestion: true})
	svc := NewService(f.canon, NewTxAdmitter(f.dedupe, f.ledger), WithGate(exec))
	raw := []byte(`{"source":"billing","external_id":"in_1"}`)

	_, err := exec.Kill(ctx, killswitch.KillRequest{Operator: "ops1", Confirmation: killswitch.DefaultConfirmation})
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, raw)
	require.ErrorIs(t, err, killswitch.ErrIngestionFrozen)

	_, err = exec.Revive(ctx, "ops1", "")
	require.NoError(t, err)

	res, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)
	assert.True(t, res.Admitted, "rejected delivery was not recorded as seen")
}

func TestIngest_RiskScoring(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	scorer, err := risk.NewScorer(risk.DefaultRules())
	require.NoError(t, err)
	svc := NewService(f.canon, NewTxAdmitter(f.dedupe, f.ledger), WithScorer(scorer))

	big, err := svc.Ingest(ctx, []byte(`{"source":"payments","external_id":"evt_big","amount":50000}`))
	require.NoError(t, err)
	carried, err := svc.Ingest(ctx, []byte(`{"source":"payments","external_id":"evt_own","amount":50000,"risk_score":0.1}`))
	require.NoError(t, err)

	e, err := f.ledger.Get(ctx, big.Hash)
	require.NoError(t, err)
	assert.Equal(t, 0.75, e.RiskScore)

	e, err = f.ledger.Get(ctx, carried.Hash)
	require.NoError(t, err)
	assert.Equal(t, 0.1, e.RiskScore, "carried score wins over rules")

	risky, err := f.ledger.RiskEvents(ctx, ledger.DefaultRiskThreshold, 10)
	require.NoError(t, err)
	require.Len(t, risky, 1)
	assert.Equal(t, big.Hash, risky[0].Hash)
}

func TestTxAdmitter_ExpiredDedupeFallsBackToLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()
	short := dedupe.NewSQLStore(f.ledger.DB(), time.Minute).WithClock(func() time.Time { return now })
	svc := NewService(f.canon, NewTxAdmitter(short, f.ledger))
	raw := []byte(`{"source":"crm","external_id":"c_1"}`)

	res, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)
	require.True(t, res.Admitted)

	now = now.Add(time.Hour)
	res, err = svc.Ingest(ctx, raw)
	require.NoError(t, err)
	assert.False(t, res.Admitted, "ledger constraint catches redelivery after the window")
}

type failingLedgerAdmitter struct{}

func (failingLedgerAdmitter) Admit(ctx context.Context, e *ledger.Event) (bool, error) {
	return false, errors.New("disk on fire")
}

func TestIngest_AdmissionErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.canon, failingLedgerAdmitter{}, WithRecorder(f.counter))
	_, err := svc.Ingest(context.Background(), []byte(`{"source":"internal"}`))
	require.Error(t, err)
	assert.False(t, IsMalformed(err))
	assert.Equal(t, 1, f.counter.get(OutcomeError))
}
