package killswitch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-governor/pkg/controller"
	"github.com/Mindburn-Labs/helm-governor/pkg/controlstate"
	"github.com/Mindburn-Labs/helm-governor/pkg/database"
	"github.com/Mindburn-Labs/helm-governor/pkg/observer"
)

type harness struct {
	store  controlstate.Store
	exec   *Executor
	sup    *Supervisor
	source *observer.StaticSource
}

func newHarness(t *testing.T, store controlstate.Store, policy Policy) *harness {
	t.Helper()
	ctl, err := controller.New(controller.DefaultTuning())
	require.NoError(t, err)

	// Φs = 1, Φd = 0.2 at Tc gives Λ = 0.2, below the band, so every cycle raises
	// the throttle.
	src := observer.NewStaticSource(observer.Metrics{StaticViability: 1, DynamicViability: 0.2, Temperature: 0.9})
	obs := observer.New(src, observer.NewMemoryHistory())
	exec := NewExecutor(store, policy)
	return &harness{store: store, exec: exec, sup: NewSupervisor(exec, obs, ctl, store), source: src}
}

func sqlStore(t *testing.T) controlstate.Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := controlstate.NewSQLStore(db)
	require.NoError(t, s.Init(ctx))
	return s
}

func backends(t *testing.T) map[string]controlstate.Store {
	return map[string]controlstate.Store{
		"memory": controlstate.NewMemoryStore(),
		"sql":    sqlStore(t),
	}
}

func TestKillControlReviveScenario(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, store, Policy{})

			st, err := h.exec.Kill(ctx, KillRequest{Reason: "incident", Operator: "ops1", Confirmation: "CONFIRM_KILL"})
			require.NoError(t, err)
			assert.Equal(t, StateFrozen, st.State)
			assert.False(t, st.IngestionFrozen, "default policy only stops control actions")

			res, err := h.sup.RunCycle(ctx, "api")
			require.NoError(t, err)
			assert.False(t, res.Applied)
			assert.Equal(t, ReasonFrozen, res.Reason)
			assert.Greater(t, res.Proposed, 0.0, "controller still computes while frozen")

			throttle, err := store.Get(ctx, controlstate.KeyThrottle)
			require.NoError(t, err)
			assert.Equal(t, int64(0), throttle.Version, "no throttle row written while frozen")

			st, err = h.exec.Revive(ctx, "ops1", "")
			require.NoError(t, err)
			assert.Equal(t, StateActive, st.State)

			res, err = h.sup.RunCycle(ctx, "api")
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.InDelta(t, 0.2, res.Throttle, 1e-9)

			throttle, err = store.Get(ctx, controlstate.KeyThrottle)
			require.NoError(t, err)
			assert.Equal(t, int64(1), throttle.Version)
			assert.Contains(t, throttle.Reason, `"lambda"`, "rationale persisted with the action")
		})
	}
}

func TestKill_ConfirmationMismatchIsAudited(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, store, Policy{})

			for _, confirmation := range []string{"", "confirm_kill", "CONFIRM_KILL "} {
				_, err := h.exec.Kill(ctx, KillRequest{Reason: "oops", Operator: "bot", Confirmation: confirmation})
				require.ErrorIs(t, err, ErrConfirmationMismatch)
			}

			st, err := h.exec.State(ctx)
			require.NoError(t, err)
			assert.Equal(t, StateActive, st.State)

			audit, err := store.Audit(ctx, 10)
			require.NoError(t, err)
			require.Len(t, audit, 3)
			for _, a := range audit {
				assert.Equal(t, controlstate.OutcomeRejected, a.Outcome)
				assert.Equal(t, CmdKill, a.Cmd)
				assert.Equal(t, "bot", a.Actor)
			}
		})
	}
}

func TestKill_CustomConfirmation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, controlstate.NewMemoryStore(), Policy{Confirmation: "halt-now"})

	_, err := h.exec.Kill(ctx, KillRequest{Operator: "ops", Confirmation: DefaultConfirmation})
	require.ErrorIs(t, err, ErrConfirmationMismatch)
	_, err = h.exec.Kill(ctx, KillRequest{Operator: "ops", Confirmation: "halt-now"})
	require.NoError(t, err)
}

func TestKill_RequiresOperator(t *testing.T) {
	h := newHarness(t, controlstate.NewMemoryStore(), Policy{})
	_, err := h.exec.Kill(context.Background(), KillRequest{Confirmation: DefaultConfirmation})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.exec.Revive(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestKill_FromFrozenIsAccepted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, controlstate.NewMemoryStore(), Policy{})
	req := KillRequest{Reason: "incident", Operator: "ops1", Confirmation: DefaultConfirmation}

	_, err := h.exec.Kill(ctx, req)
	require.NoError(t, err)
	st, err := h.exec.Kill(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, StateFrozen, st.State)
}

func TestRevive_WhenActive(t *testing.T) {
	ctx := context.Background()
	store := controlstate.NewMemoryStore()
	h := newHarness(t, store, Policy{})

	_, err := h.exec.Revive(ctx, "ops1", "")
	require.ErrorIs(t, err, ErrNotFrozen)

	audit, err := store.Audit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, controlstate.OutcomeRejected, audit[0].Outcome)
}

func TestKill_HaltIngestionPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("halt", func(t *testing.T) {
		h := newHarness(t, controlstate.NewMemoryStore(), Policy{HaltIngestion: true})
		require.NoError(t, h.exec.CheckIngestion(ctx))

		_, err := h.exec.Kill(ctx, KillRequest{Operator: "ops1", Confirmation: DefaultConfirmation})
		require.NoError(t, err)
		assert.ErrorIs(t, h.exec.CheckIngestion(ctx), ErrIngestionFrozen)

		_, err = h.exec.Revive(ctx, "ops1", "all clear")
		require.NoError(t, err)
		assert.NoError(t, h.exec.CheckIngestion(ctx))
	})

	t.Run("control only", func(t *testing.T) {
		h := newHarness(t, controlstate.NewMemoryStore(), Policy{})
		_, err := h.exec.Kill(ctx, KillRequest{Operator: "ops1", Confirmation: DefaultConfirmation})
		require.NoError(t, err)
		assert.NoError(t, h.exec.CheckIngestion(ctx))
	})
}

func TestApplyAction_FrozenRejectionAudited(t *testing.T) {
	ctx := context.Background()
	store := controlstate.NewMemoryStore()
	h := newHarness(t, store, Policy{})

	_, err := h.exec.Kill(ctx, KillRequest{Operator: "ops1", Confirmation: DefaultConfirmation})
	require.NoError(t, err)

	res, err := h.exec.ApplyAction(ctx, controller.Action{Throttle: 0.7}, 0, "ctl")
	require.ErrorIs(t, err, ErrFrozen)
	assert.False(t, res.Applied)

	audit, err := store.Audit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, controlstate.OutcomeRejected, audit[0].Outcome)
	assert.Equal(t, "0.7", audit[0].NewState)
	assert.Contains(t, audit[0].Reason, ReasonFrozen)
}

func TestApplyAction_ManualApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, controlstate.NewMemoryStore(), Policy{})

	st, err := h.exec.SetManualApproval(ctx, true, "ops1", "change freeze")
	require.NoError(t, err)
	assert.True(t, st.RequireManualApproval)

	res, err := h.sup.RunCycle(ctx, "api")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonPendingApproval, res.Reason)

	_, err = h.exec.SetManualApproval(ctx, false, "ops1", "")
	require.NoError(t, err)
	res, err = h.sup.RunCycle(ctx, "api")
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestApplyAction_ReadsFreezeEveryCall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, controlstate.NewMemoryStore(), Policy{})

	res, err := h.exec.ApplyAction(ctx, controller.Action{Throttle: 0.1}, 0, "ctl")
	require.NoError(t, err)
	require.True(t, res.Applied)

	_, err = h.exec.Kill(ctx, KillRequest{Operator: "ops1", Confirmation: DefaultConfirmation})
	require.NoError(t, err)

	_, err = h.exec.ApplyAction(ctx, controller.Action{Throttle: 0.2}, 1, "ctl")
	require.ErrorIs(t, err, ErrFrozen)
}

func TestAuditCompleteness(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, store, Policy{HaltIngestion: true})

			_, err := h.sup.RunCycle(ctx, "api")
			require.NoError(t, err)
			_, err = h.exec.Kill(ctx, KillRequest{Operator: "ops1", Confirmation: DefaultConfirmation})
			require.NoError(t, err)
			_, err = h.exec.Revive(ctx, "ops1", "")
			require.NoError(t, err)
			_, err = h.sup.RunCycle(ctx, "api")
			require.NoError(t, err)

			audit, err := store.Audit(ctx, 100)
			require.NoError(t, err)
			applied := map[controlstate.Key]map[int64]controlstate.AuditEntry{}
			for _, a := range audit {
				if a.Outcome != controlstate.OutcomeApplied {
					continue
				}
				if applied[a.Key] == nil {
					applied[a.Key] = map[int64]controlstate.AuditEntry{}
				}
				applied[a.Key][a.Version] = a
			}

			for _, key := range controlstate.Keys {
				hist, err := store.History(ctx, key, 100)
				require.NoError(t, err)
				for i, row := range hist {
					a, ok := applied[key][row.Version]
					require.True(t, ok, "missing audit for %s v%d", key, row.Version)
					assert.Equal(t, row.Value, a.NewState)
					if i+1 < len(hist) {
						assert.Equal(t, hist[i+1].Value, a.OldState)
					}
				}
			}
		})
	}
}

// interleavingStore runs hook once, right after the nth read of the throttle returns,
// to land a concurrent write between a read and the write that depends on it.
type interleavingStore struct {
	controlstate.Store

	mu    sync.Mutex
	reads int
	nth   int
	hook  func()
}

func (s *interleavingStore) Get(ctx context.Context, key controlstate.Key) (controlstate.Entry, error) {
	e, err := s.Store.Get(ctx, key)
	if err != nil || key != controlstate.KeyThrottle {
		return e, err
	}
	s.mu.Lock()
	s.reads++
	var hook func()
	if s.reads == s.nth {
		hook, s.hook = s.hook, nil
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return e, nil
}

func TestApplyAction_KillBetweenCheckAndWrite(t *testing.T) {
	for name, inner := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := &interleavingStore{Store: inner, nth: 2}
			h := newHarness(t, store, Policy{})
			// Read 1 is the supervisor's, read 2 is the executor's gate check.
			store.hook = func() {
				_, err := h.exec.Kill(ctx, KillRequest{Reason: "incident", Operator: "ops1", Confirmation: DefaultConfirmation})
				require.NoError(t, err)
			}

			res, err := h.sup.RunCycle(ctx, "api")
			require.NoError(t, err)
			assert.False(t, res.Applied)
			assert.Equal(t, ReasonFrozen, res.Reason)

			throttle, err := inner.Get(ctx, controlstate.KeyThrottle)
			require.NoError(t, err)
			assert.Equal(t, int64(0), throttle.Version, "no throttle row after the freeze")

			audit, err := inner.Audit(ctx, 1)
			require.NoError(t, err)
			require.Len(t, audit, 1)
			assert.Equal(t, controlstate.OutcomeRejected, audit[0].Outcome)
			assert.Equal(t, CmdControl, audit[0].Cmd)
		})
	}
}

func TestRunCycle_ConcurrentThrottleWriteIsNotLost(t *testing.T) {
	for name, inner := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := &interleavingStore{Store: inner, nth: 1}
			h := newHarness(t, store, Policy{})
			store.hook = func() {
				_, err := inner.Set(ctx, controlstate.Change{
					Key: controlstate.KeyThrottle, Value: "0.9", Actor: "other-instance",
					Cmd: CmdControl, ExpectedVersion: 0,
				})
				require.NoError(t, err)
			}

			_, err := h.sup.RunCycle(ctx, "api")
			require.ErrorIs(t, err, controlstate.ErrVersionConflict)

			hist, err := inner.History(ctx, controlstate.KeyThrottle, 10)
			require.NoError(t, err)
			require.Len(t, hist, 1)
			assert.Equal(t, "0.9", hist[0].Value)
			assert.Equal(t, "other-instance", hist[0].UpdatedBy)

			res, err := h.sup.RunCycle(ctx, "api")
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.InDelta(t, 0.9, res.Rationale.ThrottleOld, 1e-9, "next cycle starts from the winning write")
		})
	}
}

func TestApplyAction_StaleVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, controlstate.NewMemoryStore(), Policy{})

	_, err := h.exec.ApplyAction(ctx, controller.Action{Throttle: 0.3}, 0, "a")
	require.NoError(t, err)
	_, err = h.exec.ApplyAction(ctx, controller.Action{Throttle: 0.4}, 0, "b")
	require.ErrorIs(t, err, controlstate.ErrVersionConflict)

	st, err := h.exec.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.3, st.Throttle)
}

// failingStore fails any write that touches key fail.
type failingStore struct {
	controlstate.Store
	fail controlstate.Key
}

func (s *failingStore) SetMany(ctx context.Context, changes ...controlstate.Change) ([]controlstate.Entry, error) {
	for _, c := range changes {
		if c.Key == s.fail {
			return nil, assert.AnError
		}
	}
	return s.Store.SetMany(ctx, changes...)
}

func TestKill_FlagsWrittenTogether(t *testing.T) {
	ctx := context.Background()
	inner := controlstate.NewMemoryStore()
	h := newHarness(t, &failingStore{Store: inner, fail: controlstate.KeyIngestionFrozen}, Policy{HaltIngestion: true})

	_, err := h.exec.Kill(ctx, KillRequest{Operator: "ops1", Confirmation: DefaultConfirmation})
	require.ErrorIs(t, err, assert.AnError)

	st, err := NewExecutor(inner, Policy{}).State(ctx)
	require.NoError(t, err)
	assert.False(t, st.Frozen, "a failed kill leaves no half-applied freeze")
	assert.False(t, st.IngestionFrozen)

	h = newHarness(t, inner, Policy{HaltIngestion: true})
	_, err = h.exec.Kill(ctx, KillRequest{Operator: "ops1", Confirmation: DefaultConfirmation})
	require.NoError(t, err)
	hist, err := inner.History(ctx, controlstate.KeyFrozen, 1)
	require.NoError(t, err)
	ing, err := inner.History(ctx, controlstate.KeyIngestionFrozen, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Len(t, ing, 1)
	assert.Equal(t, hist[0].UpdatedAt, ing[0].UpdatedAt)
}
