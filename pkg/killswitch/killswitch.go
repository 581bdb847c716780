// Package killswitch gates every control action behind the frozen flag and owns the
// ACTIVE/FROZEN state machine. Freezing requires an exact confirmation value; reviving
// is always an explicit operator action.
package killswitch

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/helm-governor/pkg/controller"
	"github.com/Mindburn-Labs/helm-governor/pkg/controlstate"
)

// DefaultConfirmation is the value a kill request must echo.
const DefaultConfirmation = "CONFIRM_KILL"

// Commands as recorded in the audit trail.
const (
	CmdKill           = "kill"
	CmdRevive         = "revive"
	CmdControl        = "control"
	CmdManualApproval = "manual_approval"
)

// Rejection reasons reported to callers.
const (
	ReasonFrozen          = "frozen"
	ReasonPendingApproval = "pending_approval"
)

var (
	ErrFrozen               = errors.New("governor is frozen")
	ErrIngestionFrozen      = errors.New("ingestion is frozen")
	ErrPendingApproval      = errors.New("action requires manual approval")
	ErrConfirmationMismatch = errors.New("kill confirmation mismatch")
	ErrNotFrozen            = errors.New("governor is not frozen")
	ErrInvalidRequest       = errors.New("invalid request")
)

// State is the kill switch position.
type State string

const (
	StateActive State = "ACTIVE"
	StateFrozen State = "FROZEN"
)

// Policy configures the executor.
type Policy struct {
	Confirmation string
	// HaltIngestion makes a kill also stop event admission.
	HaltIngestion bool
}

// Status is the externally visible state.
type Status struct {
	State                 State   `json:"state"`
	Frozen                bool    `json:"frozen"`
	IngestionFrozen       bool    `json:"ingestion_frozen"`
	RequireManualApproval bool    `json:"require_manual_approval"`
	Throttle              float64 `json:"throttle"`
	ThrottleVersion       int64   `json:"throttle_version"`
}

// KillRequest asks to freeze the governor.
type KillRequest struct {
	Reason       string `json:"reason"`
	Operator     string `json:"operator"`
	Confirmation string `json:"confirmation"`
}

// ApplyResult describes what happened to a proposed action.
type ApplyResult struct {
	Applied  bool                `json:"applied"`
	Reason   string              `json:"reason,omitempty"`
	Throttle float64             `json:"throttle"`
	Entry    *controlstate.Entry `json:"entry,omitempty"`
}

// Executor applies control actions through the control state store.
type Executor struct {
	store  controlstate.Store
	policy Policy
	logger *slog.Logger
}

// NewExecutor creates an executor. An empty confirmation falls back to
// DefaultConfirmation.
func NewExecutor(store controlstate.Store, policy Policy) *Executor {
	if policy.Confirmation == "" {
		policy.Confirmation = DefaultConfirmation
	}
	return &Executor{
		store:  store,
		policy: policy,
		logger: slog.Default().With("component", "killswitch"),
	}
}

// Policy returns the active policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// State reads the current flags.
func (e *Executor) State(ctx context.Context) (Status, error) {
	cur, err := controlstate.Current(ctx, e.store)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		State:                 StateActive,
		Frozen:                cur[controlstate.KeyFrozen].Bool(),
		IngestionFrozen:       cur[controlstate.KeyIngestionFrozen].Bool(),
		RequireManualApproval: cur[controlstate.KeyRequireManualApproval].Bool(),
		Throttle:              cur[controlstate.KeyThrottle].Float(),
		ThrottleVersion:       cur[controlstate.KeyThrottle].Version,
	}
	if st.Frozen {
		st.State = StateFrozen
	}
	return st, nil
}

// Kill freezes the governor. It is accepted from any state.
func (e *Executor) Kill(ctx context.Context, req KillRequest) (Status, error) {
	if req.Operator == "" {
		return Status{}, fmt.Errorf("%w: operator is required", ErrInvalidRequest)
	}

	frozen, err := e.store.Get(ctx, controlstate.KeyFrozen)
	if err != nil {
		return Status{}, err
	}

	if subtle.ConstantTimeCompare([]byte(req.Confirmation), []byte(e.policy.Confirmation)) != 1 {
		e.logger.WarnContext(ctx, "kill rejected: confirmation mismatch", "operator", req.Operator, "reason", req.Reason)
		rej := controlstate.AuditEntry{
			Cmd:      CmdKill,
			Actor:    req.Operator,
			Key:      controlstate.KeyFrozen,
			OldState: frozen.Value,
			NewState: frozen.Value,
			Reason:   "confirmation mismatch: " + req.Reason,
		}
		if err := e.store.RecordRejection(ctx, rej); err != nil {
			return Status{}, err
		}
		return Status{}, ErrConfirmationMismatch
	}

	keys := []controlstate.Key{controlstate.KeyFrozen}
	if e.policy.HaltIngestion {
		keys = append(keys, controlstate.KeyIngestionFrozen)
	}
	if err := e.write(ctx, keys, true, req.Operator, req.Reason, CmdKill); err != nil {
		return Status{}, fmt.Errorf("freeze: %w", err)
	}

	e.logger.WarnContext(ctx, "governor frozen", "operator", req.Operator, "reason", req.Reason, "halt_ingestion", e.policy.HaltIngestion)
	return e.State(ctx)
}

// Revive returns a frozen governor to ACTIVE and clears the ingestion halt.
func (e *Executor) Revive(ctx context.Context, operator, reason string) (Status, error) {
	if operator == "" {
		return Status{}, fmt.Errorf("%w: operator is required", ErrInvalidRequest)
	}
	st, err := e.State(ctx)
	if err != nil {
		return Status{}, err
	}
	if !st.Frozen && !st.IngestionFrozen {
		rej := controlstate.AuditEntry{
			Cmd:      CmdRevive,
			Actor:    operator,
			Key:      controlstate.KeyFrozen,
			OldState: "false",
			NewState: "false",
			Reason:   "not frozen",
		}
		if err := e.store.RecordRejection(ctx, rej); err != nil {
			return Status{}, err
		}
		return st, ErrNotFrozen
	}

	if reason == "" {
		reason = "operator revive"
	}
	var keys []controlstate.Key
	if st.IngestionFrozen {
		keys = append(keys, controlstate.KeyIngestionFrozen)
	}
	if st.Frozen {
		keys = append(keys, controlstate.KeyFrozen)
	}
	if err := e.write(ctx, keys, false, operator, reason, CmdRevive); err != nil {
		return Status{}, fmt.Errorf("revive: %w", err)
	}

	e.logger.InfoContext(ctx, "governor revived", "operator", operator)
	return e.State(ctx)
}

// SetManualApproval toggles the manual-approval gate.
func (e *Executor) SetManualApproval(ctx context.Context, required bool, operator, reason string) (Status, error) {
	if operator == "" {
		return Status{}, fmt.Errorf("%w: operator is required", ErrInvalidRequest)
	}
	if err := e.write(ctx, []controlstate.Key{controlstate.KeyRequireManualApproval}, required, operator, reason, CmdManualApproval); err != nil {
		return Status{}, err
	}
	return e.State(ctx)
}

// ApplyAction persists a proposed throttle unless the governor is frozen or awaiting
// manual approval. expected is the throttle version the action was computed from; if
// the throttle has moved since, the write fails with controlstate.ErrVersionConflict.
// Both gates are read on every call and re-checked in the same transaction as the
// write.
func (e *Executor) ApplyAction(ctx context.Context, action controller.Action, expected int64, actor string) (ApplyResult, error) {
	proposed := controlstate.FormatFloat(action.Throttle)
	rationale := action.Rationale.String()

	guards, res, err := e.gate(ctx, action, proposed, rationale, actor)
	if err != nil {
		return res, err
	}

	entry, err := e.store.Set(ctx, controlstate.Change{
		Key:             controlstate.KeyThrottle,
		Value:           proposed,
		Actor:           actor,
		Reason:          rationale,
		Cmd:             CmdControl,
		ExpectedVersion: expected,
		Guards:          guards,
	})
	if errors.Is(err, controlstate.ErrGuardChanged) {
		// A gate moved between the check and the write.
		if _, res, gateErr := e.gate(ctx, action, proposed, rationale, actor); gateErr != nil {
			return res, gateErr
		}
		return ApplyResult{}, fmt.Errorf("%w: %v", controlstate.ErrVersionConflict, err)
	}
	if err != nil {
		return ApplyResult{}, err
	}
	return ApplyResult{Applied: true, Throttle: entry.Float(), Entry: &entry}, nil
}

// gate rejects the action while frozen or awaiting approval, auditing the rejection.
// Otherwise it returns guards pinning both flags at the versions it read.
func (e *Executor) gate(ctx context.Context, action controller.Action, proposed, rationale, actor string) ([]controlstate.Guard, ApplyResult, error) {
	frozen, err := e.store.Get(ctx, controlstate.KeyFrozen)
	if err != nil {
		return nil, ApplyResult{}, err
	}
	approval, err := e.store.Get(ctx, controlstate.KeyRequireManualApproval)
	if err != nil {
		return nil, ApplyResult{}, err
	}
	throttle, err := e.store.Get(ctx, controlstate.KeyThrottle)
	if err != nil {
		return nil, ApplyResult{}, err
	}

	if frozen.Bool() {
		e.logger.WarnContext(ctx, "control action rejected: frozen", "actor", actor, "throttle", action.Throttle)
		if err := e.reject(ctx, actor, throttle.Value, proposed, ReasonFrozen, rationale); err != nil {
			return nil, ApplyResult{}, err
		}
		return nil, ApplyResult{Applied: false, Reason: ReasonFrozen, Throttle: throttle.Float()}, ErrFrozen
	}
	if approval.Bool() {
		e.logger.InfoContext(ctx, "control action held for approval", "actor", actor, "throttle", action.Throttle)
		if err := e.reject(ctx, actor, throttle.Value, proposed, ReasonPendingApproval, rationale); err != nil {
			return nil, ApplyResult{}, err
		}
		return nil, ApplyResult{Applied: false, Reason: ReasonPendingApproval, Throttle: throttle.Float()}, ErrPendingApproval
	}

	return []controlstate.Guard{
		{Key: controlstate.KeyFrozen, Version: frozen.Version},
		{Key: controlstate.KeyRequireManualApproval, Version: approval.Version},
	}, ApplyResult{}, nil
}

// CheckIngestion returns ErrIngestionFrozen while admission is halted.
func (e *Executor) CheckIngestion(ctx context.Context) error {
	halted, err := e.store.Get(ctx, controlstate.KeyIngestionFrozen)
	if err != nil {
		return err
	}
	if halted.Bool() {
		return ErrIngestionFrozen
	}
	return nil
}

// write sets flags in one transaction, unconditionally; operator commands win over
// any concurrent writer.
func (e *Executor) write(ctx context.Context, keys []controlstate.Key, value bool, actor, reason, cmd string) error {
	changes := make([]controlstate.Change, 0, len(keys))
	for _, key := range keys {
		changes = append(changes, controlstate.Change{
			Key:             key,
			Value:           controlstate.FormatBool(value),
			Actor:           actor,
			Reason:          reason,
			Cmd:             cmd,
			ExpectedVersion: controlstate.AnyVersion,
		})
	}
	_, err := e.store.SetMany(ctx, changes...)
	return err
}

func (e *Executor) reject(ctx context.Context, actor, old, proposed, reason, rationale string) error {
	return e.store.RecordRejection(ctx, controlstate.AuditEntry{
		Cmd:      CmdControl,
		Actor:    actor,
		Key:      controlstate.KeyThrottle,
		OldState: old,
		NewState: proposed,
		Reason:   reason + ": " + rationale,
	})
}
