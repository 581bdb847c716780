package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-governor/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-governor/pkg/controlstate"
	"github.com/Mindburn-Labs/helm-governor/pkg/ingest"
	"github.com/Mindburn-Labs/helm-governor/pkg/killswitch"
	"github.com/Mindburn-Labs/helm-governor/pkg/ledger"
	"github.com/Mindburn-Labs/helm-governor/pkg/observer"
	"github.com/Mindburn-Labs/helm-governor/pkg/reconcile"
)

// MaxEventBytes bounds a single ingested event.
const MaxEventBytes = 1 << 20

// APIActor is the audit actor for unauthenticated control calls.
const APIActor = "api"

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Deps are the components the HTTP surface drives. Optional fields may be nil.
type Deps struct {
	Ingest     *ingest.Service
	Ledger     *ledger.Store
	Executor   *killswitch.Executor
	Supervisor *killswitch.Supervisor
	Observer   *observer.Observer
	Controls   controlstate.Store
	Gaps       *reconcile.GapStore
	Reconciler *reconcile.Job

	// Metrics serves /metrics.
	Metrics http.Handler
	// Admin guards kill, revive, resolve and manual approval.
	Admin Middleware
	// IngestLimit guards /v1/ingest.
	IngestLimit Middleware

	RiskThreshold float64
}

// Server is the governor HTTP surface.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer validates deps and returns a server.
func NewServer(deps Deps) (*Server, error) {
	if deps.Ingest == nil || deps.Ledger == nil || deps.Executor == nil || deps.Supervisor == nil ||
		deps.Observer == nil || deps.Controls == nil || deps.Gaps == nil {
		return nil, errors.New("api: missing required dependency")
	}
	if deps.Admin == nil {
		deps.Admin = passthrough
	}
	if deps.IngestLimit == nil {
		deps.IngestLimit = passthrough
	}
	if deps.RiskThreshold <= 0 {
		deps.RiskThreshold = ledger.DefaultRiskThreshold
	}
	return &Server{deps: deps, logger: slog.Default().With("component", "api")}, nil
}

func passthrough(next http.Handler) http.Handler { return next }

// Routes returns the route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	admin := s.deps.Admin

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	mux.Handle("POST /v1/ingest", s.deps.IngestLimit(http.HandlerFunc(s.handleIngest)))
	mux.HandleFunc("GET /v1/ledger", s.handleLedger)
	mux.HandleFunc("GET /v1/ledger/risk", s.handleRisk)
	mux.HandleFunc("GET /v1/ledger/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/ledger/events/{hash}", s.handleEvent)

	mux.HandleFunc("POST /v1/observe", s.handleObserve)
	mux.HandleFunc("POST /v1/control", s.handleControl)
	mux.HandleFunc("GET /v1/control/state", s.handleControlState)
	mux.HandleFunc("GET /v1/control/audit", s.handleAudit)
	mux.Handle("POST /v1/control/approval", admin(http.HandlerFunc(s.handleApproval)))
	mux.Handle("POST /v1/kill", admin(http.HandlerFunc(s.handleKill)))
	mux.Handle("POST /v1/revive", admin(http.HandlerFunc(s.handleRevive)))

	mux.HandleFunc("GET /v1/reconciliation/gaps", s.handleGaps)
	mux.Handle("POST /v1/reconciliation/gaps/{id}/resolve", admin(http.HandlerFunc(s.handleResolve)))
	mux.Handle("POST /v1/reconciliation/run", admin(http.HandlerFunc(s.handleReconcile)))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxEventBytes))
	if err != nil {
		WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", "event exceeds size limit")
		return
	}

	res, err := s.deps.Ingest.Ingest(r.Context(), raw)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, res)
	case ingest.IsMalformed(err):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, killswitch.ErrIngestionFrozen):
		WriteLocked(w, "ingestion is frozen")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	q, err := parseLedgerQuery(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	events, err := s.deps.Ledger.List(r.Context(), q)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := map[string]any{"events": events}
	if len(events) > 0 && len(events) == ledger.PageSize(q.Limit) {
		resp["next_after"] = events[len(events)-1].Seq
	}
	WriteJSON(w, http.StatusOK, resp)
}

func parseLedgerQuery(r *http.Request) (ledger.Query, error) {
	v := r.URL.Query()
	q := ledger.Query{Source: v.Get("source"), Type: v.Get("type")}

	var err error
	if q.Since, err = parseTime(v.Get("since")); err != nil {
		return q, fmt.Errorf("since: %w", err)
	}
	if q.Until, err = parseTime(v.Get("until")); err != nil {
		return q, fmt.Errorf("until: %w", err)
	}
	if s := v.Get("after"); s != "" {
		if q.AfterSeq, err = strconv.ParseInt(s, 10, 64); err != nil || q.AfterSeq < 0 {
			return q, fmt.Errorf("after must be a non-negative integer")
		}
	}
	if q.Limit, err = parseLimit(v.Get("limit")); err != nil {
		return q, err
	}
	return q, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	threshold := s.deps.RiskThreshold
	if t := r.URL.Query().Get("threshold"); t != "" {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil || v < 0 || v > 1 {
			WriteBadRequest(w, "threshold must be within [0,1]")
			return
		}
		threshold = v
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	events, err := s.deps.Ledger.RiskEvents(r.Context(), threshold, limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"threshold": threshold, "events": events})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Ledger.VerifyChain(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, v)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Ledger.Get(r.Context(), r.PathValue("hash"))
	if errors.Is(err, ledger.ErrNotFound) {
		WriteNotFound(w, "event not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		WriteBadRequest(w, "body too large")
		return
	}

	var snap observer.Snapshot
	if len(strings.TrimSpace(string(body))) == 0 {
		snap, err = s.deps.Observer.Observe(r.Context())
	} else {
		var m observer.Metrics
		if derr := decodeStrict(body, &m); derr != nil {
			WriteBadRequest(w, derr.Error())
			return
		}
		snap, err = s.deps.Observer.Record(r.Context(), m, "push")
	}
	if errors.Is(err, observer.ErrInvalidSample) {
		WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	actor, ok := OperatorFrom(r.Context())
	if !ok {
		actor = APIActor
	}
	res, err := s.deps.Supervisor.RunCycle(r.Context(), actor)
	if err != nil {
		if errors.Is(err, controlstate.ErrVersionConflict) {
			WriteConflict(w, "throttle changed concurrently; retry")
			return
		}
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleControlState(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Executor.State(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	entries, err := controlstate.Current(r.Context(), s.deps.Controls)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": st, "entries": entries})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	rows, err := s.deps.Controls.Audit(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"audit": rows})
}

type killBody struct {
	Reason       string `json:"reason"`
	Operator     string `json:"operator"`
	Confirmation string `json:"confirmation"`
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var body killBody
	if err := decodeBody(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	st, err := s.deps.Executor.Kill(r.Context(), killswitch.KillRequest{
		Reason:       body.Reason,
		Operator:     operator(r, body.Operator),
		Confirmation: body.Confirmation,
	})
	s.writeStatus(w, st, err)
}

type reviveBody struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	var body reviveBody
	if err := decodeBody(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	st, err := s.deps.Executor.Revive(r.Context(), operator(r, body.Operator), body.Reason)
	s.writeStatus(w, st, err)
}

type approvalBody struct {
	Required bool   `json:"required"`
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if err := decodeBody(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	st, err := s.deps.Executor.SetManualApproval(r.Context(), body.Required, operator(r, body.Operator), body.Reason)
	s.writeStatus(w, st, err)
}

func (s *Server) writeStatus(w http.ResponseWriter, st killswitch.Status, err error) {
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, st)
	case errors.Is(err, killswitch.ErrConfirmationMismatch):
		WriteForbidden(w, "confirmation does not match")
	case errors.Is(err, killswitch.ErrInvalidRequest):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, killswitch.ErrNotFrozen):
		WriteConflict(w, "governor is not frozen")
	case errors.Is(err, controlstate.ErrVersionConflict):
		WriteConflict(w, "control state changed concurrently; retry")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	f := reconcile.GapFilter{Source: v.Get("source")}
	if rs := v.Get("resolved"); rs != "" {
		b, err := strconv.ParseBool(rs)
		if err != nil {
			WriteBadRequest(w, "resolved must be true or false")
			return
		}
		f.Resolved = &b
	}
	limit, err := parseLimit(v.Get("limit"))
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	f.Limit = limit

	gaps, err := s.deps.Gaps.List(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"gaps": gaps})
}

type resolveBody struct {
	Resolution string `json:"resolution"`
	Operator   string `json:"operator"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if err := decodeBody(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	gap, err := s.deps.Gaps.Resolve(r.Context(), r.PathValue("id"), body.Resolution, operator(r, body.Operator))
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, gap)
	case errors.Is(err, reconcile.ErrGapNotFound):
		WriteNotFound(w, "gap not found")
	case errors.Is(err, reconcile.ErrAlreadyResolved):
		WriteConflict(w, "gap already resolved")
	case errors.Is(err, reconcile.ErrResolutionMissing):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

type reconcileBody struct {
	Source string    `json:"source"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "no reconciliation source configured")
		return
	}
	var body reconcileBody
	if err := decodeBody(r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if !canonicalize.Source(body.Source).Valid() {
		WriteBadRequest(w, fmt.Sprintf("unknown source %q", body.Source))
		return
	}
	if body.To.IsZero() {
		body.To = time.Now().UTC()
	}
	if body.From.After(body.To) {
		WriteBadRequest(w, "from must not be after to")
		return
	}

	rep, err := s.deps.Reconciler.Run(r.Context(), body.Source, reconcile.Window{From: body.From, To: body.To})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rep)
}

// operator prefers the authenticated identity over the one named in the body.
func operator(r *http.Request, fromBody string) string {
	if op, ok := OperatorFrom(r.Context()); ok {
		return op
	}
	return fromBody
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return decodeStrict(body, v)
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}
