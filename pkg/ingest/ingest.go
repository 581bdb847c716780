// Package ingest is the admission path: canonicalize, gate, dedupe, append.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Mindburn-Labs/helm-governor/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-governor/pkg/ledger"
)

// Outcomes reported to a Recorder.
const (
	OutcomeAdmitted  = "admitted"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeFrozen    = "frozen"
	OutcomeError     = "error"
)

// Result is returned for every well-formed event.
type Result struct {
	Admitted bool   `json:"admitted"`
	Hash     string `json:"hash"`
	Seq      int64  `json:"seq,omitempty"`
}

// Gate refuses admissions while ingestion is halted.
type Gate interface {
	CheckIngestion(ctx context.Context) error
}

// Scorer assigns a risk score to events that do not carry one.
type Scorer interface {
	Score(ctx context.Context, env canonicalize.Envelope) (float64, error)
}

// Recorder counts ingestion outcomes.
type Recorder interface {
	RecordIngest(source, outcome string)
}

// Service admits raw events into the ledger.
type Service struct {
	canon    *canonicalize.Canonicalizer
	admitter Admitter
	gate     Gate
	scorer   Scorer
	recorder Recorder
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithGate(g Gate) Option         { return func(s *Service) { s.gate = g } }
func WithScorer(sc Scorer) Option    { return func(s *Service) { s.scorer = sc } }
func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

// NewService creates the admission path.
func NewService(canon *canonicalize.Canonicalizer, admitter Admitter, opts ...Option) *Service {
	s := &Service{
		canon:    canon,
		admitter: admitter,
		logger:   slog.Default().With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest admits raw. Duplicates return Admitted=false and no error. Malformed input
// returns an error wrapping canonicalize.ErrMalformed and never reaches the ledger.
func (s *Service) Ingest(ctx context.Context, raw []byte) (Result, error) {
	ctx, span := otel.Tracer("governor/ingest").Start(ctx, "ingest")
	defer span.End()

	if s.gate != nil {
		if err := s.gate.CheckIngestion(ctx); err != nil {
			s.logger.WarnContext(ctx, "event rejected", "reason", err.Error())
			s.record("", OutcomeFrozen)
			span.SetStatus(codes.Error, "ingestion halted")
			return Result{}, err
		}
	}

	res, err := s.canon.Canonicalize(raw)
	if err != nil {
		s.logger.WarnContext(ctx, "event rejected", "reason", err.Error(), "bytes", len(raw))
		s.record("", OutcomeMalformed)
		span.SetStatus(codes.Error, "malformed")
		return Result{}, err
	}
	env := res.Envelope
	span.SetAttributes(attribute.String("event.hash", res.Hash), attribute.String("event.source", string(env.Source)))

	e := &ledger.Event{
		Hash:       res.Hash,
		Canonical:  res.Canonical,
		Source:     string(env.Source),
		Type:       env.Type,
		ExternalID: env.ExternalID,
		Payload:    raw,
	}
	switch {
	case env.RiskScore != nil:
		e.RiskScore = *env.RiskScore
	case s.scorer != nil:
		score, err := s.scorer.Score(ctx, env)
		if err != nil {
			s.logger.WarnContext(ctx, "risk scoring failed", "hash", res.Hash, "error", err)
		}
		e.RiskScore = score
	}

	admitted, err := s.admitter.Admit(ctx, e)
	if err != nil {
		s.logger.ErrorContext(ctx, "admission failed", "hash", res.Hash, "source", env.Source, "error", err)
		s.record(string(env.Source), OutcomeError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission failed")
		return Result{}, err
	}
	if !admitted {
		s.logger.InfoContext(ctx, "duplicate delivery", "hash", res.Hash, "source", env.Source, "external_id", env.ExternalID)
		s.record(string(env.Source), OutcomeDuplicate)
		return Result{Admitted: false, Hash: res.Hash}, nil
	}

	s.logger.DebugContext(ctx, "event admitted", "hash", res.Hash, "source", env.Source, "seq", e.Seq)
	s.record(string(env.Source), OutcomeAdmitted)
	span.SetAttributes(attribute.Int64("ledger.seq", e.Seq))
	return Result{Admitted: true, Hash: res.Hash, Seq: e.Seq}, nil
}

// IsMalformed reports whether err came from canonicalization.
func IsMalformed(err error) bool {
	return errors.Is(err, canonicalize.ErrMalformed)
}

func (s *Service) record(source, outcome string) {
	if s.recorder != nil {
		s.recorder.RecordIngest(source, outcome)
	}
}
