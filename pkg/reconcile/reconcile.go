// Package reconcile diffs the ledger against external systems of record and records
// every discrepancy as a gap. It never modifies the ledger and never resolves a gap
// on its own.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/helm-governor/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-governor/pkg/ledger"
)

// Window bounds an enumeration.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Record is one entry of an external enumeration. Event, when present, is the raw
// event as the provider would deliver it and is used to recompute the expected hash.
type Record struct {
	ExternalID string          `json:"external_id"`
	Event      json.RawMessage `json:"event,omitempty"`
}

// ExternalSource enumerates a provider's records.
type ExternalSource interface {
	Enumerate(ctx context.Context, source string, w Window) ([]Record, error)
}

// LedgerReader is the read-only slice of the ledger reconciliation needs.
type LedgerReader interface {
	ByExternalID(ctx context.Context, source, externalID string) ([]ledger.Event, error)
}

// Report summarises one run.
type Report struct {
	Source    string `json:"source"`
	Window    Window `json:"window"`
	Checked   int    `json:"checked"`
	Missing   int    `json:"missing"`
	Mismatch  int    `json:"mismatch"`
	Duplicate int    `json:"duplicate"`
	Recorded  int    `json:"recorded"`
	Gaps      []Gap  `json:"gaps"`
}

// Job compares one source at a time.
type Job struct {
	ledger   LedgerReader
	canon    *canonicalize.Canonicalizer
	gaps     *GapStore
	external ExternalSource
	recorder GapRecorder
	logger   *slog.Logger
}

// GapRecorder counts newly recorded gaps.
type GapRecorder interface {
	RecordGap(source, gapType string)
}

func NewJob(l LedgerReader, canon *canonicalize.Canonicalizer, gaps *GapStore, external ExternalSource) *Job {
	return &Job{
		ledger:   l,
		canon:    canon,
		gaps:     gaps,
		external: external,
		logger:   slog.Default().With("component", "reconcile"),
	}
}

// WithRecorder reports every newly recorded gap to r.
func (j *Job) WithRecorder(r GapRecorder) *Job {
	j.recorder = r
	return j
}

// Run reconciles source over w. Every discrepancy yields one gap; a discrepancy that
// already has an identical open gap is counted but not recorded again.
func (j *Job) Run(ctx context.Context, source string, w Window) (Report, error) {
	ctx, span := otel.Tracer("governor/reconcile").Start(ctx, "reconcile.run")
	defer span.End()
	span.SetAttributes(attribute.String("reconcile.source", source))

	if !canonicalize.Source(source).Valid() {
		return Report{}, fmt.Errorf("unknown source %q", source)
	}
	records, err := j.external.Enumerate(ctx, source, w)
	if err != nil {
		return Report{}, fmt.Errorf("enumerate %s: %w", source, err)
	}

	rep := Report{Source: source, Window: w, Gaps: make([]Gap, 0)}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if rec.ExternalID == "" || seen[rec.ExternalID] {
			continue
		}
		seen[rec.ExternalID] = true
		rep.Checked++

		gap, err := j.check(ctx, source, rec)
		if err != nil {
			return rep, err
		}
		if gap == nil {
			continue
		}

		switch gap.GapType {
		case GapMissing:
			rep.Missing++
		case GapMismatch:
			rep.Mismatch++
		case GapDuplicate:
			rep.Duplicate++
		}
		recorded, err := j.gaps.Record(ctx, gap)
		if err != nil {
			return rep, err
		}
		if recorded {
			rep.Recorded++
			rep.Gaps = append(rep.Gaps, *gap)
			if j.recorder != nil {
				j.recorder.RecordGap(source, string(gap.GapType))
			}
			j.logger.WarnContext(ctx, "reconciliation gap",
				"source", source, "external_id", rec.ExternalID, "gap_type", gap.GapType, "detail", gap.Detail)
		}
	}

	span.SetAttributes(
		attribute.Int("reconcile.checked", rep.Checked),
		attribute.Int("reconcile.recorded", rep.Recorded),
	)
	j.logger.InfoContext(ctx, "reconciliation complete",
		"source", source, "checked", rep.Checked, "missing", rep.Missing, "mismatch", rep.Mismatch,
		"duplicate", rep.Duplicate, "recorded", rep.Recorded)
	return rep, nil
}

func (j *Job) check(ctx context.Context, source string, rec Record) (*Gap, error) {
	var expected string
	var expectErr error
	if len(rec.Event) > 0 {
		res, err := j.canon.Canonicalize(rec.Event)
		if err != nil {
			expectErr = err
		} else {
			expected = res.Hash
		}
	}

	rows, err := j.ledger.ByExternalID(ctx, source, rec.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup %s/%s: %w", source, rec.ExternalID, err)
	}

	gap := &Gap{Source: source, ExternalID: rec.ExternalID, ExpectedHash: expected}
	switch {
	case len(rows) == 0:
		gap.GapType = GapMissing
		gap.Detail = "not in ledger"
	case len(rows) > 1:
		gap.GapType = GapDuplicate
		gap.Detail = fmt.Sprintf("%d ledger rows", len(rows))
	case !canonicalize.Verify(rows[0].Canonical, rows[0].Hash):
		gap.GapType = GapMismatch
		gap.Detail = "stored canonical form does not match stored hash"
	case expectErr != nil:
		gap.GapType = GapMismatch
		gap.Detail = "external record cannot be canonicalized: " + expectErr.Error()
	case expected != "" && expected != rows[0].Hash:
		gap.GapType = GapMismatch
		gap.Detail = "ledger hash " + rows[0].Hash + " differs from external record"
	default:
		return nil, nil
	}
	return gap, nil
}
