// Package archive exports the ledger as JSON lines plus a manifest that pins the
// chain hash of the last exported event, so an archive can be checked against a live
// ledger later.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-governor/pkg/ledger"
)

// ManifestVersion is bumped when the manifest layout changes.
const ManifestVersion = 1

const exportPage = 1000

// ErrChainInvalid is returned when the ledger fails verification before export.
var ErrChainInvalid = errors.New("ledger chain failed verification")

// Sink stores named objects.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
	Close() error
}

// Reader is the ledger surface the exporter needs.
type Reader interface {
	List(ctx context.Context, q ledger.Query) ([]ledger.Event, error)
	VerifyChain(ctx context.Context) (ledger.Verification, error)
}

// Manifest describes one export.
type Manifest struct {
	Version   int       `json:"version"`
	File      string    `json:"file"`
	SHA256    string    `json:"sha256"`
	FromSeq   int64     `json:"from_seq"`
	ToSeq     int64     `json:"to_seq"`
	Count     int64     `json:"count"`
	ChainHash string    `json:"chain_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// Exporter writes ledger ranges to a sink.
type Exporter struct {
	reader Reader
	sink   Sink
	clock  func() time.Time
	logger *slog.Logger
}

func NewExporter(reader Reader, sink Sink) *Exporter {
	return &Exporter{
		reader: reader,
		sink:   sink,
		clock:  time.Now,
		logger: slog.Default().With("component", "archive"),
	}
}

// WithClock overrides the clock for testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Export writes every event after afterSeq. The chain is verified first; an invalid
// chain is never archived. With nothing to export it returns a manifest with Count 0
// and writes nothing.
func (e *Exporter) Export(ctx context.Context, afterSeq int64) (Manifest, error) {
	v, err := e.reader.VerifyChain(ctx)
	if err != nil {
		return Manifest{}, fmt.Errorf("verify before export: %w", err)
	}
	if !v.Valid {
		return Manifest{}, fmt.Errorf("%w at seq %d: %s", ErrChainInvalid, v.BadSeq, v.Problem)
	}

	m := Manifest{Version: ManifestVersion, FromSeq: afterSeq + 1, ToSeq: afterSeq}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	cursor := afterSeq
	for cursor < v.HeadSeq {
		page, err := e.reader.List(ctx, ledger.Query{AfterSeq: cursor, Limit: exportPage})
		if err != nil {
			return Manifest{}, fmt.Errorf("read ledger after %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			if ev.Seq > v.HeadSeq {
				break
			}
			if err := enc.Encode(ev); err != nil {
				return Manifest{}, fmt.Errorf("encode seq %d: %w", ev.Seq, err)
			}
			m.Count++
			m.ToSeq = ev.Seq
			m.ChainHash = ev.ChainHash
		}
		cursor = page[len(page)-1].Seq
	}
	if m.Count == 0 {
		return m, nil
	}

	sum := sha256.Sum256(buf.Bytes())
	m.SHA256 = hex.EncodeToString(sum[:])
	m.File = fmt.Sprintf("ledger-%012d-%012d.jsonl", m.FromSeq, m.ToSeq)
	m.CreatedAt = e.clock().UTC()

	if err := e.sink.Put(ctx, m.File, buf.Bytes()); err != nil {
		return Manifest{}, fmt.Errorf("write %s: %w", m.File, err)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	name := fmt.Sprintf("ledger-%012d-%012d.manifest.json", m.FromSeq, m.ToSeq)
	if err := e.sink.Put(ctx, name, raw); err != nil {
		return Manifest{}, fmt.Errorf("write %s: %w", name, err)
	}

	e.logger.InfoContext(ctx, "ledger exported", "file", m.File, "count", m.Count, "to_seq", m.ToSeq)
	return m, nil
}

// CheckExport recomputes the digest of an exported file and the chain links inside
// it. It does not need the live ledger.
func CheckExport(m Manifest, data []byte, prevChainHash string) error {
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != m.SHA256 {
		return errors.New("archive digest mismatch")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	prev := prevChainHash
	var n int64
	for dec.More() {
		var ev ledger.Event
		if err := dec.Decode(&ev); err != nil {
			return fmt.Errorf("decode line %d: %w", n+1, err)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("seq %d: prev hash does not link", ev.Seq)
		}
		if ledger.ChainHash(prev, ev.Hash) != ev.ChainHash {
			return fmt.Errorf("seq %d: chain hash mismatch", ev.Seq)
		}
		prev = ev.ChainHash
		n++
	}
	if n != m.Count || prev != m.ChainHash {
		return errors.New("archive does not match manifest")
	}
	return nil
}
