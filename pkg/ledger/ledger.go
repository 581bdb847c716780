// Package ledger is the append-only, hash-chained store of admitted events.
//
// Every row carries the content hash of its canonical form and a chain hash linking it
// to its predecessor, so any edit to a stored row or any removed row is detectable by
// VerifyChain. The public contract has no update or delete.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// GenesisHash is the prev_hash of the first row.
const GenesisHash = "genesis"

// DefaultRiskThreshold is the risk_score at and above which an event is a risk event.
const DefaultRiskThreshold = 0.7

var (
	// ErrDuplicate is returned by Append when the event hash is already in the ledger.
	ErrDuplicate = errors.New("event already in ledger")
	// ErrNotFound is returned for point lookups of an unknown hash.
	ErrNotFound = errors.New("event not found")
	// ErrHashMismatch is returned when an event's hash does not match its canonical form.
	ErrHashMismatch = errors.New("event hash does not match canonical form")
)

// Event is one admitted occurrence.
type Event struct {
	Seq         int64     `json:"seq"`
	Hash        string    `json:"hash"`
	PrevHash    string    `json:"prev_hash"`
	ChainHash   string    `json:"chain_hash"`
	Canonical   []byte    `json:"canonical"`
	Source      string    `json:"source"`
	Type        string    `json:"type"`
	ExternalID  string    `json:"external_id,omitempty"`
	Payload     []byte    `json:"payload"`
	ProcessedAt time.Time `json:"processed_at"`
	RiskScore   float64   `json:"risk_score"`
}

// Query selects a page of events ordered by sequence.
type Query struct {
	Source   string
	Type     string
	Since    time.Time
	Until    time.Time
	AfterSeq int64
	Limit    int
}

// Verification is the outcome of walking the chain.
type Verification struct {
	Valid    bool   `json:"valid"`
	Checked  int64  `json:"checked"`
	HeadSeq  int64  `json:"head_seq"`
	HeadHash string `json:"head_hash"`
	BadSeq   int64  `json:"bad_seq,omitempty"`
	Problem  string `json:"problem,omitempty"`
}

// Head is the tip of the chain.
type Head struct {
	Seq       int64  `json:"seq"`
	ChainHash string `json:"chain_hash"`
}

// Activity summarises ledger admissions over a window.
type Activity struct {
	Count    int64   `json:"count"`
	MeanRisk float64 `json:"mean_risk"`
	Risky    int64   `json:"risky"`
}

// ChainHash links an event hash to the previous chain hash.
func ChainHash(prev, hash string) string {
	sum := sha256.Sum256([]byte(prev + hash))
	return hex.EncodeToString(sum[:])
}
