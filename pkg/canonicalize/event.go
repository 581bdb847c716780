package canonicalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
)

// CanonicalVersion is bumped whenever a rule below changes hash output.
const CanonicalVersion = 2

// ErrMalformed marks input that cannot be canonicalized. Such input never reaches the
// dedupe store or the ledger.
var ErrMalformed = errors.New("malformed event")

// Source is one of the fixed set of origin systems events are accepted from.
type Source string

const (
	SourcePayments Source = "payments"
	SourceBilling  Source = "billing"
	SourceCRM      Source = "crm"
	SourceInternal Source = "internal"
)

// KnownSources lists every accepted origin.
var KnownSources = []Source{SourcePayments, SourceBilling, SourceCRM, SourceInternal}

// Valid reports whether s is a known origin.
func (s Source) Valid() bool {
	for _, k := range KnownSources {
		if s == k {
			return true
		}
	}
	return false
}

// Reserved envelope keys. They are lifted out of the raw object; the remaining keys
// form the event data.
const (
	keySource     = "source"
	keyType       = "type"
	keyExternalID = "external_id"
	keyRiskScore  = "risk_score"
)

// DefaultTransportFields are delivery metadata that differ between redeliveries of
// the same logical event and are therefore excluded from the canonical form.
var DefaultTransportFields = []string{
	"delivery_id",
	"delivery_attempt",
	"received_at",
	"signature",
	"headers",
	"webhook_id",
}

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source"],
  "properties": {
    "source": {"type": "string", "minLength": 1},
    "type": {"type": "string", "maxLength": 256},
    "external_id": {"type": "string", "minLength": 1, "maxLength": 512},
    "risk_score": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

// Envelope is the decoded, normalized view of a raw event.
type Envelope struct {
	Source     Source
	Type       string
	ExternalID string
	// RiskScore is nil when the event did not carry one.
	RiskScore *float64
	Data      map[string]interface{}
}

// Canonical is the versioned struct that gets hashed.
type Canonical struct {
	V          int                    `json:"v"`
	Source     Source                 `json:"source"`
	Type       string                 `json:"type"`
	ExternalID string                 `json:"external_id,omitempty"`
	Data       map[string]interface{} `json:"data"`
}

// Result is the output of Canonicalize.
type Result struct {
	Envelope  Envelope
	Canonical []byte
	Hash      string
}

// Canonicalizer applies the canonical form rules.
type Canonicalizer struct {
	schema    *jsonschema.Schema
	transport map[string]bool
}

// Option configures a Canonicalizer.
type Option func(*Canonicalizer)

// WithTransportFields adds keys that are dropped before hashing.
func WithTransportFields(fields ...string) Option {
	return func(c *Canonicalizer) {
		for _, f := range fields {
			c.transport[f] = true
		}
	}
}

// New compiles the envelope schema and returns a ready Canonicalizer.
func New(opts ...Option) (*Canonicalizer, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	const schemaURL = "https://governor.schemas.local/event-envelope.schema.json"
	if err := compiler.AddResource(schemaURL, strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("envelope schema load failed: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("envelope schema compile failed: %w", err)
	}

	c := &Canonicalizer{schema: schema, transport: make(map[string]bool)}
	WithTransportFields(DefaultTransportFields...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Canonicalize decodes raw, validates it and returns its canonical bytes and hash.
// It is a pure function of the semantically relevant fields: transport metadata,
// key order, JSON whitespace, Unicode composition and numeric spelling (500 vs 500.0)
// do not affect the result.
func (c *Canonicalizer) Canonicalize(raw []byte) (*Result, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: payload is not valid utf-8", ErrMalformed)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after json object", ErrMalformed)
	}

	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: event must be a json object", ErrMalformed)
	}
	if err := c.schema.Validate(obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env, err := c.envelope(obj)
	if err != nil {
		return nil, err
	}

	canonical, err := JCS(Canonical{
		V:          CanonicalVersion,
		Source:     env.Source,
		Type:       env.Type,
		ExternalID: env.ExternalID,
		Data:       env.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &Result{Envelope: env, Canonical: canonical, Hash: HashBytes(canonical)}, nil
}

func (c *Canonicalizer) envelope(obj map[string]interface{}) (Envelope, error) {
	var env Envelope

	src, _ := obj[keySource].(string)
	env.Source = Source(src)
	if !env.Source.Valid() {
		return env, fmt.Errorf("%w: unknown source %q", ErrMalformed, src)
	}
	if t, ok := obj[keyType].(string); ok {
		env.Type = norm.NFC.String(strings.TrimSpace(t))
	}
	if id, ok := obj[keyExternalID].(string); ok {
		env.ExternalID = norm.NFC.String(strings.TrimSpace(id))
	}
	if n, ok := obj[keyRiskScore].(json.Number); ok {
		score, err := n.Float64()
		if err != nil || score < 0 || score > 1 {
			return env, fmt.Errorf("%w: risk_score must be within [0,1]", ErrMalformed)
		}
		env.RiskScore = &score
	}

	data := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		switch k {
		case keySource, keyType, keyExternalID, keyRiskScore:
			continue
		}
		if c.transport[k] {
			continue
		}
		data[k] = v
	}
	normalized, err := normalizeValue(data)
	if err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.Data = normalized.(map[string]interface{})
	return env, nil
}

func normalizeValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, bool:
		return t, nil
	case string:
		return norm.NFC.String(t), nil
	case json.Number:
		return normalizeNumber(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			n, err := normalizeValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			nk := norm.NFC.String(k)
			if _, dup := out[nk]; dup {
				return nil, fmt.Errorf("duplicate key %q after unicode normalization", nk)
			}
			n, err := normalizeValue(elem)
			if err != nil {
				return nil, err
			}
			out[nk] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// maxExactInt is the largest integer every float64 consumer represents exactly.
const maxExactInt = 1 << 53

// normalizeNumber gives every numeric literal a single spelling. Integer literals
// that fit int64 are kept exact; everything else goes through float64 and is written
// the way ECMAScript's Number.prototype.toString would, with integral values below
// 2^53 written without a fraction.
func normalizeNumber(n json.Number) (json.Number, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return json.Number(strconv.FormatInt(i, 10)), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("number %s is not representable", s)
	}
	if f == math.Trunc(f) && math.Abs(f) < maxExactInt {
		return json.Number(strconv.FormatInt(int64(f), 10)), nil
	}
	return json.Number(formatFloat(f)), nil
}

func formatFloat(f float64) string {
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exp, _ := strings.Cut(s, "e")
	sign, digits := exp[:1], strings.TrimLeft(exp[1:], "0")
	return mantissa + "e" + sign + digits
}
