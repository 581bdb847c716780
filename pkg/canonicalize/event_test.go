package canonicalize

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCanonicalizer(t *testing.T, opts ...Option) *Canonicalizer {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	return c
}

func TestCanonicalize_Golden(t *testing.T) {
	c := newCanonicalizer(t)
	g := goldie.New(t)

	cases := map[string]string{
		"payment_event":  `{"source":"payments","external_id":"evt_1","amount":500}`,
		"nested_event":   `{"type":"invoice.paid","source":"billing","external_id":"in_9","lines":[{"sku":"b","qty":2},{"sku":"a","qty":1.0}],"customer":{"name":"Zoë","vip":true,"notes":null}}`,
		"internal_event": `{"source":"internal","type":"heartbeat"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := c.Canonicalize([]byte(raw))
			require.NoError(t, err)
			g.Assert(t, name, res.Canonical)
		})
	}
}

func TestCanonicalize_IgnoresPresentation(t *testing.T) {
	c := newCanonicalizer(t)

	variants := []string{
		`{"source":"payments","external_id":"evt_1","amount":500}`,
		`{ "amount" : 500.0, "external_id":"evt_1",  "source":"payments" }`,
		`{"amount":5e2,"source":"payments","external_id":"evt_1","delivery_id":"d-77","delivery_attempt":3}`,
		`{"amount":500,"source":"payments","external_id":" evt_1 ","signature":"t=1,v1=abc","risk_score":0.4}`,
	}

	var want string
	for i, raw := range variants {
		res, err := c.Canonicalize([]byte(raw))
		require.NoError(t, err, "variant %d", i)
		if i == 0 {
			want = res.Hash
			continue
		}
		assert.Equal(t, want, res.Hash, "variant %d must hash identically", i)
	}
}

func TestCanonicalize_UnicodeNormalization(t *testing.T) {
	c := newCanonicalizer(t)

	// "é" precomposed vs "e" + combining acute accent
	composed, err := c.Canonicalize([]byte(`{"source":"crm","name":"café"}`))
	require.NoError(t, err)
	decomposed, err := c.Canonicalize([]byte(`{"source":"crm","name":"cafe\u0301"}`))
	require.NoError(t, err)
	assert.Equal(t, composed.Hash, decomposed.Hash)
}

func TestCanonicalize_SemanticChangeChangesHash(t *testing.T) {
	c := newCanonicalizer(t)

	a, err := c.Canonicalize([]byte(`{"source":"payments","external_id":"evt_1","amount":500}`))
	require.NoError(t, err)
	b, err := c.Canonicalize([]byte(`{"source":"payments","external_id":"evt_1","amount":501}`))
	require.NoError(t, err)
	other, err := c.Canonicalize([]byte(`{"source":"billing","external_id":"evt_1","amount":500}`))
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, other.Hash)
}

func TestCanonicalize_Envelope(t *testing.T) {
	c := newCanonicalizer(t)

	res, err := c.Canonicalize([]byte(`{"source":"payments","type":"charge","external_id":"evt_2","risk_score":0.75,"amount":10}`))
	require.NoError(t, err)
	assert.Equal(t, SourcePayments, res.Envelope.Source)
	assert.Equal(t, "charge", res.Envelope.Type)
	assert.Equal(t, "evt_2", res.Envelope.ExternalID)
	require.NotNil(t, res.Envelope.RiskScore)
	assert.InDelta(t, 0.75, *res.Envelope.RiskScore, 1e-9)
	assert.NotContains(t, res.Envelope.Data, "risk_score")
	assert.True(t, Verify(res.Canonical, res.Hash))
}

func TestCanonicalize_CustomTransportFields(t *testing.T) {
	c := newCanonicalizer(t, WithTransportFields("trace_id"))

	a, err := c.Canonicalize([]byte(`{"source":"internal","trace_id":"abc","n":1}`))
	require.NoError(t, err)
	b, err := c.Canonicalize([]byte(`{"source":"internal","trace_id":"def","n":1}`))
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
}

func TestCanonicalize_Malformed(t *testing.T) {
	c := newCanonicalizer(t)

	cases := map[string]string{
		"empty":              ``,
		"not json":           `{"source":`,
		"array":              `[1,2,3]`,
		"trailing data":      `{"source":"payments"} {"x":1}`,
		"missing source":     `{"external_id":"evt_1"}`,
		"unknown source":     `{"source":"mystery"}`,
		"numeric source":     `{"source":5}`,
		"type not string":    `{"source":"payments","type":7}`,
		"risk out of range":  `{"source":"payments","risk_score":1.5}`,
		"negative risk":      `{"source":"payments","risk_score":-0.1}`,
		"overflowing number": `{"source":"payments","amount":1e400}`,
		"empty external id":  `{"source":"payments","external_id":""}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := c.Canonicalize([]byte(raw))
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestNormalizeNumber(t *testing.T) {
	cases := map[string]string{
		"500":                 "500",
		"500.0":               "500",
		"5e2":                 "500",
		"-0":                  "0",
		"1.50":                "1.5",
		"0.000001":            "0.000001",
		"1e-7":                "1e-7",
		"1e21":                "1e+21",
		"9223372036854775807": "9223372036854775807",
		"-12.25":              "-12.25",
	}
	for in, want := range cases {
		got, err := normalizeNumber(json.Number(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}
}

func TestSourceValid(t *testing.T) {
	for _, s := range KnownSources {
		assert.True(t, s.Valid())
	}
	assert.False(t, Source("stripe").Valid())
}
