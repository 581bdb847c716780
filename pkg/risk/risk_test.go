package risk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-governor/pkg/canonicalize"
)

func envelope(t *testing.T, raw string) canonicalize.Envelope {
	t.Helper()
	c, err := canonicalize.New()
	require.NoError(t, err)
	res, err := c.Canonicalize([]byte(raw))
	require.NoError(t, err)
	return res.Envelope
}

func TestScorer_DefaultRules(t *testing.T) {
	s, err := NewScorer(DefaultRules())
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
		want float64
	}{
		{"small payment", `{"source":"payments","external_id":"evt_1","amount":500}`, 0},
		{"large payment", `{"source":"payments","external_id":"evt_2","amount":25000}`, 0.75},
		{"large payment float", `{"source":"payments","external_id":"evt_3","amount":10000.5}`, 0.75},
		{"large billing is not a payment", `{"source":"billing","amount":25000}`, 0},
		{"dispute wins over size", `{"source":"payments","type":"charge.dispute.created","amount":25000}`, 0.9},
		{"refund", `{"source":"payments","type":"charge.refunded"}`, 0.4},
		{"non-numeric amount is skipped", `{"source":"payments","amount":"lots"}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Score(context.Background(), envelope(t, tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewScorer_Rejects(t *testing.T) {
	cases := map[string]RuleSet{
		"bad version":   {SchemaVersion: "2.0.0"},
		"syntax error":  {SchemaVersion: "1.0.0", Rules: []Rule{{Name: "x", When: `source ==`, Score: 0.5}}},
		"not boolean":   {SchemaVersion: "1.0.0", Rules: []Rule{{Name: "x", When: `source`, Score: 0.5}}},
		"score too big": {SchemaVersion: "1.0.0", Rules: []Rule{{Name: "x", When: `true`, Score: 2}}},
	}
	for name, set := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewScorer(set)
			assert.Error(t, err)
		})
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schema_version: 1.1.0
rules:
  - name: crm-vip
    when: source == "crm" && has(data.vip) && data.vip == true
    score: 0.8
`), 0o600))

	set, err := LoadRules(path)
	require.NoError(t, err)
	s, err := NewScorer(set)
	require.NoError(t, err)

	got, err := s.Score(context.Background(), envelope(t, `{"source":"crm","vip":true}`))
	require.NoError(t, err)
	assert.Equal(t, 0.8, got)
}
