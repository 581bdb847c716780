// Package risk scores events that arrive without a risk_score using CEL rules.
// Each rule is a boolean expression over the event; the score of an event is the
// highest score among the rules it matches, or zero.
package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/helm-governor/pkg/canonicalize"
)

// RulesSchemaConstraint is the range of rules file versions this build understands.
const RulesSchemaConstraint = "^1.0.0"

// Rule assigns Score to events for which When evaluates to true.
type Rule struct {
	Name  string  `yaml:"name"`
	When  string  `yaml:"when"`
	Score float64 `yaml:"score"`
}

// RuleSet is the on-disk rules document.
type RuleSet struct {
	SchemaVersion string `yaml:"schema_version"`
	Rules         []Rule `yaml:"rules"`
}

// DefaultRules flag large payments, disputes and refunds.
func DefaultRules() RuleSet {
	return RuleSet{
		SchemaVersion: "1.0.0",
		Rules: []Rule{
			{Name: "dispute", When: `event_type.contains("dispute") || event_type.contains("chargeback")`, Score: 0.9},
			{Name: "large-payment", When: `source == "payments" && has(data.amount) && double(data.amount) >= 10000.0`, Score: 0.75},
			{Name: "refund", When: `event_type.contains("refund")`, Score: 0.4},
		},
	}
}

type compiled struct {
	rule Rule
	prg  cel.Program
}

// Scorer evaluates a compiled rule set.
type Scorer struct {
	rules  []compiled
	logger *slog.Logger
}

// NewScorer compiles every rule up front so a bad rule fails at startup.
func NewScorer(set RuleSet) (*Scorer, error) {
	if err := checkVersion(set.SchemaVersion); err != nil {
		return nil, err
	}
	env, err := cel.NewEnv(
		cel.Variable("source", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("external_id", cel.StringType),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	s := &Scorer{logger: slog.Default().With("component", "risk")}
	for _, r := range set.Rules {
		if r.Score < 0 || r.Score > 1 {
			return nil, fmt.Errorf("rule %q: score must be within [0,1]", r.Name)
		}
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: compile: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q: expression must be boolean, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %q: program: %w", r.Name, err)
		}
		s.rules = append(s.rules, compiled{rule: r, prg: prg})
	}
	return s, nil
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules file: %w", err)
	}
	var set RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&set); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules file: %w", err)
	}
	return set, nil
}

// Score returns the highest matching rule score. Rules that fail to evaluate for an
// event are skipped.
func (s *Scorer) Score(ctx context.Context, env canonicalize.Envelope) (float64, error) {
	input := map[string]any{
		"source":      string(env.Source),
		"event_type":  env.Type,
		"external_id": env.ExternalID,
		"data":        toCEL(env.Data),
	}

	var score float64
	for _, c := range s.rules {
		out, _, err := c.prg.ContextEval(ctx, input)
		if err != nil {
			s.logger.DebugContext(ctx, "risk rule skipped", "rule", c.rule.Name, "error", err)
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched && c.rule.Score > score {
			score = c.rule.Score
		}
	}
	return score, nil
}

func checkVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("rules schema_version %q: %w", v, err)
	}
	c, err := semver.NewConstraint(RulesSchemaConstraint)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("rules schema_version %s does not satisfy %s", ver, RulesSchemaConstraint)
	}
	return nil
}

// toCEL converts json.Number leaves into int64 or float64.
func toCEL(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toCEL(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toCEL(val)
		}
		return out
	case json.Number:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i
		}
		f, _ := strconv.ParseFloat(string(t), 64)
		return f
	default:
		return v
	}
}
