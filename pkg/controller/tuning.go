package controller

import (
	"bytes"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// TuningSchemaConstraint is the range of tuning file versions this build understands.
const TuningSchemaConstraint = "^1.0.0"

// Tuning holds the controller constants.
type Tuning struct {
	SchemaVersion string       `yaml:"schema_version" json:"schema_version"`
	Gain          float64      `yaml:"gain" json:"gain"`
	LambdaLow     float64      `yaml:"lambda_low" json:"lambda_low"`
	LambdaHigh    float64      `yaml:"lambda_high" json:"lambda_high"`
	Coupling      CouplingSpec `yaml:"coupling" json:"coupling"`
}

// DefaultTuning peaks the coupling at Tc = 0.9.
func DefaultTuning() Tuning {
	return Tuning{
		SchemaVersion: "1.0.0",
		Gain:          0.5,
		LambdaLow:     0.6,
		LambdaHigh:    1.2,
		Coupling:      CouplingSpec{Kind: "gaussian", Tc: 0.9, Width: 0.25},
	}
}

// Validate checks the schema version and the constants.
func (t Tuning) Validate() error {
	v, err := semver.NewVersion(t.SchemaVersion)
	if err != nil {
		return fmt.Errorf("tuning schema_version %q: %w", t.SchemaVersion, err)
	}
	c, err := semver.NewConstraint(TuningSchemaConstraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("tuning schema_version %s does not satisfy %s", v, TuningSchemaConstraint)
	}
	if !finite(t.Gain) || t.Gain <= 0 {
		return fmt.Errorf("tuning gain must be positive, got %v", t.Gain)
	}
	if !finite(t.LambdaLow) || !finite(t.LambdaHigh) || t.LambdaLow < 0 || t.LambdaLow > t.LambdaHigh {
		return fmt.Errorf("tuning band [%v, %v] is invalid", t.LambdaLow, t.LambdaHigh)
	}
	if _, err := t.Coupling.Build(); err != nil {
		return err
	}
	return nil
}

// LoadTuning reads a YAML tuning file. Fields missing from the file keep their
// defaults.
func LoadTuning(path string) (Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}
	return ParseTuning(data)
}

// ParseTuning decodes YAML tuning over the defaults.
func ParseTuning(data []byte) (Tuning, error) {
	t := DefaultTuning()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Tuning{}, fmt.Errorf("parse tuning: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}
