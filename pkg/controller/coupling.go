package controller

import (
	"fmt"
	"math"
)

// Coupling is the temperature coupling f(T). It should peak near the critical
// temperature and return values in [0,1].
type Coupling func(t float64) float64

// GaussianCoupling peaks at 1 when t == tc and falls off with the given width.
func GaussianCoupling(tc, width float64) Coupling {
	return func(t float64) float64 {
		d := (t - tc) / width
		return math.Exp(-0.5 * d * d)
	}
}

// TriangularCoupling peaks at 1 when t == tc and reaches 0 at tc ± halfWidth.
func TriangularCoupling(tc, halfWidth float64) Coupling {
	return func(t float64) float64 {
		return math.Max(0, 1-math.Abs(t-tc)/halfWidth)
	}
}

// CouplingSpec selects a built-in coupling from configuration.
type CouplingSpec struct {
	Kind  string  `yaml:"kind" json:"kind"`
	Tc    float64 `yaml:"tc" json:"tc"`
	Width float64 `yaml:"width" json:"width"`
}

// Build returns the coupling function s describes.
func (s CouplingSpec) Build() (Coupling, error) {
	if !finite(s.Tc) || !finite(s.Width) || s.Width <= 0 {
		return nil, fmt.Errorf("coupling %q: tc must be finite and width positive", s.Kind)
	}
	switch s.Kind {
	case "", "gaussian":
		return GaussianCoupling(s.Tc, s.Width), nil
	case "triangular":
		return TriangularCoupling(s.Tc, s.Width), nil
	default:
		return nil, fmt.Errorf("unknown coupling kind %q", s.Kind)
	}
}
