// Package controller turns viability snapshots into a bounded throttle using a
// proportional law on the evolvability score
//
//	Λ = f(T) × (Φd / Φs)
//
// The controller has no side effects. It proposes an Action; the executor decides
// whether to apply it.
package controller

import (
	"encoding/json"
	"math"

	"github.com/Mindburn-Labs/helm-governor/pkg/observer"
)

// Rationale records every input and intermediate value behind an action.
type Rationale struct {
	StaticViability  float64 `json:"phi_s"`
	DynamicViability float64 `json:"phi_d"`
	Temperature      float64 `json:"temperature"`
	Coupling         float64 `json:"coupling"`
	Lambda           float64 `json:"lambda"`
	LambdaLow        float64 `json:"lambda_low"`
	LambdaHigh       float64 `json:"lambda_high"`
	Error            float64 `json:"error"`
	Gain             float64 `json:"gain"`
	ThrottleOld      float64 `json:"throttle_old"`
	ThrottleNew      float64 `json:"throttle_new"`
	Degenerate       string  `json:"degenerate,omitempty"`
}

// String renders the rationale as compact JSON for persistence.
func (r Rationale) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}

// Action is a proposed throttle.
type Action struct {
	Throttle  float64   `json:"throttle"`
	Rationale Rationale `json:"rationale"`
}

// Controller applies the proportional law.
type Controller struct {
	tuning   Tuning
	coupling Coupling
}

// New builds a controller from validated tuning.
func New(t Tuning) (*Controller, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	f, _ := t.Coupling.Build()
	return &Controller{tuning: t, coupling: f}, nil
}

// WithCoupling replaces f(T).
func (c *Controller) WithCoupling(f Coupling) *Controller {
	c.coupling = f
	return c
}

// Tuning returns the active constants.
func (c *Controller) Tuning() Tuning {
	return c.tuning
}

// Lambda computes Λ and reports why it was forced to zero, if it was.
// Φs at or below zero is maximal instability.
func (c *Controller) Lambda(m observer.Metrics) (lambda, coupling float64, degenerate string) {
	if !finite(m.StaticViability) || !finite(m.DynamicViability) || !finite(m.Temperature) {
		return 0, 0, "non-finite input"
	}
	coupling = c.coupling(m.Temperature)
	if !finite(coupling) {
		return 0, 0, "non-finite coupling"
	}
	if m.StaticViability <= 0 {
		return 0, coupling, "static viability at or below zero"
	}
	lambda = coupling * (m.DynamicViability / m.StaticViability)
	if !finite(lambda) {
		return 0, coupling, "non-finite lambda"
	}
	return lambda, coupling, ""
}

// Control computes the next throttle from a snapshot.
func (c *Controller) Control(snap observer.Snapshot, throttleOld float64) Action {
	lambda, coupling, degenerate := c.Lambda(snap.Metrics)
	a := c.Step(lambda, throttleOld)
	a.Rationale.StaticViability = snap.StaticViability
	a.Rationale.DynamicViability = snap.DynamicViability
	a.Rationale.Temperature = snap.Temperature
	a.Rationale.Coupling = coupling
	if degenerate != "" {
		a.Rationale.Degenerate = degenerate
	}
	return a
}

// Step applies the law to an already-computed Λ.
func (c *Controller) Step(lambda, throttleOld float64) Action {
	var degenerate string
	if !finite(lambda) {
		lambda, degenerate = 0, "non-finite lambda"
	}
	// An unknown previous throttle is treated as fully throttled.
	if !finite(throttleOld) {
		throttleOld = 1
	}

	var e float64
	switch {
	case lambda < c.tuning.LambdaLow:
		e = c.tuning.LambdaLow - lambda
	case lambda > c.tuning.LambdaHigh:
		e = c.tuning.LambdaHigh - lambda
	}
	next := clamp(throttleOld+c.tuning.Gain*e, 0, 1)

	return Action{
		Throttle: next,
		Rationale: Rationale{
			Lambda:      lambda,
			LambdaLow:   c.tuning.LambdaLow,
			LambdaHigh:  c.tuning.LambdaHigh,
			Error:       e,
			Gain:        c.tuning.Gain,
			ThrottleOld: throttleOld,
			ThrottleNew: next,
			Degenerate:  degenerate,
		},
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return hi
	}
	return math.Min(hi, math.Max(lo, v))
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
