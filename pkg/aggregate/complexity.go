package aggregate

import (
	"errors"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// ErrNegativeWeight rejects complexity weights below zero.
var ErrNegativeWeight = errors.New("complexity weight must not be negative")

// Weights are the coefficients of the complexity score.
type Weights struct {
	Line     float64 `mapstructure:"line"`
	Decision float64 `mapstructure:"decision"`
	Nesting  float64 `mapstructure:"nesting"`
	FanOut   float64 `mapstructure:"fan_out"`
}

// DefaultWeights returns the default coefficients.
func DefaultWeights() Weights {
	return Weights{Line: 1, Decision: 1, Nesting: 0.5, FanOut: 0.25}
}

// Validate rejects negative coefficients.
func (w Weights) Validate() error {
	if w.Line < 0 || w.Decision < 0 || w.Nesting < 0 || w.FanOut < 0 {
		return ErrNegativeWeight
	}

	return nil
}

// Score is the complexity of an entity with metrics m. It grows with size,
// branching, nesting and outgoing calls.
func (w Weights) Score(m model.Metrics) float64 {
	return w.Line*float64(m.Lines) +
		w.Decision*float64(m.Decisions) +
		w.Nesting*float64(m.MaxDepth) +
		w.FanOut*float64(m.Calls)
}
