package domain

import (
	"fmt"
	"math"
)

// Factor names, in canonical order. Artifacts and weight files use these keys.
const (
	FactorMomentum       = "momentum"
	FactorValue          = "value"
	FactorQuality        = "quality"
	FactorVolume         = "volume"
	FactorVolatility     = "volatility"
	FactorTechnical      = "technical"
	FactorMarketStrength = "market_strength"
)

// FactorOrder is the canonical iteration order for the seven factors.
var FactorOrder = []string{
	FactorMomentum,
	FactorValue,
	FactorQuality,
	FactorVolume,
	FactorVolatility,
	FactorTechnical,
	FactorMarketStrength,
}

// FactorScores holds the seven normalized factor values for one candidate.
type FactorScores struct {
	Momentum       float64 `json:"momentum"`
	Value          float64 `json:"value"`
	Quality        float64 `json:"quality"`
	Volume         float64 `json:"volume"`
	Volatility     float64 `json:"volatility"`
	Technical      float64 `json:"technical"`
	MarketStrength float64 `json:"market_strength"`
}

// Get returns the value of a named factor.
func (f FactorScores) Get(name string) (float64, bool) {
	switch name {
	case FactorMomentum:
		return f.Momentum, true
	case FactorValue:
		return f.Value, true
	case FactorQuality:
		return f.Quality, true
	case FactorVolume:
		return f.Volume, true
	case FactorVolatility:
		return f.Volatility, true
	case FactorTechnical:
		return f.Technical, true
	case FactorMarketStrength:
		return f.MarketStrength, true
	}
	return 0, false
}

// Set assigns the value of a named factor.
func (f *FactorScores) Set(name string, v float64) bool {
	switch name {
	case FactorMomentum:
		f.Momentum = v
	case FactorValue:
		f.Value = v
	case FactorQuality:
		f.Quality = v
	case FactorVolume:
		f.Volume = v
	case FactorVolatility:
		f.Volatility = v
	case FactorTechnical:
		f.Technical = v
	case FactorMarketStrength:
		f.MarketStrength = v
	default:
		return false
	}
	return true
}

// FactorWeights maps factor name to weight.
type FactorWeights map[string]float64

// Weight bounds enforced on every factor weight vector in use.
const (
	MinFactorWeight    = 0.05
	MaxFactorWeight    = 0.40
	MaxWeightStep      = 0.05 // max absolute per-component change per update
	WeightSumTolerance = 1e-6
)

// DefaultFactorWeights are the fixed constants used when no valid dynamic
// vector is available.
func DefaultFactorWeights() FactorWeights {
	return FactorWeights{
		FactorMomentum:       0.20,
		FactorValue:          0.15,
		FactorQuality:        0.15,
		FactorVolume:         0.10,
		FactorVolatility:     0.10,
		FactorTechnical:      0.20,
		FactorMarketStrength: 0.10,
	}
}

// Validate checks the weight-vector invariants: all seven factors present,
// each weight in [0.05, 0.40], sum equal to 1 within tolerance.
func (w FactorWeights) Validate() error {
	sum := 0.0
	for _, name := range FactorOrder {
		v, ok := w[name]
		if !ok {
			return fmt.Errorf("factor weights: missing %q", name)
		}
		if v < MinFactorWeight || v > MaxFactorWeight {
			return fmt.Errorf("factor weights: %s=%.4f outside [%.2f, %.2f]",
				name, v, MinFactorWeight, MaxFactorWeight)
		}
		sum += v
	}
	if len(w) != len(FactorOrder) {
		return fmt.Errorf("factor weights: %d entries, want %d", len(w), len(FactorOrder))
	}
	if math.Abs(sum-1.0) > WeightSumTolerance {
		return fmt.Errorf("factor weights: sum %.8f != 1", sum)
	}
	return nil
}

// ValidateStep checks that no component moved more than MaxWeightStep from prev.
func (w FactorWeights) ValidateStep(prev FactorWeights) error {
	for _, name := range FactorOrder {
		if math.Abs(w[name]-prev[name]) > MaxWeightStep+WeightSumTolerance {
			return fmt.Errorf("factor weights: %s changed by %.4f (max %.2f)",
				name, math.Abs(w[name]-prev[name]), MaxWeightStep)
		}
	}
	return nil
}

// Composite returns the weighted sum of the factor values. The caller is
// responsible for having validated w.
func (f FactorScores) Composite(w FactorWeights) float64 {
	total := 0.0
	for _, name := range FactorOrder {
		v, _ := f.Get(name)
		total += v * w[name]
	}
	return total
}
