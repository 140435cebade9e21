package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

const (
	defaultLambda        = 1.0 // risk aversion
	defaultCorrThreshold = 0.7 // pairwise correlation that triggers re-weighting
	penaltyWeight        = 1000.0
	weightSumTol         = 1e-6
)

// MeanVariance maximizes mu'w - lambda*w'SIGMA*w over the bounded simplex
// using a penalty method: the sum constraint rides as a quadratic penalty,
// box bounds via projection inside the objective.
type MeanVariance struct {
	Lambda        float64
	CorrThreshold float64
	log           zerolog.Logger
}

// NewMeanVariance creates a solver with the default risk aversion and
// correlation threshold.
func NewMeanVariance(log zerolog.Logger) *MeanVariance {
	return &MeanVariance{
		Lambda:        defaultLambda,
		CorrThreshold: defaultCorrThreshold,
		log:           log.With().Str("component", "optimizer").Logger(),
	}
}

// Optimize computes weights for the given per-asset return series, each
// weight in [minW, maxW], summing to one. Correlated pairs above the
// threshold are dampened after the solve. Errors are expected operational
// outcomes; callers fall back to EqualWeights.
func (o *MeanVariance) Optimize(returns [][]float64, minW, maxW float64) ([]float64, error) {
	n := len(returns)
	if n == 0 {
		return nil, fmt.Errorf("no assets to optimize")
	}
	if err := checkFeasible(n, minW, maxW); err != nil {
		return nil, err
	}
	if n == 1 {
		return []float64{1}, nil
	}

	mu := make([]float64, n)
	for i, r := range returns {
		mu[i] = stat.Mean(r, nil)
	}

	sample, err := SampleCovariance(returns)
	if err != nil {
		return nil, err
	}
	shrunk, err := LedoitWolf(sample)
	if err != nil {
		return nil, err
	}
	sigma := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sigma.Set(i, j, shrunk[i][j])
		}
	}

	x, err := o.solve(mu, sigma, minW, maxW)
	if err != nil {
		return nil, err
	}

	weights := projectToSimplex(x, minW, maxW)
	weights = o.reweightCorrelated(weights, CorrelationFromCovariance(shrunk), minW, maxW)

	if err := validateWeights(weights, minW, maxW); err != nil {
		return nil, err
	}
	return weights, nil
}

func (o *MeanVariance) solve(mu []float64, sigma *mat.Dense, minW, maxW float64) ([]float64, error) {
	n := len(mu)
	lambda := o.Lambda

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			w := clampAll(x, minW, maxW)

			var ret, variance float64
			for i := 0; i < n; i++ {
				ret += mu[i] * w[i]
				for j := 0; j < n; j++ {
					variance += w[i] * w[j] * sigma.At(i, j)
				}
			}

			sum := 0.0
			for i := 0; i < n; i++ {
				sum += w[i]
			}

			obj := -(ret - lambda*variance)
			obj += penaltyWeight * (sum - 1) * (sum - 1)
			return obj
		},
		Grad: func(grad, x []float64) {
			w := clampAll(x, minW, maxW)

			sum := 0.0
			for i := 0; i < n; i++ {
				sum += w[i]
			}
			for i := 0; i < n; i++ {
				grad[i] = -mu[i]
				for j := 0; j < n; j++ {
					grad[i] += 2 * lambda * sigma.At(i, j) * w[j]
				}
				grad[i] += 2 * penaltyWeight * (sum - 1)
			}
		},
	}

	initial := make([]float64, n)
	for i := range initial {
		initial[i] = 1 / float64(n)
	}

	converged := map[optimize.Status]bool{
		optimize.Success:             true,
		optimize.GradientThreshold:   true,
		optimize.FunctionConvergence: true,
	}

	result, err := optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.NelderMead{})
	if err == nil && converged[result.Status] {
		return result.X, nil
	}

	result, err = optimize.Minimize(problem, initial, &optimize.Settings{}, &optimize.BFGS{})
	if err != nil {
		return nil, fmt.Errorf("optimization failed: %w", err)
	}
	if !converged[result.Status] {
		return nil, fmt.Errorf("optimization did not converge: status=%v", result.Status)
	}
	return result.X, nil
}

// reweightCorrelated dampens every pair whose correlation magnitude
// exceeds the threshold, scaling both members toward the threshold, then
// re-projects onto the bounded simplex. The freed weight moves to less
// correlated names.
func (o *MeanVariance) reweightCorrelated(w []float64, corr [][]float64, minW, maxW float64) []float64 {
	n := len(w)
	dampened := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			rho := math.Abs(corr[i][j])
			if rho <= o.CorrThreshold {
				continue
			}
			f := o.CorrThreshold / rho
			w[i] *= f
			w[j] *= f
			dampened++
		}
	}
	if dampened == 0 {
		return w
	}
	o.log.Debug().Int("pairs", dampened).Float64("threshold", o.CorrThreshold).Msg("Dampened correlated pairs")
	return projectToSimplex(w, minW, maxW)
}

// EqualWeights is the fallback allocation: 1/n each. It ignores bounds,
// which is accepted for small selections where the cap is infeasible.
func EqualWeights(n int) []float64 {
	if n <= 0 {
		return nil
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// InverseVolatility weights each asset by the inverse of its return
// stddev, projected onto the bounded simplex. Cheap and robust when the
// covariance estimate is too noisy to trust.
func InverseVolatility(returns [][]float64, minW, maxW float64) ([]float64, error) {
	n := len(returns)
	if n == 0 {
		return nil, fmt.Errorf("no assets to optimize")
	}
	if err := checkFeasible(n, minW, maxW); err != nil {
		return nil, err
	}
	if n == 1 {
		return []float64{1}, nil
	}

	w := make([]float64, n)
	for i, r := range returns {
		if len(r) < 2 {
			return nil, fmt.Errorf("series %d has %d observations, need at least 2", i, len(r))
		}
		sd := stat.StdDev(r, nil)
		if sd <= 0 {
			sd = 1e-8
		}
		w[i] = 1 / sd
	}
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	for i := range w {
		w[i] /= sum
	}
	return projectToSimplex(w, minW, maxW), nil
}

func checkFeasible(n int, minW, maxW float64) error {
	if minW < 0 || maxW <= 0 || minW > maxW {
		return fmt.Errorf("invalid weight bounds [%.3f, %.3f]", minW, maxW)
	}
	if float64(n)*maxW < 1-weightSumTol {
		return fmt.Errorf("bounds infeasible: %d assets cannot sum to 1 with max weight %.3f", n, maxW)
	}
	if float64(n)*minW > 1+weightSumTol {
		return fmt.Errorf("bounds infeasible: %d assets at min weight %.3f already exceed 1", n, minW)
	}
	return nil
}

func clampAll(x []float64, lo, hi float64) []float64 {
	w := make([]float64, len(x))
	for i, v := range x {
		w[i] = math.Min(hi, math.Max(lo, v))
	}
	return w
}

// projectToSimplex clamps to [lo, hi] and spreads the sum deviation over
// the components with remaining slack. The adjustment is proportional to
// slack, so one pass lands exactly when the bounds are feasible; the loop
// guards rounding.
func projectToSimplex(w []float64, lo, hi float64) []float64 {
	n := len(w)
	for iter := 0; iter < 100; iter++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			w[i] = math.Min(hi, math.Max(lo, w[i]))
			sum += w[i]
		}
		switch {
		case math.Abs(sum-1) <= weightSumTol:
			return w
		case sum < 1:
			head := 0.0
			for i := 0; i < n; i++ {
				head += hi - w[i]
			}
			if head <= 0 {
				return w
			}
			for i := 0; i < n; i++ {
				w[i] += (1 - sum) * (hi - w[i]) / head
			}
		default:
			slack := 0.0
			for i := 0; i < n; i++ {
				slack += w[i] - lo
			}
			if slack <= 0 {
				return w
			}
			for i := 0; i < n; i++ {
				w[i] -= (sum - 1) * (w[i] - lo) / slack
			}
		}
	}
	return w
}

func validateWeights(w []float64, minW, maxW float64) error {
	sum := 0.0
	for i, v := range w {
		if v < minW-1e-4 || v > maxW+1e-4 {
			return fmt.Errorf("weight %d out of bounds: %.4f not in [%.3f, %.3f]", i, v, minW, maxW)
		}
		sum += v
	}
	if math.Abs(sum-1) > 1e-4 {
		return fmt.Errorf("weights sum to %.6f, want 1", sum)
	}
	return nil
}
