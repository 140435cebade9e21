package optimization

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// SampleCovariance computes the N-1 sample covariance matrix of per-asset
// return series. All series must share the same length, at least two
// observations.
func SampleCovariance(returns [][]float64) ([][]float64, error) {
	n := len(returns)
	if n == 0 {
		return nil, fmt.Errorf("no return series provided")
	}
	obs := len(returns[0])
	for i, r := range returns {
		if len(r) != obs {
			return nil, fmt.Errorf("inconsistent return lengths: series %d has %d, expected %d", i, len(r), obs)
		}
	}
	if obs < 2 {
		return nil, fmt.Errorf("insufficient data: need at least 2 observations, got %d", obs)
	}

	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			c := stat.Covariance(returns[i], returns[j], nil)
			cov[i][j] = c
			cov[j][i] = c
		}
	}
	return cov, nil
}

// LedoitWolf shrinks a sample covariance matrix toward a constant
// correlation target. The intensity is the simplified estimator: the
// dispersion of the sample elements against their own spread, capped at
// one half so the sample always dominates.
func LedoitWolf(sample [][]float64) ([][]float64, error) {
	n := len(sample)
	if n == 0 {
		return nil, fmt.Errorf("empty covariance matrix")
	}
	if n == 1 {
		return [][]float64{{sample[0][0]}}, nil
	}

	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += sample[i][i]
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += sample[i][j]
			}
		}
	}
	avgVar /= float64(n)
	avgCov /= float64(n * (n - 1))

	target := func(i, j int) float64 {
		if i == j {
			return avgVar
		}
		if avgVar <= 0 {
			return 0
		}
		return avgCov
	}

	shrinkage := 0.2
	if n > 2 && avgVar > 0 {
		var sumSqDiff, sumSq, mean float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				diff := sample[i][j] - target(i, j)
				sumSqDiff += diff * diff
				mean += sample[i][j]
				sumSq += sample[i][j] * sample[i][j]
			}
		}
		count := float64(n * n)
		meanSqDiff := sumSqDiff / count
		mean /= count
		varSample := sumSq/count - mean*mean
		if varSample > 0 && meanSqDiff > 0 {
			shrinkage = math.Min(0.5, math.Max(0.0, varSample/(varSample+meanSqDiff)))
		}
	}

	shrunk := make([][]float64, n)
	for i := 0; i < n; i++ {
		shrunk[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			shrunk[i][j] = (1-shrinkage)*sample[i][j] + shrinkage*target(i, j)
		}
	}
	return shrunk, nil
}

// CorrelationFromCovariance derives the correlation matrix. Assets with
// zero variance correlate with nothing.
func CorrelationFromCovariance(cov [][]float64) [][]float64 {
	n := len(cov)
	corr := make([][]float64, n)
	for i := range corr {
		corr[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				corr[i][j] = 1
				continue
			}
			denom := math.Sqrt(cov[i][i] * cov[j][j])
			if denom <= 0 {
				corr[i][j] = 0
				continue
			}
			corr[i][j] = cov[i][j] / denom
		}
	}
	return corr
}
