package registry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/haetae-bot/haetae/internal/domain"
)

// Builtin factor set, version v1. Every factor maps its raw signal onto a
// 0..100 scale; the selection pipeline z-scores the values across a batch
// before weighting, so only monotonicity and rough comparability matter
// here.

// Momentum blends trailing returns over one, three and six trading months,
// weighted toward the recent horizon. Horizons without enough history are
// dropped and the weights renormalized, so newly listed codes still score
// once they have a month of bars.
func Momentum(in Inputs) (float64, error) {
	horizons := []struct {
		bars   int
		weight float64
	}{
		{20, 0.5},
		{60, 0.3},
		{120, 0.2},
	}

	var weighted, total float64
	for _, h := range horizons {
		r, err := returnOver(in.Candles, h.bars)
		if err != nil {
			continue
		}
		weighted += r * h.weight
		total += h.weight
	}
	if total == 0 {
		return 0, fmt.Errorf("momentum: need at least %d bars, have %d", 21, len(in.Candles))
	}
	return scaleLinear(weighted/total, -0.20, 0.20), nil
}

// Value scores cheapness from the quote's PER and PBR. Loss-making codes
// (PER reported as zero or negative) take a fixed low earnings score
// instead of an undefined one; an unreported PBR is neutral.
func Value(in Inputs) (float64, error) {
	perScore := 20.0
	if in.Quote.PER > 0 {
		perScore = scaleInverse(in.Quote.PER, 5, 25)
	}
	pbrScore := 50.0
	if in.Quote.PBR > 0 {
		pbrScore = scaleInverse(in.Quote.PBR, 0.8, 3.0)
	}
	return 0.6*perScore + 0.4*pbrScore, nil
}

// Quality scores balance-sheet strength: ROE, leverage (inverted) and net
// income growth from the latest reporting period.
func Quality(in Inputs) (float64, error) {
	f := in.Fundamentals
	roeScore := scaleLinear(f.ROE, 0, 20)
	debtScore := scaleInverse(f.DebtRatio, 50, 200)
	growthScore := scaleLinear(f.NetIncomeGrowth, -20, 40)
	return 0.5*roeScore + 0.3*debtScore + 0.2*growthScore, nil
}

// VolumeTrend compares five-day average volume against the twenty-day
// average. A ratio of 1 is neutral; twice the usual turnover saturates the
// scale.
func VolumeTrend(in Inputs) (float64, error) {
	if len(in.Candles) < 20 {
		return 0, fmt.Errorf("volume: need at least 20 bars, have %d", len(in.Candles))
	}
	short := avgVolume(in.Candles, 5)
	long := avgVolume(in.Candles, 20)
	if long == 0 {
		return 0, fmt.Errorf("volume: no turnover in the last 20 bars")
	}
	return scaleLinear(short/long, 0.5, 2.0), nil
}

// Volatility scores realized annualized volatility inverted: calm names
// high, violent names low. The preference for a specific band is expressed
// separately by the volatility-fit function.
func Volatility(in Inputs) (float64, error) {
	vol, err := AnnualizedVolatility(in.Candles, 20)
	if err != nil {
		return 0, fmt.Errorf("volatility: %w", err)
	}
	return scaleInverse(vol, 0.15, 0.60), nil
}

// Technical blends price position against the 20- and 60-day moving
// averages with the position inside the 52-week range.
func Technical(in Inputs) (float64, error) {
	if len(in.Candles) < 60 {
		return 0, fmt.Errorf("technical: need at least 60 bars, have %d", len(in.Candles))
	}
	price := in.Candles[len(in.Candles)-1].Close
	if in.Quote.Price > 0 {
		price = in.Quote.Price
	}
	if price <= 0 {
		return 0, fmt.Errorf("technical: no usable price")
	}

	cl := closes(in.Candles)
	shortScore := scaleLinear(price/sma(cl, 20)-1, -0.05, 0.05)
	longScore := scaleLinear(price/sma(cl, 60)-1, -0.10, 0.10)

	rangeScore := 50.0
	if in.Quote.High52w > in.Quote.Low52w && in.Quote.Low52w > 0 {
		rangeScore = (price - in.Quote.Low52w) / (in.Quote.High52w - in.Quote.Low52w) * 100
		rangeScore = clamp(rangeScore, 0, 100)
	}
	return 0.4*shortScore + 0.3*longScore + 0.3*rangeScore, nil
}

// MarketStrength is relative strength: the candidate's one-month return
// minus the benchmark index return over the same horizon.
func MarketStrength(in Inputs) (float64, error) {
	stock, err := returnOver(in.Candles, 20)
	if err != nil {
		return 0, fmt.Errorf("market_strength: %w", err)
	}
	index, err := returnOver(in.IndexCandles, 20)
	if err != nil {
		return 0, fmt.Errorf("market_strength: index series: %w", err)
	}
	return scaleLinear(stock-index, -0.10, 0.10), nil
}

// BandVolatilityFit is the builtin volatility-fit: 1 inside the optimal
// band, exponential decay with distance outside it. Scale is the decay
// rate per unit of annualized volatility; zero or negative falls back to
// a decay reaching ~0.37 one band-width outside.
func BandVolatilityFit(annualVol float64, p VolatilityFitParams) float64 {
	if p.Scale <= 0 {
		p.Scale = 10
	}
	var dist float64
	switch {
	case annualVol < p.OptimalMin:
		dist = p.OptimalMin - annualVol
	case annualVol > p.OptimalMax:
		dist = annualVol - p.OptimalMax
	default:
		return 1
	}
	return math.Exp(-p.Scale * dist)
}

// AnnualizedVolatility is the sample standard deviation of the last n
// daily log returns, annualized by √252. Exported because the selection
// pipeline feeds it to the volatility-fit function.
func AnnualizedVolatility(candles []domain.Candle, n int) (float64, error) {
	if len(candles) < n+1 {
		return 0, fmt.Errorf("need at least %d bars, have %d", n+1, len(candles))
	}
	rets := make([]float64, 0, n)
	for i := len(candles) - n; i < len(candles); i++ {
		prev, cur := candles[i-1].Close, candles[i].Close
		if prev <= 0 || cur <= 0 {
			return 0, fmt.Errorf("non-positive close at %s", candles[i].Date)
		}
		rets = append(rets, math.Log(cur/prev))
	}
	return stat.StdDev(rets, nil) * math.Sqrt(252), nil
}

// returnOver is the simple return across the last n bars.
func returnOver(candles []domain.Candle, n int) (float64, error) {
	if len(candles) < n+1 {
		return 0, fmt.Errorf("need at least %d bars, have %d", n+1, len(candles))
	}
	base := candles[len(candles)-1-n].Close
	last := candles[len(candles)-1].Close
	if base <= 0 {
		return 0, fmt.Errorf("non-positive base close")
	}
	return last/base - 1, nil
}

func closes(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// sma is the mean of the last n values.
func sma(xs []float64, n int) float64 {
	return stat.Mean(xs[len(xs)-n:], nil)
}

func avgVolume(candles []domain.Candle, n int) float64 {
	sum := 0.0
	for _, c := range candles[len(candles)-n:] {
		sum += float64(c.Volume)
	}
	return sum / float64(n)
}

// scaleLinear maps x onto 0..100 linearly between lo and hi, clamped.
func scaleLinear(x, lo, hi float64) float64 {
	return clamp((x-lo)/(hi-lo)*100, 0, 100)
}

// scaleInverse is scaleLinear flipped: lo scores 100, hi scores 0.
func scaleInverse(x, lo, hi float64) float64 {
	return 100 - scaleLinear(x, lo, hi)
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
