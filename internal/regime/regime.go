// Package regime classifies the market from benchmark index bars into one
// of four states: bull, sideways, bear or high_volatility. The volatility
// state is disjoint from the directional ones and takes priority, because
// position sizing must shrink in a storm regardless of trend.
package regime

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/haetae-bot/haetae/internal/domain"
)

// Params are the classification thresholds, from config.
type Params struct {
	TrendWindow    int     // bars for the trend return and long SMA
	ShortWindow    int     // bars for the short SMA
	VolWindow      int     // bars for realized volatility
	BullReturn     float64 // trend return at or above this is bullish
	BearReturn     float64 // trend return at or below this is bearish
	HighVol        float64 // annualized vol at or above this is high_volatility
	SmoothingAlpha float64 // EMA alpha for the published score
}

// DefaultParams mirror the config defaults.
func DefaultParams() Params {
	return Params{
		TrendWindow:    60,
		ShortWindow:    20,
		VolWindow:      20,
		BullReturn:     0.05,
		BearReturn:     -0.05,
		HighVol:        0.40,
		SmoothingAlpha: 0.1,
	}
}

// Reading is one classification with its inputs preserved for telemetry.
type Reading struct {
	Regime      domain.Regime `json:"regime"`
	Score       float64       `json:"score"` // trend score in [-1, 1]
	TrendReturn float64       `json:"trend_return"`
	RealizedVol float64       `json:"realized_vol"`
}

// Classify derives the regime from index bars, oldest first. It needs
// TrendWindow+1 bars; fewer is an error, never a silent default.
func Classify(index []domain.Candle, p Params) (Reading, error) {
	need := p.TrendWindow + 1
	if len(index) < need {
		return Reading{}, fmt.Errorf("regime: need at least %d index bars, have %d", need, len(index))
	}

	closes := make([]float64, len(index))
	for i, c := range index {
		if c.Close <= 0 {
			return Reading{}, fmt.Errorf("regime: non-positive index close at %s", c.Date)
		}
		closes[i] = c.Close
	}

	last := closes[len(closes)-1]
	base := closes[len(closes)-1-p.TrendWindow]
	trendReturn := last/base - 1

	vol := realizedVol(closes, p.VolWindow)

	r := Reading{
		Score:       math.Tanh(trendReturn / 0.10),
		TrendReturn: trendReturn,
		RealizedVol: vol,
	}

	smaShort := mean(closes[len(closes)-p.ShortWindow:])
	smaLong := mean(closes[len(closes)-p.TrendWindow:])

	switch {
	case vol >= p.HighVol:
		r.Regime = domain.RegimeHighVolatility
	case trendReturn >= p.BullReturn && smaShort > smaLong:
		r.Regime = domain.RegimeBull
	case trendReturn <= p.BearReturn && smaShort < smaLong:
		r.Regime = domain.RegimeBear
	default:
		r.Regime = domain.RegimeSideways
	}
	return r, nil
}

// realizedVol is the annualized sample stddev of the last n daily log
// returns. closes must be positive; Classify checks that.
func realizedVol(closes []float64, n int) float64 {
	if len(closes) < n+1 {
		n = len(closes) - 1
	}
	rets := make([]float64, 0, n)
	for i := len(closes) - n; i < len(closes); i++ {
		rets = append(rets, math.Log(closes[i]/closes[i-1]))
	}
	return stat.StdDev(rets, nil) * math.Sqrt(252)
}

func mean(xs []float64) float64 { return stat.Mean(xs, nil) }

// Smooth applies exponential moving average smoothing to the regime score.
func Smooth(current, last, alpha float64) float64 {
	return alpha*current + (1-alpha)*last
}
