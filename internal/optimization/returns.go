// Package optimization builds daily portfolio weights for the Phase-2
// selection: a penalty-method mean-variance solver over trailing returns,
// with a Ledoit-Wolf covariance estimate and a correlation dampener. The
// solver returning an error is an expected outcome; callers fall back to
// equal weights.
package optimization

import (
	"fmt"

	"github.com/haetae-bot/haetae/internal/domain"
)

// DailyReturns converts a daily bar series into simple close-to-close
// returns. The result is one element shorter than the input.
func DailyReturns(candles []domain.Candle) ([]float64, error) {
	if len(candles) < 2 {
		return nil, fmt.Errorf("need at least 2 bars for returns, got %d", len(candles))
	}
	rets := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev <= 0 {
			return nil, fmt.Errorf("non-positive close %.2f at %s", prev, candles[i-1].Date)
		}
		rets = append(rets, candles[i].Close/prev-1)
	}
	return rets, nil
}
