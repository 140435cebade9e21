// Package risk implements the pre-order approval chain: position sizing,
// correlation gating, stop placement, drawdown responses and the circuit
// breaker. The engine consults it before every order; nothing here places
// orders itself.
package risk

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/haetae-bot/haetae/internal/domain"
)

// ATRPeriod is the lookback for the average true range used by stops.
const ATRPeriod = 14

// StopParams are the ATR multipliers for one regime: stop-loss sits
// StopMult ATRs below entry, take-profit TakeMult ATRs above.
type StopParams struct {
	StopMult float64
	TakeMult float64
}

// StopParamsFor returns the regime's multipliers. Bull markets get room to
// ride trends; bear and high-volatility markets cut losers fast.
func StopParamsFor(regime domain.Regime) StopParams {
	switch regime {
	case domain.RegimeBull:
		return StopParams{StopMult: 2.5, TakeMult: 4.0}
	case domain.RegimeBear, domain.RegimeHighVolatility:
		return StopParams{StopMult: 1.5, TakeMult: 2.0}
	default:
		return StopParams{StopMult: 2.0, TakeMult: 3.0}
	}
}

// StopLevels derives entry stop-loss and take-profit from the ATR at entry.
func StopLevels(regime domain.Regime, entry, atr float64) (stopLoss, takeProfit float64) {
	p := StopParamsFor(regime)
	return entry - p.StopMult*atr, entry + p.TakeMult*atr
}

// ATR computes the average true range over the trailing period from daily
// bars, oldest first.
func ATR(candles []domain.Candle, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr: period must be positive")
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("atr: need at least %d bars, have %d", period+1, len(candles))
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	out := talib.Atr(highs, lows, closes, period)
	if len(out) == 0 {
		return 0, fmt.Errorf("atr: no output for %d bars", len(candles))
	}
	last := out[len(out)-1]
	if math.IsNaN(last) || last <= 0 {
		return 0, fmt.Errorf("atr: degenerate value %v", last)
	}
	return last, nil
}

// TrailStop ratchets a stop upward. A stop never moves down, so a pullback
// after a rally keeps the tighter level.
func TrailStop(current, candidate float64) float64 {
	if candidate > current {
		return candidate
	}
	return current
}
