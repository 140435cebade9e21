package risk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haetae-bot/haetae/internal/domain"
)

func flatRangeBars(n int, close, spread float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		out[i] = domain.Candle{
			Date:   fmt.Sprintf("2025-07-%02d", i%28+1),
			Open:   close,
			High:   close + spread/2,
			Low:    close - spread/2,
			Close:  close,
			Volume: 10_000,
		}
	}
	return out
}

func TestStopParamsFor(t *testing.T) {
	tests := []struct {
		regime domain.Regime
		want   StopParams
	}{
		{domain.RegimeBull, StopParams{StopMult: 2.5, TakeMult: 4.0}},
		{domain.RegimeBear, StopParams{StopMult: 1.5, TakeMult: 2.0}},
		{domain.RegimeHighVolatility, StopParams{StopMult: 1.5, TakeMult: 2.0}},
		{domain.RegimeSideways, StopParams{StopMult: 2.0, TakeMult: 3.0}},
		{domain.Regime("unknown"), StopParams{StopMult: 2.0, TakeMult: 3.0}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StopParamsFor(tt.regime), string(tt.regime))
	}
}

func TestStopLevels(t *testing.T) {
	stop, take := StopLevels(domain.RegimeBull, 70_000, 1_000)
	assert.InDelta(t, 67_500.0, stop, 1e-9)
	assert.InDelta(t, 74_000.0, take, 1e-9)

	stop, take = StopLevels(domain.RegimeBear, 70_000, 1_000)
	assert.InDelta(t, 68_500.0, stop, 1e-9)
	assert.InDelta(t, 72_000.0, take, 1e-9)
}

func TestATR_ConstantRange(t *testing.T) {
	// Constant true range of 2 smooths to exactly 2.
	atr, err := ATR(flatRangeBars(40, 100, 2), ATRPeriod)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, atr, 1e-9)
}

func TestATR_InsufficientBars(t *testing.T) {
	_, err := ATR(flatRangeBars(10, 100, 2), ATRPeriod)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need at least 15 bars, have 10")

	_, err = ATR(flatRangeBars(40, 100, 2), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "period must be positive")
}

func TestATR_DegenerateRange(t *testing.T) {
	// A halted name prints identical OHLC all day; its range is zero and no
	// meaningful stop distance exists.
	_, err := ATR(flatRangeBars(40, 100, 0), ATRPeriod)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "degenerate")
}

func TestTrailStop(t *testing.T) {
	assert.Equal(t, 68_000.0, TrailStop(67_000, 68_000))
	assert.Equal(t, 68_000.0, TrailStop(68_000, 67_000), "a stop never loosens")
	assert.Equal(t, 68_000.0, TrailStop(68_000, 68_000))
}
