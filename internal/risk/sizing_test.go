package risk

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/haetae-bot/haetae/internal/domain"
)

func closedTrade(pnl float64) domain.TradeRecord {
	return domain.TradeRecord{Code: "005930", Side: domain.SideSell, RealizedPnL: &pnl}
}

func testSizer(cfg SizingConfig) *Sizer {
	return NewSizer(cfg, zerolog.Nop())
}

// statsWith builds history with exact win/loss shape: wins winners of
// avgWin each, losses losers of avgLoss each, then streak trailing losers.
func statsWith(wins, losses int, avgWin, avgLoss float64, streak int) TradeStats {
	return TradeStats{
		Completed:  wins + losses,
		Wins:       wins,
		Losses:     losses,
		AvgWin:     avgWin,
		AvgLoss:    avgLoss,
		LossStreak: streak,
	}
}

func TestStatsFromTrades(t *testing.T) {
	trades := []domain.TradeRecord{
		closedTrade(100),
		{Code: "000660", Side: domain.SideBuy}, // open, ignored
		closedTrade(-40),
		closedTrade(60),
		closedTrade(-20),
		closedTrade(-30),
	}
	st := StatsFromTrades(trades)
	assert.Equal(t, 5, st.Completed)
	assert.Equal(t, 2, st.Wins)
	assert.Equal(t, 3, st.Losses)
	assert.InDelta(t, 80.0, st.AvgWin, 1e-9)
	assert.InDelta(t, 30.0, st.AvgLoss, 1e-9)
	assert.Equal(t, 2, st.LossStreak, "two losers since the last win")
}

func TestStatsFromTrades_BreakevenResetsStreak(t *testing.T) {
	st := StatsFromTrades([]domain.TradeRecord{
		closedTrade(-10),
		closedTrade(-10),
		closedTrade(0),
	})
	assert.Equal(t, 3, st.Completed)
	assert.Equal(t, 2, st.Losses)
	assert.Zero(t, st.LossStreak)
}

func TestSizer_DefaultBeforeEnoughHistory(t *testing.T) {
	s := testSizer(SizingConfig{})
	dec := s.Fraction(statsWith(6, 4, 100, 50, 0), 1.0, domain.RegimeBull)
	assert.Equal(t, "default", dec.Source)
	assert.InDelta(t, 0.05, dec.Base, 1e-9)
	assert.InDelta(t, 0.05, dec.Fraction, 1e-9)
}

func TestSizer_KellyActivates(t *testing.T) {
	s := testSizer(SizingConfig{})
	// p=0.6, b=2: f* = (1.2 - 0.4)/2 = 0.4, half-Kelly 0.2.
	dec := s.Fraction(statsWith(18, 12, 100, 50, 0), 1.0, domain.RegimeBull)
	assert.Equal(t, "kelly", dec.Source)
	assert.InDelta(t, 0.20, dec.Base, 1e-9)
	assert.InDelta(t, 0.20, dec.Fraction, 1e-9)
}

func TestSizer_ClampCeiling(t *testing.T) {
	s := testSizer(SizingConfig{})
	// p=5/6, b=4: half-Kelly just under 0.4, clamped to 0.25.
	dec := s.Fraction(statsWith(25, 5, 200, 50, 0), 1.0, domain.RegimeBull)
	assert.Equal(t, "kelly", dec.Source)
	assert.InDelta(t, 0.25, dec.Base, 1e-9)
}

func TestSizer_NegativeEdgeFloors(t *testing.T) {
	s := testSizer(SizingConfig{})
	// p=1/3, b=0.5: f* = -1, floored at the minimum fraction.
	dec := s.Fraction(statsWith(10, 20, 50, 100, 0), 1.0, domain.RegimeBull)
	assert.Equal(t, "kelly", dec.Source)
	assert.InDelta(t, 0.02, dec.Base, 1e-9)
}

func TestSizer_OneSidedHistoryFallsBack(t *testing.T) {
	s := testSizer(SizingConfig{})
	dec := s.Fraction(statsWith(30, 0, 100, 0, 0), 1.0, domain.RegimeBull)
	assert.Equal(t, "default", dec.Source, "no losers means no payoff ratio")

	dec = s.Fraction(statsWith(0, 30, 0, 100, 5), 1.0, domain.RegimeBull)
	assert.Equal(t, "default", dec.Source)
}

func TestSizer_Adjustments(t *testing.T) {
	s := testSizer(SizingConfig{})
	dec := s.Fraction(statsWith(6, 4, 100, 50, 3), 0.8, domain.RegimeBear)
	assert.InDelta(t, 0.8, dec.Confidence, 1e-9)
	assert.InDelta(t, 0.5, dec.RegimeMult, 1e-9)
	assert.InDelta(t, 0.6, dec.LossMult, 1e-9)
	assert.InDelta(t, 0.05*0.8*0.5*0.6, dec.Fraction, 1e-9)

	dec = s.Fraction(statsWith(6, 4, 100, 50, 5), 1.0, domain.RegimeHighVolatility)
	assert.InDelta(t, 0.3, dec.RegimeMult, 1e-9)
	assert.InDelta(t, 0.3, dec.LossMult, 1e-9)

	// Confidence outside [0,1] is clamped, not trusted.
	dec = s.Fraction(statsWith(6, 4, 100, 50, 0), 1.7, domain.RegimeBull)
	assert.InDelta(t, 1.0, dec.Confidence, 1e-9)
}

func TestLossShrink(t *testing.T) {
	assert.InDelta(t, 1.0, lossShrink(0), 1e-9)
	assert.InDelta(t, 1.0, lossShrink(2), 1e-9)
	assert.InDelta(t, 0.6, lossShrink(3), 1e-9)
	assert.InDelta(t, 0.6, lossShrink(4), 1e-9)
	assert.InDelta(t, 0.3, lossShrink(5), 1e-9)
	assert.InDelta(t, 0.3, lossShrink(9), 1e-9)
}

func TestRegimeMultipliers_For(t *testing.T) {
	m := RegimeMultipliers{Bull: 1.0, Sideways: 0.75, Bear: 0.5, HighVol: 0.3}
	assert.InDelta(t, 1.0, m.For(domain.RegimeBull), 1e-9)
	assert.InDelta(t, 0.5, m.For(domain.RegimeBear), 1e-9)
	assert.InDelta(t, 0.3, m.For(domain.RegimeHighVolatility), 1e-9)
	assert.InDelta(t, 0.75, m.For(domain.RegimeSideways), 1e-9)
	assert.InDelta(t, 0.75, m.For(domain.Regime("unknown")), 1e-9)
}
