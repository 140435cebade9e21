package risk

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/domain"
)

// Consecutive-loss shrinker. Three straight losers cut the next position
// hard, five cut it to a token size; a win resets the streak.
const (
	lossStreakSoft = 3
	lossStreakHard = 5
	lossShrinkSoft = 0.6
	lossShrinkHard = 0.3
)

// TradeStats summarizes the rolling closed-trade history the sizer reads.
type TradeStats struct {
	Completed  int     // closed trades in the window
	Wins       int     // closed with positive realized PnL
	Losses     int     // closed with negative realized PnL
	AvgWin     float64 // mean realized PnL of winners
	AvgLoss    float64 // mean absolute realized PnL of losers
	LossStreak int     // straight losers counting back from the latest close
}

// StatsFromTrades folds closed trades, oldest first, into TradeStats.
// Open trades carry no realized PnL and are skipped; a breakeven close
// counts toward history but is neither a win nor a loss, and it resets
// the loss streak.
func StatsFromTrades(trades []domain.TradeRecord) TradeStats {
	var st TradeStats
	var sumWin, sumLoss float64
	for _, t := range trades {
		if t.RealizedPnL == nil {
			continue
		}
		st.Completed++
		pnl := *t.RealizedPnL
		switch {
		case pnl > 0:
			st.Wins++
			sumWin += pnl
			st.LossStreak = 0
		case pnl < 0:
			st.Losses++
			sumLoss += -pnl
			st.LossStreak++
		default:
			st.LossStreak = 0
		}
	}
	if st.Wins > 0 {
		st.AvgWin = sumWin / float64(st.Wins)
	}
	if st.Losses > 0 {
		st.AvgLoss = sumLoss / float64(st.Losses)
	}
	return st
}

// RegimeMultipliers scale the position fraction per market regime.
type RegimeMultipliers struct {
	Bull     float64
	Sideways float64
	Bear     float64
	HighVol  float64
}

// For returns the multiplier for a regime. Unknown regimes read as
// sideways.
func (m RegimeMultipliers) For(regime domain.Regime) float64 {
	switch regime {
	case domain.RegimeBull:
		return m.Bull
	case domain.RegimeBear:
		return m.Bear
	case domain.RegimeHighVolatility:
		return m.HighVol
	default:
		return m.Sideways
	}
}

// SizingConfig tunes the Kelly sizer. The composition root maps the
// risk.kelly and risk.regime_adjustments config sections onto it.
type SizingConfig struct {
	DefaultFraction float64 // used until enough history accumulates
	MinTrades       int     // closed trades required to activate Kelly
	MinFraction     float64 // clamp floor on the half-Kelly base
	MaxFraction     float64 // clamp ceiling on the half-Kelly base
	Regime          RegimeMultipliers
}

// Sizing is one audited sizing decision.
type Sizing struct {
	Fraction   float64 `json:"fraction"` // final fraction of equity
	Base       float64 `json:"base"`     // clamped half-Kelly or default
	Source     string  `json:"source"`   // "kelly" or "default"
	Confidence float64 `json:"confidence"`
	RegimeMult float64 `json:"regime_mult"`
	LossMult   float64 `json:"loss_mult"`
}

// Sizer converts trade history, signal confidence and regime into a
// position fraction. It is pure: history arrives as TradeStats and the
// engine owns the rolling window.
type Sizer struct {
	cfg SizingConfig
	log zerolog.Logger
}

// NewSizer creates a sizer, filling unset config fields with the standard
// half-Kelly envelope.
func NewSizer(cfg SizingConfig, log zerolog.Logger) *Sizer {
	if cfg.DefaultFraction <= 0 {
		cfg.DefaultFraction = 0.05
	}
	if cfg.MinTrades <= 0 {
		cfg.MinTrades = 30
	}
	if cfg.MinFraction <= 0 {
		cfg.MinFraction = 0.02
	}
	if cfg.MaxFraction <= 0 {
		cfg.MaxFraction = 0.25
	}
	if cfg.Regime == (RegimeMultipliers{}) {
		cfg.Regime = RegimeMultipliers{Bull: 1.0, Sideways: 0.75, Bear: 0.5, HighVol: 0.3}
	}
	return &Sizer{cfg: cfg, log: log.With().Str("component", "sizer").Logger()}
}

// Fraction sizes one entry. The half-Kelly base is clamped first, then
// scaled by confidence, the regime multiplier and the loss shrinker, so
// the adjustments can only shrink an already-bounded position.
func (s *Sizer) Fraction(stats TradeStats, confidence float64, regime domain.Regime) Sizing {
	base := s.cfg.DefaultFraction
	source := "default"
	if stats.Completed >= s.cfg.MinTrades {
		if k, ok := kellyFraction(stats); ok {
			base = 0.5 * k
			source = "kelly"
		}
	}
	base = clamp(base, s.cfg.MinFraction, s.cfg.MaxFraction)

	dec := Sizing{
		Base:       base,
		Source:     source,
		Confidence: clamp(confidence, 0, 1),
		RegimeMult: s.cfg.Regime.For(regime),
		LossMult:   lossShrink(stats.LossStreak),
	}
	dec.Fraction = base * dec.Confidence * dec.RegimeMult * dec.LossMult

	s.log.Debug().
		Str("source", dec.Source).
		Float64("base", dec.Base).
		Float64("confidence", dec.Confidence).
		Float64("regime_mult", dec.RegimeMult).
		Float64("loss_mult", dec.LossMult).
		Float64("fraction", dec.Fraction).
		Msg("Position sized")
	return dec
}

// kellyFraction computes f* = (p*b - q)/b from the win rate p and the
// payoff ratio b. History without both winners and losers cannot define
// b and reports ok=false; the caller falls back to the default fraction.
func kellyFraction(stats TradeStats) (float64, bool) {
	decided := stats.Wins + stats.Losses
	if decided == 0 || stats.Wins == 0 || stats.Losses == 0 {
		return 0, false
	}
	if stats.AvgWin <= 0 || stats.AvgLoss <= 0 {
		return 0, false
	}
	p := float64(stats.Wins) / float64(decided)
	b := stats.AvgWin / stats.AvgLoss
	return (p*b - (1 - p)) / b, true
}

func lossShrink(streak int) float64 {
	switch {
	case streak >= lossStreakHard:
		return lossShrinkHard
	case streak >= lossStreakSoft:
		return lossShrinkSoft
	default:
		return 1.0
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
