package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/optimization"
)

// Correlation gate defaults. The gate blocks a buy once enough open
// positions move together with the candidate; one twin is diversifiable,
// two make the book one bet.
const (
	defaultCorrWindow    = 60
	defaultCorrThreshold = 0.7
	defaultCorrLimit     = 2

	// minCorrObs is the fewest overlapping return observations that still
	// count as evidence. Thinner overlaps leave the pair uncounted.
	minCorrObs = 20

	// corrFetchHeadroom pads the bar request so holidays and short listings
	// still yield a full return window.
	corrFetchHeadroom = 10
)

// CloseSource supplies daily bars for return series. The cached brokerage
// client satisfies it.
type CloseSource interface {
	GetDailyOHLCV(ctx context.Context, code string, days int) ([]domain.Candle, error)
}

// CorrelationConfig tunes the gate. Zero fields take the defaults above.
type CorrelationConfig struct {
	Window    int     // trading days of returns compared
	Threshold float64 // |rho| above this marks a pair as correlated
	Limit     int     // correlated positions at which the buy is rejected
}

// CorrelationGate rejects buys that would concentrate the book in one
// effective position.
type CorrelationGate struct {
	cfg  CorrelationConfig
	data CloseSource
	log  zerolog.Logger
}

// NewCorrelationGate creates the gate.
func NewCorrelationGate(cfg CorrelationConfig, data CloseSource, log zerolog.Logger) *CorrelationGate {
	if cfg.Window <= 0 {
		cfg.Window = defaultCorrWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultCorrThreshold
	}
	if cfg.Limit <= 0 {
		cfg.Limit = defaultCorrLimit
	}
	return &CorrelationGate{
		cfg:  cfg,
		data: data,
		log:  log.With().Str("component", "correlation_gate").Logger(),
	}
}

// Check compares the candidate's trailing returns against every open
// position. It returns Rejected("correlation cap") once cfg.Limit
// positions correlate beyond the threshold; a failure to fetch the
// candidate's own history is Transient so the engine can retry the entry
// later. Position-side fetch failures leave that pair uncounted: a data
// hiccup must not freeze all buying.
func (g *CorrelationGate) Check(ctx context.Context, candidate string, positions []domain.Position) domain.Outcome {
	if len(positions) < g.cfg.Limit {
		return domain.Ok()
	}

	candRets, err := g.returns(ctx, candidate)
	if err != nil {
		return domain.Transient(fmt.Errorf("candidate %s history: %w", candidate, err))
	}

	correlated := 0
	worst := 0.0
	for _, pos := range positions {
		posRets, err := g.returns(ctx, pos.Code)
		if err != nil {
			g.log.Warn().Str("candidate", candidate).Str("position", pos.Code).Err(err).
				Msg("Correlation input unavailable, pair uncounted")
			continue
		}
		rho, ok := pairCorrelation(candRets, posRets)
		if !ok {
			g.log.Debug().Str("candidate", candidate).Str("position", pos.Code).
				Msg("Too little overlap to correlate, pair uncounted")
			continue
		}
		if math.Abs(rho) > g.cfg.Threshold {
			correlated++
			if math.Abs(rho) > math.Abs(worst) {
				worst = rho
			}
		}
	}

	if correlated >= g.cfg.Limit {
		g.log.Warn().
			Str("candidate", candidate).
			Int("correlated_positions", correlated).
			Float64("worst_rho", worst).
			Float64("threshold", g.cfg.Threshold).
			Msg("Buy rejected by correlation cap")
		return domain.Rejected("correlation cap")
	}
	return domain.Ok()
}

func (g *CorrelationGate) returns(ctx context.Context, code string) ([]float64, error) {
	candles, err := g.data.GetDailyOHLCV(ctx, code, g.cfg.Window+corrFetchHeadroom)
	if err != nil {
		return nil, err
	}
	rets, err := optimization.DailyReturns(candles)
	if err != nil {
		return nil, err
	}
	if len(rets) > g.cfg.Window {
		rets = rets[len(rets)-g.cfg.Window:]
	}
	return rets, nil
}

// pairCorrelation aligns two return series on their common tail and
// reports Pearson correlation. Degenerate series (flat, or too short to
// mean anything) report ok=false.
func pairCorrelation(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minCorrObs {
		return 0, false
	}
	rho := stat.Correlation(a[len(a)-n:], b[len(b)-n:], nil)
	if math.IsNaN(rho) {
		return 0, false
	}
	return rho, true
}
