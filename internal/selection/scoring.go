package selection

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/registry"
	"github.com/haetae-bot/haetae/internal/risk"
)

// scoreCandleDays covers the longest factor horizon (120-day momentum)
// plus headroom for short holiday weeks.
const scoreCandleDays = 130

// trailingCloses is how many closes each artifact entry carries: one more
// than the 60-day return window the optimizer consumes, so the final
// selection never fetches market data again.
const trailingCloses = 61

// signalThreshold is the factor level that counts as a buy signal.
const signalThreshold = 60.0

// minFactorCoverage drops a candidate when fewer factors computed; a
// mostly-neutral vector would otherwise score deceptively mid-pack.
const minFactorCoverage = 4

// BatchArtifact is the per-batch audit record. Its presence on disk, with
// valid JSON and the day's date, is the sole evidence the batch completed.
type BatchArtifact struct {
	Date        string       `json:"date"`
	Batch       int          `json:"batch"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
	Entries     []BatchEntry `json:"entries"`
}

// EligibleCount returns how many entries survived data checks and the
// safety filter.
func (a BatchArtifact) EligibleCount() int {
	n := 0
	for _, e := range a.Entries {
		if e.Excluded == "" {
			n++
		}
	}
	return n
}

// BatchEntry is one processed candidate with its full factor snapshot.
// Excluded is empty for candidates eligible for the final selection and
// carries the reason otherwise.
type BatchEntry struct {
	Code        string              `json:"code"`
	Name        string              `json:"name"`
	Sector      string              `json:"sector"`
	Priority    float64             `json:"priority"`
	Price       float64             `json:"price"`
	Factors     domain.FactorScores `json:"factors"`
	Confidence  float64             `json:"confidence"`
	RiskScore   float64             `json:"risk_score"`
	SignalCount int                 `json:"signal_count"`
	Composite   float64             `json:"composite"`
	ATR         float64             `json:"atr"`
	Closes      []float64           `json:"closes"`
	Excluded    string              `json:"excluded,omitempty"`
}

// scoreBatch runs one batch: fetch, factor snapshot, safety filter, then
// cross-sectional scoring of the survivors. Candidates are fetched
// concurrently but land in plan order, so the artifact is deterministic.
// Individual candidates may drop out; the attempt fails only when no
// candidate produced data at all or a shared input is unavailable.
func (ph *Phase) scoreBatch(ctx context.Context, plan *Plan, b *BatchPlan) (BatchArtifact, error) {
	art := BatchArtifact{
		Date:      plan.Date,
		Batch:     b.ID,
		StartedAt: ph.now(),
	}
	if len(b.Entries) == 0 {
		art.CompletedAt = ph.now()
		art.Entries = []BatchEntry{}
		return art, nil
	}

	factorFns := make(map[string]registry.FactorFunc, len(domain.FactorOrder))
	for _, name := range domain.FactorOrder {
		fn, err := ph.reg.Factor(name)
		if err != nil {
			return art, err
		}
		factorFns[name] = fn
	}

	index, err := ph.data.GetIndexDailyOHLCV(ctx, ph.cfg.IndexCode, scoreCandleDays)
	if err != nil {
		return art, fmt.Errorf("fetching index %s: %w", ph.cfg.IndexCode, err)
	}

	slots := make([]BatchEntry, len(b.Entries))
	sem := make(chan struct{}, ph.cfg.Workers)
	var wg sync.WaitGroup
	for i, pe := range b.Entries {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, pe PlanEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			slots[i] = ph.scoreCandidate(ctx, factorFns, pe, index)
		}(i, pe)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return art, err
	}

	withData := 0
	for _, e := range slots {
		if e.Price > 0 {
			withData++
		}
	}
	art.Entries = slots
	if withData == 0 {
		return art, fmt.Errorf("no candidate in batch %d produced data", b.ID)
	}

	compositeAcross(art.Entries, plan.Weights)
	art.CompletedAt = ph.now()
	return art, nil
}

// scoreCandidate fetches one candidate and fills everything except the
// cross-sectional composite.
func (ph *Phase) scoreCandidate(ctx context.Context, fns map[string]registry.FactorFunc, pe PlanEntry, index []domain.Candle) BatchEntry {
	entry := BatchEntry{
		Code:     pe.Code,
		Name:     pe.Name,
		Sector:   pe.Sector,
		Priority: pe.Priority,
	}

	quote, err := ph.data.GetPrice(ctx, pe.Code)
	if err != nil || quote.Price <= 0 {
		entry.Excluded = excludeReason("price", err)
		return entry
	}
	candles, err := ph.data.GetDailyOHLCV(ctx, pe.Code, scoreCandleDays)
	if err != nil {
		entry.Excluded = excludeReason("ohlcv", err)
		return entry
	}
	atr, err := risk.ATR(candles, risk.ATRPeriod)
	if err != nil {
		entry.Excluded = excludeReason("atr", err)
		return entry
	}
	funds, err := ph.data.GetFundamentals(ctx, pe.Code)
	if err != nil {
		// Quality degrades to neutral below; fundamentals alone never
		// exclude a candidate.
		ph.log.Debug().Str("code", pe.Code).Err(err).Msg("Fundamentals unavailable")
		funds = domain.Fundamentals{Code: pe.Code}
	}

	entry.Price = quote.Price
	entry.ATR = atr
	entry.Closes = tailCloses(candles, trailingCloses)

	in := registry.Inputs{
		Code:         pe.Code,
		Sector:       pe.Sector,
		Quote:        quote,
		Candles:      candles,
		Fundamentals: funds,
		IndexCandles: index,
	}
	computed := 0
	for _, name := range domain.FactorOrder {
		v, err := fns[name](in)
		if err != nil {
			ph.log.Debug().Str("code", pe.Code).Str("factor", name).Err(err).
				Msg("Factor fell back to neutral")
			entry.Factors.Set(name, 50)
			continue
		}
		entry.Factors.Set(name, v)
		computed++
		if v > signalThreshold {
			entry.SignalCount++
		}
	}
	entry.Confidence = float64(computed) / float64(len(domain.FactorOrder))
	entry.RiskScore = 100 - entry.Factors.Volatility

	if computed < minFactorCoverage {
		entry.Excluded = fmt.Sprintf("factor coverage %d/%d", computed, len(domain.FactorOrder))
		return entry
	}
	if reason := ph.applyFilter(entry); reason != "" {
		entry.Excluded = reason
	}
	return entry
}

// applyFilter checks the configured safety gate and returns the first
// violated rule, or "" when the candidate passes.
func (ph *Phase) applyFilter(e BatchEntry) string {
	f := ph.cfg.Filter
	if e.RiskScore >= f.RiskMax {
		return fmt.Sprintf("risk %.1f not below %.1f", e.RiskScore, f.RiskMax)
	}
	if e.Factors.Volume <= f.VolumeMin {
		return fmt.Sprintf("volume %.1f not above %.1f", e.Factors.Volume, f.VolumeMin)
	}
	if e.Confidence < f.ConfidenceMin {
		return fmt.Sprintf("confidence %.2f below %.2f", e.Confidence, f.ConfidenceMin)
	}
	if e.Factors.Technical < f.TechnicalMin {
		return fmt.Sprintf("technical %.1f below %.1f", e.Factors.Technical, f.TechnicalMin)
	}
	return ""
}

// compositeAcross z-scores each factor across the batch's eligible
// candidates, blends them with the day's weights, and maps the blend onto
// the 0..100 scale with mean 50 and stdev 15.
func compositeAcross(entries []BatchEntry, weights domain.FactorWeights) {
	var idx []int
	for i := range entries {
		if entries[i].Excluded == "" {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return
	}

	blend := make([]float64, len(idx))
	vals := make([]float64, len(idx))
	for _, name := range domain.FactorOrder {
		for k, i := range idx {
			vals[k], _ = entries[i].Factors.Get(name)
		}
		z := zscores(vals)
		w := weights[name]
		for k := range idx {
			blend[k] += w * z[k]
		}
	}

	for k, z := range zscores(blend) {
		entries[idx[k]].Composite = clamp(50+15*z, 0, 100)
	}
}

// zscores standardizes vals to mean 0, stdev 1. Degenerate inputs (fewer
// than two values, or all equal) map to zeros, which scores mid-pack.
func zscores(vals []float64) []float64 {
	out := make([]float64, len(vals))
	if len(vals) < 2 {
		return out
	}
	mu := stat.Mean(vals, nil)
	sd := stat.StdDev(vals, nil)
	if sd == 0 || math.IsNaN(sd) {
		return out
	}
	for i, v := range vals {
		out[i] = (v - mu) / sd
	}
	return out
}

func tailCloses(candles []domain.Candle, n int) []float64 {
	if len(candles) < n {
		n = len(candles)
	}
	out := make([]float64, 0, n)
	for _, c := range candles[len(candles)-n:] {
		out = append(out, c.Close)
	}
	return out
}

func excludeReason(stage string, err error) string {
	if err == nil {
		return stage + ": degenerate value"
	}
	return fmt.Sprintf("%s: %v", stage, err)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
