package selection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/optimization"
	"github.com/haetae-bot/haetae/internal/risk"
)

// Outcome summarizes the final selection step.
type Outcome struct {
	Date       string                  `json:"date"`
	Regime     domain.Regime           `json:"regime"`
	Candidates int                     `json:"candidates"`
	Target     int                     `json:"target"`
	Optimizer  string                  `json:"optimizer"`
	Selections []domain.DailySelection `json:"selections"`
}

// selectionArtifact is the selection.json snapshot.
type selectionArtifact struct {
	Date        string                  `json:"date"`
	GeneratedAt time.Time               `json:"generated_at"`
	Regime      domain.Regime           `json:"regime,omitempty"`
	Target      int                     `json:"target"`
	SectorCap   int                     `json:"sector_cap"`
	Optimizer   string                  `json:"optimizer"`
	Selections  []domain.DailySelection `json:"selections"`
}

// finalize merges the completed batch artifacts, ranks survivors by
// composite, applies the regime target and sector cap, weights the chosen
// set and persists the day's selection.
func (ph *Phase) finalize(ctx context.Context, plan *Plan) (*Outcome, error) {
	pool, err := ph.collectEligible(plan)
	if err != nil {
		return nil, err
	}

	if len(pool) == 0 {
		// An empty day still leaves a snapshot behind: downstream jobs
		// treat its presence as "Phase 2 ran", not "Phase 2 found stocks".
		if err := ph.persistSelection(plan.Date, selectionArtifact{
			Date:        plan.Date,
			GeneratedAt: ph.now(),
			SectorCap:   ph.cfg.SectorCap,
			Optimizer:   "none",
			Selections:  []domain.DailySelection{},
		}); err != nil {
			return nil, err
		}
		ph.log.Warn().Str("date", plan.Date).Msg("No eligible candidates, empty selection written")
		ph.events.EmitTyped("selection", &events.SelectionFinalizedData{Date: plan.Date})
		return &Outcome{Date: plan.Date, Optimizer: "none", Selections: nil}, nil
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Composite != pool[j].Composite {
			return pool[i].Composite > pool[j].Composite
		}
		return pool[i].Code < pool[j].Code
	})

	regime := ph.regime.Current(ctx)
	target := ph.regimeTarget(regime)
	chosen := capBySector(pool, target, ph.cfg.SectorCap)

	weights, optimizer := ph.optimizeWeights(chosen)

	sels := make([]domain.DailySelection, len(chosen))
	for i, e := range chosen {
		stop, take := risk.StopLevels(regime, e.Price, e.ATR)
		sels[i] = domain.DailySelection{
			Code:           e.Code,
			Name:           e.Name,
			Sector:         e.Sector,
			Date:           plan.Date,
			EntryPrice:     e.Price,
			Attractiveness: ph.attractiveness(e),
			RiskScore:      e.RiskScore,
			SignalCount:    e.SignalCount,
			StopLoss:       stop,
			TakeProfit:     take,
			TargetFraction: weights[i],
			Status:         domain.SelectionPending,
		}
	}

	if err := ph.persistSelection(plan.Date, selectionArtifact{
		Date:        plan.Date,
		GeneratedAt: ph.now(),
		Regime:      regime,
		Target:      target,
		SectorCap:   ph.cfg.SectorCap,
		Optimizer:   optimizer,
		Selections:  sels,
	}); err != nil {
		return nil, err
	}

	ph.log.Info().
		Str("date", plan.Date).
		Str("regime", string(regime)).
		Int("candidates", len(pool)).
		Int("target", target).
		Int("selected", len(sels)).
		Str("optimizer", optimizer).
		Msg("Daily selection finalized")
	ph.events.EmitTyped("selection", &events.SelectionFinalizedData{
		Date:  plan.Date,
		Count: len(sels),
	})

	return &Outcome{
		Date:       plan.Date,
		Regime:     regime,
		Candidates: len(pool),
		Target:     target,
		Optimizer:  optimizer,
		Selections: sels,
	}, nil
}

// collectEligible reads every completed batch artifact and pools the
// entries that survived scoring. A completed batch whose artifact is
// missing or carries the wrong date fails the merge; the plan lied.
func (ph *Phase) collectEligible(plan *Plan) ([]BatchEntry, error) {
	var pool []BatchEntry
	for i := range plan.Batches {
		b := &plan.Batches[i]
		if b.State != BatchCompleted {
			continue
		}
		var art BatchArtifact
		path := ph.files.BatchPath(plan.Date, b.ID)
		if err := artifacts.Read(path, &art); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("batch %d marked completed but artifact %s is missing", b.ID, path)
			}
			return nil, fmt.Errorf("reading batch %d artifact: %w", b.ID, err)
		}
		if art.Date != plan.Date {
			return nil, fmt.Errorf("batch %d artifact is for %s, not %s", b.ID, art.Date, plan.Date)
		}
		for _, e := range art.Entries {
			if e.Excluded == "" {
				pool = append(pool, e)
			}
		}
	}
	return pool, nil
}

func (ph *Phase) persistSelection(day string, art selectionArtifact) error {
	if err := artifacts.Write(ph.files.SelectionPath(day), art); err != nil {
		return fmt.Errorf("writing selection artifact: %w", err)
	}
	if err := ph.repo.ReplaceDay(day, art.Selections); err != nil {
		return fmt.Errorf("storing selections: %w", err)
	}
	return nil
}

// capBySector takes candidates in rank order until the target count,
// skipping any sector already at its cap.
func capBySector(ranked []BatchEntry, target, sectorCap int) []BatchEntry {
	if target <= 0 {
		return nil
	}
	chosen := make([]BatchEntry, 0, target)
	perSector := make(map[string]int)
	for _, e := range ranked {
		if len(chosen) == target {
			break
		}
		if perSector[e.Sector] == sectorCap {
			continue
		}
		perSector[e.Sector]++
		chosen = append(chosen, e)
	}
	return chosen
}

// optimizeWeights runs the configured optimizer strategy over the trailing
// returns carried by the batch artifacts. Any failure falls back to equal
// weights; a thin book is better than no book.
func (ph *Phase) optimizeWeights(chosen []BatchEntry) ([]float64, string) {
	n := len(chosen)
	const fallback = "equal_weight_fallback"

	fn, err := ph.reg.Optimizer(ph.cfg.OptimizerName)
	if err != nil {
		ph.log.Warn().Err(err).Msg("Optimizer unavailable, using equal weights")
		return optimization.EqualWeights(n), fallback
	}

	returns := make([][]float64, n)
	minLen := -1
	for i, e := range chosen {
		returns[i] = trailingReturns(e.Closes)
		if minLen < 0 || len(returns[i]) < minLen {
			minLen = len(returns[i])
		}
	}
	if minLen < 2 {
		ph.log.Warn().Int("observations", minLen).
			Msg("Insufficient return history, using equal weights")
		return optimization.EqualWeights(n), fallback
	}
	for i := range returns {
		returns[i] = returns[i][len(returns[i])-minLen:]
	}

	w, err := fn(returns, optimizerMinWeight, optimizerMaxWeight)
	if err != nil || len(w) != n {
		ph.log.Warn().Err(err).Int("weights", len(w)).
			Msg("Optimization failed, using equal weights")
		return optimization.EqualWeights(n), fallback
	}
	return w, ph.cfg.OptimizerName
}

// attractiveness blends the candidate quality dimensions with the
// configured composite weights. The engine reads the stored value back as
// the confidence input to position sizing.
func (ph *Phase) attractiveness(e BatchEntry) float64 {
	w := ph.cfg.Composite
	sum := w.Technical + w.Volume + w.Risk + w.Confidence
	if sum <= 0 {
		w = CompositeWeights{Technical: 0.4, Volume: 0.2, Risk: 0.2, Confidence: 0.2}
		sum = 1.0
	}
	v := w.Technical*e.Factors.Technical +
		w.Volume*e.Factors.Volume +
		w.Risk*(100-e.RiskScore) +
		w.Confidence*100*e.Confidence
	return clamp(v/sum, 0, 100)
}

// trailingReturns converts a close series to simple daily returns, oldest
// first, stopping at the most recent non-positive close so one bad print
// truncates the series instead of poisoning it.
func trailingReturns(closes []float64) []float64 {
	var rev []float64
	for k := len(closes) - 1; k > 0; k-- {
		prev, cur := closes[k-1], closes[k]
		if prev <= 0 || cur <= 0 {
			break
		}
		rev = append(rev, cur/prev-1)
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}
