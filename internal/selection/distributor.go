package selection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/registry"
)

// priorityCandleDays covers the 20-day volume and volatility lookbacks plus
// holiday headroom.
const priorityCandleDays = 30

// Neutral stand-ins when priority inputs cannot be fetched. A data hiccup
// at distribution time must not knock a stock out of the phase; the batch
// scorer fetches again later.
const (
	neutralVolumeScore   = 50.0
	neutralVolatilityFit = 0.5
)

// buildPlan assigns the active watchlist to batches. Stocks are ranked by
// composite priority and dealt round-robin, so every batch carries a
// similar share of the day's best candidates.
func (ph *Phase) buildPlan(ctx context.Context, day string) (*Plan, error) {
	volumeFn, err := ph.reg.Factor(domain.FactorVolume)
	if err != nil {
		return nil, err
	}
	fitFn, err := ph.reg.VolatilityFit("volatility_fit")
	if err != nil {
		return nil, err
	}

	entries, err := ph.watch.Active()
	if err != nil {
		return nil, fmt.Errorf("loading watchlist: %w", err)
	}

	wpath := WeightsPath(ph.files.Root())
	weights, werr := LoadWeights(wpath)
	from := "file"
	switch {
	case werr != nil:
		from = "defaults"
		ph.log.Warn().Err(werr).Msg("Dynamic weights rejected, using defaults")
	case !artifacts.Exists(wpath):
		from = "defaults"
	}

	plan := &Plan{
		Date:        day,
		GeneratedAt: ph.now(),
		Weights:     weights,
		WeightsFrom: from,
		Batches:     make([]BatchPlan, ph.cfg.Batches),
	}
	for i := range plan.Batches {
		plan.Batches[i] = BatchPlan{ID: i, State: BatchPending}
	}

	if len(entries) == 0 {
		for i := range plan.Batches {
			plan.Batches[i].State = BatchSkipped
			plan.Batches[i].LastError = "watchlist empty"
		}
		ph.log.Warn().Str("date", day).Msg("Watchlist is empty, skipping every batch")
		return plan, nil
	}

	ranked := ph.prioritize(ctx, entries, volumeFn, fitFn)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, pe := range ranked {
		b := &plan.Batches[i%ph.cfg.Batches]
		b.Entries = append(b.Entries, pe)
	}
	for i := range plan.Batches {
		if len(plan.Batches[i].Entries) == 0 {
			plan.Batches[i].State = BatchSkipped
			plan.Batches[i].LastError = "no entries assigned"
		}
	}
	return plan, nil
}

// prioritize scores and ranks the watchlist for distribution. Priority
// blends the stored technical score with fresh volume-trend and
// volatility-fit readings, each on the common 0..100 scale.
func (ph *Phase) prioritize(ctx context.Context, entries []domain.WatchlistEntry, volumeFn registry.FactorFunc, fitFn registry.VolatilityFitFunc) []PlanEntry {
	ranked := make([]PlanEntry, len(entries))

	sem := make(chan struct{}, ph.cfg.Workers)
	var wg sync.WaitGroup
	for i, e := range entries {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, e domain.WatchlistEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			ranked[i] = PlanEntry{
				Code:     e.Code,
				Name:     e.Name,
				Sector:   e.Sector,
				Priority: ph.priorityFor(ctx, e, volumeFn, fitFn),
			}
		}(i, e)
	}
	wg.Wait()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Priority != ranked[j].Priority {
			return ranked[i].Priority > ranked[j].Priority
		}
		return ranked[i].Code < ranked[j].Code
	})
	return ranked
}

func (ph *Phase) priorityFor(ctx context.Context, e domain.WatchlistEntry, volumeFn registry.FactorFunc, fitFn registry.VolatilityFitFunc) float64 {
	volume := neutralVolumeScore
	fit := neutralVolatilityFit

	candles, err := ph.data.GetDailyOHLCV(ctx, e.Code, priorityCandleDays)
	if err != nil {
		ph.log.Debug().Str("code", e.Code).Err(err).Msg("Priority inputs unavailable, using neutral")
	} else {
		if v, err := volumeFn(registry.Inputs{Code: e.Code, Candles: candles}); err == nil {
			volume = v
		}
		if vol, err := registry.AnnualizedVolatility(candles, 20); err == nil {
			fit = fitFn(vol, ph.cfg.VolatilityFit)
		}
	}

	w := ph.cfg.Priority
	sum := w.Technical + w.Volume + w.Volatility
	if sum <= 0 {
		w = PriorityWeights{Technical: 0.5, Volume: 0.3, Volatility: 0.2}
		sum = 1.0
	}
	return (w.Technical*e.TechnicalScore + w.Volume*volume + w.Volatility*fit*100) / sum
}

// BatchStart returns the wall-clock slot for one batch id given the phase
// start and spacing. The scheduler uses it to build the morning cron table.
func BatchStart(phaseStart time.Time, interval time.Duration, id int) time.Time {
	return phaseStart.Add(time.Duration(id) * interval)
}
