// Package selection implements the Phase-2 pipeline: the active watchlist
// is split into time-spaced batches by composite priority, each batch is
// factor-scored against its peers, and the day's survivors become weighted
// DailySelection rows for the trading engine.
package selection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/registry"
)

// Optimizer weight bounds for the final portfolio. Every target fraction
// the optimizer emits lies inside them; the sizing clamp in the risk
// package is a separate, tighter constraint applied at order time.
const (
	optimizerMinWeight = 0.02
	optimizerMaxWeight = 0.40
)

// MarketData is the slice of the brokerage surface the pipeline reads.
type MarketData interface {
	GetPrice(ctx context.Context, code string) (domain.Quote, error)
	GetDailyOHLCV(ctx context.Context, code string, days int) ([]domain.Candle, error)
	GetFundamentals(ctx context.Context, code string) (domain.Fundamentals, error)
	GetIndexDailyOHLCV(ctx context.Context, indexCode string, days int) ([]domain.Candle, error)
}

// Watchlist serves the active Phase-1 output.
type Watchlist interface {
	Active() ([]domain.WatchlistEntry, error)
}

// RegimeSource reports the current market regime.
type RegimeSource interface {
	Current(ctx context.Context) domain.Regime
}

// PriorityWeights blend the batch-ordering composite priority.
type PriorityWeights struct {
	Technical  float64
	Volume     float64
	Volatility float64
}

// SafetyFilter is the hard gate every candidate must pass inside a batch.
// All four thresholds come from the config file.
type SafetyFilter struct {
	RiskMax       float64
	VolumeMin     float64
	ConfidenceMin float64
	TechnicalMin  float64
}

// CompositeWeights blend the candidate quality dimensions into the stored
// attractiveness score.
type CompositeWeights struct {
	Technical  float64
	Volume     float64
	Risk       float64
	Confidence float64
}

// TargetCounts is the regime-adaptive selection size.
type TargetCounts struct {
	Bull    int
	Neutral int
	Bear    int
}

// Config tunes the pipeline. The composition root maps the phase2 config
// section onto it.
type Config struct {
	Batches       int
	Priority      PriorityWeights
	VolatilityFit registry.VolatilityFitParams
	Filter        SafetyFilter
	Composite     CompositeWeights
	Targets       TargetCounts
	SectorCap     int
	IndexCode     string        // benchmark index for market strength
	OptimizerName string        // registry optimizer strategy
	Workers       int           // concurrent priority fetches
	BatchTimeout  time.Duration // hard cap per batch attempt
	PhaseTimeout  time.Duration // hard cap for a full catch-up run
	RetryBase     time.Duration // backoff base between batch attempts
}

// Phase runs the Phase-2 pipeline.
type Phase struct {
	cfg    Config
	data   MarketData
	reg    *registry.Registry
	watch  Watchlist
	regime RegimeSource
	repo   *Repository
	files  *artifacts.Store
	events *events.Manager
	log    zerolog.Logger
	now    func() time.Time
}

// New creates the pipeline.
func New(cfg Config, data MarketData, reg *registry.Registry, watch Watchlist, regime RegimeSource, repo *Repository, files *artifacts.Store, ev *events.Manager, log zerolog.Logger) *Phase {
	if cfg.Batches <= 0 {
		cfg.Batches = 18
	}
	if cfg.SectorCap <= 0 {
		cfg.SectorCap = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Minute
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 90 * time.Minute
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 10 * time.Second
	}
	if cfg.OptimizerName == "" {
		cfg.OptimizerName = "mean_variance"
	}
	return &Phase{
		cfg:    cfg,
		data:   data,
		reg:    reg,
		watch:  watch,
		regime: regime,
		repo:   repo,
		files:  files,
		events: ev,
		log:    log.With().Str("component", "selection").Logger(),
		now:    time.Now,
	}
}

// EnsurePlan loads the day's plan, building and persisting it on first call.
func (ph *Phase) EnsurePlan(ctx context.Context, day string) (*Plan, error) {
	plan, err := LoadPlan(ph.files, day)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading plan for %s: %w", day, err)
	}

	plan, err = ph.buildPlan(ctx, day)
	if err != nil {
		return nil, err
	}
	if err := plan.Save(ph.files); err != nil {
		return nil, fmt.Errorf("saving plan for %s: %w", day, err)
	}
	completed, skipped, remaining := plan.Counts()
	ph.log.Info().
		Str("date", day).
		Str("weights_from", plan.WeightsFrom).
		Int("batches", len(plan.Batches)).
		Int("completed", completed).
		Int("skipped", skipped).
		Int("remaining", remaining).
		Msg("Batch plan generated")
	return plan, nil
}

// RunBatch executes one batch to a terminal state: Completed on success,
// Skipped after the attempt budget is spent. Re-running a terminal batch is
// a no-op, which makes the scheduler's catch-up path idempotent.
func (ph *Phase) RunBatch(ctx context.Context, day string, id int) error {
	plan, err := ph.EnsurePlan(ctx, day)
	if err != nil {
		return err
	}
	b, err := plan.Batch(id)
	if err != nil {
		return err
	}
	if b.Terminal() {
		ph.log.Debug().Str("date", day).Int("batch", id).Str("state", string(b.State)).
			Msg("Batch already terminal")
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err = plan.Start(id)
		if err != nil {
			return err
		}
		if err := plan.Save(ph.files); err != nil {
			return fmt.Errorf("saving plan for %s: %w", day, err)
		}

		batchCtx, cancel := context.WithTimeout(ctx, ph.cfg.BatchTimeout)
		art, runErr := ph.scoreBatch(batchCtx, plan, b)
		cancel()
		if runErr == nil {
			runErr = artifacts.Write(ph.files.BatchPath(day, id), art)
		}

		if _, err := plan.Finish(id, runErr); err != nil {
			return err
		}
		if err := plan.Save(ph.files); err != nil {
			return fmt.Errorf("saving plan for %s: %w", day, err)
		}

		if runErr == nil {
			ph.log.Info().Str("date", day).Int("batch", id).
				Int("scored", len(art.Entries)).
				Int("eligible", art.EligibleCount()).
				Int("attempt", b.Attempts).
				Msg("Batch completed")
			ph.events.EmitTyped("selection", &events.BatchCompletedData{
				Date:   day,
				Batch:  id,
				Scored: len(art.Entries),
			})
			return nil
		}
		if b.State == BatchSkipped {
			ph.log.Error().Str("date", day).Int("batch", id).Err(runErr).
				Int("attempts", b.Attempts).
				Msg("Batch skipped after exhausting retries")
			ph.events.EmitTyped("selection", &events.BatchSkippedData{
				Date:   day,
				Batch:  id,
				Reason: runErr.Error(),
			})
			return nil
		}
		delay := ph.cfg.RetryBase << (b.Attempts - 1)
		ph.log.Warn().Str("date", day).Int("batch", id).Err(runErr).
			Int("attempt", b.Attempts).Dur("retry_in", delay).
			Msg("Batch attempt failed")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Finalize merges the day's batch artifacts into the final selection. It
// refuses to run while any batch is still runnable.
func (ph *Phase) Finalize(ctx context.Context, day string) (*Outcome, error) {
	plan, err := ph.EnsurePlan(ctx, day)
	if err != nil {
		return nil, err
	}
	if !plan.Complete() {
		completed, skipped, remaining := plan.Counts()
		return nil, fmt.Errorf("phase incomplete for %s: %d/%d batches remaining (completed %d, skipped %d)",
			day, remaining, len(plan.Batches), completed, skipped)
	}
	return ph.finalize(ctx, plan)
}

// Run executes the whole phase back to back: plan, every runnable batch in
// order, then the final selection. The scheduler uses it to catch up after
// a restart; live mornings instead fire RunBatch per cron slot.
func (ph *Phase) Run(ctx context.Context, day string) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, ph.cfg.PhaseTimeout)
	defer cancel()

	plan, err := ph.EnsurePlan(ctx, day)
	if err != nil {
		return nil, err
	}
	for _, id := range plan.Runnable() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("phase aborted at batch %d: %w", id, err)
		}
		if err := ph.RunBatch(ctx, day, id); err != nil {
			return nil, fmt.Errorf("batch %d: %w", id, err)
		}
	}
	return ph.Finalize(ctx, day)
}

// regimeTarget maps the detected regime onto the configured position count.
// High volatility uses the bear count: both call for the smallest book.
func (ph *Phase) regimeTarget(regime domain.Regime) int {
	switch regime {
	case domain.RegimeBull:
		return ph.cfg.Targets.Bull
	case domain.RegimeBear, domain.RegimeHighVolatility:
		return ph.cfg.Targets.Bear
	default:
		return ph.cfg.Targets.Neutral
	}
}
