package selection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/optimization"
	"github.com/haetae-bot/haetae/internal/registry"
)

const testDay = "2025-08-25"

func syntheticBars(n int, base float64) []domain.Candle {
	out := make([]domain.Candle, n)
	price := base
	start := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		price *= 1.001
		out[i] = domain.Candle{
			Date:   start.AddDate(0, 0, i).Format("2006-01-02"),
			Open:   price,
			High:   price * 1.01,
			Low:    price * 0.99,
			Close:  price,
			Volume: 100_000,
		}
	}
	return out
}

type fakeData struct {
	prices    map[string]float64
	failPrice bool
	failIndex bool
	calls     atomic.Int64
}

func (f *fakeData) GetPrice(_ context.Context, code string) (domain.Quote, error) {
	f.calls.Add(1)
	if f.failPrice {
		return domain.Quote{}, errors.New("quote endpoint down")
	}
	p, ok := f.prices[code]
	if !ok {
		p = 10_000
	}
	return domain.Quote{Code: code, Price: p}, nil
}

func (f *fakeData) GetDailyOHLCV(_ context.Context, code string, _ int) ([]domain.Candle, error) {
	f.calls.Add(1)
	return syntheticBars(130, 10_000), nil
}

func (f *fakeData) GetFundamentals(_ context.Context, code string) (domain.Fundamentals, error) {
	f.calls.Add(1)
	return domain.Fundamentals{Code: code}, nil
}

func (f *fakeData) GetIndexDailyOHLCV(_ context.Context, _ string, _ int) ([]domain.Candle, error) {
	f.calls.Add(1)
	if f.failIndex {
		return nil, errors.New("index endpoint down")
	}
	return syntheticBars(130, 300), nil
}

type fakeWatch struct {
	entries []domain.WatchlistEntry
	calls   atomic.Int64
}

func (f *fakeWatch) Active() ([]domain.WatchlistEntry, error) {
	f.calls.Add(1)
	return f.entries, nil
}

type fakeRegime struct {
	regime domain.Regime
	calls  atomic.Int64
}

func (f *fakeRegime) Current(context.Context) domain.Regime {
	f.calls.Add(1)
	return f.regime
}

// testScoreRegistry registers all seven factor names with fixture-driven
// scores, a flat volatility fit, and an equal-weight optimizer.
func testScoreRegistry(t *testing.T, scores map[string]domain.FactorScores) *registry.Registry {
	t.Helper()
	r := registry.New(zerolog.Nop())
	for _, name := range domain.FactorOrder {
		name := name
		r.MustRegister(registry.Spec{
			Name: name, Version: "test", Kind: registry.KindFactor,
			Factor: func(in registry.Inputs) (float64, error) {
				fs, ok := scores[in.Code]
				if !ok {
					return 0, fmt.Errorf("no fixture for %s", in.Code)
				}
				v, _ := fs.Get(name)
				return v, nil
			},
		})
	}
	r.MustRegister(registry.Spec{
		Name: "volatility_fit", Version: "test", Kind: registry.KindVolatilityFit,
		VolatilityFit: func(float64, registry.VolatilityFitParams) float64 { return 0.5 },
	})
	r.MustRegister(registry.Spec{
		Name: "equal_weight", Version: "test", Kind: registry.KindOptimizer,
		Optimizer: func(returns [][]float64, _, _ float64) ([]float64, error) {
			return optimization.EqualWeights(len(returns)), nil
		},
	})
	return r
}

func uniformScores(v float64) domain.FactorScores {
	return domain.FactorScores{
		Momentum: v, Value: v, Quality: v, Volume: v,
		Volatility: v, Technical: v, MarketStrength: v,
	}
}

func watchEntry(code, sector string, technical float64) domain.WatchlistEntry {
	return domain.WatchlistEntry{
		Code:           code,
		Name:           "Stock " + code,
		Market:         domain.MarketKOSPI,
		Sector:         sector,
		TechnicalScore: technical,
		TotalScore:     technical,
		Active:         true,
	}
}

type phaseFixture struct {
	phase  *Phase
	data   *fakeData
	watch  *fakeWatch
	regime *fakeRegime
	repo   *Repository
	store  *artifacts.Store
	bus    *events.Bus
}

func newTestPhase(t *testing.T, cfg Config, entries []domain.WatchlistEntry, scores map[string]domain.FactorScores) *phaseFixture {
	t.Helper()
	if cfg.Batches == 0 {
		cfg.Batches = 3
	}
	if cfg.IndexCode == "" {
		cfg.IndexCode = "0001"
	}
	if cfg.OptimizerName == "" {
		cfg.OptimizerName = "equal_weight"
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.Filter == (SafetyFilter{}) {
		cfg.Filter = SafetyFilter{RiskMax: 101, VolumeMin: -1, ConfidenceMin: 0, TechnicalMin: -1}
	}
	if cfg.Targets == (TargetCounts{}) {
		cfg.Targets = TargetCounts{Bull: 4, Neutral: 3, Bear: 2}
	}
	if cfg.SectorCap == 0 {
		cfg.SectorCap = 3
	}
	if cfg.Priority == (PriorityWeights{}) {
		cfg.Priority = PriorityWeights{Technical: 0.5, Volume: 0.3, Volatility: 0.2}
	}
	if cfg.Composite == (CompositeWeights{}) {
		cfg.Composite = CompositeWeights{Technical: 0.4, Volume: 0.2, Risk: 0.2, Confidence: 0.2}
	}

	fx := &phaseFixture{
		data:   &fakeData{prices: map[string]float64{}},
		watch:  &fakeWatch{entries: entries},
		regime: &fakeRegime{regime: domain.RegimeBull},
		repo:   NewRepository(setupSelectionDB(t), zerolog.Nop()),
		store:  artifacts.NewStore(t.TempDir()),
		bus:    events.NewBus(zerolog.Nop()),
	}
	fx.phase = New(cfg, fx.data, testScoreRegistry(t, scores), fx.watch, fx.regime, fx.repo, fx.store,
		events.NewManager(fx.bus, zerolog.Nop()), zerolog.Nop())
	fx.phase.now = func() time.Time { return time.Date(2025, 8, 25, 7, 0, 0, 0, time.UTC) }
	return fx
}

func subscribeEvents(fx *phaseFixture, typ events.EventType) chan *events.Event {
	ch := make(chan *events.Event, 4)
	fx.bus.Subscribe(typ, func(ev *events.Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch chan *events.Event) *events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestEnsurePlan_RoundRobinByPriority(t *testing.T) {
	entries := []domain.WatchlistEntry{
		watchEntry("000004", "Electronics", 60),
		watchEntry("000001", "Electronics", 90),
		watchEntry("000006", "Electronics", 40),
		watchEntry("000002", "Electronics", 80),
		watchEntry("000005", "Electronics", 50),
		watchEntry("000003", "Electronics", 70),
	}
	scores := map[string]domain.FactorScores{}
	for _, e := range entries {
		scores[e.Code] = uniformScores(50)
	}
	fx := newTestPhase(t, Config{Batches: 3}, entries, scores)

	plan, err := fx.phase.EnsurePlan(context.Background(), testDay)
	require.NoError(t, err)
	require.Len(t, plan.Batches, 3)

	codesOf := func(b BatchPlan) []string {
		var out []string
		for _, e := range b.Entries {
			out = append(out, e.Code)
		}
		return out
	}
	assert.Equal(t, []string{"000001", "000004"}, codesOf(plan.Batches[0]))
	assert.Equal(t, []string{"000002", "000005"}, codesOf(plan.Batches[1]))
	assert.Equal(t, []string{"000003", "000006"}, codesOf(plan.Batches[2]))
	assert.Greater(t, plan.Batches[0].Entries[0].Priority, plan.Batches[0].Entries[1].Priority)
	assert.Equal(t, "defaults", plan.WeightsFrom, "no weights file on disk")

	// The persisted plan is reused; the watchlist is not consulted twice.
	_, err = fx.phase.EnsurePlan(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fx.watch.calls.Load())
}

func TestEnsurePlan_EmptyWatchlistSkipsAllBatches(t *testing.T) {
	fx := newTestPhase(t, Config{Batches: 3}, nil, nil)

	plan, err := fx.phase.EnsurePlan(context.Background(), testDay)
	require.NoError(t, err)
	for _, b := range plan.Batches {
		assert.Equal(t, BatchSkipped, b.State)
		assert.Equal(t, "watchlist empty", b.LastError)
	}
	assert.True(t, plan.Complete())
	assert.Zero(t, fx.data.calls.Load(), "an empty watchlist must not touch the brokerage")
}

func TestRunBatch_CompletesAndWritesArtifact(t *testing.T) {
	entries := []domain.WatchlistEntry{
		watchEntry("000001", "Electronics", 90),
		watchEntry("000002", "Electronics", 80),
	}
	scores := map[string]domain.FactorScores{
		"000001": uniformScores(70),
		"000002": uniformScores(40),
	}
	fx := newTestPhase(t, Config{Batches: 1}, entries, scores)
	completed := subscribeEvents(fx, events.BatchCompleted)

	require.NoError(t, fx.phase.RunBatch(context.Background(), testDay, 0))

	var art BatchArtifact
	require.NoError(t, artifacts.Read(fx.store.BatchPath(testDay, 0), &art))
	assert.Equal(t, testDay, art.Date)
	assert.Equal(t, 0, art.Batch)
	require.Len(t, art.Entries, 2)
	assert.Equal(t, 2, art.EligibleCount())

	ev, ok := waitEvent(t, completed).GetTypedData().(*events.BatchCompletedData)
	require.True(t, ok)
	assert.Equal(t, testDay, ev.Date)
	assert.Equal(t, 0, ev.Batch)
	assert.Equal(t, 2, ev.Scored)

	// Two eligible candidates z-score to +-0.707, mapped around 50.
	hi, lo := art.Entries[0], art.Entries[1]
	assert.InDelta(t, 60.6, hi.Composite, 0.1)
	assert.InDelta(t, 39.4, lo.Composite, 0.1)
	assert.InDelta(t, 50.0, (hi.Composite+lo.Composite)/2, 1e-9)
	assert.Len(t, hi.Closes, trailingCloses)
	assert.Greater(t, hi.ATR, 0.0)

	plan, err := LoadPlan(fx.store, testDay)
	require.NoError(t, err)
	b, err := plan.Batch(0)
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, b.State)
	assert.Equal(t, 1, b.Attempts)

	// Re-running a completed batch is a no-op.
	before := fx.data.calls.Load()
	require.NoError(t, fx.phase.RunBatch(context.Background(), testDay, 0))
	assert.Equal(t, before, fx.data.calls.Load())
}

func TestRunBatch_SafetyFilterExcludes(t *testing.T) {
	entries := []domain.WatchlistEntry{
		watchEntry("000001", "Electronics", 90),
		watchEntry("000002", "Electronics", 80),
	}
	risky := uniformScores(60)
	risky.Volatility = 20 // risk score 80, over the cap below
	scores := map[string]domain.FactorScores{
		"000001": uniformScores(60),
		"000002": risky,
	}
	fx := newTestPhase(t, Config{
		Batches: 1,
		Filter:  SafetyFilter{RiskMax: 70, VolumeMin: 30, ConfidenceMin: 0.5, TechnicalMin: 40},
	}, entries, scores)

	require.NoError(t, fx.phase.RunBatch(context.Background(), testDay, 0))

	var art BatchArtifact
	require.NoError(t, artifacts.Read(fx.store.BatchPath(testDay, 0), &art))
	require.Len(t, art.Entries, 2)
	assert.Equal(t, 1, art.EligibleCount())

	var excluded *BatchEntry
	for i := range art.Entries {
		if art.Entries[i].Code == "000002" {
			excluded = &art.Entries[i]
		}
	}
	require.NotNil(t, excluded)
	assert.Contains(t, excluded.Excluded, "risk 80.0 not below 70.0")
	assert.Zero(t, excluded.Composite, "excluded candidates are not scored")
	assert.InDelta(t, 80.0, excluded.RiskScore, 1e-9, "snapshot is still recorded for audit")
}

func TestRunBatch_RetriesThenSkips(t *testing.T) {
	entries := []domain.WatchlistEntry{watchEntry("000001", "Electronics", 90)}
	fx := newTestPhase(t, Config{Batches: 1}, entries, map[string]domain.FactorScores{
		"000001": uniformScores(50),
	})
	fx.data.failIndex = true
	skipped := subscribeEvents(fx, events.BatchSkipped)

	require.NoError(t, fx.phase.RunBatch(context.Background(), testDay, 0),
		"a skipped batch is not a job failure")

	plan, err := LoadPlan(fx.store, testDay)
	require.NoError(t, err)
	b, err := plan.Batch(0)
	require.NoError(t, err)
	assert.Equal(t, BatchSkipped, b.State)
	assert.Equal(t, maxBatchAttempts, b.Attempts)
	assert.Contains(t, b.LastError, "fetching index")
	assert.False(t, artifacts.Exists(fx.store.BatchPath(testDay, 0)), "no artifact for a skipped batch")
	assert.True(t, plan.Complete())

	ev, ok := waitEvent(t, skipped).GetTypedData().(*events.BatchSkippedData)
	require.True(t, ok)
	assert.Equal(t, 0, ev.Batch)
	assert.Contains(t, ev.Reason, "fetching index")
}

func TestRunBatch_NoCandidateDataFailsAttempt(t *testing.T) {
	entries := []domain.WatchlistEntry{
		watchEntry("000001", "Electronics", 90),
		watchEntry("000002", "Electronics", 80),
	}
	scores := map[string]domain.FactorScores{
		"000001": uniformScores(50),
		"000002": uniformScores(50),
	}
	fx := newTestPhase(t, Config{Batches: 1}, entries, scores)
	fx.data.failPrice = true

	require.NoError(t, fx.phase.RunBatch(context.Background(), testDay, 0))

	plan, err := LoadPlan(fx.store, testDay)
	require.NoError(t, err)
	b, err := plan.Batch(0)
	require.NoError(t, err)
	assert.Equal(t, BatchSkipped, b.State)
	assert.Contains(t, b.LastError, "no candidate in batch 0 produced data")
}

func TestRun_EndToEnd(t *testing.T) {
	entries := []domain.WatchlistEntry{
		watchEntry("005930", "Semiconductors", 90),
		watchEntry("000660", "Semiconductors", 80),
		watchEntry("005490", "Semiconductors", 70),
		watchEntry("005380", "Auto", 60),
		watchEntry("035420", "Auto", 50),
		watchEntry("051910", "Semiconductors", 40),
	}
	scores := map[string]domain.FactorScores{}
	for _, e := range entries {
		scores[e.Code] = uniformScores(e.TechnicalScore)
	}
	fx := newTestPhase(t, Config{Batches: 1, SectorCap: 2}, entries, scores)
	fx.data.prices = map[string]float64{
		"005930": 70_000, "000660": 180_000, "005490": 260_000,
		"005380": 190_000, "035420": 220_000, "051910": 310_000,
	}
	finalized := subscribeEvents(fx, events.SelectionFinalized)

	out, err := fx.phase.Run(context.Background(), testDay)
	require.NoError(t, err)

	assert.Equal(t, testDay, out.Date)
	assert.Equal(t, domain.RegimeBull, out.Regime)
	assert.Equal(t, 6, out.Candidates)
	assert.Equal(t, 4, out.Target)
	assert.Equal(t, "equal_weight", out.Optimizer)
	require.Len(t, out.Selections, 4)

	var codes []string
	for _, s := range out.Selections {
		codes = append(codes, s.Code)
	}
	assert.Equal(t, []string{"005930", "000660", "005380", "035420"}, codes,
		"third semiconductor name is displaced by the sector cap")

	sum := 0.0
	for _, s := range out.Selections {
		assert.Equal(t, domain.SelectionPending, s.Status)
		assert.InDelta(t, 0.25, s.TargetFraction, 1e-9)
		assert.Less(t, s.StopLoss, s.EntryPrice)
		assert.Greater(t, s.TakeProfit, s.EntryPrice)
		sum += s.TargetFraction
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// Attractiveness blends technical, volume, inverse risk and confidence:
	// with every factor at v and full coverage it reduces to 0.8v + 20.
	assert.InDelta(t, 92.0, out.Selections[0].Attractiveness, 1e-9)
	assert.InDelta(t, 60.0, out.Selections[3].Attractiveness, 1e-9)

	// Stops follow the bull-regime ATR multipliers from the artifact.
	var art BatchArtifact
	require.NoError(t, artifacts.Read(fx.store.BatchPath(testDay, 0), &art))
	atrOf := map[string]float64{}
	for _, e := range art.Entries {
		atrOf[e.Code] = e.ATR
	}
	lead := out.Selections[0]
	assert.InDelta(t, lead.EntryPrice-2.5*atrOf[lead.Code], lead.StopLoss, 1e-9)
	assert.InDelta(t, lead.EntryPrice+4.0*atrOf[lead.Code], lead.TakeProfit, 1e-9)

	var snap selectionArtifact
	require.NoError(t, artifacts.Read(fx.store.SelectionPath(testDay), &snap))
	assert.Equal(t, domain.RegimeBull, snap.Regime)
	assert.Len(t, snap.Selections, 4)

	rows, err := fx.repo.ByDate(testDay)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "005930", rows[0].Code)

	assert.Equal(t, int64(1), fx.regime.calls.Load(), "regime read once at finalize")

	ev, ok := waitEvent(t, finalized).GetTypedData().(*events.SelectionFinalizedData)
	require.True(t, ok)
	assert.Equal(t, testDay, ev.Date)
	assert.Equal(t, 4, ev.Count)
}

func TestRun_BearRegimeShrinksTarget(t *testing.T) {
	entries := []domain.WatchlistEntry{
		watchEntry("000001", "A", 90),
		watchEntry("000002", "B", 80),
		watchEntry("000003", "C", 70),
	}
	scores := map[string]domain.FactorScores{}
	for _, e := range entries {
		scores[e.Code] = uniformScores(e.TechnicalScore)
	}
	fx := newTestPhase(t, Config{Batches: 1}, entries, scores)
	fx.regime.regime = domain.RegimeBear

	out, err := fx.phase.Run(context.Background(), testDay)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Target)
	assert.Len(t, out.Selections, 2)

	// Bear stops are tighter than bull stops.
	lead := out.Selections[0]
	var art BatchArtifact
	require.NoError(t, artifacts.Read(fx.store.BatchPath(testDay, 0), &art))
	for _, e := range art.Entries {
		if e.Code == lead.Code {
			assert.InDelta(t, lead.EntryPrice-1.5*e.ATR, lead.StopLoss, 1e-9)
			assert.InDelta(t, lead.EntryPrice+2.0*e.ATR, lead.TakeProfit, 1e-9)
		}
	}
}

func TestRun_EmptyWatchlistWritesEmptySelection(t *testing.T) {
	fx := newTestPhase(t, Config{Batches: 3}, nil, nil)

	out, err := fx.phase.Run(context.Background(), testDay)
	require.NoError(t, err)
	assert.Empty(t, out.Selections)
	assert.Equal(t, "none", out.Optimizer)

	assert.True(t, artifacts.Exists(fx.store.SelectionPath(testDay)),
		"downstream jobs need the snapshot even on an empty day")
	assert.Zero(t, fx.data.calls.Load())
	assert.Zero(t, fx.regime.calls.Load())

	n, err := fx.repo.CountByDate(testDay)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFinalize_RefusesIncompletePlan(t *testing.T) {
	entries := []domain.WatchlistEntry{watchEntry("000001", "Electronics", 90)}
	fx := newTestPhase(t, Config{Batches: 2}, entries, map[string]domain.FactorScores{
		"000001": uniformScores(50),
	})

	_, err := fx.phase.EnsurePlan(context.Background(), testDay)
	require.NoError(t, err)

	_, err = fx.phase.Finalize(context.Background(), testDay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase incomplete")
}

func TestFinalize_MissingCompletedArtifact(t *testing.T) {
	entries := []domain.WatchlistEntry{watchEntry("000001", "Electronics", 90)}
	fx := newTestPhase(t, Config{Batches: 1}, entries, map[string]domain.FactorScores{
		"000001": uniformScores(50),
	})

	require.NoError(t, fx.phase.RunBatch(context.Background(), testDay, 0))
	require.NoError(t, os.Remove(fx.store.BatchPath(testDay, 0)))

	_, err := fx.phase.Finalize(context.Background(), testDay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "artifact")
}
