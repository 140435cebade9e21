// Package screener implements the Phase-1 pre-market scan: every listed
// stock is fetched and scored, and the best candidates above a threshold
// become the active watchlist for Phase 2.
package screener

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/registry"
)

// ErrScanDegraded aborts the phase when too much of the universe failed
// to score. The run is worth retrying: the cause is almost always an
// upstream outage, not the stocks themselves.
var ErrScanDegraded = errors.New("universe scan degraded")

// candleDays covers the longest factor horizon (120-day momentum) plus
// headroom for short holiday weeks.
const candleDays = 130

// Blend folding the factor set into the three stored score columns.
const (
	weightTechnical   = 0.35
	weightMomentum    = 0.35
	weightFundamental = 0.30
)

// MarketData is the slice of the brokerage surface the scan needs.
type MarketData interface {
	GetPrice(ctx context.Context, code string) (domain.Quote, error)
	GetDailyOHLCV(ctx context.Context, code string, days int) ([]domain.Candle, error)
	GetFundamentals(ctx context.Context, code string) (domain.Fundamentals, error)
}

// UniverseSource serves the full listing.
type UniverseSource interface {
	Universe(ctx context.Context) ([]domain.Stock, error)
}

// Config tunes the scan.
type Config struct {
	Threshold      float64 // minimum total score for admission
	MaxWatchlist   int     // watchlist size cap
	MinSuccessRate float64 // below this the phase aborts
	Workers        int     // concurrent stocks in flight
}

// Screener runs the Phase-1 scan.
type Screener struct {
	cfg    Config
	source UniverseSource
	data   MarketData
	reg    *registry.Registry
	repo   *WatchlistRepository
	files  *artifacts.Store
	events *events.Manager
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a screener.
func New(cfg Config, source UniverseSource, data MarketData, reg *registry.Registry, repo *WatchlistRepository, files *artifacts.Store, ev *events.Manager, log zerolog.Logger) *Screener {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxWatchlist <= 0 {
		cfg.MaxWatchlist = 100
	}
	return &Screener{
		cfg:    cfg,
		source: source,
		data:   data,
		reg:    reg,
		repo:   repo,
		files:  files,
		events: ev,
		log:    log.With().Str("component", "screener").Logger(),
		now:    time.Now,
	}
}

// Result summarizes one scan.
type Result struct {
	Scanned     int     `json:"scanned"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	Selected    int     `json:"selected"`
	Added       int     `json:"added"`
	Updated     int     `json:"updated"`
	Deactivated int     `json:"deactivated"`
}

// watchlistArtifact is the watchlist.json snapshot.
type watchlistArtifact struct {
	GeneratedAt time.Time               `json:"generated_at"`
	Threshold   float64                 `json:"threshold"`
	Count       int                     `json:"count"`
	Entries     []domain.WatchlistEntry `json:"entries"`
}

// scoreFuncs are the registry functions the scan resolves once per run.
type scoreFuncs struct {
	momentum  registry.FactorFunc
	value     registry.FactorFunc
	quality   registry.FactorFunc
	technical registry.FactorFunc
}

// Run scans the universe and replaces the watchlist. Individual stock
// failures are tolerated; the phase aborts only when the overall success
// rate falls below the configured floor or the context is cancelled.
func (s *Screener) Run(ctx context.Context) (*Result, error) {
	funcs, err := s.resolveFuncs()
	if err != nil {
		return nil, err
	}

	stocks, err := s.source.Universe(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading universe: %w", err)
	}
	if len(stocks) == 0 {
		return nil, errors.New("universe is empty")
	}

	s.log.Info().Int("universe", len(stocks)).Int("workers", s.cfg.Workers).Msg("Phase-1 scan started")
	started := s.now()

	scored := make([]*domain.WatchlistEntry, len(stocks))
	var failed atomic.Int64

	sem := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for i, st := range stocks {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, st domain.Stock) {
			defer wg.Done()
			defer func() { <-sem }()

			entry, err := s.score(ctx, funcs, st)
			if err != nil {
				failed.Add(1)
				s.log.Debug().Str("code", st.Code).Err(err).Msg("Stock failed to score")
				return
			}
			scored[i] = &entry
		}(i, st)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	scanned := len(stocks)
	rate := float64(scanned-int(failed.Load())) / float64(scanned)
	if rate < s.cfg.MinSuccessRate {
		return nil, fmt.Errorf("%w: success rate %.3f below %.3f", ErrScanDegraded, rate, s.cfg.MinSuccessRate)
	}

	selected := s.selectTop(scored)
	stats, err := s.repo.Replace(selected)
	if err != nil {
		return nil, fmt.Errorf("replacing watchlist: %w", err)
	}

	if err := artifacts.Write(s.files.WatchlistPath(), watchlistArtifact{
		GeneratedAt: s.now(),
		Threshold:   s.cfg.Threshold,
		Count:       len(selected),
		Entries:     selected,
	}); err != nil {
		return nil, fmt.Errorf("writing watchlist artifact: %w", err)
	}

	result := &Result{
		Scanned:     scanned,
		Failed:      int(failed.Load()),
		SuccessRate: rate,
		Selected:    len(selected),
		Added:       stats.Added,
		Updated:     stats.Updated,
		Deactivated: stats.Deactivated,
	}
	s.log.Info().
		Int("scanned", result.Scanned).
		Int("failed", result.Failed).
		Float64("success_rate", result.SuccessRate).
		Int("selected", result.Selected).
		Int("added", result.Added).
		Int("updated", result.Updated).
		Int("deactivated", result.Deactivated).
		Dur("took", s.now().Sub(started)).
		Msg("Phase-1 scan finished")
	s.events.EmitTyped("screener", &events.WatchlistUpdatedData{
		Count:   len(selected),
		Scanned: scanned,
	})
	return result, nil
}

func (s *Screener) resolveFuncs() (scoreFuncs, error) {
	var f scoreFuncs
	var err error
	if f.momentum, err = s.reg.Factor(domain.FactorMomentum); err != nil {
		return f, err
	}
	if f.value, err = s.reg.Factor(domain.FactorValue); err != nil {
		return f, err
	}
	if f.quality, err = s.reg.Factor(domain.FactorQuality); err != nil {
		return f, err
	}
	if f.technical, err = s.reg.Factor(domain.FactorTechnical); err != nil {
		return f, err
	}
	return f, nil
}

// score fetches one stock's data and computes its watchlist scores. Any
// fetch or factor error fails the stock as a whole.
func (s *Screener) score(ctx context.Context, funcs scoreFuncs, st domain.Stock) (domain.WatchlistEntry, error) {
	quote, err := s.data.GetPrice(ctx, st.Code)
	if err != nil {
		return domain.WatchlistEntry{}, fmt.Errorf("price: %w", err)
	}
	candles, err := s.data.GetDailyOHLCV(ctx, st.Code, candleDays)
	if err != nil {
		return domain.WatchlistEntry{}, fmt.Errorf("ohlcv: %w", err)
	}
	fins, err := s.data.GetFundamentals(ctx, st.Code)
	if err != nil {
		return domain.WatchlistEntry{}, fmt.Errorf("fundamentals: %w", err)
	}

	in := registry.Inputs{
		Code:         st.Code,
		Sector:       st.Sector,
		Quote:        quote,
		Candles:      candles,
		Fundamentals: fins,
	}
	momentum, err := funcs.momentum(in)
	if err != nil {
		return domain.WatchlistEntry{}, err
	}
	value, err := funcs.value(in)
	if err != nil {
		return domain.WatchlistEntry{}, err
	}
	quality, err := funcs.quality(in)
	if err != nil {
		return domain.WatchlistEntry{}, err
	}
	technical, err := funcs.technical(in)
	if err != nil {
		return domain.WatchlistEntry{}, err
	}

	fundamental := 0.5*value + 0.5*quality
	total := weightTechnical*technical + weightMomentum*momentum + weightFundamental*fundamental

	return domain.WatchlistEntry{
		Code:             st.Code,
		Name:             st.Name,
		Market:           st.Market,
		Sector:           st.Sector,
		FundamentalScore: fundamental,
		TechnicalScore:   technical,
		MomentumScore:    momentum,
		TotalScore:       total,
		Active:           true,
	}, nil
}

// selectTop filters by threshold, ranks by total score (code breaks ties
// so reruns are deterministic) and applies the size cap.
func (s *Screener) selectTop(scored []*domain.WatchlistEntry) []domain.WatchlistEntry {
	selected := make([]domain.WatchlistEntry, 0, len(scored))
	for _, e := range scored {
		if e != nil && e.TotalScore >= s.cfg.Threshold {
			selected = append(selected, *e)
		}
	}
	sort.Slice(selected, func(i, j int) bool {
		if selected[i].TotalScore != selected[j].TotalScore {
			return selected[i].TotalScore > selected[j].TotalScore
		}
		return selected[i].Code < selected[j].Code
	})
	if len(selected) > s.cfg.MaxWatchlist {
		selected = selected[:s.cfg.MaxWatchlist]
	}
	return selected
}
