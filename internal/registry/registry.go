// Package registry is the catalog of named pure computations: factor
// scoring, volatility fit, regime classification and portfolio optimizer
// strategies. Config refers to computations by name; resolving an unknown
// name is a configuration error, caught at startup before anything trades.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/domain"
)

// Kind partitions the catalog by call signature.
type Kind string

const (
	KindFactor        Kind = "factor"
	KindVolatilityFit Kind = "volatility_fit"
	KindRegime        Kind = "regime"
	KindOptimizer     Kind = "optimizer"
)

// Inputs is everything a factor computation may read for one candidate.
// Candles are daily bars oldest first; IndexCandles is the benchmark index
// over a comparable span.
type Inputs struct {
	Code         string
	Sector       string
	Quote        domain.Quote
	Candles      []domain.Candle
	Fundamentals domain.Fundamentals
	IndexCandles []domain.Candle
}

// FactorFunc scores one candidate on a common 0..100 scale.
type FactorFunc func(in Inputs) (float64, error)

// VolatilityFitParams shape the volatility preference band.
type VolatilityFitParams struct {
	OptimalMin float64
	OptimalMax float64
	Scale      float64
}

// VolatilityFitFunc maps realized annualized volatility onto [0, 1].
type VolatilityFitFunc func(annualVol float64, p VolatilityFitParams) float64

// RegimeFunc classifies the market from benchmark index bars, oldest first.
// Thresholds are closed over at registration time.
type RegimeFunc func(index []domain.Candle) (domain.Regime, error)

// OptimizerFunc computes portfolio weights from per-asset return series
// (returns[i] is asset i, oldest first). Weights sum to 1, each within
// [minWeight, maxWeight].
type OptimizerFunc func(returns [][]float64, minWeight, maxWeight float64) ([]float64, error)

// Spec describes one registered computation. Exactly one function field,
// the one matching Kind, must be set.
type Spec struct {
	Name    string
	Version string
	Kind    Kind
	Inputs  []string // data the computation reads, for the catalog log

	Factor        FactorFunc
	VolatilityFit VolatilityFitFunc
	Regime        RegimeFunc
	Optimizer     OptimizerFunc
}

func (s Spec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("registry: spec without a name")
	}
	set := 0
	if s.Factor != nil {
		set++
	}
	if s.VolatilityFit != nil {
		set++
	}
	if s.Regime != nil {
		set++
	}
	if s.Optimizer != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("registry: %s sets %d function fields, want exactly 1", s.Name, set)
	}
	var ok bool
	switch s.Kind {
	case KindFactor:
		ok = s.Factor != nil
	case KindVolatilityFit:
		ok = s.VolatilityFit != nil
	case KindRegime:
		ok = s.Regime != nil
	case KindOptimizer:
		ok = s.Optimizer != nil
	default:
		return fmt.Errorf("registry: %s has unknown kind %q", s.Name, s.Kind)
	}
	if !ok {
		return fmt.Errorf("registry: %s function field does not match kind %s", s.Name, s.Kind)
	}
	return nil
}

// Registry holds the catalog. Safe for concurrent use; registration happens
// at startup, lookups for the rest of the day.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
	log   zerolog.Logger
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		specs: make(map[string]Spec),
		log:   log.With().Str("component", "registry").Logger(),
	}
}

// Register adds one computation. Duplicate names are rejected so a config
// typo cannot silently shadow a builtin.
func (r *Registry) Register(s Spec) error {
	if err := s.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[s.Name]; exists {
		return fmt.Errorf("registry: %s already registered", s.Name)
	}
	r.specs[s.Name] = s
	r.log.Debug().
		Str("name", s.Name).
		Str("kind", string(s.Kind)).
		Str("version", s.Version).
		Strs("inputs", s.Inputs).
		Msg("Registered computation")
	return nil
}

// MustRegister panics on registration failure. For builtin wiring only.
func (r *Registry) MustRegister(s Spec) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(name string, kind Kind) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("registry: unknown %s function %q", kind, name)
	}
	if s.Kind != kind {
		return Spec{}, fmt.Errorf("registry: %q is a %s function, not %s", name, s.Kind, kind)
	}
	return s, nil
}

// Factor returns the named factor function.
func (r *Registry) Factor(name string) (FactorFunc, error) {
	s, err := r.lookup(name, KindFactor)
	if err != nil {
		return nil, err
	}
	return s.Factor, nil
}

// VolatilityFit returns the named volatility-fit function.
func (r *Registry) VolatilityFit(name string) (VolatilityFitFunc, error) {
	s, err := r.lookup(name, KindVolatilityFit)
	if err != nil {
		return nil, err
	}
	return s.VolatilityFit, nil
}

// Regime returns the named regime classifier.
func (r *Registry) Regime(name string) (RegimeFunc, error) {
	s, err := r.lookup(name, KindRegime)
	if err != nil {
		return nil, err
	}
	return s.Regime, nil
}

// Optimizer returns the named optimizer strategy.
func (r *Registry) Optimizer(name string) (OptimizerFunc, error) {
	s, err := r.lookup(name, KindOptimizer)
	if err != nil {
		return nil, err
	}
	return s.Optimizer, nil
}

// Resolve checks that every name exists with the given kind. Startup
// config validation calls this so an unknown name fails before market open.
func (r *Registry) Resolve(kind Kind, names ...string) error {
	for _, name := range names {
		if _, err := r.lookup(name, kind); err != nil {
			return err
		}
	}
	return nil
}

// List returns all registered specs sorted by name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NewPopulated creates a registry with the builtin factor set and
// volatility fit registered. Regime classifiers and optimizer strategies
// are registered by the composition root, with config closed over.
func NewPopulated(log zerolog.Logger) *Registry {
	r := New(log)

	r.MustRegister(Spec{Name: domain.FactorMomentum, Version: "v1", Kind: KindFactor,
		Inputs: []string{"candles"}, Factor: Momentum})
	r.MustRegister(Spec{Name: domain.FactorValue, Version: "v1", Kind: KindFactor,
		Inputs: []string{"quote"}, Factor: Value})
	r.MustRegister(Spec{Name: domain.FactorQuality, Version: "v1", Kind: KindFactor,
		Inputs: []string{"fundamentals"}, Factor: Quality})
	r.MustRegister(Spec{Name: domain.FactorVolume, Version: "v1", Kind: KindFactor,
		Inputs: []string{"candles"}, Factor: VolumeTrend})
	r.MustRegister(Spec{Name: domain.FactorVolatility, Version: "v1", Kind: KindFactor,
		Inputs: []string{"candles"}, Factor: Volatility})
	r.MustRegister(Spec{Name: domain.FactorTechnical, Version: "v1", Kind: KindFactor,
		Inputs: []string{"candles", "quote"}, Factor: Technical})
	r.MustRegister(Spec{Name: domain.FactorMarketStrength, Version: "v1", Kind: KindFactor,
		Inputs: []string{"candles", "index"}, Factor: MarketStrength})

	r.MustRegister(Spec{Name: "volatility_fit", Version: "v1", Kind: KindVolatilityFit,
		Inputs: []string{"volatility"}, VolatilityFit: BandVolatilityFit})

	log.Info().Int("computations", len(r.specs)).Msg("Function registry initialized")
	return r
}
