package regime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/domain"
)

// IndexSource supplies benchmark index bars. Implemented by the brokerage
// client.
type IndexSource interface {
	GetIndexDailyOHLCV(ctx context.Context, indexCode string, days int) ([]domain.Candle, error)
}

// Snapshot is the detector's published state.
type Snapshot struct {
	Reading
	SmoothedScore float64   `json:"smoothed_score"`
	AsOf          time.Time `json:"as_of"`
}

// Detector keeps a cached regime classification refreshed from the index
// series. On refresh failure the last good reading keeps serving; when
// nothing was ever read the detector reports sideways, the posture that
// neither leans into risk nor slams everything shut.
type Detector struct {
	source    IndexSource
	indexCode string
	params    Params
	refresh   time.Duration
	log       zerolog.Logger

	mu      sync.RWMutex
	current *Snapshot
	lastTry time.Time

	now func() time.Time
}

// NewDetector creates a detector for one benchmark index.
func NewDetector(source IndexSource, indexCode string, params Params, refresh time.Duration, log zerolog.Logger) *Detector {
	if refresh <= 0 {
		refresh = 10 * time.Minute
	}
	return &Detector{
		source:    source,
		indexCode: indexCode,
		params:    params,
		refresh:   refresh,
		log:       log.With().Str("component", "regime_detector").Logger(),
		now:       time.Now,
	}
}

// Current returns the regime, refreshing the cached reading when stale.
func (d *Detector) Current(ctx context.Context) domain.Regime {
	return d.Snapshot(ctx).Regime
}

// Snapshot returns the full detector state, refreshing when stale.
func (d *Detector) Snapshot(ctx context.Context) Snapshot {
	d.mu.RLock()
	cur := d.current
	stale := cur == nil || d.now().Sub(cur.AsOf) > d.refresh
	tried := d.lastTry
	d.mu.RUnlock()

	// Failed refreshes back off for one interval instead of hammering the
	// broker on every caller.
	if stale && d.now().Sub(tried) > d.refresh {
		if err := d.Refresh(ctx); err != nil {
			d.log.Warn().Err(err).Msg("Regime refresh failed, serving cached reading")
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.current == nil {
		return Snapshot{
			Reading: Reading{Regime: domain.RegimeSideways},
			AsOf:    d.now(),
		}
	}
	return *d.current
}

// Refresh fetches the index series and reclassifies immediately.
func (d *Detector) Refresh(ctx context.Context) error {
	d.mu.Lock()
	d.lastTry = d.now()
	d.mu.Unlock()

	bars, err := d.source.GetIndexDailyOHLCV(ctx, d.indexCode, d.params.TrendWindow+d.params.VolWindow+5)
	if err != nil {
		return err
	}
	reading, err := Classify(bars, d.params)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	smoothed := reading.Score
	if d.current != nil {
		smoothed = Smooth(reading.Score, d.current.SmoothedScore, d.params.SmoothingAlpha)
	}
	prev := domain.Regime("")
	if d.current != nil {
		prev = d.current.Regime
	}
	d.current = &Snapshot{
		Reading:       reading,
		SmoothedScore: smoothed,
		AsOf:          d.now(),
	}

	evt := d.log.Debug()
	if prev != "" && prev != reading.Regime {
		evt = d.log.Info().Str("previous", string(prev))
	}
	evt.
		Str("regime", string(reading.Regime)).
		Float64("trend_return", reading.TrendReturn).
		Float64("realized_vol", reading.RealizedVol).
		Float64("smoothed_score", smoothed).
		Msg("Market regime classified")
	return nil
}
