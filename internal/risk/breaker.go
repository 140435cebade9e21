package risk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
)

// TripReason names what tripped the circuit breaker. Each reason carries
// its own cooldown.
type TripReason string

const (
	TripDailyLoss  TripReason = "daily_loss"
	TripLossStreak TripReason = "loss_streak"
	TripErrorSpike TripReason = "error_spike"
	TripMarketMove TripReason = "market_move"
)

// cooldownFor returns the auto-reset delay for a trip reason. Consecutive
// losses get the longest pause: they indicate the strategy, not the
// market, is wrong.
func cooldownFor(r TripReason) time.Duration {
	switch r {
	case TripDailyLoss:
		return 24 * time.Hour
	case TripLossStreak:
		return 48 * time.Hour
	case TripErrorSpike:
		return time.Hour
	case TripMarketMove:
		return 4 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// BreakerConfig tunes the circuit breaker. The composition root maps the
// risk.circuit_breaker config section onto it; ResetKey comes from the
// environment, never from the config file.
type BreakerConfig struct {
	DailyLossLimit  float64       // fraction of equity lost intraday
	LossStreakLimit int           // straight losing trades
	ErrorLimit      int           // system errors inside ErrorWindow
	ErrorWindow     time.Duration // sliding window for the error count
	MarketMoveLimit float64       // index move in one session, fraction
	ResetKey        string        // HMAC key for signed manual resets
	MaxResetSkew    time.Duration // tolerated age of a reset timestamp
}

// ErrResetDisabled reports a manual reset attempt with no key configured.
var ErrResetDisabled = errors.New("manual reset disabled: no reset key configured")

// Trip describes one breaker activation, passed to the trip hook.
type Trip struct {
	Reason TripReason `json:"reason"`
	Detail string     `json:"detail"`
	At     time.Time  `json:"at"`
	Until  time.Time  `json:"until"`
}

// breakerState is persisted so a tripped breaker survives a restart; a
// process bounce must not bypass a safety stop.
type breakerState struct {
	Open       bool        `json:"open"`
	Reason     TripReason  `json:"reason,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	TrippedAt  time.Time   `json:"tripped_at,omitempty"`
	Until      time.Time   `json:"until,omitempty"`
	LossStreak int         `json:"loss_streak"`
	Errors     []time.Time `json:"recent_errors,omitempty"`
}

// BreakerSnapshot is the read-only view for telemetry and the ops API.
type BreakerSnapshot struct {
	Open         bool       `json:"open"`
	Reason       TripReason `json:"reason,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	TrippedAt    time.Time  `json:"tripped_at,omitempty"`
	Until        time.Time  `json:"until,omitempty"`
	LossStreak   int        `json:"loss_streak"`
	RecentErrors int        `json:"recent_errors"`
}

// CircuitBreaker halts all entries when the session goes wrong. The
// engine asks Allow before every order; record methods feed the triggers.
// The trip hook runs outside the lock and is where order cancellation and
// alerting hang.
type CircuitBreaker struct {
	cfg    BreakerConfig
	path   string
	onTrip func(Trip)
	log    zerolog.Logger
	now    func() time.Time

	mu sync.Mutex
	st breakerState
}

// NewCircuitBreaker creates the breaker, restoring persisted trip state
// from path when present. onTrip may be nil.
func NewCircuitBreaker(cfg BreakerConfig, path string, onTrip func(Trip), log zerolog.Logger) (*CircuitBreaker, error) {
	if cfg.DailyLossLimit <= 0 {
		cfg.DailyLossLimit = 0.02
	}
	if cfg.LossStreakLimit <= 0 {
		cfg.LossStreakLimit = 5
	}
	if cfg.ErrorLimit <= 0 {
		cfg.ErrorLimit = 3
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = time.Hour
	}
	if cfg.MarketMoveLimit <= 0 {
		cfg.MarketMoveLimit = 0.05
	}
	if cfg.MaxResetSkew <= 0 {
		cfg.MaxResetSkew = 5 * time.Minute
	}
	cb := &CircuitBreaker{
		cfg:    cfg,
		path:   path,
		onTrip: onTrip,
		log:    log.With().Str("component", "circuit_breaker").Logger(),
		now:    time.Now,
	}
	if err := artifacts.Read(path, &cb.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("restoring circuit breaker state: %w", err)
	}
	if cb.st.Open {
		cb.log.Warn().Str("reason", string(cb.st.Reason)).Time("until", cb.st.Until).
			Msg("Circuit breaker restored open")
	}
	return cb, nil
}

// Allow reports whether new entries may proceed. An expired cooldown
// auto-resets on observation.
func (cb *CircuitBreaker) Allow() domain.Outcome {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.st.Open {
		return domain.Ok()
	}
	if !cb.now().Before(cb.st.Until) {
		cb.log.Info().Str("reason", string(cb.st.Reason)).
			Msg("Circuit breaker cooldown elapsed, auto-reset")
		cb.closeLocked()
		return domain.Ok()
	}
	return domain.Rejected("circuit open")
}

// RecordDailyLoss feeds the intraday loss fraction (positive = down).
func (cb *CircuitBreaker) RecordDailyLoss(lossFrac float64) {
	if lossFrac < cb.cfg.DailyLossLimit {
		return
	}
	cb.fire(TripDailyLoss, fmt.Sprintf("daily loss %.2f%% breached %.2f%% limit",
		lossFrac*100, cb.cfg.DailyLossLimit*100))
}

// RecordTradeClose feeds every realized PnL. A loss extends the streak, a
// profitable close clears it.
func (cb *CircuitBreaker) RecordTradeClose(pnl float64) {
	cb.mu.Lock()
	if pnl < 0 {
		cb.st.LossStreak++
	} else {
		cb.st.LossStreak = 0
	}
	streak := cb.st.LossStreak
	cb.persistLocked()
	cb.mu.Unlock()

	if streak >= cb.cfg.LossStreakLimit {
		cb.fire(TripLossStreak, fmt.Sprintf("%d consecutive losing trades", streak))
	}
}

// RecordSystemError feeds one system error. Three inside the window mean
// the platform, not the market, is failing.
func (cb *CircuitBreaker) RecordSystemError() {
	cb.mu.Lock()
	now := cb.now()
	cutoff := now.Add(-cb.cfg.ErrorWindow)
	kept := cb.st.Errors[:0]
	for _, t := range cb.st.Errors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.st.Errors = append(kept, now)
	count := len(cb.st.Errors)
	cb.persistLocked()
	cb.mu.Unlock()

	if count >= cb.cfg.ErrorLimit {
		cb.fire(TripErrorSpike, fmt.Sprintf("%d system errors within %s", count, cb.cfg.ErrorWindow))
	}
}

// RecordMarketMove feeds the index session move as a signed fraction.
func (cb *CircuitBreaker) RecordMarketMove(moveFrac float64) {
	if math.Abs(moveFrac) < cb.cfg.MarketMoveLimit {
		return
	}
	cb.fire(TripMarketMove, fmt.Sprintf("index moved %.2f%% in one session", moveFrac*100))
}

// ManualReset closes a tripped breaker ahead of its cooldown. The caller
// presents an RFC3339 timestamp and an HMAC-SHA256 signature over it; a
// stale timestamp is refused so captured requests cannot be replayed
// later. A manual reset also clears the trigger counters: the operator
// has acknowledged the history behind them.
func (cb *CircuitBreaker) ManualReset(timestamp, signature string) error {
	if cb.cfg.ResetKey == "" {
		return ErrResetDisabled
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("bad reset timestamp: %w", err)
	}
	if d := cb.now().Sub(ts); d < -cb.cfg.MaxResetSkew || d > cb.cfg.MaxResetSkew {
		return fmt.Errorf("reset timestamp outside %s window", cb.cfg.MaxResetSkew)
	}
	want := ResetSignature(cb.cfg.ResetKey, timestamp)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return errors.New("reset signature mismatch")
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.log.Warn().Str("reason", string(cb.st.Reason)).Msg("Circuit breaker manually reset")
	cb.st.LossStreak = 0
	cb.st.Errors = nil
	cb.closeLocked()
	return nil
}

// ResetSignature computes the signature ManualReset expects for a
// timestamp. Operator tooling uses it to sign reset requests.
func ResetSignature(key, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte("reset:" + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// Snapshot returns the current view.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Open:         cb.st.Open,
		Reason:       cb.st.Reason,
		Detail:       cb.st.Detail,
		TrippedAt:    cb.st.TrippedAt,
		Until:        cb.st.Until,
		LossStreak:   cb.st.LossStreak,
		RecentErrors: len(cb.st.Errors),
	}
}

// fire trips the breaker and invokes the hook outside the lock. A repeat
// trigger while open only extends the cooldown, never shortens it, and
// does not re-fire the hook; orders were already cancelled.
func (cb *CircuitBreaker) fire(reason TripReason, detail string) {
	cb.mu.Lock()
	now := cb.now()
	until := now.Add(cooldownFor(reason))
	if cb.st.Open {
		if until.After(cb.st.Until) {
			cb.st.Until = until
			cb.st.Reason = reason
			cb.st.Detail = detail
			cb.persistLocked()
			cb.log.Warn().Str("reason", string(reason)).Time("until", until).
				Msg("Open circuit breaker cooldown extended")
		}
		cb.mu.Unlock()
		return
	}
	cb.st.Open = true
	cb.st.Reason = reason
	cb.st.Detail = detail
	cb.st.TrippedAt = now
	cb.st.Until = until
	cb.persistLocked()
	trip := Trip{Reason: reason, Detail: detail, At: now, Until: until}
	cb.mu.Unlock()

	cb.log.Error().Str("reason", string(reason)).Str("detail", detail).
		Time("until", until).Msg("Circuit breaker tripped")
	if cb.onTrip != nil {
		cb.onTrip(trip)
	}
}

func (cb *CircuitBreaker) closeLocked() {
	cb.st.Open = false
	cb.st.Reason = ""
	cb.st.Detail = ""
	cb.st.TrippedAt = time.Time{}
	cb.st.Until = time.Time{}
	cb.persistLocked()
}

// persistLocked writes state under the lock. A failed write keeps the
// in-memory breaker authoritative.
func (cb *CircuitBreaker) persistLocked() {
	if err := artifacts.Write(cb.path, cb.st); err != nil {
		cb.log.Error().Err(err).Str("path", cb.path).Msg("Persisting circuit breaker state failed")
	}
}
