package risk

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/artifacts"
)

// DrawdownLevel is one rung of the response ladder. Levels are ordered:
// a higher level implies every restriction below it.
type DrawdownLevel int

const (
	DrawdownNone DrawdownLevel = iota
	DrawdownWarn
	DrawdownReduce    // new positions sized at half
	DrawdownHalt      // no new entries
	DrawdownCloseHalf // liquidate half of every position
	DrawdownCloseAll  // flat the book
)

var drawdownNames = map[DrawdownLevel]string{
	DrawdownNone:      "none",
	DrawdownWarn:      "warn",
	DrawdownReduce:    "reduce",
	DrawdownHalt:      "halt",
	DrawdownCloseHalf: "close_half",
	DrawdownCloseAll:  "close_all",
}

func (l DrawdownLevel) String() string {
	if s, ok := drawdownNames[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// MarshalText keeps persisted state and logs readable.
func (l DrawdownLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText accepts the names MarshalText emits.
func (l *DrawdownLevel) UnmarshalText(b []byte) error {
	s := string(b)
	for lvl, name := range drawdownNames {
		if name == s {
			*l = lvl
			return nil
		}
	}
	return fmt.Errorf("unknown drawdown level %q", s)
}

// AllowsNewEntries reports whether the level still permits opening
// positions.
func (l DrawdownLevel) AllowsNewEntries() bool { return l < DrawdownHalt }

// SizeFactor scales new-position sizing for the level.
func (l DrawdownLevel) SizeFactor() float64 {
	switch {
	case l >= DrawdownHalt:
		return 0
	case l == DrawdownReduce:
		return 0.5
	default:
		return 1.0
	}
}

// DrawdownThresholds are the ladder trigger points, as fractions of the
// running peak.
type DrawdownThresholds struct {
	Warn      float64
	Reduce    float64
	Halt      float64
	CloseHalf float64
	CloseAll  float64
}

// DrawdownMonitorConfig tunes the monitor.
type DrawdownMonitorConfig struct {
	Thresholds DrawdownThresholds
	// Hysteresis is how far below a level's threshold the drawdown must
	// recover before the monitor steps down. It stops the ladder from
	// flapping when equity oscillates around a trigger point.
	Hysteresis float64
	// Location fixes the day/week/month boundaries for the window peaks.
	Location *time.Location
}

// drawdownState is the persisted monitor state. Window peaks survive a
// restart so an intraday crash cannot erase the morning's high-water mark.
type drawdownState struct {
	Equity      float64       `json:"equity"`
	AllTimePeak float64       `json:"alltime_peak"`
	DailyPeak   float64       `json:"daily_peak"`
	DailyKey    string        `json:"daily_key"`
	WeeklyPeak  float64       `json:"weekly_peak"`
	WeeklyKey   string        `json:"weekly_key"`
	MonthlyPeak float64       `json:"monthly_peak"`
	MonthlyKey  string        `json:"monthly_key"`
	MaxDrawdown float64       `json:"max_drawdown"`
	Level       DrawdownLevel `json:"level"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// DrawdownSnapshot is the read-only view served to telemetry and the ops
// API. Drawdowns are fractions of the respective peak.
type DrawdownSnapshot struct {
	Equity      float64       `json:"equity"`
	Current     float64       `json:"current"`
	Daily       float64       `json:"daily"`
	Weekly      float64       `json:"weekly"`
	Monthly     float64       `json:"monthly"`
	MaxDrawdown float64       `json:"max_drawdown"`
	Level       DrawdownLevel `json:"level"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// DrawdownTransition reports a ladder move from one Update call.
type DrawdownTransition struct {
	From     DrawdownLevel
	To       DrawdownLevel
	Drawdown float64
}

// Escalated reports whether the ladder moved up.
func (t DrawdownTransition) Escalated() bool { return t.To > t.From }

// DrawdownMonitor tracks equity peaks over several windows and drives the
// response ladder off the drawdown from the all-time peak. Updates are
// idempotent: feeding the same equity twice changes nothing, so the
// engine can evaluate every tick and act only on transitions.
type DrawdownMonitor struct {
	cfg  DrawdownMonitorConfig
	path string
	log  zerolog.Logger
	now  func() time.Time

	mu sync.Mutex
	st drawdownState
}

// NewDrawdownMonitor creates the monitor, restoring persisted state from
// path when present.
func NewDrawdownMonitor(cfg DrawdownMonitorConfig, path string, log zerolog.Logger) (*DrawdownMonitor, error) {
	if cfg.Thresholds == (DrawdownThresholds{}) {
		cfg.Thresholds = DrawdownThresholds{Warn: 0.03, Reduce: 0.05, Halt: 0.08, CloseHalf: 0.10, CloseAll: 0.12}
	}
	if cfg.Hysteresis <= 0 {
		cfg.Hysteresis = 0.01
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	m := &DrawdownMonitor{
		cfg:  cfg,
		path: path,
		log:  log.With().Str("component", "drawdown").Logger(),
		now:  time.Now,
	}
	if err := artifacts.Read(path, &m.st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("restoring drawdown state: %w", err)
	}
	return m, nil
}

// Update feeds a fresh equity reading. It rolls the window peaks, moves
// the ladder, persists and returns the transition when the level changed.
func (m *DrawdownMonitor) Update(equity float64) (DrawdownTransition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().In(m.cfg.Location)
	m.rollWindows(now)

	m.st.Equity = equity
	if equity > m.st.AllTimePeak {
		m.st.AllTimePeak = equity
	}
	if equity > m.st.DailyPeak {
		m.st.DailyPeak = equity
	}
	if equity > m.st.WeeklyPeak {
		m.st.WeeklyPeak = equity
	}
	if equity > m.st.MonthlyPeak {
		m.st.MonthlyPeak = equity
	}

	dd := drawdownFrom(m.st.AllTimePeak, equity)
	if dd > m.st.MaxDrawdown {
		m.st.MaxDrawdown = dd
	}

	from := m.st.Level
	to := m.nextLevel(from, dd)
	m.st.Level = to
	m.st.UpdatedAt = now
	m.persist()

	if to == from {
		return DrawdownTransition{}, false
	}
	evt := m.log.Warn()
	if to < from {
		evt = m.log.Info()
	}
	evt.Str("from", from.String()).Str("to", to.String()).
		Float64("drawdown", dd).Float64("equity", equity).
		Msg("Drawdown level changed")
	return DrawdownTransition{From: from, To: to, Drawdown: dd}, true
}

// Snapshot returns the current view without mutating state.
func (m *DrawdownMonitor) Snapshot() DrawdownSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return DrawdownSnapshot{
		Equity:      m.st.Equity,
		Current:     drawdownFrom(m.st.AllTimePeak, m.st.Equity),
		Daily:       drawdownFrom(m.st.DailyPeak, m.st.Equity),
		Weekly:      drawdownFrom(m.st.WeeklyPeak, m.st.Equity),
		Monthly:     drawdownFrom(m.st.MonthlyPeak, m.st.Equity),
		MaxDrawdown: m.st.MaxDrawdown,
		Level:       m.st.Level,
		UpdatedAt:   m.st.UpdatedAt,
	}
}

// Level returns the active ladder level.
func (m *DrawdownMonitor) Level() DrawdownLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Level
}

// rollWindows resets any window peak whose period ended. The new period's
// peak starts from zero and picks up the first equity reading.
func (m *DrawdownMonitor) rollWindows(now time.Time) {
	if key := now.Format("2006-01-02"); key != m.st.DailyKey {
		m.st.DailyKey = key
		m.st.DailyPeak = 0
	}
	year, week := now.ISOWeek()
	if key := fmt.Sprintf("%04d-W%02d", year, week); key != m.st.WeeklyKey {
		m.st.WeeklyKey = key
		m.st.WeeklyPeak = 0
	}
	if key := now.Format("2006-01"); key != m.st.MonthlyKey {
		m.st.MonthlyKey = key
		m.st.MonthlyPeak = 0
	}
}

// nextLevel moves the ladder. Escalation is immediate; de-escalation
// requires the drawdown to clear the current level's threshold by the
// hysteresis band, then rests at whatever level the drawdown still
// supports.
func (m *DrawdownMonitor) nextLevel(current DrawdownLevel, dd float64) DrawdownLevel {
	target := m.levelFor(dd)
	if target >= current {
		return target
	}
	if dd <= m.enterThreshold(current)-m.cfg.Hysteresis {
		return target
	}
	return current
}

func (m *DrawdownMonitor) levelFor(dd float64) DrawdownLevel {
	t := m.cfg.Thresholds
	switch {
	case dd >= t.CloseAll:
		return DrawdownCloseAll
	case dd >= t.CloseHalf:
		return DrawdownCloseHalf
	case dd >= t.Halt:
		return DrawdownHalt
	case dd >= t.Reduce:
		return DrawdownReduce
	case dd >= t.Warn:
		return DrawdownWarn
	default:
		return DrawdownNone
	}
}

func (m *DrawdownMonitor) enterThreshold(l DrawdownLevel) float64 {
	t := m.cfg.Thresholds
	switch l {
	case DrawdownCloseAll:
		return t.CloseAll
	case DrawdownCloseHalf:
		return t.CloseHalf
	case DrawdownHalt:
		return t.Halt
	case DrawdownReduce:
		return t.Reduce
	case DrawdownWarn:
		return t.Warn
	default:
		return 0
	}
}

// persist writes state under the lock. A failed write keeps the in-memory
// ladder authoritative; protection never depends on the disk.
func (m *DrawdownMonitor) persist() {
	if err := artifacts.Write(m.path, m.st); err != nil {
		m.log.Error().Err(err).Str("path", m.path).Msg("Persisting drawdown state failed")
	}
}

func drawdownFrom(peak, equity float64) float64 {
	if peak <= 0 || equity >= peak {
		return 0
	}
	return (peak - equity) / peak
}
