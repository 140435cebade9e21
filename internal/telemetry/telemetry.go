// Package telemetry produces the periodic health heartbeat: host metrics
// via gopsutil plus governor window fill, cache tier health, and the
// recent error count. Snapshots are logged and served by the ops API.
package telemetry

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/haetae-bot/haetae/internal/cache"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/governor"
)

// GovernorStats exposes the rate-limit window fill.
type GovernorStats interface {
	Stats() []governor.WindowStat
}

// CacheStats exposes cache counters and the primary-tier probe.
type CacheStats interface {
	Stats() cache.Stats
	Ping(ctx context.Context) error
}

// ErrorCounter counts recent high-severity ledger rows.
type ErrorCounter interface {
	CountSince(since time.Time) (int, error)
}

// Activity counts bus events observed since process start.
type Activity struct {
	OrdersFilled     int64 `json:"orders_filled"`
	OrdersRejected   int64 `json:"orders_rejected"`
	PositionsClosed  int64 `json:"positions_closed"`
	BatchesCompleted int64 `json:"batches_completed"`
	BatchesSkipped   int64 `json:"batches_skipped"`
	TokenRefreshes   int64 `json:"token_refreshes"`
}

// Snapshot is one heartbeat observation.
type Snapshot struct {
	At            time.Time             `json:"at"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	CPUPercent    float64               `json:"cpu_percent"`
	MemoryPercent float64               `json:"memory_percent"`
	MemoryUsedMB  float64               `json:"memory_used_mb"`
	DiskPercent   float64               `json:"disk_percent"`
	DiskFreeGB    float64               `json:"disk_free_gb"`
	Goroutines    int                   `json:"goroutines"`
	Governor      []governor.WindowStat `json:"governor"`
	Cache         cache.Stats           `json:"cache"`
	CachePingMS   float64               `json:"cache_ping_ms"`
	RecentErrors  int                   `json:"recent_errors"`
	Activity      Activity              `json:"activity"`
}

// Monitor collects snapshots. Host metric failures degrade to zero values
// with a warning; a heartbeat must never fail outright.
type Monitor struct {
	gov     GovernorStats
	cache   CacheStats
	errors  ErrorCounter
	dataDir string
	log     zerolog.Logger
	start   time.Time
	now     func() time.Time

	ordersFilled     atomic.Int64
	ordersRejected   atomic.Int64
	positionsClosed  atomic.Int64
	batchesCompleted atomic.Int64
	batchesSkipped   atomic.Int64
	tokenRefreshes   atomic.Int64

	mu   sync.RWMutex
	last Snapshot
}

// NewMonitor creates a monitor over the given sources. dataDir is the
// volume whose disk usage is reported.
func NewMonitor(gov GovernorStats, cacheStats CacheStats, errors ErrorCounter, dataDir string, log zerolog.Logger) *Monitor {
	return &Monitor{
		gov:     gov,
		cache:   cacheStats,
		errors:  errors,
		dataDir: dataDir,
		log:     log.With().Str("component", "telemetry").Logger(),
		start:   time.Now(),
		now:     time.Now,
	}
}

// RegisterListeners feeds the heartbeat's activity counters from the bus.
func RegisterListeners(bus *events.Bus, m *Monitor) {
	count := func(c *atomic.Int64) events.Handler {
		return func(*events.Event) { c.Add(1) }
	}
	bus.Subscribe(events.OrderFilled, count(&m.ordersFilled))
	bus.Subscribe(events.OrderRejected, count(&m.ordersRejected))
	bus.Subscribe(events.PositionClosed, count(&m.positionsClosed))
	bus.Subscribe(events.BatchCompleted, count(&m.batchesCompleted))
	bus.Subscribe(events.BatchSkipped, count(&m.batchesSkipped))
	bus.Subscribe(events.TokenRefreshed, count(&m.tokenRefreshes))
}

// Collect gathers one snapshot, stores it as the latest, and returns it.
func (m *Monitor) Collect(ctx context.Context) Snapshot {
	now := m.now()
	snap := Snapshot{
		At:            now,
		UptimeSeconds: now.Sub(m.start).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		Governor:      m.gov.Stats(),
		Cache:         m.cache.Stats(),
		CachePingMS:   -1,
	}

	// The short interval keeps Collect responsive; the reading is still a
	// true two-sample delta.
	if cpuPct, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		m.log.Warn().Err(err).Msg("CPU usage unavailable")
	} else if len(cpuPct) > 0 {
		snap.CPUPercent = cpuPct[0]
	}

	if memStat, err := mem.VirtualMemory(); err != nil {
		m.log.Warn().Err(err).Msg("Memory usage unavailable")
	} else {
		snap.MemoryPercent = memStat.UsedPercent
		snap.MemoryUsedMB = float64(memStat.Used) / 1024 / 1024
	}

	if diskStat, err := disk.Usage(m.dataDir); err != nil {
		m.log.Warn().Err(err).Str("dir", m.dataDir).Msg("Disk usage unavailable")
	} else {
		snap.DiskPercent = diskStat.UsedPercent
		snap.DiskFreeGB = float64(diskStat.Free) / 1024 / 1024 / 1024
	}

	pingStart := time.Now()
	if err := m.cache.Ping(ctx); err == nil {
		snap.CachePingMS = float64(time.Since(pingStart).Microseconds()) / 1000
	}

	if count, err := m.errors.CountSince(now.Add(-time.Hour)); err != nil {
		m.log.Warn().Err(err).Msg("Error count unavailable")
	} else {
		snap.RecentErrors = count
	}

	snap.Activity = Activity{
		OrdersFilled:     m.ordersFilled.Load(),
		OrdersRejected:   m.ordersRejected.Load(),
		PositionsClosed:  m.positionsClosed.Load(),
		BatchesCompleted: m.batchesCompleted.Load(),
		BatchesSkipped:   m.batchesSkipped.Load(),
		TokenRefreshes:   m.tokenRefreshes.Load(),
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	return snap
}

// Last returns the most recent snapshot. The zero Snapshot means Collect
// has not run yet.
func (m *Monitor) Last() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Run collects on the interval until ctx is done, logging each heartbeat.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.Collect(ctx)
			m.log.Info().
				Float64("cpu_pct", snap.CPUPercent).
				Float64("mem_pct", snap.MemoryPercent).
				Float64("disk_pct", snap.DiskPercent).
				Int("goroutines", snap.Goroutines).
				Bool("cache_primary_up", snap.Cache.PrimaryUp).
				Int("recent_errors", snap.RecentErrors).
				Msg("Telemetry heartbeat")
		}
	}
}
