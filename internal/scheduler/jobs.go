package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/artifacts"
)

const dateLayout = "2006-01-02"

// defaultBatches matches the selection phase's slot count: one batch per
// five-minute slot from 07:00 through 08:25.
const defaultBatches = 18

// Table is the standard haetae trading-day schedule. All times evaluate in
// Loc (Asia/Seoul in production); trading jobs fire weekdays only while
// maintenance runs every day.
//
//	06:00      phase1_screen    universe scan into the watchlist
//	07:00-08:25 phase2_batch    one scoring batch per five-minute slot
//	08:30      phase2_finalize  complete stragglers, write the selection
//	09:00      market_open      position sync, then entry processing
//	09:00-15:29 engine_tick     exits and risk signals, every minute
//	15:30      market_close     cancel sweep and session summary
//	16:00      daily_report     realized results to the notifier
//	00:00      cache_flush      clear the quote cache namespace
//	02:30      database_backup  nightly snapshot upload
type Table struct {
	Screen  Phase1Service
	Phase   Phase2Service
	Trading TradingService
	Trades  TradeSummarySource
	Notify  Notifier
	Cache   CacheFlusher
	Backup  BackupService
	Files   *artifacts.Store
	Loc     *time.Location
	Batches int

	log zerolog.Logger
	now func() time.Time
}

// NewTable wires the schedule over its services.
func NewTable(t Table, log zerolog.Logger) *Table {
	if t.Batches <= 0 {
		t.Batches = defaultBatches
	}
	if t.Loc == nil {
		t.Loc = time.UTC
	}
	t.log = log.With().Str("component", "job_table").Logger()
	t.now = time.Now
	return &t
}

// Register adds every schedule entry to the scheduler.
func (t *Table) Register(s *Scheduler) error {
	entries := []struct {
		spec string
		job  Job
	}{
		{"0 0 6 * * MON-FRI", NewJob("phase1_screen", t.runScreen)},
		{"0 */5 7-8 * * MON-FRI", NewJob("phase2_batch", t.runBatchSlot)},
		{"0 30 8 * * MON-FRI", NewJob("phase2_finalize", t.runFinalize)},
		{"0 0 9 * * MON-FRI", NewJob("market_open", t.runMarketOpen)},
		{"0 * 9-14 * * MON-FRI", NewJob("engine_tick", t.runTick)},
		{"0 0-29 15 * * MON-FRI", NewJob("engine_tick", t.runTick)},
		{"0 30 15 * * MON-FRI", NewJob("market_close", t.runMarketClose)},
		{"0 0 16 * * MON-FRI", NewJob("daily_report", t.runReport)},
		{"0 0 0 * * *", NewJob("cache_flush", t.runCacheFlush)},
		{"0 30 2 * * *", NewJob("database_backup", t.runBackup)},
	}
	for _, e := range entries {
		if err := s.AddJob(e.spec, e.job); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) today() string {
	return t.now().In(t.Loc).Format(dateLayout)
}

func (t *Table) runScreen(ctx context.Context) error {
	return t.Screen.RunScreen(ctx)
}

// runBatchSlot runs every batch due by the current slot. On a normal
// morning that is exactly one batch; after a restart it is the current
// slot plus everything the downtime missed.
func (t *Table) runBatchSlot(ctx context.Context) error {
	slot := BatchSlot(t.now().In(t.Loc), t.Batches)
	if slot < 0 {
		return nil
	}
	return t.Phase.RunBatchesThrough(ctx, t.today(), slot)
}

func (t *Table) runFinalize(ctx context.Context) error {
	day := t.today()
	if artifacts.Exists(t.Files.SelectionPath(day)) {
		t.log.Debug().Str("day", day).Msg("Selection already finalized")
		return nil
	}
	return t.Phase.FinalizeDay(ctx, day)
}

func (t *Table) runMarketOpen(ctx context.Context) error {
	if err := t.Trading.MarketOpen(ctx); err != nil {
		return err
	}
	return t.Trading.ProcessEntries(ctx, t.today())
}

func (t *Table) runTick(ctx context.Context) error {
	return t.Trading.Tick(ctx)
}

func (t *Table) runMarketClose(ctx context.Context) error {
	return t.Trading.MarketClose(ctx)
}

func (t *Table) runReport(ctx context.Context) error {
	day := t.today()
	pnl, roundTrips, err := t.Trades.RealizedOn(day)
	if err != nil {
		return fmt.Errorf("summarizing %s: %w", day, err)
	}
	if !t.Notify.Enabled() {
		return nil
	}
	text := fmt.Sprintf("*Daily report %s*\nRound trips: %d\nRealized PnL: %.0f KRW",
		day, roundTrips, pnl)
	return t.Notify.Send(ctx, text)
}

func (t *Table) runCacheFlush(ctx context.Context) error {
	return t.Cache.FlushCache(ctx)
}

func (t *Table) runBackup(ctx context.Context) error {
	return t.Backup.RunBackup(ctx)
}

// BatchSlot maps a wall-clock time onto its five-minute scoring slot:
// 07:00 is slot 0, 08:25 slot 17. Times before the window or past the
// last slot return -1.
func BatchSlot(now time.Time, batches int) int {
	if now.Hour() < 7 {
		return -1
	}
	slot := ((now.Hour()-7)*60 + now.Minute()) / 5
	if slot >= batches {
		return -1
	}
	return slot
}
