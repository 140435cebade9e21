package scheduler

import "context"

// The job table drives services through these narrow interfaces so the
// schedule logic tests against fakes. Adapters over the concrete services
// live in adapters.go.

// Phase1Service runs the morning universe screen.
type Phase1Service interface {
	RunScreen(ctx context.Context) error
}

// Phase2Service scores the day's batches and produces the selection.
type Phase2Service interface {
	// RunBatchesThrough executes every still-runnable batch up to and
	// including the given slot. A restart mid-morning heals itself on the
	// next cron fire.
	RunBatchesThrough(ctx context.Context, day string, upto int) error
	// FinalizeDay completes any remaining batches and writes the final
	// selection.
	FinalizeDay(ctx context.Context, day string) error
}

// TradingService is the engine's session surface.
type TradingService interface {
	MarketOpen(ctx context.Context) error
	ProcessEntries(ctx context.Context, date string) error
	Tick(ctx context.Context) error
	MarketClose(ctx context.Context) error
}

// TradeSummarySource reports one day's realized results.
type TradeSummarySource interface {
	RealizedOn(date string) (float64, int, error)
}

// Notifier delivers the daily report.
type Notifier interface {
	Send(ctx context.Context, text string) error
	Enabled() bool
}

// CacheFlusher clears the quote cache at the daily boundary.
type CacheFlusher interface {
	FlushCache(ctx context.Context) error
}

// BackupService runs the nightly database backup and reports whether one
// already ran on a given day.
type BackupService interface {
	RunBackup(ctx context.Context) error
	RanOn(day string) bool
}
