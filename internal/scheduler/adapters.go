package scheduler

import (
	"context"
	"fmt"

	"github.com/haetae-bot/haetae/internal/backup"
	"github.com/haetae-bot/haetae/internal/cache"
	"github.com/haetae-bot/haetae/internal/screener"
	"github.com/haetae-bot/haetae/internal/selection"
)

// Adapters bind the concrete services to the job-table interfaces. The
// rich results stay with the services, which already log them; the table
// only needs pass or fail.

// ScreenAdapter adapts the Phase-1 screener.
type ScreenAdapter struct {
	S *screener.Screener
}

func (a ScreenAdapter) RunScreen(ctx context.Context) error {
	_, err := a.S.Run(ctx)
	return err
}

// PhaseAdapter adapts the Phase-2 selection pipeline.
type PhaseAdapter struct {
	P *selection.Phase
}

func (a PhaseAdapter) RunBatchesThrough(ctx context.Context, day string, upto int) error {
	plan, err := a.P.EnsurePlan(ctx, day)
	if err != nil {
		return err
	}
	for _, id := range plan.Runnable() {
		if id > upto {
			break
		}
		if err := a.P.RunBatch(ctx, day, id); err != nil {
			return fmt.Errorf("batch %d: %w", id, err)
		}
	}
	return nil
}

func (a PhaseAdapter) FinalizeDay(ctx context.Context, day string) error {
	_, err := a.P.Run(ctx, day)
	return err
}

// CacheAdapter adapts the two-tier cache store.
type CacheAdapter struct {
	C *cache.Store
}

func (a CacheAdapter) FlushCache(ctx context.Context) error {
	return a.C.FlushNamespace(ctx)
}

// BackupAdapter adapts the backup runner.
type BackupAdapter struct {
	B *backup.Runner
}

func (a BackupAdapter) RunBackup(ctx context.Context) error {
	return a.B.Run(ctx)
}

func (a BackupAdapter) RanOn(day string) bool {
	return a.B.RanOn(day)
}
