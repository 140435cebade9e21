package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/artifacts"
)

// step is one recoverable unit of the trading day: when it becomes due,
// how to tell it already ran, and how to run it.
type step struct {
	name         string
	weekdaysOnly bool
	// fatal stops the chain: later steps depend on this one's output.
	fatal bool
	due   func(now time.Time) bool
	done  func(day string) bool
	run   func(ctx context.Context) error
}

// CatchUp replays jobs a downtime window swallowed. The decision is a pure
// function of the artifacts on disk and the clock, so two restarts in the
// same state replay exactly the same set.
type CatchUp struct {
	steps []step
	loc   *time.Location
	log   zerolog.Logger
	now   func() time.Time
}

// CatchUp builds the startup recovery sequence for the table's schedule.
// The morning batch slots are not listed: the slot job heals them itself
// on its next fire, and past 08:30 the finalize step covers the whole
// phase.
func (t *Table) CatchUp() *CatchUp {
	steps := []step{
		{
			name: "database_backup",
			due:  afterClock(2, 30),
			done: func(day string) bool { return t.Backup.RanOn(day) },
			run:  t.runBackup,
		},
		{
			name:         "phase1_screen",
			weekdaysOnly: true,
			fatal:        true,
			due:          afterClock(6, 0),
			done:         t.watchlistFresh,
			run:          t.runScreen,
		},
		{
			name:         "phase2_selection",
			weekdaysOnly: true,
			fatal:        true,
			due:          afterClock(8, 30),
			done: func(day string) bool {
				return artifacts.Exists(t.Files.SelectionPath(day))
			},
			run: func(ctx context.Context) error {
				return t.Phase.FinalizeDay(ctx, t.today())
			},
		},
		{
			name:         "market_entries",
			weekdaysOnly: true,
			due: func(now time.Time) bool {
				m := now.Hour()*60 + now.Minute()
				return m >= 9*60 && m < 15*60+30
			},
			// Syncing positions and draining pending selections are
			// idempotent, so this replays on every intraday restart.
			done: func(string) bool { return false },
			run:  t.runMarketOpen,
		},
	}
	return &CatchUp{steps: steps, loc: t.Loc, log: t.log, now: t.now}
}

// Run executes the due, not-yet-done steps in dependency order.
func (c *CatchUp) Run(ctx context.Context) error {
	now := c.now().In(c.loc)
	day := now.Format(dateLayout)
	weekend := now.Weekday() == time.Saturday || now.Weekday() == time.Sunday
	for _, st := range c.steps {
		if st.weekdaysOnly && weekend {
			continue
		}
		if !st.due(now) {
			continue
		}
		if st.done(day) {
			c.log.Debug().Str("step", st.name).Msg("Catch-up step already satisfied")
			continue
		}
		c.log.Info().Str("step", st.name).Str("day", day).Msg("Catching up missed job")
		if err := st.run(ctx); err != nil {
			if st.fatal {
				return fmt.Errorf("catch-up %s: %w", st.name, err)
			}
			c.log.Error().Err(err).Str("step", st.name).Msg("Catch-up step failed")
		}
	}
	return nil
}

func afterClock(hour, minute int) func(time.Time) bool {
	target := hour*60 + minute
	return func(now time.Time) bool {
		return now.Hour()*60+now.Minute() >= target
	}
}

// watchlistFresh reports whether the watchlist artifact was generated on
// the given trading day.
func (t *Table) watchlistFresh(day string) bool {
	var probe struct {
		GeneratedAt time.Time `json:"generated_at"`
	}
	if err := artifacts.Read(t.Files.WatchlistPath(), &probe); err != nil {
		return false
	}
	return probe.GeneratedAt.In(t.Loc).Format(dateLayout) == day
}
