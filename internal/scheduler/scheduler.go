package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled unit of work. Jobs receive the scheduler's base
// context and report failure through the error; the scheduler owns the
// logging around every run.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type jobFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (j jobFunc) Name() string                  { return j.name }
func (j jobFunc) Run(ctx context.Context) error { return j.fn(ctx) }

// NewJob wraps a function as a named Job.
func NewJob(name string, fn func(ctx context.Context) error) Job {
	return jobFunc{name: name, fn: fn}
}

// Scheduler runs jobs on cron schedules in a fixed location. Specs use the
// six-field form with a leading seconds column.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
	base context.Context
}

// New creates a scheduler whose specs evaluate in loc.
func New(loc *time.Location, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		log:  log.With().Str("component", "scheduler").Logger(),
		base: context.Background(),
	}
}

// AddJob registers a job. The spec is parsed immediately, so a bad
// schedule fails at wiring time, not at 6 AM.
func (s *Scheduler) AddJob(spec string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() { s.runJob(job) })
	if err != nil {
		return fmt.Errorf("registering job %s: %w", job.Name(), err)
	}
	s.log.Info().Str("schedule", spec).Str("job", job.Name()).Msg("Job registered")
	return nil
}

func (s *Scheduler) runJob(job Job) {
	started := time.Now()
	s.log.Debug().Str("job", job.Name()).Msg("Running job")
	if err := job.Run(s.base); err != nil {
		s.log.Error().
			Err(err).
			Str("job", job.Name()).
			Dur("elapsed", time.Since(started)).
			Msg("Job failed")
		return
	}
	s.log.Debug().
		Str("job", job.Name()).
		Dur("elapsed", time.Since(started)).
		Msg("Job completed")
}

// Start begins firing schedules. ctx becomes the base context passed to
// every job run.
func (s *Scheduler) Start(ctx context.Context) {
	s.base = ctx
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}
