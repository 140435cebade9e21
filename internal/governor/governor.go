// Package governor enforces the brokerage's multi-window request rate caps.
//
// Three concurrent sliding windows (1s, 1m, 1h) each hold a ring of issue
// timestamps. Acquire blocks until every requested window has slack, in
// strict FIFO order among waiters, then records the issue in each window.
// Cross-process safety relies on conservative per-process caps plus the
// broker's own enforcement; counters are in-memory only.
package governor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Window tags for Acquire.
const (
	TagSecond = "1s"
	TagMinute = "1m"
	TagHour   = "1h"
)

// Window is one sliding rate window.
type Window struct {
	Tag  string
	Span time.Duration
	Cap  int
}

// WindowStat is a point-in-time fill report for one window.
type WindowStat struct {
	Tag  string  `json:"tag"`
	Used int     `json:"used"`
	Cap  int     `json:"cap"`
	Fill float64 `json:"fill"`
}

type ring struct {
	Window
	stamps []time.Time
}

// prune drops timestamps that have left the trailing window.
func (r *ring) prune(now time.Time) {
	cutoff := now.Add(-r.Span)
	i := 0
	for i < len(r.stamps) && !r.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[i:]...)
	}
}

// slackAt returns the duration until this window can admit one more issue.
// Zero means it has room now.
func (r *ring) slackAt(now time.Time) time.Duration {
	r.prune(now)
	if len(r.stamps) < r.Cap {
		return 0
	}
	return r.stamps[0].Add(r.Span).Sub(now)
}

type waiter struct {
	ready     chan struct{}
	cancelled bool
}

// Governor is the process-wide rate limiter. Construct once at service init.
type Governor struct {
	mu      sync.Mutex
	windows []*ring
	queue   []*waiter
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a governor over the given windows.
func New(windows []Window, log zerolog.Logger) *Governor {
	g := &Governor{
		now: time.Now,
		log: log.With().Str("component", "governor").Logger(),
	}
	for _, w := range windows {
		g.windows = append(g.windows, &ring{Window: w})
	}
	return g
}

// Default returns a governor with the three standard windows.
func Default(perSecond, perMinute, perHour int, log zerolog.Logger) *Governor {
	return New([]Window{
		{Tag: TagSecond, Span: time.Second, Cap: perSecond},
		{Tag: TagMinute, Span: time.Minute, Cap: perMinute},
		{Tag: TagHour, Span: time.Hour, Cap: perHour},
	}, log)
}

// Acquire blocks until a slot is free in every requested window, then
// charges one issue to each. No tags means all windows. The issue is
// recorded at admission time; retries must re-acquire.
func (g *Governor) Acquire(ctx context.Context, tags ...string) error {
	w := &waiter{ready: make(chan struct{})}

	g.mu.Lock()
	g.queue = append(g.queue, w)
	if len(g.queue) == 1 {
		close(w.ready)
	}
	g.mu.Unlock()

	// Wait for our turn at the head of the queue.
	select {
	case <-w.ready:
	case <-ctx.Done():
		g.mu.Lock()
		w.cancelled = true
		g.mu.Unlock()
		return ctx.Err()
	}

	// Head of queue: wait until every requested window has slack.
	for {
		g.mu.Lock()
		now := g.now()
		wait := time.Duration(0)
		for _, r := range g.selected(tags) {
			if s := r.slackAt(now); s > wait {
				wait = s
			}
		}
		if wait <= 0 {
			for _, r := range g.selected(tags) {
				r.stamps = append(r.stamps, now)
			}
			g.advance()
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			g.mu.Lock()
			g.advance()
			g.mu.Unlock()
			return ctx.Err()
		}
	}
}

// ObserveRateLimited records a broker-side rate rejection as one synthetic
// issue per window, tightening the local slack estimate.
func (g *Governor) ObserveRateLimited() {
	g.mu.Lock()
	now := g.now()
	for _, r := range g.windows {
		r.prune(now)
		r.stamps = append(r.stamps, now)
	}
	g.mu.Unlock()
	g.log.Warn().Msg("Broker reported rate limit; tightening local windows")
}

// Stats returns the current fill of every window.
func (g *Governor) Stats() []WindowStat {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	out := make([]WindowStat, 0, len(g.windows))
	for _, r := range g.windows {
		r.prune(now)
		stat := WindowStat{Tag: r.Tag, Used: len(r.stamps), Cap: r.Cap}
		if r.Cap > 0 {
			stat.Fill = float64(stat.Used) / float64(r.Cap)
		}
		out = append(out, stat)
	}
	return out
}

// selected returns the rings matching tags, or all rings for no tags.
func (g *Governor) selected(tags []string) []*ring {
	if len(tags) == 0 {
		return g.windows
	}
	out := make([]*ring, 0, len(tags))
	for _, r := range g.windows {
		for _, t := range tags {
			if r.Tag == t {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// advance pops the head waiter and wakes the next live one.
// Callers must hold g.mu.
func (g *Governor) advance() {
	if len(g.queue) == 0 {
		return
	}
	g.queue = g.queue[1:]
	for len(g.queue) > 0 && g.queue[0].cancelled {
		g.queue = g.queue[1:]
	}
	if len(g.queue) > 0 {
		close(g.queue[0].ready)
	}
}
