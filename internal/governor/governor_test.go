package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWindows(span time.Duration, cap int) []Window {
	return []Window{{Tag: TagSecond, Span: span, Cap: cap}}
}

func TestAcquire_RespectsWindowCap(t *testing.T) {
	span := 50 * time.Millisecond
	g := New(testWindows(span, 3), zerolog.Nop())

	var stamps []time.Time
	for i := 0; i < 8; i++ {
		require.NoError(t, g.Acquire(context.Background()))
		stamps = append(stamps, time.Now())
	}

	// Any 4th issue must be at least one full span after the issue three
	// places before it, or the cap was breached.
	for i := 0; i+3 < len(stamps); i++ {
		gap := stamps[i+3].Sub(stamps[i])
		assert.GreaterOrEqual(t, gap, span, "issues %d and %d too close", i, i+3)
	}
}

func TestAcquire_BindingWindowIsTheSlowest(t *testing.T) {
	g := New([]Window{
		{Tag: TagSecond, Span: 30 * time.Millisecond, Cap: 2},
		{Tag: TagMinute, Span: 120 * time.Millisecond, Cap: 3},
	}, zerolog.Nop())

	var stamps []time.Time
	for i := 0; i < 6; i++ {
		require.NoError(t, g.Acquire(context.Background()))
		stamps = append(stamps, time.Now())
	}

	for i := 0; i+2 < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i+2].Sub(stamps[i]), 30*time.Millisecond)
	}
	for i := 0; i+3 < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i+3].Sub(stamps[i]), 120*time.Millisecond)
	}
}

func TestAcquire_FIFOOrder(t *testing.T) {
	g := New(testWindows(60*time.Millisecond, 1), zerolog.Nop())

	// Fill the single slot so all workers queue behind it.
	require.NoError(t, g.Acquire(context.Background()))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			require.NoError(t, g.Acquire(context.Background()))
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
		// Generous gap so enqueue order matches launch order.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestAcquire_CancelWhileQueued(t *testing.T) {
	g := New(testWindows(150*time.Millisecond, 1), zerolog.Nop())
	require.NoError(t, g.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Acquire(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}

	// A later waiter must not be wedged behind the cancelled one.
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, g.Acquire(ctx2))
}

func TestAcquire_TagSelection(t *testing.T) {
	g := New([]Window{
		{Tag: TagSecond, Span: time.Second, Cap: 5},
		{Tag: TagMinute, Span: time.Minute, Cap: 80},
	}, zerolog.Nop())

	require.NoError(t, g.Acquire(context.Background(), TagSecond))

	for _, s := range g.Stats() {
		switch s.Tag {
		case TagSecond:
			assert.Equal(t, 1, s.Used)
		case TagMinute:
			assert.Equal(t, 0, s.Used)
		}
	}
}

func TestStats(t *testing.T) {
	g := Default(5, 80, 1200, zerolog.Nop())
	require.NoError(t, g.Acquire(context.Background()))
	require.NoError(t, g.Acquire(context.Background()))

	stats := g.Stats()
	require.Len(t, stats, 3)
	for _, s := range stats {
		assert.Equal(t, 2, s.Used)
	}
	assert.InDelta(t, 2.0/5.0, stats[0].Fill, 1e-9)
}

func TestObserveRateLimited(t *testing.T) {
	g := Default(5, 80, 1200, zerolog.Nop())
	require.NoError(t, g.Acquire(context.Background()))
	g.ObserveRateLimited()

	for _, s := range g.Stats() {
		assert.Equal(t, 2, s.Used, "window %s", s.Tag)
	}
}
