package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := New(rdb, zerolog.Nop())
	t.Cleanup(s.Close)
	return s, mr
}

func TestKey_Format(t *testing.T) {
	key := Key("kis.get_price", "005930")
	assert.Regexp(t, `^haetae:kis\.get_price:[0-9a-f]{16}$`, key)

	// Same args, same key; different args, different key.
	assert.Equal(t, key, Key("kis.get_price", "005930"))
	assert.NotEqual(t, key, Key("kis.get_price", "000660"))
	assert.NotEqual(t, key, Key("kis.get_daily_ohlcv", "005930"))
	assert.NotEqual(t, Key("kis.get_daily_ohlcv", "005930", 30), Key("kis.get_daily_ohlcv", "005930", 60))
}

func TestSetGet_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	type quote struct {
		Code  string  `json:"code"`
		Price float64 `json:"price"`
	}
	key := Key("kis.get_price", "005930")
	require.NoError(t, s.Set(ctx, key, quote{Code: "005930", Price: 71200}, time.Minute))

	var got quote
	ok, err := s.Get(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, quote{Code: "005930", Price: 71200}, got)
}

func TestGet_MissReturnsFalse(t *testing.T) {
	s, _ := newTestStore(t)
	var out string
	ok, err := s.Get(context.Background(), Key("kis.get_price", "none"), &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrCompute_ComputesOnceThenHits(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := Key("kis.get_daily_ohlcv", "005930", 30)

	calls := 0
	compute := func(ctx context.Context) (any, error) {
		calls++
		return []float64{1, 2, 3}, nil
	}

	var first []float64
	require.NoError(t, s.GetOrCompute(ctx, key, time.Minute, &first, compute))
	assert.Equal(t, []float64{1, 2, 3}, first)
	assert.Equal(t, 1, calls)

	var second []float64
	require.NoError(t, s.GetOrCompute(ctx, key, time.Minute, &second, compute))
	assert.Equal(t, []float64{1, 2, 3}, second)
	assert.Equal(t, 1, calls, "second call must be served from cache")
}

func TestGetOrCompute_ComputeErrorNotCached(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := Key("kis.get_price", "005930")

	boom := errors.New("upstream down")
	var out string
	err := s.GetOrCompute(ctx, key, time.Minute, &out, func(ctx context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	ok, err := s.Get(ctx, key, &out)
	require.NoError(t, err)
	assert.False(t, ok, "failed computations must not be cached")
}

func TestPrimaryDown_FallbackServes(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := Key("kis.get_price", "005930")

	require.NoError(t, s.Set(ctx, key, "cached", time.Minute))
	mr.Close() // primary goes away; fallback still holds the value

	var got string
	ok, err := s.Get(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cached", got)

	stats := s.Stats()
	assert.False(t, stats.PrimaryUp)
	assert.Greater(t, stats.Demotions, int64(0))
}

func TestMemoryOnly_NoPrimaryConfigured(t *testing.T) {
	s := New(nil, zerolog.Nop())
	defer s.Close()
	ctx := context.Background()
	key := Key("kis.get_price", "005930")

	require.NoError(t, s.Set(ctx, key, 42, time.Minute))
	var got int
	ok, err := s.Get(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, got)
	assert.NoError(t, s.Ping(ctx))
}

func TestTTL_ExpiryInBothTiers(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := Key("kis.get_price", "005930")

	require.NoError(t, s.Set(ctx, key, "v", 50*time.Millisecond))

	// Advance miniredis past the TTL and age the fallback the same way.
	mr.FastForward(100 * time.Millisecond)
	s.mem.now = func() time.Time { return time.Now().Add(100 * time.Millisecond) }

	var got string
	ok, err := s.Get(ctx, key, &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlushNamespace_ScopedToNamespace(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, Key("kis.get_price", "005930"), "a", time.Hour))
	require.NoError(t, s.Set(ctx, Key("universe.listing", "KOSPI"), "b", time.Hour))
	// A foreign key sharing the store must survive the flush.
	require.NoError(t, mr.Set("other-app:session:abc", "keep"))

	require.NoError(t, s.FlushNamespace(ctx))

	var out string
	ok, err := s.Get(ctx, Key("kis.get_price", "005930"), &out)
	require.NoError(t, err)
	assert.False(t, ok)

	foreign, err := mr.Get("other-app:session:abc")
	require.NoError(t, err)
	assert.Equal(t, "keep", foreign)
	assert.Equal(t, 0, s.mem.len())
}

func TestMemorySweep(t *testing.T) {
	m := newMemoryStore()
	m.set("a", []byte("1"), time.Millisecond)
	m.set("b", []byte("2"), time.Hour)
	m.now = func() time.Time { return time.Now().Add(time.Second) }

	assert.Equal(t, 1, m.sweep())
	assert.Equal(t, 1, m.len())
	_, ok := m.get("b")
	assert.True(t, ok)
}

func TestStats_Counters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := Key("kis.get_price", "005930")

	var out string
	_, _ = s.Get(ctx, key, &out) // miss
	require.NoError(t, s.Set(ctx, key, "v", time.Minute))
	_, _ = s.Get(ctx, key, &out) // hit

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.True(t, stats.PrimaryUp)
}
