// Package cache is the two-tier read-through cache in front of the
// brokerage API: Redis primary, in-process fallback. Values are JSON
// only; a primary outage demotes calls to the fallback and the primary
// is retried opportunistically on later calls.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Namespace prefixes every key this process writes. Flushes are scoped to
// it; nothing outside the namespace is ever touched.
const Namespace = "haetae"

const (
	scanBatch     = 500
	deleteBatch   = 100
	janitorPeriod = time.Minute
)

// Stats is a point-in-time cache report for telemetry.
type Stats struct {
	PrimaryUp     bool  `json:"primary_up"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Demotions     int64 `json:"demotions"`
	MemoryEntries int   `json:"memory_entries"`
}

// Store is the two-tier cache. A nil Redis client yields a memory-only
// store, used when no primary is configured.
type Store struct {
	rdb *redis.Client
	mem *memoryStore
	log zerolog.Logger

	primaryUp atomic.Bool
	hits      atomic.Int64
	misses    atomic.Int64
	demotions atomic.Int64

	stopJanitor chan struct{}
}

// New creates a store and starts the fallback janitor. Call Close to stop it.
func New(rdb *redis.Client, log zerolog.Logger) *Store {
	s := &Store{
		rdb:         rdb,
		mem:         newMemoryStore(),
		log:         log.With().Str("component", "cache").Logger(),
		stopJanitor: make(chan struct{}),
	}
	s.primaryUp.Store(rdb != nil)
	go s.janitor()
	return s
}

// Close stops the janitor. The Redis client is owned by the caller.
func (s *Store) Close() {
	close(s.stopJanitor)
}

// Key builds a namespaced cache key: haetae:<fn>:<sha256(args)[:16]>.
// Args are serialized as a JSON array, so key identity follows value
// identity, not argument formatting.
func Key(fn string, args ...any) string {
	payload, err := json.Marshal(args)
	if err != nil {
		// Non-serializable args cannot be cached deterministically;
		// fall back to a per-call unique key so they never collide.
		payload = []byte(fmt.Sprintf("%v|%d", args, time.Now().UnixNano()))
	}
	h := sha256.Sum256(payload)
	return Namespace + ":" + fn + ":" + hex.EncodeToString(h[:])[:16]
}

// Get loads key into dest. Returns false on miss.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, ok := s.fetch(ctx, key)
	if !ok {
		s.misses.Add(1)
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		// A corrupt entry behaves like a miss; it will be overwritten.
		s.log.Warn().Str("key", key).Err(err).Msg("Dropping undecodable cache entry")
		s.mem.delete(key)
		s.misses.Add(1)
		return false, nil
	}
	s.hits.Add(1)
	return true, nil
}

// Set stores value under key in both tiers.
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}
	s.mem.set(key, data, ttl)
	if s.rdb != nil {
		if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
			s.demote(err)
			return nil
		}
		s.recover()
	}
	return nil
}

// GetOrCompute loads key into dest, computing and storing it on a miss.
// The computed value round-trips through JSON, which both enforces the
// JSON-only contract and fills dest uniformly for hits and misses.
func (s *Store) GetOrCompute(ctx context.Context, key string, ttl time.Duration, dest any, compute func(ctx context.Context) (any, error)) error {
	if ok, err := s.Get(ctx, key, dest); err != nil {
		return err
	} else if ok {
		return nil
	}

	value, err := compute(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding computed value: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decoding computed value: %w", err)
	}

	s.mem.set(key, data, ttl)
	if s.rdb != nil {
		if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
			s.demote(err)
		} else {
			s.recover()
		}
	}
	return nil
}

// Delete removes key from both tiers.
func (s *Store) Delete(ctx context.Context, key string) {
	s.mem.delete(key)
	if s.rdb != nil {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			s.demote(err)
		}
	}
}

// FlushNamespace removes every key under the haetae namespace from the
// primary via a scan-and-delete walk, and clears the fallback. Keys
// outside the namespace are untouched.
func (s *Store) FlushNamespace(ctx context.Context) error {
	s.mem.clear()
	if s.rdb == nil {
		return nil
	}

	deleted := 0
	iter := s.rdb.Scan(ctx, 0, Namespace+":*", scanBatch).Iterator()
	batch := make([]string, 0, deleteBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		deleted += len(batch)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= deleteBatch {
			if err := flush(); err != nil {
				s.demote(err)
				return fmt.Errorf("flushing cache namespace: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		s.demote(err)
		return fmt.Errorf("scanning cache namespace: %w", err)
	}
	if err := flush(); err != nil {
		s.demote(err)
		return fmt.Errorf("flushing cache namespace: %w", err)
	}
	s.recover()
	s.log.Info().Int("deleted", deleted).Msg("Cache namespace flushed")
	return nil
}

// Ping probes the primary. Memory-only stores always report healthy.
func (s *Store) Ping(ctx context.Context) error {
	if s.rdb == nil {
		return nil
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.demote(err)
		return err
	}
	s.recover()
	return nil
}

// Stats returns counters for the telemetry snapshot.
func (s *Store) Stats() Stats {
	return Stats{
		PrimaryUp:     s.primaryUp.Load(),
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Demotions:     s.demotions.Load(),
		MemoryEntries: s.mem.len(),
	}
}

// fetch tries the primary first, then the fallback. A primary error
// demotes the call; a clean primary miss still consults the fallback so a
// wiped primary does not lose warm entries.
func (s *Store) fetch(ctx context.Context, key string) ([]byte, bool) {
	if s.rdb != nil {
		data, err := s.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			s.recover()
			return data, true
		case errors.Is(err, redis.Nil):
			s.recover()
		default:
			s.demote(err)
		}
	}
	return s.mem.get(key)
}

func (s *Store) demote(err error) {
	s.demotions.Add(1)
	if s.primaryUp.CompareAndSwap(true, false) {
		s.log.Warn().Err(err).Msg("Cache primary unavailable; serving from in-process fallback")
	}
}

func (s *Store) recover() {
	if s.primaryUp.CompareAndSwap(false, true) {
		s.log.Info().Msg("Cache primary recovered")
	}
}

func (s *Store) janitor() {
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if dropped := s.mem.sweep(); dropped > 0 {
				s.log.Debug().Int("dropped", dropped).Msg("Swept expired fallback entries")
			}
		case <-s.stopJanitor:
			return
		}
	}
}
