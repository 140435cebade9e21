package universe

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/cache"
	"github.com/haetae-bot/haetae/internal/domain"
)

// seoul is the exchange timezone. KST carries no DST, so a fixed offset
// is exact and works without tzdata.
var seoul = time.FixedZone("KST", 9*60*60)

// maxLookback bounds the search for the most recent trading session.
// Seven days covers every holiday run in the KRX calendar.
const maxLookback = 7

// listingKey is the cache key for the full listing snapshot.
var listingKey = cache.Key("universe.listing")

// Lister fetches one market's listing for a trade date. Implemented by KRX.
type Lister interface {
	Listings(ctx context.Context, market domain.Market, day time.Time) ([]domain.Stock, error)
}

// Service serves the tradable universe. Reads hit the cache first; a miss
// triggers a full sync from KRX. When KRX is unreachable the last synced
// snapshot from the database is served instead, stale data being better
// than an empty pre-market scan.
type Service struct {
	krx   Lister
	repo  *StockRepository
	store *cache.Store
	ttl   time.Duration
	log   zerolog.Logger
	now   func() time.Time
}

// NewService creates the universe service.
func NewService(krx Lister, repo *StockRepository, store *cache.Store, ttl time.Duration, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		krx:   krx,
		repo:  repo,
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "universe").Logger(),
		now:   time.Now,
	}
}

// Universe returns every listed KOSPI and KOSDAQ share.
func (s *Service) Universe(ctx context.Context) ([]domain.Stock, error) {
	var cached []domain.Stock
	if hit, err := s.store.Get(ctx, listingKey, &cached); err == nil && hit {
		return cached, nil
	}

	stocks, err := s.Sync(ctx)
	if err == nil {
		return stocks, nil
	}

	fallback, dbErr := s.repo.All()
	if dbErr == nil && len(fallback) > 0 {
		s.log.Warn().Err(err).Int("stocks", len(fallback)).Msg("Listing sync failed, serving last synced snapshot")
		return fallback, nil
	}
	return nil, fmt.Errorf("universe unavailable: %w", err)
}

// Sync fetches the current listing from KRX, replaces the stocks table
// and refreshes the cache. The scheduler runs it once per day; Universe
// falls into it on a cache miss.
func (s *Service) Sync(ctx context.Context) ([]domain.Stock, error) {
	kospi, asOf, err := s.latestListings(ctx, domain.MarketKOSPI)
	if err != nil {
		return nil, err
	}
	kosdaq, err := s.krx.Listings(ctx, domain.MarketKOSDAQ, asOf)
	if err != nil {
		return nil, fmt.Errorf("fetching KOSDAQ listing: %w", err)
	}

	stocks := make([]domain.Stock, 0, len(kospi)+len(kosdaq))
	stocks = append(stocks, kospi...)
	stocks = append(stocks, kosdaq...)

	if _, err := s.repo.ReplaceAll(stocks); err != nil {
		return nil, fmt.Errorf("storing listing: %w", err)
	}
	if err := s.store.Set(ctx, listingKey, stocks, s.ttl); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache listing")
	}

	s.log.Info().
		Str("as_of", asOf.Format("2006-01-02")).
		Int("kospi", len(kospi)).
		Int("kosdaq", len(kosdaq)).
		Msg("Listing synced")
	return stocks, nil
}

// latestListings walks back from today until it finds a trading session
// with data, returning the listing and the session date it came from.
func (s *Service) latestListings(ctx context.Context, market domain.Market) ([]domain.Stock, time.Time, error) {
	day := s.now().In(seoul)
	for i := 0; i < maxLookback; i++ {
		stocks, err := s.krx.Listings(ctx, market, day)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("fetching %s listing: %w", market, err)
		}
		if len(stocks) > 0 {
			return stocks, day, nil
		}
		day = day.AddDate(0, 0, -1)
	}
	return nil, time.Time{}, fmt.Errorf("no %s trading session found in the last %d days", market, maxLookback)
}
