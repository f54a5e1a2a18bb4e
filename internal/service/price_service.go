package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/swapbot/internal/clock"
	"github.com/alanyoungcy/swapbot/internal/domain"
)

// PriceService reports token prices in SOL per whole token. Fresh prices come
// from the aggregator; a price cache absorbs repeated lookups within maxAge.
type PriceService struct {
	quoter PriceQuoter
	cache  domain.PriceCache
	maxAge time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// NewPriceService creates a PriceService. cache may be nil.
func NewPriceService(quoter PriceQuoter, cache domain.PriceCache, maxAge time.Duration, logger *slog.Logger) *PriceService {
	return &PriceService{
		quoter: quoter,
		cache:  cache,
		maxAge: maxAge,
		clock:  clock.Real{},
		logger: logger.With(slog.String("component", "price_service")),
	}
}

// WithClock sets the clock used to age cached prices.
func (s *PriceService) WithClock(c clock.Clock) *PriceService {
	s.clock = c
	return s
}

// CurrentPrice returns mint's price in SOL.
func (s *PriceService) CurrentPrice(ctx context.Context, mint string) (float64, error) {
	now := s.clock.Now()
	if s.cache != nil {
		price, ts, err := s.cache.GetPrice(ctx, mint)
		if err == nil && price > 0 && now.Sub(ts) < s.maxAge {
			return price, nil
		}
	}

	prices, err := s.quoter.Prices(ctx, domain.NativeMint, mint)
	if err != nil {
		return 0, fmt.Errorf("price_service: fetch %s: %w", mint, err)
	}
	price, ok := prices[mint]
	if !ok {
		return 0, fmt.Errorf("price_service: no price for %s: %w", mint, domain.ErrNotFound)
	}

	if s.cache != nil {
		if err := s.cache.SetPrice(ctx, mint, price, now); err != nil {
			s.logger.WarnContext(ctx, "price_service: cache price failed",
				slog.String("mint", mint),
				slog.String("error", err.Error()),
			)
		}
	}
	return price, nil
}
