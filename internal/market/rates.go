package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pyra-labs/protocol-api-sub000/internal/cache"
)

// Rate is an annualised interest rate pair expressed as fractions (0.05 = 5%).
type Rate struct {
	DepositRate float64 `json:"depositRate"`
	BorrowRate  float64 `json:"borrowRate"`
}

// RateSource reads current rates for a batch of markets in one round trip.
type RateSource interface {
	Rates(ctx context.Context, indices []uint16) (map[uint16]Rate, error)
}

type RateService struct {
	source RateSource
	cache  *cache.Cache[uint16, Rate]
}

func NewRateService(source RateSource, ttl time.Duration, opts ...cache.Option) *RateService {
	return &RateService{
		source: source,
		cache:  cache.New[uint16, Rate](ttl, opts...),
	}
}

func (s *RateService) Cache() *cache.Cache[uint16, Rate] { return s.cache }

// Rates resolves every requested index or fails with the first failure in
// request order.
func (s *RateService) Rates(ctx context.Context, indices []uint16) (map[uint16]Rate, error) {
	for _, index := range indices {
		if _, err := Lookup(index); err != nil {
			return nil, err
		}
	}

	values, failures := s.cache.GetOrFetchMany(ctx, indices, s.source.Rates)
	for _, index := range indices {
		if err, failed := failures[index]; failed {
			if errors.Is(err, cache.ErrNotFetched) {
				return nil, fmt.Errorf("rate for market %d unavailable: %w", index, err)
			}
			return nil, fmt.Errorf("fetch rate for market %d: %w", index, err)
		}
	}
	return values, nil
}
