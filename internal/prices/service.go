package prices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pyra-labs/protocol-api-sub000/internal/cache"
	"github.com/pyra-labs/protocol-api-sub000/internal/market"
)

var ErrNoPrices = errors.New("no prices resolved")

type Fetcher interface {
	SimplePrices(ctx context.Context, ids []string) (map[string]float64, error)
}

type Service struct {
	fetcher Fetcher
	cache   *cache.Cache[string, float64]
}

func NewService(fetcher Fetcher, ttl time.Duration, opts ...cache.Option) *Service {
	return &Service{
		fetcher: fetcher,
		cache:   cache.New[string, float64](ttl, opts...),
	}
}

func (s *Service) Cache() *cache.Cache[string, float64] { return s.cache }

// Prices returns the USD price of every id that resolved and the reason for
// each id that did not.
func (s *Service) Prices(ctx context.Context, ids []string) (map[string]float64, map[string]error) {
	normalized := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			normalized = append(normalized, id)
		}
	}
	return s.cache.GetOrFetchMany(ctx, normalized, s.fetcher.SimplePrices)
}

// MarketPrices maps market indices to USD prices. Every index must resolve.
func (s *Service) MarketPrices(ctx context.Context, indices []uint16) (map[uint16]float64, error) {
	ids := make([]string, 0, len(indices))
	assets := make([]market.Asset, 0, len(indices))
	for _, index := range indices {
		asset, err := market.Lookup(index)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
		ids = append(ids, asset.CoinGeckoID)
	}

	values, failures := s.Prices(ctx, ids)
	out := make(map[uint16]float64, len(assets))
	for _, asset := range assets {
		if err, failed := failures[asset.CoinGeckoID]; failed {
			return nil, fmt.Errorf("price for %s: %w", asset.Symbol, err)
		}
		out[asset.Index] = values[asset.CoinGeckoID]
	}
	return out, nil
}

// AllMarketPrices prices every supported market.
func (s *Service) AllMarketPrices(ctx context.Context) (map[uint16]float64, error) {
	return s.MarketPrices(ctx, market.Indices())
}
