package prices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pyra-labs/protocol-api-sub000/internal/cache"
	"github.com/pyra-labs/protocol-api-sub000/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}
}

func TestCoinGeckoSimplePrices(t *testing.T) {
	var gotQuery, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		gotQuery = r.URL.Query().Get("ids")
		gotKey = r.Header.Get("x-cg-demo-api-key")
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":65000.5},"ethereum":{"usd":3500}}`))
	}))
	defer server.Close()

	client := NewCoinGecko(server.URL, "demo-key", time.Second, fastPolicy())
	got, err := client.SimplePrices(context.Background(), []string{"ethereum", "bitcoin", "dogwifhat"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"bitcoin": 65000.5, "ethereum": 3500}, got)
	assert.Equal(t, "bitcoin,dogwifhat,ethereum", gotQuery)
	assert.Equal(t, "demo-key", gotKey)
}

func TestCoinGeckoCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	var calls atomic.Int32
	received := make(chan struct{}, 1)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case received <- struct{}{}:
		default:
		}
		<-release
		_, _ = w.Write([]byte(`{"solana":{"usd":150}}`))
	}))
	defer server.Close()
	defer close(release)

	client := NewCoinGecko(server.URL, "", 5*time.Second, fastPolicy())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := client.SimplePrices(firstCtx, []string{"solana"})
		first <- err
	}()
	<-received

	type outcome struct {
		prices map[string]float64
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		got, err := client.SimplePrices(context.Background(), []string{"solana"})
		second <- outcome{got, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	release <- struct{}{}
	select {
	case got := <-second:
		require.NoError(t, got.err)
		assert.Equal(t, 150.0, got.prices["solana"])
	case <-time.After(2 * time.Second):
		t.Fatal("joined caller never got a result")
	}
	assert.Equal(t, int32(1), calls.Load(), "both callers share one request")
}

func TestCoinGeckoRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"solana":{"usd":150}}`))
	}))
	defer server.Close()

	client := NewCoinGecko(server.URL, "", time.Second, fastPolicy())
	got, err := client.SimplePrices(context.Background(), []string{"solana"})
	require.NoError(t, err)
	assert.Equal(t, 150.0, got["solana"])
	assert.Equal(t, int32(2), calls.Load())
}

func TestCoinGeckoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid key"}`))
	}))
	defer server.Close()

	client := NewCoinGecko(server.URL, "bad", time.Second, fastPolicy())
	_, err := client.SimplePrices(context.Background(), []string{"solana"})
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusUnauthorized, upstream.Status)
	assert.Equal(t, int32(1), calls.Load())
}

type countingFetcher struct {
	calls  int
	prices map[string]float64
}

func (f *countingFetcher) SimplePrices(_ context.Context, ids []string) (map[string]float64, error) {
	f.calls++
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		if price, ok := f.prices[id]; ok {
			out[id] = price
		}
	}
	return out, nil
}

func TestServicePricesCachesWithinTTL(t *testing.T) {
	now := time.Date(2024, time.March, 14, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	fetcher := &countingFetcher{prices: map[string]float64{"bitcoin": 65000, "ethereum": 3500}}
	service := NewService(fetcher, time.Minute, cache.WithClock(clock))

	got, failures := service.Prices(context.Background(), []string{"Bitcoin", " ethereum "})
	assert.Empty(t, failures)
	assert.Equal(t, map[string]float64{"bitcoin": 65000, "ethereum": 3500}, got)

	now = now.Add(59 * time.Second)
	_, _ = service.Prices(context.Background(), []string{"bitcoin", "ethereum"})
	assert.Equal(t, 1, fetcher.calls)

	now = now.Add(2 * time.Second)
	_, _ = service.Prices(context.Background(), []string{"bitcoin"})
	assert.Equal(t, 2, fetcher.calls)
}

func TestServicePricesReportsUnknownIDs(t *testing.T) {
	fetcher := &countingFetcher{prices: map[string]float64{"bitcoin": 65000}}
	service := NewService(fetcher, time.Minute)

	got, failures := service.Prices(context.Background(), []string{"bitcoin", "nope"})
	assert.Equal(t, map[string]float64{"bitcoin": 65000}, got)
	assert.ErrorIs(t, failures["nope"], cache.ErrNotFetched)
}

func TestServiceMarketPrices(t *testing.T) {
	fetcher := &countingFetcher{prices: map[string]float64{"usd-coin": 1, "solana": 150}}
	service := NewService(fetcher, time.Minute)

	got, err := service.MarketPrices(context.Background(), []uint16{0, 1})
	require.NoError(t, err)
	assert.Equal(t, map[uint16]float64{0: 1, 1: 150}, got)

	_, err = service.MarketPrices(context.Background(), []uint16{3})
	require.ErrorIs(t, err, cache.ErrNotFetched)
}
