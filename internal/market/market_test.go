package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	asset, err := Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, "SOL", asset.Symbol)
	assert.True(t, asset.IsNativeSOL())
	assert.Equal(t, uint8(9), asset.Decimals)

	_, err = Lookup(2)
	require.ErrorIs(t, err, ErrUnsupportedMarket)
}

func TestByMint(t *testing.T) {
	asset, err := ByMint(solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
	require.NoError(t, err)
	assert.Equal(t, uint16(0), asset.Index)

	_, err = ByMint(solana.NewWallet().PublicKey())
	require.ErrorIs(t, err, ErrUnsupportedMarket)
}

func TestParseIndices(t *testing.T) {
	got, err := ParseIndices("3, 0,3,5")
	require.NoError(t, err)
	assert.Equal(t, []uint16{3, 0, 5}, got)

	_, err = ParseIndices("0,2")
	require.ErrorIs(t, err, ErrUnsupportedMarket)

	_, err = ParseIndices("0,-1")
	require.ErrorIs(t, err, ErrInvalidIndex)

	_, err = ParseIndices("")
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestIndicesSorted(t *testing.T) {
	assert.Equal(t, []uint16{0, 1, 3, 4, 5}, Indices())
}

type stubRateSource struct {
	calls   [][]uint16
	failFor map[uint16]bool
	err     error
}

func (s *stubRateSource) Rates(_ context.Context, indices []uint16) (map[uint16]Rate, error) {
	s.calls = append(s.calls, append([]uint16(nil), indices...))
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[uint16]Rate, len(indices))
	for _, index := range indices {
		if s.failFor[index] {
			continue
		}
		out[index] = Rate{DepositRate: float64(index) / 100, BorrowRate: float64(index) / 50}
	}
	return out, nil
}

func TestRateServiceBatchesAndCaches(t *testing.T) {
	source := &stubRateSource{}
	service := NewRateService(source, time.Minute)

	rates, err := service.Rates(context.Background(), []uint16{0, 3})
	require.NoError(t, err)
	assert.Equal(t, Rate{DepositRate: 0.03, BorrowRate: 0.06}, rates[3])
	require.Len(t, source.calls, 1)
	assert.ElementsMatch(t, []uint16{0, 3}, source.calls[0])

	rates, err = service.Rates(context.Background(), []uint16{3, 5})
	require.NoError(t, err)
	assert.Len(t, rates, 2)
	require.Len(t, source.calls, 2)
	assert.Equal(t, []uint16{5}, source.calls[1])
}

func TestRateServiceRejectsUnsupportedBeforeFetching(t *testing.T) {
	source := &stubRateSource{}
	service := NewRateService(source, time.Minute)
	_, err := service.Rates(context.Background(), []uint16{0, 9})
	require.ErrorIs(t, err, ErrUnsupportedMarket)
	assert.Empty(t, source.calls)
}

func TestRateServicePropagatesFailures(t *testing.T) {
	source := &stubRateSource{failFor: map[uint16]bool{4: true}}
	service := NewRateService(source, time.Minute)
	_, err := service.Rates(context.Background(), []uint16{0, 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market 4")

	upstream := errors.New("rpc down")
	service = NewRateService(&stubRateSource{err: upstream}, time.Minute)
	_, err = service.Rates(context.Background(), []uint16{1})
	require.ErrorIs(t, err, upstream)
}
