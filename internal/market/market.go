package market

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrUnsupportedMarket = errors.New("unsupported market index")
	ErrInvalidIndex      = errors.New("invalid market index")
)

// Asset is a collateral/loan instrument supported by the protocol.
type Asset struct {
	Index        uint16
	Symbol       string
	Mint         solana.PublicKey
	Decimals     uint8
	CoinGeckoID  string
	TokenProgram solana.PublicKey
}

// IsNativeSOL reports whether deposits and withdrawals need wSOL wrapping.
func (a Asset) IsNativeSOL() bool {
	return a.Mint.Equals(solana.SolMint)
}

var registry = []Asset{
	{Index: 0, Symbol: "USDC", Mint: solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"), Decimals: 6, CoinGeckoID: "usd-coin", TokenProgram: solana.TokenProgramID},
	{Index: 1, Symbol: "SOL", Mint: solana.SolMint, Decimals: 9, CoinGeckoID: "solana", TokenProgram: solana.TokenProgramID},
	{Index: 3, Symbol: "wBTC", Mint: solana.MustPublicKeyFromBase58("3NZ9JMVBmGAqocybic2c7LQCJScmgsAZ6vQqTDzcqmJh"), Decimals: 8, CoinGeckoID: "bitcoin", TokenProgram: solana.TokenProgramID},
	{Index: 4, Symbol: "wETH", Mint: solana.MustPublicKeyFromBase58("7vfCXTUXx5WJV5JADk17DUJ4ksgau7utNKj4b963voxs"), Decimals: 8, CoinGeckoID: "ethereum", TokenProgram: solana.TokenProgramID},
	{Index: 5, Symbol: "USDT", Mint: solana.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"), Decimals: 6, CoinGeckoID: "tether", TokenProgram: solana.TokenProgramID},
}

var byIndex = func() map[uint16]Asset {
	out := make(map[uint16]Asset, len(registry))
	for _, asset := range registry {
		out[asset.Index] = asset
	}
	return out
}()

// All returns the supported assets ordered by market index.
func All() []Asset {
	out := append([]Asset(nil), registry...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func Indices() []uint16 {
	out := make([]uint16, 0, len(registry))
	for _, asset := range All() {
		out = append(out, asset.Index)
	}
	return out
}

func Lookup(index uint16) (Asset, error) {
	asset, ok := byIndex[index]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %d", ErrUnsupportedMarket, index)
	}
	return asset, nil
}

func ByMint(mint solana.PublicKey) (Asset, error) {
	for _, asset := range registry {
		if asset.Mint.Equals(mint) {
			return asset, nil
		}
	}
	return Asset{}, fmt.Errorf("%w: no market for mint %s", ErrUnsupportedMarket, mint)
}

func ParseIndex(raw string) (uint16, error) {
	raw = strings.TrimSpace(raw)
	value, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidIndex, raw)
	}
	index := uint16(value)
	if _, err := Lookup(index); err != nil {
		return 0, err
	}
	return index, nil
}

// ParseIndices parses a comma separated list, dropping duplicates while
// keeping the caller's order.
func ParseIndices(csv string) ([]uint16, error) {
	if strings.TrimSpace(csv) == "" {
		return nil, fmt.Errorf("%w: empty list", ErrInvalidIndex)
	}
	parts := strings.Split(csv, ",")
	out := make([]uint16, 0, len(parts))
	seen := make(map[uint16]struct{}, len(parts))
	for _, part := range parts {
		index, err := ParseIndex(part)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[index]; dup {
			continue
		}
		seen[index] = struct{}{}
		out = append(out, index)
	}
	return out, nil
}
