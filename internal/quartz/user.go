package quartz

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pyra-labs/protocol-api-sub000/internal/spendlimit"
)

var ErrMissingPrice = errors.New("missing price")

// User is a read-only snapshot of one vault. Nothing here is written back;
// state changes only happen through submitted instructions.
type User struct {
	Owner   solana.PublicKey
	Address solana.PublicKey
	Vault   Vault
	Legacy  bool

	positions map[uint16]Position
	markets   map[uint16]Market
}

// NewUser assembles a snapshot from already decoded accounts.
func NewUser(owner, address solana.PublicKey, vault Vault, positions []Position, markets []Market) *User {
	user := &User{
		Owner:     owner,
		Address:   address,
		Vault:     vault,
		positions: make(map[uint16]Position, len(positions)),
		markets:   make(map[uint16]Market, len(markets)),
	}
	for _, m := range markets {
		user.markets[m.MarketIndex] = m
	}
	for _, p := range positions {
		user.positions[p.MarketIndex] = p
	}
	return user
}

// Balance is deposits minus borrows in base units; negative means a loan.
func (u *User) Balance(marketIndex uint16) *big.Int {
	position, ok := u.positions[marketIndex]
	if !ok {
		return new(big.Int)
	}
	balance := new(big.Int).SetUint64(position.Deposit)
	return balance.Sub(balance, new(big.Int).SetUint64(position.Borrow))
}

// ActiveMarkets lists the markets with a non-zero deposit or borrow.
func (u *User) ActiveMarkets() []uint16 {
	out := make([]uint16, 0, len(u.positions))
	for index, position := range u.positions {
		if position.Deposit == 0 && position.Borrow == 0 {
			continue
		}
		if _, ok := u.markets[index]; !ok {
			continue
		}
		out = append(out, index)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Health is 100 without liabilities and 0 once weighted liabilities reach
// weighted collateral.
func (u *User) Health(prices map[uint16]float64) (int, error) {
	collateral, liabilities, err := u.weightedTotals(prices)
	if err != nil {
		return 0, err
	}
	if liabilities.Sign() == 0 {
		return 100, nil
	}
	if collateral.Sign() == 0 {
		return 0, nil
	}
	ratio := new(big.Rat).Sub(collateral, liabilities)
	ratio.Quo(ratio, collateral)
	ratio.Mul(ratio, big.NewRat(100, 1))
	health := floorRat(ratio).Int64()
	return int(max(0, min(100, health))), nil
}

// WithdrawLimit is the largest amount of marketIndex that can leave the vault
// without pushing health below zero, capped by the deposit.
func (u *User) WithdrawLimit(marketIndex uint16, prices map[uint16]float64) (*big.Int, error) {
	position, ok := u.positions[marketIndex]
	if !ok || position.Deposit <= position.Borrow {
		return new(big.Int), nil
	}
	deposit := new(big.Int).SetUint64(position.Deposit - position.Borrow)

	collateral, liabilities, err := u.weightedTotals(prices)
	if err != nil {
		return nil, err
	}
	if liabilities.Sign() == 0 {
		return deposit, nil
	}
	free := new(big.Rat).Sub(collateral, liabilities)
	if free.Sign() <= 0 {
		return new(big.Int), nil
	}

	m := u.markets[marketIndex]
	unit, err := u.unitValue(marketIndex, prices)
	if err != nil {
		return nil, err
	}
	unit.Mul(unit, big.NewRat(int64(m.AssetWeight), bpsDenom))
	if unit.Sign() == 0 {
		return deposit, nil
	}
	limit := floorRat(free.Quo(free, unit))
	if limit.Cmp(deposit) > 0 {
		return deposit, nil
	}
	return limit, nil
}

func (u *User) SpendLimits() spendlimit.State {
	return u.Vault.SpendLimitState()
}

func (u *User) RemainingSpendLimit(now time.Time) *big.Int {
	return spendlimit.Remaining(u.SpendLimits(), now)
}

func (u *User) weightedTotals(prices map[uint16]float64) (collateral, liabilities *big.Rat, err error) {
	collateral, liabilities = new(big.Rat), new(big.Rat)
	for _, index := range u.ActiveMarkets() {
		position := u.positions[index]
		m := u.markets[index]
		unit, err := u.unitValue(index, prices)
		if err != nil {
			return nil, nil, err
		}
		if position.Deposit > 0 {
			value := new(big.Rat).SetUint64(position.Deposit)
			value.Mul(value, unit)
			value.Mul(value, big.NewRat(int64(m.AssetWeight), bpsDenom))
			collateral.Add(collateral, value)
		}
		if position.Borrow > 0 {
			value := new(big.Rat).SetUint64(position.Borrow)
			value.Mul(value, unit)
			value.Mul(value, big.NewRat(int64(m.LiabilityWeight), bpsDenom))
			liabilities.Add(liabilities, value)
		}
	}
	return collateral, liabilities, nil
}

// unitValue is the USD value of one base unit.
func (u *User) unitValue(marketIndex uint16, prices map[uint16]float64) (*big.Rat, error) {
	price, ok := prices[marketIndex]
	if !ok {
		return nil, fmt.Errorf("%w for market %d", ErrMissingPrice, marketIndex)
	}
	return usdPerBaseUnit(price, u.markets[marketIndex].Decimals)
}

func usdPerBaseUnit(price float64, decimals uint8) (*big.Rat, error) {
	value := new(big.Rat)
	if value.SetFloat64(price) == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid price %v", price)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return value.Quo(value, new(big.Rat).SetInt(scale)), nil
}

// TVL sums deposits and borrows of all markets in USD.
func TVL(markets map[uint16]Market, prices map[uint16]float64) (collateral, loans *big.Rat, err error) {
	collateral, loans = new(big.Rat), new(big.Rat)
	for index, m := range markets {
		price, ok := prices[index]
		if !ok {
			return nil, nil, fmt.Errorf("%w for market %d", ErrMissingPrice, index)
		}
		unit, err := usdPerBaseUnit(price, m.Decimals)
		if err != nil {
			return nil, nil, err
		}
		collateral.Add(collateral, new(big.Rat).Mul(new(big.Rat).SetUint64(m.TotalDeposits), unit))
		loans.Add(loans, new(big.Rat).Mul(new(big.Rat).SetUint64(m.TotalBorrows), unit))
	}
	return collateral, loans, nil
}

func floorRat(r *big.Rat) *big.Int {
	// Quo truncates toward zero; adjust for negative non-integers.
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if r.Sign() < 0 && !r.IsInt() {
		q.Sub(q, big.NewInt(1))
	}
	return q
}
