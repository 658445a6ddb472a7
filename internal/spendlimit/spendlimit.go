package spendlimit

import (
	"errors"
	"math/big"
	"time"
)

var ErrInvalidState = errors.New("invalid spend limit state")

// State mirrors the spend-control fields of a vault. All amounts are base units.
type State struct {
	PerTransactionCap    *big.Int
	PerTimeframeCap      *big.Int
	RemainingInTimeframe *big.Int
	TimeframeSeconds     int64
	NextResetTimestamp   int64
}

func (s State) Validate() error {
	for _, amount := range []*big.Int{s.PerTransactionCap, s.PerTimeframeCap, s.RemainingInTimeframe} {
		if amount != nil && amount.Sign() < 0 {
			return errors.Join(ErrInvalidState, errors.New("negative amount"))
		}
	}
	if valueOrZero(s.RemainingInTimeframe).Cmp(valueOrZero(s.PerTimeframeCap)) > 0 {
		return errors.Join(ErrInvalidState, errors.New("remaining exceeds timeframe cap"))
	}
	return nil
}

// Remaining reports how much a single transaction may spend at now. It does
// not mutate the state: a rolled-over timeframe only reports the full cap,
// the on-chain counter is reset by the program itself.
func Remaining(s State, now time.Time) *big.Int {
	if s.TimeframeSeconds <= 0 {
		return new(big.Int)
	}

	var available *big.Int
	if now.Unix() >= s.NextResetTimestamp {
		available = valueOrZero(s.PerTimeframeCap)
	} else {
		available = valueOrZero(s.RemainingInTimeframe)
	}

	perTransaction := valueOrZero(s.PerTransactionCap)
	if available.Cmp(perTransaction) > 0 {
		return new(big.Int).Set(perTransaction)
	}
	return new(big.Int).Set(available)
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
