package apiserver

import (
	"context"
	"math/big"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
	"github.com/pyra-labs/protocol-api-sub000/internal/timeframe"
)

func (s *Service) handleRate(w http.ResponseWriter, r *http.Request) {
	indices, err := requireMarketIndices(r, "marketIndices")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	rates, err := s.deps.Rates.Rates(r.Context(), indices)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rates)
}

func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	address, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	indices, err := requireMarketIndices(r, "marketIndices")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	user, err := s.deps.Quartz.LoadUser(r.Context(), address)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make(map[uint16]*big.Int, len(indices))
	for _, index := range indices {
		out[index] = user.Balance(index)
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Service) handleWithdrawLimit(w http.ResponseWriter, r *http.Request) {
	address, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	indices, err := requireMarketIndices(r, "marketIndices")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	user, prices, err := s.loadPricedUser(r.Context(), address, indices...)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make(map[uint16]*big.Int, len(indices))
	for _, index := range indices {
		limit, err := user.WithdrawLimit(index, prices)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		out[index] = limit
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	address, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	user, prices, err := s.loadPricedUser(r.Context(), address)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	health, err := user.Health(prices)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, health)
}

type spendLimitResponse struct {
	SpendLimitTransactionBaseUnits *big.Int `json:"spendLimitTransactionBaseUnits"`
	SpendLimitTimeframeBaseUnits   *big.Int `json:"spendLimitTimeframeBaseUnits"`
	RemainingSpendLimitBaseUnits   *big.Int `json:"remainingSpendLimitBaseUnits"`
	Timeframe                      string   `json:"timeframe"`
	TimeframeInSeconds             int64    `json:"timeframeInSeconds"`
	NextTimeframeResetTimestamp    int64    `json:"nextTimeframeResetTimestamp"`
}

func (s *Service) handleSpendLimit(w http.ResponseWriter, r *http.Request) {
	address, err := requireAddress(r, "address")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	user, err := s.deps.Quartz.LoadUser(r.Context(), address)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	state := user.SpendLimits()
	tf, err := timeframe.FromSeconds(state.TimeframeSeconds)
	label := tf.String()
	if err != nil {
		label = ""
	}
	s.respondJSON(w, http.StatusOK, spendLimitResponse{
		SpendLimitTransactionBaseUnits: state.PerTransactionCap,
		SpendLimitTimeframeBaseUnits:   state.PerTimeframeCap,
		RemainingSpendLimitBaseUnits:   user.RemainingSpendLimit(s.deps.Now()),
		Timeframe:                      label,
		TimeframeInSeconds:             state.TimeframeSeconds,
		NextTimeframeResetTimestamp:    state.NextResetTimestamp,
	})
}

// loadPricedUser loads the vault of owner and prices every market it is
// active in plus extra.
func (s *Service) loadPricedUser(ctx context.Context, owner solana.PublicKey, extra ...uint16) (*quartz.User, map[uint16]float64, error) {
	user, err := s.deps.Quartz.LoadUser(ctx, owner)
	if err != nil {
		return nil, nil, err
	}
	indices := user.ActiveMarkets()
	seen := make(map[uint16]struct{}, len(indices)+len(extra))
	for _, index := range indices {
		seen[index] = struct{}{}
	}
	for _, index := range extra {
		if _, ok := seen[index]; !ok {
			seen[index] = struct{}{}
			indices = append(indices, index)
		}
	}
	prices, err := s.deps.Prices.MarketPrices(ctx, indices)
	if err != nil {
		return nil, nil, err
	}
	return user, prices, nil
}
