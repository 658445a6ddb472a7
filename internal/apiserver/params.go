package apiserver

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/pyra-labs/protocol-api-sub000/internal/market"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
	"github.com/pyra-labs/protocol-api-sub000/internal/timeframe"
)

// Query parsers return *Error values so the first failing parameter becomes
// the 400 message.

func queryValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func requireAddress(r *http.Request, key string) (solana.PublicKey, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return solana.PublicKey{}, badRequest("%s is required", key)
	}
	address, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, badRequest("Invalid %s", key)
	}
	return address, nil
}

func requireMarketIndex(r *http.Request, key string) (uint16, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return 0, badRequest("%s is required", key)
	}
	index, err := market.ParseIndex(raw)
	if err != nil {
		return 0, badRequest("Unsupported %s: %s", key, raw)
	}
	return index, nil
}

func requireMarketIndices(r *http.Request, key string) ([]uint16, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return nil, badRequest("%s is required", key)
	}
	indices, err := market.ParseIndices(raw)
	if err != nil {
		return nil, &Error{Status: http.StatusBadRequest, Message: "Invalid " + key + ": " + err.Error(), Err: err}
	}
	return indices, nil
}

// requireAmount accepts positive integers of base units only.
func requireAmount(r *http.Request, key string) (uint64, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return 0, badRequest("%s is required", key)
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("Invalid %s: must be a whole number of base units", key)
	}
	if value == 0 {
		return 0, badRequest("Invalid %s: must be greater than zero", key)
	}
	return value, nil
}

func optionalBool(r *http.Request, key string, fallback bool) (bool, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, badRequest("Invalid %s: expected true or false", key)
	}
	return value, nil
}

func requireSpendLimits(r *http.Request) (quartz.SpendLimitParams, error) {
	perTransaction, err := requireAmount(r, "spendLimitTransactionBaseUnits")
	if err != nil {
		return quartz.SpendLimitParams{}, err
	}
	perTimeframe, err := requireAmount(r, "spendLimitTimeframeBaseUnits")
	if err != nil {
		return quartz.SpendLimitParams{}, err
	}
	if perTransaction > perTimeframe {
		return quartz.SpendLimitParams{}, badRequest("spendLimitTransactionBaseUnits cannot exceed spendLimitTimeframeBaseUnits")
	}
	raw := queryValue(r, "spendLimitTimeframe")
	if raw == "" {
		return quartz.SpendLimitParams{}, badRequest("spendLimitTimeframe is required")
	}
	tf, err := timeframe.Parse(raw)
	if err != nil {
		return quartz.SpendLimitParams{}, badRequest("Invalid spendLimitTimeframe: expected DAY, WEEK, MONTH or YEAR")
	}
	return quartz.SpendLimitParams{
		PerTransaction: perTransaction,
		PerTimeframe:   perTimeframe,
		Timeframe:      tf,
	}, nil
}
