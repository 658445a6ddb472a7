package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pyra-labs/protocol-api-sub000/internal/jupiter"
	"github.com/pyra-labs/protocol-api-sub000/internal/market"
	"github.com/pyra-labs/protocol-api-sub000/internal/prices"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
	"github.com/pyra-labs/protocol-api-sub000/internal/spendlimit"
	"github.com/pyra-labs/protocol-api-sub000/internal/store"
	"github.com/pyra-labs/protocol-api-sub000/internal/timeframe"
)

// Error is a handler failure with a fixed status and client-facing message.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func badRequest(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

const messageAccountNotFound = "Account not found"

type errorResponse struct {
	Message string `json:"message"`
}

// classify maps any handler error to a status and message. Sentinels from
// the domain packages are client errors; everything else is a 500 carrying
// the upstream text.
func classify(err error) (int, string) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Status, apiErr.Message
	case errors.Is(err, quartz.ErrUserNotFound):
		return http.StatusBadRequest, messageAccountNotFound
	case errors.Is(err, market.ErrUnsupportedMarket),
		errors.Is(err, market.ErrInvalidIndex),
		errors.Is(err, quartz.ErrInvalidParams),
		errors.Is(err, timeframe.ErrInvalidTimeframe),
		errors.Is(err, spendlimit.ErrInvalidState),
		errors.Is(err, store.ErrInvalidEntry),
		errors.Is(err, prices.ErrNoPrices),
		errors.Is(err, jupiter.ErrNoRoute):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.Canceled):
		// client went away; the status is never read
		return 499, "Request cancelled"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (s *Service) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"request_id", requestIDFrom(r.Context()),
		"err", err,
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", attrs...)
	} else {
		s.logger.Warn("request rejected", attrs...)
	}
	s.respondJSON(w, status, errorResponse{Message: message})
}
