package apiserver

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"sort"
	"strings"

	"github.com/pyra-labs/protocol-api-sub000/internal/market"
	"github.com/pyra-labs/protocol-api-sub000/internal/prices"
	"github.com/pyra-labs/protocol-api-sub000/internal/quartz"
	"github.com/pyra-labs/protocol-api-sub000/internal/store"
)

const maxBodyBytes = 64 << 10

func (s *Service) handlePrice(w http.ResponseWriter, r *http.Request) {
	raw := queryValue(r, "ids")
	if raw == "" {
		s.respondError(w, r, badRequest("ids is required"))
		return
	}
	ids := strings.Split(raw, ",")

	values, failures := s.deps.Prices.Prices(r.Context(), ids)
	if len(values) == 0 {
		s.respondError(w, r, &Error{Status: http.StatusBadRequest, Message: "No prices found for ids: " + raw, Err: prices.ErrNoPrices})
		return
	}
	if len(failures) > 0 {
		missing := make([]string, 0, len(failures))
		for id := range failures {
			missing = append(missing, id)
		}
		sort.Strings(missing)
		s.logger.Warn("some price ids did not resolve", "ids", strings.Join(missing, ","), "request_id", requestIDFrom(r.Context()))
	}
	s.respondJSON(w, http.StatusOK, values)
}

type usersResponse struct {
	Count int      `json:"count"`
	Users []string `json:"users"`
}

func (s *Service) handleUsers(w http.ResponseWriter, r *http.Request) {
	owners, err := s.deps.Quartz.ListUsers(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	users := make([]string, len(owners))
	for i, owner := range owners {
		users[i] = owner.String()
	}
	s.respondJSON(w, http.StatusOK, usersResponse{Count: len(users), Users: users})
}

type tvlResponse struct {
	Collateral string `json:"collateral"`
	Loans      string `json:"loans"`
	Net        string `json:"net"`
}

func (s *Service) handleTVL(w http.ResponseWriter, r *http.Request) {
	indices := market.Indices()
	markets, err := s.deps.Quartz.Markets(r.Context(), indices)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	present := make([]uint16, 0, len(markets))
	for _, index := range indices {
		if _, ok := markets[index]; ok {
			present = append(present, index)
		}
	}
	priced, err := s.deps.Prices.MarketPrices(r.Context(), present)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	collateral, loans, err := quartz.TVL(markets, priced)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	net := new(big.Rat).Sub(collateral, loans)
	s.respondJSON(w, http.StatusOK, tvlResponse{
		Collateral: collateral.FloatString(2),
		Loans:      loans.FloatString(2),
		Net:        net.FloatString(2),
	})
}

type waitlistRequest struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Country    string `json:"country"`
	Newsletter bool   `json:"newsletter"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Service) handleWaitlist(w http.ResponseWriter, r *http.Request) {
	if s.deps.Waitlist == nil {
		s.respondError(w, r, &Error{Status: http.StatusServiceUnavailable, Message: "Waitlist is not available"})
		return
	}
	var req waitlistRequest
	if err := decodeJSONBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	entry, err := store.WaitlistEntry{Email: req.Email, Name: req.Name, Country: req.Country, Newsletter: req.Newsletter}.Normalize()
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	created, err := s.deps.Waitlist.AddToWaitlist(r.Context(), entry)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !created {
		s.respondJSON(w, http.StatusOK, messageResponse{Message: "Already on the waitlist"})
		return
	}
	if s.deps.Welcome != nil {
		// the entry is stored either way; a failed email is only logged
		if err := s.deps.Welcome.SendWelcome(r.Context(), entry.Email, entry.Name); err != nil {
			s.logger.Warn("waitlist welcome email failed", "err", err, "request_id", requestIDFrom(r.Context()))
		}
	}
	s.respondJSON(w, http.StatusCreated, messageResponse{Message: "Added to the waitlist"})
}

func decodeJSONBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("Request body is required")
		}
		return &Error{Status: http.StatusBadRequest, Message: "Invalid request body", Err: err}
	}
	return nil
}
