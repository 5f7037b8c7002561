package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/settlement"
)

type createOfferRequest struct {
	SellerID string `json:"seller_id"`
	BuyerID  string `json:"buyer_id"`
	AssetID  string `json:"asset_id"`
	Price    int64  `json:"price"`
	RoomID   string `json:"room_id,omitempty"`
}

type rejectOfferRequest struct {
	Reason string `json:"reason,omitempty"`
}

type placeBetRequest struct {
	AgentID  string `json:"agent_id"`
	MarketID string `json:"market_id"`
	Outcome  string `json:"outcome"`
	Stake    int64  `json:"stake"`
	OddsBps  int64  `json:"odds_bps,omitempty"`
}

// GET /api/v1/offers?status=&agent=&limit=
func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	var (
		offers []*core.Offer
		err    error
	)
	switch {
	case q.Get("agent") != "":
		offers, err = s.offers.ListForAgent(r.Context(), core.AgentID(q.Get("agent")), limit)
	default:
		status := core.OfferStatus(q.Get("status"))
		if status == "" {
			status = core.OfferPending
		}
		switch status {
		case core.OfferPending, core.OfferAccepted, core.OfferRejected:
		default:
			s.respondError(w, http.StatusBadRequest, "status must be pending, accepted or rejected")
			return
		}
		offers, err = s.offers.ListByStatus(r.Context(), status, limit)
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if offers == nil {
		offers = []*core.Offer{}
	}
	s.respondJSON(w, http.StatusOK, offers)
}

// POST /api/v1/offers
func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var req createOfferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}

	offer := &core.Offer{
		SellerID: core.AgentID(req.SellerID),
		BuyerID:  core.AgentID(req.BuyerID),
		AssetID:  core.AssetID(req.AssetID),
		Price:    req.Price,
		RoomID:   req.RoomID,
	}
	if err := s.settlement.Propose(r.Context(), offer); err != nil {
		s.respondErr(w, err)
		return
	}
	s.Broadcast(EventOfferProposed, offer)
	s.respondJSON(w, http.StatusCreated, offer)
}

// POST /api/v1/offers/{id}/accept
//
// A rejected outcome is a normal answer, not an error: 200 with committed=false.
func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.settlement.Execute(r.Context(), core.OfferID(chi.URLParam(r, "id")))
	if err != nil {
		s.respondErr(w, err)
		return
	}

	resp := map[string]interface{}{
		"committed": outcome.Committed,
	}
	if outcome.Committed {
		resp["trade"] = outcome.Trade
		resp["clone"] = outcome.Clone
	} else {
		resp["reason"] = outcome.Reason
		resp["message"] = outcome.Reason.Message()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// POST /api/v1/offers/{id}/reject
func (s *Server) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	var req rejectOfferRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	reason := settlement.RejectReason(req.Reason)
	if reason == "" {
		reason = settlement.ReasonDeclined
	}

	ok, err := s.settlement.Reject(r.Context(), core.OfferID(chi.URLParam(r, "id")), reason)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if !ok {
		s.respondError(w, http.StatusConflict, settlement.ReasonOfferNotPending.Message())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"rejected": true, "reason": reason})
}

// POST /api/v1/bets
func (s *Server) handlePlaceBet(w http.ResponseWriter, r *http.Request) {
	var req placeBetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}

	bet := &core.Bet{
		AgentID:  core.AgentID(req.AgentID),
		MarketID: req.MarketID,
		Outcome:  req.Outcome,
		Stake:    req.Stake,
		OddsBps:  req.OddsBps,
	}

	if s.markets != nil && req.MarketID != "" {
		mk, err := s.markets.Market(r.Context(), req.MarketID)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		if mk.Resolved || !mk.HasOutcome(req.Outcome) {
			s.respondError(w, http.StatusBadRequest, "market closed or unknown outcome")
			return
		}
		if bet.OddsBps == 0 {
			bet.OddsBps = mk.Odds(req.Outcome)
		}
	}

	err := s.settlement.PlaceBet(r.Context(), bet)
	if errors.Is(err, core.ErrInsufficientFunds) {
		s.respondError(w, http.StatusConflict, settlement.ReasonInsufficientFunds.Message())
		return
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.Broadcast(EventBetPlaced, bet)
	s.respondJSON(w, http.StatusCreated, bet)
}
