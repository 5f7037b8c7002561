package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quantscafe/quantscafe/internal/core"
)

type createAgentRequest struct {
	ID      string `json:"id,omitempty"`
	OwnerID string `json:"owner_id,omitempty"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// GET /api/v1/agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.assets.Agents(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if agents == nil {
		agents = []*core.Agent{}
	}
	s.respondJSON(w, http.StatusOK, agents)
}

// POST /api/v1/agents
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}

	agent := &core.Agent{
		ID:      core.AgentID(req.ID),
		OwnerID: core.OwnerID(req.OwnerID),
		Name:    req.Name,
		Balance: req.Balance,
	}
	if err := s.assets.CreateAgent(r.Context(), agent); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, agent)
}

// GET /api/v1/agents/{id}
func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.assets.Agent(r.Context(), core.AgentID(chi.URLParam(r, "id")))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, agent)
}

// GET /api/v1/agents/{id}/assets?kind=intel|watchlist
func (s *Server) handleGetAgentAssets(w http.ResponseWriter, r *http.Request) {
	id := core.AgentID(chi.URLParam(r, "id"))
	kind := core.AssetKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		s.respondError(w, http.StatusBadRequest, "kind must be intel or watchlist")
		return
	}

	if _, err := s.assets.Agent(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	list, err := s.assets.Assets(r.Context(), id, kind)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if list == nil {
		list = []*core.Asset{}
	}
	s.respondJSON(w, http.StatusOK, list)
}

// GET /api/v1/leaderboard?limit=
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	board, err := s.assets.Leaderboard(r.Context(), limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if board == nil {
		board = []core.Standing{}
	}
	s.respondJSON(w, http.StatusOK, board)
}

// GET /api/v1/keys/stats
func (s *Server) handleKeyStats(w http.ResponseWriter, r *http.Request) {
	if s.keys == nil {
		s.respondError(w, http.StatusNotFound, "this process does not own a key pool")
		return
	}
	s.respondJSON(w, http.StatusOK, s.keys.Stats())
}
