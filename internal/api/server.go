// Package api provides the HTTP API server for Quants Café.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quantscafe/quantscafe/internal/assets"
	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/ledger"
	"github.com/quantscafe/quantscafe/internal/logging"
	"github.com/quantscafe/quantscafe/internal/market"
	"github.com/quantscafe/quantscafe/internal/settlement"
	"github.com/quantscafe/quantscafe/internal/storage"
)

// Event names pushed on the websocket feed
const (
	EventOfferResolved = "offer_resolved"
	EventOfferProposed = "offer_proposed"
	EventBetPlaced     = "bet_placed"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	log        *logging.Logger

	// Components
	assets     *assets.Ledger
	offers     *storage.OfferStore
	bets       *storage.BetStore
	trades     *ledger.Store
	settlement *settlement.Service
	markets    market.Service
	keys       interface{ Stats() keypool.Stats }
	wsHub      *WebSocketHub

	coordinator http.Handler
}

// Config for the server
type Config struct {
	Host        string
	Port        int
	Assets      *assets.Ledger
	Offers      *storage.OfferStore
	Bets        *storage.BetStore
	Trades      *ledger.Store
	Settlement  *settlement.Service
	Markets     market.Service                     // optional, validates bets when set
	Keys        interface{ Stats() keypool.Stats } // optional
	Coordinator http.Handler                       // optional, mounted at /coordinator
}

// New creates a new API server
func New(cfg Config) *Server {
	s := &Server{
		log:         logging.Named("api"),
		assets:      cfg.Assets,
		offers:      cfg.Offers,
		bets:        cfg.Bets,
		trades:      cfg.Trades,
		settlement:  cfg.Settlement,
		markets:     cfg.Markets,
		keys:        cfg.Keys,
		coordinator: cfg.Coordinator,
		wsHub:       NewWebSocketHub(),
	}

	if s.settlement != nil {
		s.settlement.Observe(func(offer *core.Offer, outcome settlement.Outcome) {
			s.Broadcast(EventOfferResolved, map[string]interface{}{
				"offer":   offer,
				"outcome": outcome,
			})
		})
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Agents
		r.Get("/agents", s.handleListAgents)
		r.Post("/agents", s.handleCreateAgent)
		r.Get("/agents/{id}", s.handleGetAgent)
		r.Get("/agents/{id}/assets", s.handleGetAgentAssets)
		r.Get("/leaderboard", s.handleLeaderboard)

		// Offers
		r.Get("/offers", s.handleListOffers)
		r.Post("/offers", s.handleCreateOffer)
		r.Post("/offers/{id}/accept", s.handleAcceptOffer)
		r.Post("/offers/{id}/reject", s.handleRejectOffer)

		// Bets
		r.Post("/bets", s.handlePlaceBet)

		// Key pool
		r.Get("/keys/stats", s.handleKeyStats)

		// Trade ledger (read-only)
		if s.trades != nil {
			NewTradesAPI(s.trades).RegisterRoutes(r)
		}
	})

	// WebSocket event feed
	r.Get("/ws", s.handleWebSocket)

	// Worker key channel
	if s.coordinator != nil {
		r.Handle("/coordinator", s.coordinator)
	}

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.router = r
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go s.wsHub.Run()

	s.log.WithField("addr", s.httpServer.Addr).Info("API server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.wsHub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Broadcast sends a message to all WebSocket clients
func (s *Server) Broadcast(msgType string, data interface{}) {
	s.wsHub.Broadcast(WebSocketMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors to HTTP status codes
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrAgentNotFound),
		errors.Is(err, core.ErrAssetNotFound),
		errors.Is(err, core.ErrOfferNotFound),
		errors.Is(err, core.ErrBetNotFound),
		errors.Is(err, core.ErrRecordNotFound),
		errors.Is(err, market.ErrMarketNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrMissingRequired):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrInsufficientFunds):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrStorage):
		s.log.Error("storage failure: %v", err)
		s.respondError(w, http.StatusServiceUnavailable, "storage unavailable, retry")
	default:
		s.log.Error("request failed: %v", err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}
