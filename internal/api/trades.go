package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/ledger"
)

// TradesAPI provides read-only access to the trade ledger
type TradesAPI struct {
	store *ledger.Store
}

// NewTradesAPI creates a new trades API
func NewTradesAPI(store *ledger.Store) *TradesAPI {
	return &TradesAPI{store: store}
}

// RegisterRoutes registers trade ledger routes (all read-only)
func (api *TradesAPI) RegisterRoutes(r chi.Router) {
	r.Route("/trades", func(r chi.Router) {
		r.Get("/", api.handleListTrades)        // GET /api/v1/trades
		r.Get("/summary", api.handleGetSummary) // GET /api/v1/trades/summary
		r.Get("/verify", api.handleVerifyChain) // GET /api/v1/trades/verify
		r.Get("/{id}", api.handleGetTrade)      // GET /api/v1/trades/{id}
	})
}

// handleListTrades returns trades with optional filtering
// GET /api/v1/trades?agent=&kind=&since=&until=&limit=&offset=
func (api *TradesAPI) handleListTrades(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	opts := ledger.QueryOptions{
		Agent: core.AgentID(query.Get("agent")),
		Kind:  core.AssetKind(query.Get("kind")),
	}

	if since := query.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = t
		}
	}

	if until := query.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			opts.Until = t
		}
	}

	if limit := query.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			opts.Limit = l
		}
	} else {
		opts.Limit = 100
	}

	if offset := query.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			opts.Offset = o
		}
	}

	trades, err := api.store.Query(r.Context(), opts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []*core.TradeRecord{}
	}

	count, _ := api.store.Count(r.Context())

	response := map[string]interface{}{
		"trades":       trades,
		"count":        len(trades),
		"total_trades": count,
		"limit":        opts.Limit,
		"offset":       opts.Offset,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleGetSummary returns trade statistics
func (api *TradesAPI) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := api.store.GetSummary(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

// handleVerifyChain verifies the hash chain over every trade
func (api *TradesAPI) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	err := api.store.VerifyChain(r.Context())

	result := map[string]interface{}{
		"chain_valid": err == nil,
		"verified_at": time.Now().UTC(),
	}

	if err != nil {
		result["error"] = err.Error()
		var chainErr *ledger.ChainError
		if errors.As(err, &chainErr) {
			result["error_type"] = chainErr.Type
			result["seq"] = chainErr.Seq
			result["trade_id"] = chainErr.RecordID
		}
	}

	count, _ := api.store.Count(r.Context())
	result["total_trades"] = count

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleGetTrade returns a single trade by ID
func (api *TradesAPI) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	trade, err := api.store.GetByID(r.Context(), id)
	if errors.Is(err, core.ErrRecordNotFound) {
		http.Error(w, "trade not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trade)
}
