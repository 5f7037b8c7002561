package mockservers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MarketMockServer provides a mock prediction market service for testing.
// Markets are stored as raw JSON objects keyed by their "id" field.
type MarketMockServer struct {
	Server *httptest.Server

	mu      sync.Mutex
	markets map[string]map[string]interface{}
	order   []string
	down    bool
}

// NewMarketMockServer creates a mock market service with no markets.
func NewMarketMockServer(t *testing.T) *MarketMockServer {
	t.Helper()

	mock := &MarketMockServer{markets: make(map[string]map[string]interface{})}
	mock.Server = httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(func() {
		mock.Server.Close()
	})
	return mock
}

// URL returns the base URL to configure the client with.
func (m *MarketMockServer) URL() string {
	return m.Server.URL
}

// AddMarket adds or replaces a market.
func (m *MarketMockServer) AddMarket(market map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _ := market["id"].(string)
	if _, ok := m.markets[id]; !ok {
		m.order = append(m.order, id)
	}
	m.markets[id] = market
}

// Resolve marks a market resolved with the winning outcome.
func (m *MarketMockServer) Resolve(id, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mk, ok := m.markets[id]; ok {
		mk["resolved"] = true
		mk["winning_outcome"] = outcome
	}
}

// SetDown makes every request fail with 503.
func (m *MarketMockServer) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

func (m *MarketMockServer) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"maintenance"}`))
		return
	}

	switch {
	case r.URL.Path == "/markets":
		open := r.URL.Query().Get("status") == "open"
		out := make([]map[string]interface{}, 0, len(m.order))
		for _, id := range m.order {
			mk := m.markets[id]
			if resolved, _ := mk["resolved"].(bool); open && resolved {
				continue
			}
			out = append(out, mk)
		}
		json.NewEncoder(w).Encode(out)

	case strings.HasPrefix(r.URL.Path, "/markets/"):
		mk, ok := m.markets[strings.TrimPrefix(r.URL.Path, "/markets/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"market not found"}`))
			return
		}
		json.NewEncoder(w).Encode(mk)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
