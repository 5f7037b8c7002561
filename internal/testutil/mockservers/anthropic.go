package mockservers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// AnthropicMockServer provides a mock Messages API for testing.
// Replies are chosen per API key so tests can rate limit one key and not another.
type AnthropicMockServer struct {
	Server *httptest.Server

	mu         sync.Mutex
	reply      string
	limited    map[string]time.Duration
	calls      map[string]int
	lastSystem string
}

// NewAnthropicMockServer creates a mock that answers every request with reply.
func NewAnthropicMockServer(t *testing.T, reply string) *AnthropicMockServer {
	t.Helper()

	mock := &AnthropicMockServer{
		reply:   reply,
		limited: make(map[string]time.Duration),
		calls:   make(map[string]int),
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(func() {
		mock.Server.Close()
	})

	return mock
}

// URL returns the base URL to configure the client with.
func (m *AnthropicMockServer) URL() string {
	return m.Server.URL
}

// SetReply changes the text returned to every request.
func (m *AnthropicMockServer) SetReply(reply string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reply = reply
}

// RateLimit makes every request with key answer 429 with a Retry-After header.
func (m *AnthropicMockServer) RateLimit(key string, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limited[key] = retryAfter
}

// Calls returns how many requests were made with key.
func (m *AnthropicMockServer) Calls(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[key]
}

// LastSystem returns the system prompt of the most recent request.
func (m *AnthropicMockServer) LastSystem() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSystem
}

func (m *AnthropicMockServer) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":  "error",
			"error": map[string]string{"type": "not_found_error", "message": "unknown route"},
		})
		return
	}

	var req struct {
		System string `json:"system"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	key := r.Header.Get("x-api-key")
	m.mu.Lock()
	m.calls[key]++
	m.lastSystem = req.System
	retry, limited := m.limited[key]
	reply := m.reply
	m.mu.Unlock()

	if limited {
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"type":  "error",
			"error": map[string]string{"type": "rate_limit_error", "message": "slow down"},
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":   "msg_mock",
		"type": "message",
		"role": "assistant",
		"content": []map[string]string{
			{"type": "text", "text": reply},
		},
		"stop_reason": "end_turn",
	})
}
