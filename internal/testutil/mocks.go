package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/quantscafe/quantscafe/internal/core"
)

// MockKeySource implements a mock key source for testing.
// With no GetKeyFunc it leases Key, or nothing when Key is empty.
type MockKeySource struct {
	Key        string
	GetKeyFunc func(ctx context.Context, agentID core.AgentID) (string, bool)

	mu       sync.Mutex
	requests []core.AgentID
	limited  map[string]time.Duration
}

// GetKeyForAgent calls the mock function if set.
func (m *MockKeySource) GetKeyForAgent(ctx context.Context, agentID core.AgentID) (string, bool) {
	m.mu.Lock()
	m.requests = append(m.requests, agentID)
	m.mu.Unlock()

	if m.GetKeyFunc != nil {
		return m.GetKeyFunc(ctx, agentID)
	}
	return m.Key, m.Key != ""
}

// ReportRateLimit records the cooldown.
func (m *MockKeySource) ReportRateLimit(key string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limited == nil {
		m.limited = make(map[string]time.Duration)
	}
	m.limited[key] = d
}

// Requests returns the agents that asked for a key, in order.
func (m *MockKeySource) Requests() []core.AgentID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.AgentID(nil), m.requests...)
}

// RateLimited returns the cooldown reported for key.
func (m *MockKeySource) RateLimited(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.limited[key]
	return d, ok
}

// MockProvider implements a mock LLM provider for testing.
type MockProvider struct {
	Reply    string
	ChatFunc func(ctx context.Context, key, system, prompt string) (string, error)

	mu    sync.Mutex
	calls int
}

// Name returns "mock".
func (m *MockProvider) Name() string { return "mock" }

// Chat calls the mock function if set.
func (m *MockProvider) Chat(ctx context.Context, key, system, prompt string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, key, system, prompt)
	}
	return m.Reply, nil
}

// Calls returns the number of Chat calls.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
