package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantURL   string
		wantModel string
	}{
		{"defaults", Config{}, defaultAnthropicURL, defaultAnthropicModel},
		{"custom", Config{BaseURL: "https://custom.api.com", Model: "claude-3-opus"}, "https://custom.api.com", "claude-3-opus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.cfg)
			if c.baseURL != tt.wantURL || c.model != tt.wantModel {
				t.Errorf("NewClient() = %q %q, want %q %q", c.baseURL, c.model, tt.wantURL, tt.wantModel)
			}
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		provider string
		want     string
		wantErr  bool
	}{
		{"", "anthropic", false},
		{"anthropic", "anthropic", false},
		{"OpenAI", "openai", false},
		{"ollama", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			p, err := New(Config{Provider: tt.provider})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.want)
			}
		})
	}
}

func TestClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-leased" {
			t.Errorf("x-api-key = %q, want the per-call key", got)
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}

		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		if req.System != "you trade intel" || len(req.Messages) != 1 || req.Messages[0].Content != "accept?" {
			t.Errorf("request = %+v", req)
		}
		if req.Model != defaultAnthropicModel || req.MaxTokens == 0 {
			t.Errorf("defaults not applied: %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1","content":[{"type":"text","text":"ACCEPT"}]}`))
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL})
	got, err := c.Chat(context.Background(), "sk-leased", "you trade intel", "accept?")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "ACCEPT" {
		t.Errorf("Chat() = %q", got)
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		retryAfter    string
		body          string
		wantRateLimit bool
		wantWait      time.Duration
	}{
		{"429 with seconds", http.StatusTooManyRequests, "12", "", true, 12 * time.Second},
		{"429 without header", http.StatusTooManyRequests, "", "", true, DefaultRetryAfter},
		{"500", http.StatusInternalServerError, "", `{"error":"boom"}`, false, 0},
		{"empty content", http.StatusOK, "", `{"content":[]}`, false, 0},
		{"bad json", http.StatusOK, "", `{`, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(Config{BaseURL: server.URL}).Chat(context.Background(), "k", "", "hi")
			if err == nil {
				t.Fatal("Chat() should fail")
			}
			wait, isRL := AsRateLimit(err)
			if isRL != tt.wantRateLimit {
				t.Fatalf("AsRateLimit() = %v, want %v (err %v)", isRL, tt.wantRateLimit, err)
			}
			if wait != tt.wantWait {
				t.Errorf("RetryAfter = %v, want %v", wait, tt.wantWait)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", DefaultRetryAfter},
		{"30", 30 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"0", DefaultRetryAfter},
		{"-3", DefaultRetryAfter},
		{"soon", DefaultRetryAfter},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), DefaultRetryAfter},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			if got := parseRetryAfter(h, now); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-oa" {
			t.Errorf("Authorization = %q", got)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "gpt-test" || len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("request = %+v", body)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"REJECT"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	c := NewOpenAIClient(Config{BaseURL: server.URL + "/v1", Model: "gpt-test"})
	got, err := c.Chat(context.Background(), "sk-oa", "sys", "hi")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got != "REJECT" {
		t.Errorf("Chat() = %q", got)
	}
}

func TestOpenAIClient_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	}))
	defer server.Close()

	c := NewOpenAIClient(Config{BaseURL: server.URL + "/v1"})
	_, err := c.Chat(context.Background(), "sk-oa", "", "hi")
	if wait, ok := AsRateLimit(err); !ok || wait != DefaultRetryAfter {
		t.Errorf("AsRateLimit() = %v, %v (err %v)", wait, ok, err)
	}
}
