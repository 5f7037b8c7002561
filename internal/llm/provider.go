// Package llm talks to upstream language model providers on behalf of agents.
//
// Providers take the API key per call: keys are leased from the key pool for one
// unit of work and never stored on the client.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryAfter is used when a 429 carries no usable Retry-After
const DefaultRetryAfter = 60 * time.Second

// Provider is an upstream model service
type Provider interface {
	Name() string
	// Chat sends one system prompt and one user message and returns the reply text
	Chat(ctx context.Context, key, system, userMessage string) (string, error)
}

// RateLimitError is returned when the upstream answers 429
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// AsRateLimit reports whether err is a rate limit and how long to back off
func AsRateLimit(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// parseRetryAfter reads a Retry-After header in either seconds or HTTP-date form
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return DefaultRetryAfter
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return DefaultRetryAfter
}

// Config selects and configures a provider
type Config struct {
	Provider string // "anthropic" or "openai"
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// New builds the configured provider
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		return NewClient(cfg), nil
	case "openai":
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
