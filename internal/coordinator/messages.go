// Package coordinator lets worker processes borrow API keys from the process
// that owns the key pool. Workers and the coordinator exchange small JSON
// messages over a websocket; each key request is matched to its reply by
// request id.
package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantscafe/quantscafe/internal/core"
)

// Kind is the discriminator carried in every message's "type" field
type Kind string

const (
	KindRequestAPIKey   Kind = "requestApiKey"
	KindAPIKeyResponse  Kind = "apiKeyResponse"
	KindReportRateLimit Kind = "reportRateLimit"
)

// ErrUnknownMessage is returned by Decode for an unrecognized type
var ErrUnknownMessage = errors.New("unknown message type")

// Message is one of RequestAPIKey, APIKeyResponse or ReportRateLimit
type Message interface {
	Kind() Kind
}

// RequestAPIKey asks the coordinator for a key on behalf of an agent
type RequestAPIKey struct {
	AgentID   core.AgentID
	RequestID string
}

// APIKeyResponse answers a RequestAPIKey. An empty Key means none was available.
type APIKeyResponse struct {
	Key               string
	RequestID         string
	AllKeysOnCooldown bool
}

// ReportRateLimit tells the coordinator a key hit an upstream rate limit
type ReportRateLimit struct {
	Key      string
	Duration time.Duration
}

func (RequestAPIKey) Kind() Kind   { return KindRequestAPIKey }
func (APIKeyResponse) Kind() Kind  { return KindAPIKeyResponse }
func (ReportRateLimit) Kind() Kind { return KindReportRateLimit }

// wire is the flat JSON form shared by all kinds
type wire struct {
	Type              Kind     `json:"type"`
	AgentID           string   `json:"agentId,omitempty"`
	RequestID         string   `json:"requestId,omitempty"`
	Key               *string  `json:"key,omitempty"`
	AllKeysOnCooldown *bool    `json:"allKeysOnCooldown,omitempty"`
	DurationSeconds   *float64 `json:"durationSeconds,omitempty"`
}

// Encode marshals a message into its wire form
func Encode(m Message) ([]byte, error) {
	var w wire
	switch msg := m.(type) {
	case RequestAPIKey:
		w = wire{Type: KindRequestAPIKey, AgentID: string(msg.AgentID), RequestID: msg.RequestID}
	case APIKeyResponse:
		key, cooling := msg.Key, msg.AllKeysOnCooldown
		w = wire{Type: KindAPIKeyResponse, RequestID: msg.RequestID, Key: &key, AllKeysOnCooldown: &cooling}
	case ReportRateLimit:
		secs := msg.Duration.Seconds()
		w = wire{Type: KindReportRateLimit, Key: &msg.Key, DurationSeconds: &secs}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	return json.Marshal(w)
}

// Decode parses a wire message into its concrete type
func Decode(data []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch w.Type {
	case KindRequestAPIKey:
		if w.RequestID == "" {
			return nil, fmt.Errorf("%w: requestId", core.ErrMissingRequired)
		}
		return RequestAPIKey{AgentID: core.AgentID(w.AgentID), RequestID: w.RequestID}, nil
	case KindAPIKeyResponse:
		resp := APIKeyResponse{RequestID: w.RequestID}
		if w.Key != nil {
			resp.Key = *w.Key
		}
		if w.AllKeysOnCooldown != nil {
			resp.AllKeysOnCooldown = *w.AllKeysOnCooldown
		}
		return resp, nil
	case KindReportRateLimit:
		if w.Key == nil || *w.Key == "" {
			return nil, fmt.Errorf("%w: key", core.ErrMissingRequired)
		}
		var d time.Duration
		if w.DurationSeconds != nil && *w.DurationSeconds > 0 {
			d = time.Duration(*w.DurationSeconds * float64(time.Second))
		}
		return ReportRateLimit{Key: *w.Key, Duration: d}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, w.Type)
}
