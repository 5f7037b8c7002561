package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/logging"
)

// ErrClosed is returned once the client has been closed or lost its connection
var ErrClosed = errors.New("coordinator connection closed")

// ClientConfig configures a Client
type ClientConfig struct {
	// Timeout bounds each key request; zero means DefaultTimeout
	Timeout time.Duration
}

// Client borrows keys from a remote Hub. It implements keypool.KeySource.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration
	log     *logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan APIKeyResponse

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the hub at url (ws:// or wss://)
func Dial(ctx context.Context, url string, cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		timeout: cfg.Timeout,
		log:     logging.Named("coordinator-client"),
		pending: make(map[string]chan APIKeyResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// GetKeyForAgent asks the hub for a key. It gives up after the configured timeout,
// when ctx ends, or when the connection drops; all of those yield ok=false.
func (c *Client) GetKeyForAgent(ctx context.Context, agentID core.AgentID) (string, bool) {
	requestID := uuid.New().String()
	reply := make(chan APIKeyResponse, 1)

	c.mu.Lock()
	c.pending[requestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.send(RequestAPIKey{AgentID: agentID, RequestID: requestID}); err != nil {
		c.log.WithField("agent", agentID).Warn("key request not sent: %v", err)
		return "", false
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		if resp.Key == "" {
			return "", false
		}
		return resp.Key, true
	case <-timer.C:
		c.log.WithField("agent", agentID).Warn("key request timed out after %s", c.timeout)
		return "", false
	case <-ctx.Done():
		return "", false
	case <-c.done:
		return "", false
	}
}

// ReportRateLimit forwards a rate-limit report to the hub
func (c *Client) ReportRateLimit(key string, d time.Duration) {
	if err := c.send(ReportRateLimit{Key: key, Duration: d}); err != nil {
		c.log.Warn("rate limit report not sent: %v", err)
	}
}

func (c *Client) send(m Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop routes replies to their waiting requests
func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("coordinator connection lost: %v", err)
			}
			return
		}

		msg, err := Decode(data)
		if err != nil {
			c.log.Warn("dropping message: %v", err)
			continue
		}

		switch m := msg.(type) {
		case APIKeyResponse:
			c.mu.Lock()
			reply, ok := c.pending[m.RequestID]
			c.mu.Unlock()
			if !ok {
				// Late reply for a request that already gave up
				continue
			}
			select {
			case reply <- m:
			default:
			}
		case RequestAPIKey, ReportRateLimit:
			c.log.Debug("ignoring %s from hub", m.Kind())
		}
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Pending requests return no key.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}
