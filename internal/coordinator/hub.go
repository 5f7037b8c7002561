package coordinator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/logging"
)

// DefaultTimeout bounds one key round trip
const DefaultTimeout = 60 * time.Second

// peer is one connected worker
type peer struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	connectedAt time.Time
}

func (p *peer) send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// HubConfig configures a Hub
type HubConfig struct {
	// RequestTimeout bounds how long the hub waits on the pool for one request
	RequestTimeout time.Duration
}

// Hub serves key requests from workers out of a local key source
type Hub struct {
	source   keypool.KeySource
	timeout  time.Duration
	upgrader websocket.Upgrader
	log      *logging.Logger

	peers map[*peer]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.RWMutex
}

// NewHub creates a hub in front of source
func NewHub(source keypool.KeySource, cfg HubConfig) *Hub {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		source:  source,
		timeout: cfg.RequestTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Workers are not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:    logging.Named("coordinator"),
		peers:  make(map[*peer]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the request and serves the worker until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed: %v", err)
		return
	}

	p := &peer{conn: conn, connectedAt: time.Now()}
	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()
	h.log.WithField("remote", r.RemoteAddr).Info("worker connected")

	h.wg.Add(1)
	defer h.wg.Done()
	h.handleConnection(p)

	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()
	h.log.WithField("remote", r.RemoteAddr).Info("worker disconnected")
}

// handleConnection reads messages until the connection fails or the hub closes
func (h *Hub) handleConnection(p *peer) {
	defer p.conn.Close()

	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}

		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := Decode(data)
		if err != nil {
			h.log.Warn("dropping message: %v", err)
			continue
		}
		h.handleMessage(p, msg)
	}
}

func (h *Hub) handleMessage(p *peer, msg Message) {
	switch m := msg.(type) {
	case RequestAPIKey:
		// Waiting on the pool can take a while; keep reading meanwhile
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.serveKey(p, m)
		}()
	case ReportRateLimit:
		h.source.ReportRateLimit(m.Key, m.Duration)
	case APIKeyResponse:
		h.log.Debug("ignoring apiKeyResponse from worker")
	}
}

func (h *Hub) serveKey(p *peer, req RequestAPIKey) {
	ctx, cancel := context.WithTimeout(h.ctx, h.timeout)
	defer cancel()

	key, ok := h.source.GetKeyForAgent(ctx, core.AgentID(req.AgentID))
	resp := APIKeyResponse{RequestID: req.RequestID}
	if ok {
		resp.Key = key
	} else if r, isReporter := h.source.(keypool.CooldownReporter); isReporter {
		resp.AllKeysOnCooldown = r.AllCooling()
	}
	if err := p.send(resp); err != nil {
		h.log.WithField("request", req.RequestID).Debug("reply not delivered: %v", err)
	}
}

// Connections returns the number of connected workers
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close disconnects every worker and waits for in-flight requests
func (h *Hub) Close() error {
	h.cancel()

	h.mu.Lock()
	for p := range h.peers {
		p.conn.Close()
	}
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}
