package coordinator

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/testutil"
)

// fakeSource hands out fixed keys per agent and records rate-limit reports
type fakeSource struct {
	mu       sync.Mutex
	keys     map[core.AgentID]string
	block    bool
	reported map[string]time.Duration
}

func newFakeSource() *fakeSource {
	return &fakeSource{keys: make(map[core.AgentID]string), reported: make(map[string]time.Duration)}
}

func (f *fakeSource) GetKeyForAgent(ctx context.Context, agentID core.AgentID) (string, bool) {
	f.mu.Lock()
	block := f.block
	key, ok := f.keys[agentID]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", false
	}
	return key, ok
}

func (f *fakeSource) ReportRateLimit(key string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported[key] = d
}

func (f *fakeSource) report(key string) (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.reported[key]
	return d, ok
}

func startHub(t *testing.T, source keypool.KeySource) (*Hub, string) {
	t.Helper()
	hub := NewHub(source, HubConfig{RequestTimeout: 5 * time.Second})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, timeout time.Duration) *Client {
	t.Helper()
	c, err := Dial(testutil.TestContext(t), url, ClientConfig{Timeout: timeout})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCodec(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"request", RequestAPIKey{AgentID: "a1", RequestID: "r1"}},
		{"response with key", APIKeyResponse{Key: "k", RequestID: "r1"}},
		{"response on cooldown", APIKeyResponse{RequestID: "r2", AllKeysOnCooldown: true}},
		{"rate limit", ReportRateLimit{Key: "k", Duration: 90 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode(%s) error = %v", data, err)
			}
			if got != tt.msg {
				t.Errorf("Decode() = %#v, want %#v", got, tt.msg)
			}
		})
	}
}

func TestDecode_WireFormat(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"reportRateLimit","key":"sk-1","durationSeconds":1.5}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	rl, ok := msg.(ReportRateLimit)
	if !ok || rl.Duration != 1500*time.Millisecond {
		t.Errorf("Decode() = %#v", msg)
	}

	data, _ := Encode(RequestAPIKey{AgentID: "a", RequestID: "r"})
	if !strings.Contains(string(data), `"type":"requestApiKey"`) || !strings.Contains(string(data), `"agentId":"a"`) {
		t.Errorf("Encode() = %s", data)
	}
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"unknown type", `{"type":"hello"}`, ErrUnknownMessage},
		{"request without id", `{"type":"requestApiKey","agentId":"a"}`, core.ErrMissingRequired},
		{"rate limit without key", `{"type":"reportRateLimit","durationSeconds":3}`, core.ErrMissingRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("Decode() of garbage should fail")
	}
}

func TestClient_RoundTrip(t *testing.T) {
	source := newFakeSource()
	source.keys["alice"] = "sk-alice"
	source.keys["bob"] = "sk-bob"
	hub, url := startHub(t, source)
	c := dial(t, url, time.Second)

	testutil.Eventually(t, time.Second, func() bool { return hub.Connections() == 1 }, "hub never saw the worker")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		agent := core.AgentID("alice")
		want := "sk-alice"
		if i%2 == 1 {
			agent, want = "bob", "sk-bob"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, ok := c.GetKeyForAgent(context.Background(), agent)
			if !ok || key != want {
				t.Errorf("GetKeyForAgent(%s) = %q, %v; want %q", agent, key, ok, want)
			}
		}()
	}
	wg.Wait()
}

func TestClient_NoKey(t *testing.T) {
	_, url := startHub(t, newFakeSource())
	c := dial(t, url, time.Second)

	if key, ok := c.GetKeyForAgent(context.Background(), "nobody"); ok || key != "" {
		t.Errorf("GetKeyForAgent() = %q, %v; want no key", key, ok)
	}
}

func TestClient_ReportRateLimitForwarded(t *testing.T) {
	source := newFakeSource()
	_, url := startHub(t, source)
	c := dial(t, url, time.Second)

	c.ReportRateLimit("sk-hot", 42*time.Second)

	testutil.Eventually(t, time.Second, func() bool {
		d, ok := source.report("sk-hot")
		return ok && d == 42*time.Second
	}, "rate limit never reached the source")
}

func TestClient_Timeout(t *testing.T) {
	source := newFakeSource()
	source.block = true
	_, url := startHub(t, source)
	c := dial(t, url, 50*time.Millisecond)

	start := time.Now()
	key, ok := c.GetKeyForAgent(context.Background(), "alice")
	if ok || key != "" {
		t.Errorf("GetKeyForAgent() = %q, %v; want no key", key, ok)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timed out after %s, want ~50ms", elapsed)
	}

	c.mu.Lock()
	left := len(c.pending)
	c.mu.Unlock()
	if left != 0 {
		t.Errorf("%d pending requests left behind", left)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	source := newFakeSource()
	source.block = true
	_, url := startHub(t, source)
	c := dial(t, url, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := c.GetKeyForAgent(ctx, "alice"); ok {
		t.Error("cancelled request should not return a key")
	}
}

func TestClient_HubGone(t *testing.T) {
	source := newFakeSource()
	source.keys["alice"] = "sk-alice"
	hub, url := startHub(t, source)
	c := dial(t, url, time.Hour)

	testutil.Eventually(t, time.Second, func() bool { return hub.Connections() == 1 }, "hub never saw the worker")
	hub.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the hub closing")
	}
	if _, ok := c.GetKeyForAgent(context.Background(), "alice"); ok {
		t.Error("closed client should not return a key")
	}
}

func TestDial_BadURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/coordinator", ClientConfig{}); err == nil {
		t.Error("Dial() to a closed port should fail")
	}
}

var _ keypool.KeySource = (*Client)(nil)

// requestRaw sends one requestApiKey over a plain websocket and returns the reply
func requestRaw(t *testing.T, url string, agent core.AgentID) APIKeyResponse {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	data, err := Encode(RequestAPIKey{AgentID: agent, RequestID: "raw-1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := Decode(reply)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	resp, ok := msg.(APIKeyResponse)
	if !ok {
		t.Fatalf("reply = %T, want APIKeyResponse", msg)
	}
	return resp
}

func TestHub_AllKeysOnCooldownFlag(t *testing.T) {
	cooled := keypool.New(keypool.Options{Keys: []string{"k1", "k2"}})
	cooled.Initialize(context.Background())
	cooled.ReportRateLimit("k1", time.Hour)
	cooled.ReportRateLimit("k2", time.Hour)

	empty := keypool.New(keypool.Options{})
	empty.Initialize(context.Background())

	tests := []struct {
		name   string
		source keypool.KeySource
		want   bool
	}{
		{"every key cooling", cooled, true},
		{"empty pool", empty, false},
		{"source without cooldown info", newFakeSource(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, url := startHub(t, tt.source)
			resp := requestRaw(t, url, "npc")
			if resp.Key != "" {
				t.Errorf("Key = %q, want none", resp.Key)
			}
			if resp.AllKeysOnCooldown != tt.want {
				t.Errorf("AllKeysOnCooldown = %v, want %v", resp.AllKeysOnCooldown, tt.want)
			}
		})
	}
}
