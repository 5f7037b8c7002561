package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantscafe/quantscafe/internal/assets"
	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/ledger"
	"github.com/quantscafe/quantscafe/internal/market"
	"github.com/quantscafe/quantscafe/internal/settlement"
	"github.com/quantscafe/quantscafe/internal/storage"
	"github.com/quantscafe/quantscafe/internal/testutil"
)

type fakePool struct{}

func (fakePool) Stats() keypool.Stats { return keypool.Stats{Size: 2, Served: 7} }

type testEnv struct {
	db      *storage.DB
	server  *Server
	markets *market.Memory
}

func newTestEnv(t *testing.T, withKeys bool) *testEnv {
	t.Helper()
	db := testutil.TestDB(t)
	al := assets.New(db)
	offers := storage.NewOfferStore(db)
	bets := storage.NewBetStore(db)
	trades := ledger.NewStore(db.Conn())
	mk := market.NewMemory(market.Market{
		ID:       "btc-100k",
		Question: "BTC above 100k on Friday?",
		Outcomes: []string{"yes", "no"},
		OddsBps:  []int64{25000},
	})

	cfg := Config{
		Assets:     al,
		Offers:     offers,
		Bets:       bets,
		Trades:     trades,
		Settlement: settlement.New(db, al, offers, bets, trades),
		Markets:    mk,
	}
	if withKeys {
		cfg.Keys = fakePool{}
	}
	return &testEnv{db: db, server: New(cfg), markets: mk}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) seedTrade(t *testing.T) (seller, buyer core.AgentID, offer core.OfferID) {
	t.Helper()
	seller = testutil.SeedAgent(t, e.db, testutil.AgentFixture{Balance: 100})
	buyer = testutil.SeedAgent(t, e.db, testutil.AgentFixture{Balance: 100})
	asset := testutil.SeedAsset(t, e.db, testutil.DefaultIntelFixture(seller))

	body := `{"seller_id":"` + string(seller) + `","buyer_id":"` + string(buyer) + `","asset_id":"` + string(asset) + `","price":30}`
	w := e.do(t, http.MethodPost, "/api/v1/offers", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create offer status = %d, body = %s", w.Code, w.Body.String())
	}
	var o core.Offer
	decode(t, w, &o)
	return seller, buyer, o.ID
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, false)
	w := e.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestAgents_CreateGetList(t *testing.T) {
	e := newTestEnv(t, false)

	w := e.do(t, http.MethodPost, "/api/v1/agents", `{"name":"Velvet","balance":100}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created core.Agent
	decode(t, w, &created)
	if created.ID == "" || created.Balance != 100 {
		t.Fatalf("created = %+v", created)
	}

	w = e.do(t, http.MethodGet, "/api/v1/agents/"+string(created.ID), "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/api/v1/agents", "")
	var list []core.Agent
	decode(t, w, &list)
	if len(list) != 1 {
		t.Errorf("len(agents) = %d, want 1", len(list))
	}
}

func TestAgents_Errors(t *testing.T) {
	e := newTestEnv(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown agent", http.MethodGet, "/api/v1/agents/nobody", "", http.StatusNotFound},
		{"unknown agent assets", http.MethodGet, "/api/v1/agents/nobody/assets", "", http.StatusNotFound},
		{"bad kind", http.MethodGet, "/api/v1/agents/x/assets?kind=gold", "", http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/v1/agents", `{"name":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/agents", `{"name":"a","color":"red"}`, http.StatusBadRequest},
		{"negative balance", http.MethodPost, "/api/v1/agents", `{"name":"a","balance":-1}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAgentAssets(t *testing.T) {
	e := newTestEnv(t, false)
	id := testutil.SeedAgent(t, e.db, testutil.DefaultAgentFixture())
	testutil.SeedAsset(t, e.db, testutil.DefaultIntelFixture(id))

	w := e.do(t, http.MethodGet, "/api/v1/agents/"+string(id)+"/assets?kind=intel", "")
	var list []core.Asset
	decode(t, w, &list)
	if len(list) != 1 {
		t.Errorf("intel assets = %d, want 1", len(list))
	}

	w = e.do(t, http.MethodGet, "/api/v1/agents/"+string(id)+"/assets?kind=watchlist", "")
	decode(t, w, &list)
	if len(list) != 0 {
		t.Errorf("watchlist assets = %d, want 0", len(list))
	}
}

func TestOffer_AcceptSettles(t *testing.T) {
	e := newTestEnv(t, false)
	seller, buyer, offer := e.seedTrade(t)

	w := e.do(t, http.MethodPost, "/api/v1/offers/"+string(offer)+"/accept", "")
	if w.Code != http.StatusOK {
		t.Fatalf("accept status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Committed bool              `json:"committed"`
		Trade     *core.TradeRecord `json:"trade"`
	}
	decode(t, w, &resp)
	if !resp.Committed || resp.Trade == nil {
		t.Fatalf("resp = %+v, want committed trade", resp)
	}

	if got := testutil.BalanceOf(t, e.db, seller); got != 130 {
		t.Errorf("seller balance = %d, want 130", got)
	}
	if got := testutil.BalanceOf(t, e.db, buyer); got != 70 {
		t.Errorf("buyer balance = %d, want 70", got)
	}

	// Second accept is a typed rejection, not an error
	w = e.do(t, http.MethodPost, "/api/v1/offers/"+string(offer)+"/accept", "")
	var again struct {
		Committed bool   `json:"committed"`
		Reason    string `json:"reason"`
	}
	decode(t, w, &again)
	if again.Committed || again.Reason != string(settlement.ReasonOfferNotPending) {
		t.Errorf("second accept = %+v", again)
	}

	w = e.do(t, http.MethodGet, "/api/v1/trades", "")
	var trades struct {
		Count int `json:"count"`
	}
	decode(t, w, &trades)
	if trades.Count != 1 {
		t.Errorf("trades count = %d, want 1", trades.Count)
	}

	w = e.do(t, http.MethodGet, "/api/v1/trades/verify", "")
	var verify struct {
		ChainValid bool `json:"chain_valid"`
	}
	decode(t, w, &verify)
	if !verify.ChainValid {
		t.Errorf("chain_valid = false, body %s", w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/api/v1/trades/"+resp.Trade.ID, "")
	if w.Code != http.StatusOK {
		t.Errorf("get trade status = %d", w.Code)
	}
}

func TestOffer_AcceptInsufficientFunds(t *testing.T) {
	e := newTestEnv(t, false)
	seller := testutil.SeedAgent(t, e.db, testutil.AgentFixture{Balance: 100})
	buyer := testutil.SeedAgent(t, e.db, testutil.AgentFixture{Balance: 10})
	asset := testutil.SeedAsset(t, e.db, testutil.DefaultIntelFixture(seller))

	body := `{"seller_id":"` + string(seller) + `","buyer_id":"` + string(buyer) + `","asset_id":"` + string(asset) + `","price":30}`
	w := e.do(t, http.MethodPost, "/api/v1/offers", body)
	var o core.Offer
	decode(t, w, &o)

	w = e.do(t, http.MethodPost, "/api/v1/offers/"+string(o.ID)+"/accept", "")
	var resp struct {
		Committed bool   `json:"committed"`
		Reason    string `json:"reason"`
	}
	decode(t, w, &resp)
	if resp.Committed || resp.Reason != string(settlement.ReasonInsufficientFunds) {
		t.Errorf("resp = %+v", resp)
	}
	if got := testutil.BalanceOf(t, e.db, buyer); got != 10 {
		t.Errorf("buyer balance = %d, want 10", got)
	}
	if n := testutil.CountRows(t, e.db, "trades"); n != 0 {
		t.Errorf("trades = %d, want 0", n)
	}
}

func TestOffer_Reject(t *testing.T) {
	e := newTestEnv(t, false)
	_, buyer, offer := e.seedTrade(t)

	w := e.do(t, http.MethodPost, "/api/v1/offers/"+string(offer)+"/reject", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reject status = %d, body = %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/api/v1/offers/"+string(offer)+"/reject", `{"reason":"declined"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second reject status = %d, want 409", w.Code)
	}

	w = e.do(t, http.MethodGet, "/api/v1/offers?status=rejected", "")
	var list []core.Offer
	decode(t, w, &list)
	if len(list) != 1 || list[0].Reason != string(settlement.ReasonDeclined) {
		t.Errorf("rejected offers = %+v", list)
	}

	w = e.do(t, http.MethodGet, "/api/v1/offers?agent="+string(buyer), "")
	decode(t, w, &list)
	if len(list) != 1 {
		t.Errorf("offers for buyer = %d, want 1", len(list))
	}
}

func TestOffer_Errors(t *testing.T) {
	e := newTestEnv(t, false)
	seller := testutil.SeedAgent(t, e.db, testutil.DefaultAgentFixture())
	asset := testutil.SeedAsset(t, e.db, testutil.DefaultIntelFixture(seller))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad status", http.MethodGet, "/api/v1/offers?status=weird", "", http.StatusBadRequest},
		{"missing fields", http.MethodPost, "/api/v1/offers", `{"price":5}`, http.StatusBadRequest},
		{"self trade", http.MethodPost, "/api/v1/offers",
			`{"seller_id":"` + string(seller) + `","buyer_id":"` + string(seller) + `","asset_id":"` + string(asset) + `","price":5}`,
			http.StatusBadRequest},
		{"unknown asset", http.MethodPost, "/api/v1/offers",
			`{"seller_id":"` + string(seller) + `","buyer_id":"b","asset_id":"nope","price":5}`,
			http.StatusNotFound},
		{"unknown offer accept", http.MethodPost, "/api/v1/offers/nope/accept", "", http.StatusNotFound},
		{"unknown trade", http.MethodGet, "/api/v1/trades/nope", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestPlaceBet(t *testing.T) {
	e := newTestEnv(t, false)
	agent := testutil.SeedAgent(t, e.db, testutil.AgentFixture{Balance: 50})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"ok", `{"agent_id":"` + string(agent) + `","market_id":"btc-100k","outcome":"yes","stake":20}`, http.StatusCreated},
		{"unknown outcome", `{"agent_id":"` + string(agent) + `","market_id":"btc-100k","outcome":"maybe","stake":5}`, http.StatusBadRequest},
		{"unknown market", `{"agent_id":"` + string(agent) + `","market_id":"eth","outcome":"yes","stake":5}`, http.StatusNotFound},
		{"too big", `{"agent_id":"` + string(agent) + `","market_id":"btc-100k","outcome":"no","stake":500}`, http.StatusConflict},
		{"zero stake", `{"agent_id":"` + string(agent) + `","market_id":"btc-100k","outcome":"no","stake":0}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/v1/bets", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if got := testutil.BalanceOf(t, e.db, agent); got != 30 {
		t.Errorf("balance = %d, want 30", got)
	}
	var odds int64
	if err := e.db.Conn().QueryRow("SELECT odds_bps FROM bets").Scan(&odds); err != nil {
		t.Fatalf("read bet: %v", err)
	}
	if odds != 25000 {
		t.Errorf("odds_bps = %d, want market odds 25000", odds)
	}
}

func TestLeaderboard(t *testing.T) {
	e := newTestEnv(t, false)
	testutil.SeedAgent(t, e.db, testutil.AgentFixture{Name: "low", Balance: 10})
	testutil.SeedAgent(t, e.db, testutil.AgentFixture{Name: "high", Balance: 90})

	w := e.do(t, http.MethodGet, "/api/v1/leaderboard?limit=1", "")
	var board []core.Standing
	decode(t, w, &board)
	if len(board) != 1 || board[0].Name != "high" {
		t.Errorf("board = %+v", board)
	}
}

func TestKeyStats(t *testing.T) {
	w := newTestEnv(t, false).do(t, http.MethodGet, "/api/v1/keys/stats", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("without pool status = %d, want 404", w.Code)
	}

	w = newTestEnv(t, true).do(t, http.MethodGet, "/api/v1/keys/stats", "")
	var stats keypool.Stats
	decode(t, w, &stats)
	if stats.Size != 2 || stats.Served != 7 {
		t.Errorf("stats = %+v", stats)
	}
	if strings.Contains(w.Body.String(), "sk-") {
		t.Error("stats leaked key material")
	}
}

func TestWebSocket_ReceivesEvents(t *testing.T) {
	e := newTestEnv(t, false)
	go e.server.wsHub.Run()
	t.Cleanup(e.server.wsHub.Stop)

	srv := httptest.NewServer(e.server.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	testutil.Eventually(t, time.Second, func() bool {
		return e.server.wsHub.ClientCount() == 1
	}, "client registered")

	_, _, offer := e.seedTrade(t)
	e.do(t, http.MethodPost, "/api/v1/offers/"+string(offer)+"/accept", "")

	want := []string{EventOfferProposed, EventOfferResolved}
	for _, typ := range want {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if msg.Type != typ {
			t.Errorf("event = %q, want %q", msg.Type, typ)
		}
	}
}

func TestWebSocketHub_BroadcastAfterStop(t *testing.T) {
	h := NewWebSocketHub()
	go h.Run()
	h.Stop()
	h.Stop()

	done := make(chan struct{})
	go func() {
		h.Broadcast(WebSocketMessage{Type: "late"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked after Stop")
	}
}
