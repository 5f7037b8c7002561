package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/storage"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// AgentFixture describes an agent row to seed.
type AgentFixture struct {
	ID      core.AgentID
	OwnerID core.OwnerID
	Name    string
	Balance int64
}

// DefaultAgentFixture returns an NPC agent with a 100 box balance.
func DefaultAgentFixture() AgentFixture {
	id := RandomID()
	return AgentFixture{
		ID:      core.AgentID("agent-" + id),
		Name:    "Agent " + id[:4],
		Balance: 100,
	}
}

// SeedAgent inserts an agent directly into the database and returns its ID.
func SeedAgent(t *testing.T, db *storage.DB, f AgentFixture) core.AgentID {
	t.Helper()
	if f.ID == "" {
		f.ID = core.AgentID("agent-" + RandomID())
	}
	if f.Name == "" {
		f.Name = string(f.ID)
	}
	var owner interface{}
	if f.OwnerID != "" {
		owner = string(f.OwnerID)
	}
	now := time.Now().UTC()
	_, err := db.Conn().Exec(`
		INSERT INTO agents (id, owner_id, name, balance, intel_pnl, watchlist_pnl, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)
	`, f.ID, owner, f.Name, f.Balance, now, now)
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return f.ID
}

// AssetFixture describes an asset row to seed.
type AssetFixture struct {
	ID         core.AssetID
	AgentID    core.AgentID
	Kind       core.AssetKind
	Title      string
	Content    string
	Price      int64
	IsTradable bool
}

// DefaultIntelFixture returns a tradable intel report owned by agentID.
func DefaultIntelFixture(agentID core.AgentID) AssetFixture {
	return AssetFixture{
		ID:         core.AssetID("asset-" + RandomID()),
		AgentID:    agentID,
		Kind:       core.AssetIntel,
		Title:      "BTC funding flipped negative",
		Content:    "Perp funding on three venues went negative overnight.",
		Price:      30,
		IsTradable: true,
	}
}

// SeedAsset inserts an asset directly into the database and returns its ID.
func SeedAsset(t *testing.T, db *storage.DB, f AssetFixture) core.AssetID {
	t.Helper()
	if f.ID == "" {
		f.ID = core.AssetID("asset-" + RandomID())
	}
	if f.Kind == "" {
		f.Kind = core.AssetIntel
	}
	_, err := db.Conn().Exec(`
		INSERT INTO assets (id, agent_id, kind, title, content, is_tradable, price, created_at, price_paid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, f.ID, f.AgentID, f.Kind, f.Title, f.Content, f.IsTradable, f.Price, time.Now().UTC())
	if err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return f.ID
}

// CountRows returns the number of rows in table.
func CountRows(t *testing.T, db *storage.DB, table string) int {
	t.Helper()
	var n int
	if err := db.Conn().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// BalanceOf reads an agent's balance straight from the database.
func BalanceOf(t *testing.T, db *storage.DB, id core.AgentID) int64 {
	t.Helper()
	var b int64
	if err := db.Conn().QueryRow("SELECT balance FROM agents WHERE id = ?", id).Scan(&b); err != nil {
		t.Fatalf("balance of %s: %v", id, err)
	}
	return b
}
