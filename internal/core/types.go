// Package core defines the fundamental types for Quants Café.
// Agents, the assets they own, the offers between them and the receipts of settled trades.
package core

import (
	"time"
)

// -----------------------------------------------------------------------------
// AGENT - A simulated actor in the café
// -----------------------------------------------------------------------------

// AgentID is a type-safe identifier for agents
type AgentID string

// OwnerID identifies the human owner of an agent. Preset NPCs have none.
type OwnerID string

// Agent is a simulated actor with a box balance and owned assets.
// Balances are integer box units; there is no fractional money anywhere.
type Agent struct {
	ID        AgentID   `json:"id"`
	OwnerID   OwnerID   `json:"owner_id,omitempty"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Running P&L counters feed the leaderboard, not settlement
	IntelPnL     int64 `json:"intel_pnl"`
	WatchlistPnL int64 `json:"watchlist_pnl"`
}

// IsNPC reports whether the agent is a preset NPC with no owner
func (a *Agent) IsNPC() bool {
	return a.OwnerID == ""
}

// -----------------------------------------------------------------------------
// ASSET - Intel reports and watchlists
// -----------------------------------------------------------------------------

// AssetID is a type-safe identifier for assets
type AssetID string

// AssetKind distinguishes the two tradable asset families
type AssetKind string

const (
	AssetIntel     AssetKind = "intel"
	AssetWatchlist AssetKind = "watchlist"
)

// Valid reports whether k is a known asset kind
func (k AssetKind) Valid() bool {
	return k == AssetIntel || k == AssetWatchlist
}

// Asset is a unit of value owned by one agent.
// Sold assets are never moved: the original is disabled and a clone is minted for the buyer.
type Asset struct {
	ID         AssetID   `json:"id"`
	AgentID    AgentID   `json:"agent_id"`
	Kind       AssetKind `json:"kind"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	IsTradable bool      `json:"is_tradable"`
	Price      int64     `json:"price"`
	CreatedAt  time.Time `json:"created_at"`

	// Provenance, set on clones only
	SourceAgentID   AgentID `json:"source_agent_id,omitempty"`
	PricePaid       int64   `json:"price_paid,omitempty"`
	OriginalAssetID AssetID `json:"original_asset_id,omitempty"`
}

// -----------------------------------------------------------------------------
// OFFER - A proposed trade
// -----------------------------------------------------------------------------

// OfferID is a type-safe identifier for offers
type OfferID string

// OfferStatus is the lifecycle state of an offer
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

// Offer is a proposal from a seller to sell one asset to a buyer
type Offer struct {
	ID         OfferID     `json:"id"`
	SellerID   AgentID     `json:"seller_id"`
	BuyerID    AgentID     `json:"buyer_id"`
	Kind       AssetKind   `json:"kind"`
	AssetID    AssetID     `json:"asset_id"`
	Price      int64       `json:"price"`
	Status     OfferStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	RoomID     string      `json:"room_id,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// -----------------------------------------------------------------------------
// TRADE RECORD - Immutable receipt of a settled trade
// -----------------------------------------------------------------------------

// TradeRecord is an append-only receipt. Records are hash-chained in the ledger.
type TradeRecord struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	OfferID   OfferID   `json:"offer_id"`
	From      AgentID   `json:"from"`
	To        AgentID   `json:"to"`
	Kind      AssetKind `json:"kind"`
	AssetID   AssetID   `json:"asset_id"`
	Price     int64     `json:"price"`
	RoomID    string    `json:"room_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// -----------------------------------------------------------------------------
// OWNER - A human who owns agents and may bring an API key
// -----------------------------------------------------------------------------

// Owner is a persisted user record. The API key is sealed at rest.
type Owner struct {
	ID        OwnerID   `json:"id"`
	Name      string    `json:"name"`
	HasKey    bool      `json:"has_key"`
	CreatedAt time.Time `json:"created_at"`
}

// -----------------------------------------------------------------------------
// BET - A stake on a prediction market outcome
// -----------------------------------------------------------------------------

// BetID is a type-safe identifier for bets
type BetID string

// BetStatus is the lifecycle state of a bet
type BetStatus string

const (
	BetOpen BetStatus = "open"
	BetWon  BetStatus = "won"
	BetLost BetStatus = "lost"
)

// Bet is an agent's stake on one outcome of a market.
// Odds is the payout multiplier in basis points (20000 = 2x).
type Bet struct {
	ID         BetID      `json:"id"`
	AgentID    AgentID    `json:"agent_id"`
	MarketID   string     `json:"market_id"`
	Outcome    string     `json:"outcome"`
	Stake      int64      `json:"stake"`
	OddsBps    int64      `json:"odds_bps"`
	Status     BetStatus  `json:"status"`
	Payout     int64      `json:"payout"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// PayoutFor returns the amount credited when the bet wins
func (b *Bet) PayoutFor() int64 {
	return b.Stake * b.OddsBps / 10000
}

// -----------------------------------------------------------------------------
// LEADERBOARD
// -----------------------------------------------------------------------------

// Standing is one row of the leaderboard
type Standing struct {
	Rank     int     `json:"rank"`
	AgentID  AgentID `json:"agent_id"`
	Name     string  `json:"name"`
	Balance  int64   `json:"balance"`
	IntelPnL int64   `json:"intel_pnl"`
	Score    int64   `json:"score"`
}
