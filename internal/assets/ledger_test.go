package assets

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/storage"
	"github.com/quantscafe/quantscafe/internal/testutil"
)

func setup(t *testing.T) (*Ledger, *storage.DB) {
	t.Helper()
	db := testutil.TestDB(t)
	return New(db), db
}

func TestCreateAgent(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	agent := &core.Agent{Name: "Vega", OwnerID: "owner-1", Balance: 250}
	if err := l.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	if agent.ID == "" {
		t.Fatal("CreateAgent() should assign an ID")
	}

	got, err := l.Agent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Agent() error = %v", err)
	}
	if got.Name != "Vega" || got.Balance != 250 || got.OwnerID != "owner-1" {
		t.Errorf("Agent() = %+v", got)
	}
	if got.IsNPC() {
		t.Error("owned agent should not be an NPC")
	}

	npc := &core.Agent{Name: "Barista"}
	if err := l.CreateAgent(ctx, npc); err != nil {
		t.Fatalf("CreateAgent(npc) error = %v", err)
	}
	got, _ = l.Agent(ctx, npc.ID)
	if !got.IsNPC() {
		t.Error("agent without owner should be an NPC")
	}
}

func TestCreateAgent_Invalid(t *testing.T) {
	l, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		agent *core.Agent
		want  error
	}{
		{"missing name", &core.Agent{Balance: 10}, core.ErrMissingRequired},
		{"negative balance", &core.Agent{Name: "x", Balance: -1}, core.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := l.CreateAgent(ctx, tt.agent); !errors.Is(err, tt.want) {
				t.Errorf("CreateAgent() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBalance_Missing(t *testing.T) {
	l, _ := setup(t)
	if _, err := l.Balance(context.Background(), "ghost"); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("Balance() error = %v, want ErrAgentNotFound", err)
	}
}

func TestAdjustBalance(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()
	id := testutil.SeedAgent(t, db, testutil.AgentFixture{Balance: 50})

	tests := []struct {
		name    string
		delta   int64
		want    int64
		wantErr error
	}{
		{"credit", 25, 75, nil},
		{"debit to zero", -75, 0, nil},
		{"overdraw refused", -1, 0, core.ErrInsufficientFunds},
		{"credit again", 10, 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got int64
			err := db.Transaction(ctx, func(tx *sql.Tx) error {
				var err error
				got, err = l.AdjustBalance(ctx, tx, id, tt.delta)
				return err
			})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AdjustBalance() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("AdjustBalance() = %d, want %d", got, tt.want)
			}
			if b := testutil.BalanceOf(t, db, id); b != tt.want {
				t.Errorf("stored balance = %d, want %d", b, tt.want)
			}
		})
	}
}

func TestAdjustBalance_MissingAgent(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := l.AdjustBalance(ctx, tx, "ghost", 5)
		return err
	})
	if !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("AdjustBalance() error = %v, want ErrAgentNotFound", err)
	}
}

func TestAdjustPnL(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()
	id := testutil.SeedAgent(t, db, testutil.AgentFixture{Balance: 10})

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := l.AdjustPnL(ctx, tx, id, core.AssetIntel, 30); err != nil {
			return err
		}
		return l.AdjustPnL(ctx, tx, id, core.AssetWatchlist, -12)
	})
	if err != nil {
		t.Fatalf("AdjustPnL() error = %v", err)
	}

	agent, _ := l.Agent(ctx, id)
	if agent.IntelPnL != 30 || agent.WatchlistPnL != -12 {
		t.Errorf("pnl = %d/%d, want 30/-12", agent.IntelPnL, agent.WatchlistPnL)
	}

	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		return l.AdjustPnL(ctx, tx, id, "bogus", 1)
	})
	if !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("AdjustPnL(bogus) error = %v, want ErrInvalidInput", err)
	}
}

func TestDisableAsset_Idempotent(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()
	owner := testutil.SeedAgent(t, db, testutil.DefaultAgentFixture())
	assetID := testutil.SeedAsset(t, db, testutil.DefaultIntelFixture(owner))

	disable := func() error {
		return db.Transaction(ctx, func(tx *sql.Tx) error {
			return l.DisableAsset(ctx, tx, assetID)
		})
	}

	if err := disable(); err != nil {
		t.Fatalf("first DisableAsset() error = %v", err)
	}
	once, _ := l.Asset(ctx, assetID)

	if err := disable(); err != nil {
		t.Fatalf("second DisableAsset() error = %v", err)
	}
	twice, _ := l.Asset(ctx, assetID)

	if once.IsTradable || twice.IsTradable {
		t.Error("asset should be disabled")
	}
	if *once != *twice {
		t.Errorf("state after two disables differs from one:\n%+v\n%+v", once, twice)
	}

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		return l.DisableAsset(ctx, tx, "ghost")
	})
	if !errors.Is(err, core.ErrAssetNotFound) {
		t.Errorf("DisableAsset(ghost) error = %v, want ErrAssetNotFound", err)
	}
}

func TestMintAsset(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()
	owner := testutil.SeedAgent(t, db, testutil.DefaultAgentFixture())

	asset := &core.Asset{AgentID: owner, Kind: core.AssetWatchlist, Title: "AI tokens", Price: 15}
	if err := l.MintAsset(ctx, asset); err != nil {
		t.Fatalf("MintAsset() error = %v", err)
	}
	got, err := l.Asset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("Asset() error = %v", err)
	}
	if !got.IsTradable || got.Kind != core.AssetWatchlist || got.SourceAgentID != "" {
		t.Errorf("minted asset = %+v", got)
	}

	if err := l.MintAsset(ctx, &core.Asset{AgentID: "ghost", Kind: core.AssetIntel}); !errors.Is(err, core.ErrAgentNotFound) {
		t.Errorf("MintAsset(ghost) error = %v, want ErrAgentNotFound", err)
	}
	if err := l.MintAsset(ctx, &core.Asset{AgentID: owner, Kind: "nft"}); !errors.Is(err, core.ErrInvalidInput) {
		t.Errorf("MintAsset(bad kind) error = %v, want ErrInvalidInput", err)
	}
}

func TestAssets_FilterAndTradable(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()
	owner := testutil.SeedAgent(t, db, testutil.DefaultAgentFixture())

	testutil.SeedAsset(t, db, testutil.DefaultIntelFixture(owner))
	disabled := testutil.DefaultIntelFixture(owner)
	disabled.IsTradable = false
	testutil.SeedAsset(t, db, disabled)
	testutil.SeedAsset(t, db, testutil.AssetFixture{AgentID: owner, Kind: core.AssetWatchlist, IsTradable: true})

	all, err := l.Assets(ctx, owner, "")
	if err != nil {
		t.Fatalf("Assets() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all assets = %d, want 3", len(all))
	}

	intel, _ := l.Assets(ctx, owner, core.AssetIntel)
	if len(intel) != 2 {
		t.Errorf("intel = %d, want 2", len(intel))
	}

	tradable, _ := l.TradableAssets(ctx, owner)
	if len(tradable) != 2 {
		t.Errorf("tradable = %d, want 2", len(tradable))
	}
}

func TestLeaderboard(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()

	low := testutil.SeedAgent(t, db, testutil.AgentFixture{Name: "low", Balance: 10})
	high := testutil.SeedAgent(t, db, testutil.AgentFixture{Name: "high", Balance: 100})
	mid := testutil.SeedAgent(t, db, testutil.AgentFixture{Name: "mid", Balance: 40})

	db.Transaction(ctx, func(tx *sql.Tx) error {
		return l.AdjustPnL(ctx, tx, mid, core.AssetIntel, 20)
	})

	board, err := l.Leaderboard(ctx, 0)
	if err != nil {
		t.Fatalf("Leaderboard() error = %v", err)
	}
	if len(board) != 3 {
		t.Fatalf("Leaderboard() = %d rows, want 3", len(board))
	}
	want := []core.AgentID{high, mid, low}
	for i, s := range board {
		if s.AgentID != want[i] || s.Rank != i+1 {
			t.Errorf("rank %d = %s (rank %d), want %s", i+1, s.AgentID, s.Rank, want[i])
		}
	}
	if board[1].Score != 60 {
		t.Errorf("mid score = %d, want 60", board[1].Score)
	}
}
