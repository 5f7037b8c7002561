package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quantscafe/quantscafe/internal/core"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// Every pooled connection would get its own :memory: database
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE trades (
			seq        INTEGER NOT NULL UNIQUE,
			id         TEXT PRIMARY KEY,
			offer_id   TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			asset_id   TEXT NOT NULL,
			price      INTEGER NOT NULL,
			room_id    TEXT NOT NULL DEFAULT '',
			timestamp  INTEGER NOT NULL,
			prev_hash  TEXT NOT NULL,
			hash       TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create trades table: %v", err)
	}

	return db
}

func trade(from, to string, kind core.AssetKind, price int64) *core.TradeRecord {
	return &core.TradeRecord{
		OfferID: core.OfferID("offer-" + from + "-" + to),
		From:    core.AgentID(from),
		To:      core.AgentID(to),
		Kind:    kind,
		AssetID: core.AssetID("clone-" + to),
		Price:   price,
		RoomID:  "lobby",
	}
}

func TestStore_Append(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	first := trade("alice", "bob", core.AssetIntel, 30)
	if err := store.Append(ctx, first); err != nil {
		t.Fatalf("Failed to append first record: %v", err)
	}

	if first.PrevHash != Genesis {
		t.Errorf("First record should have genesis prev_hash, got %s", first.PrevHash)
	}
	if first.Seq != 1 {
		t.Errorf("First record seq = %d, want 1", first.Seq)
	}
	if first.Hash == "" || first.ID == "" {
		t.Error("Record hash and ID should be set")
	}

	second := trade("bob", "carol", core.AssetWatchlist, 12)
	if err := store.Append(ctx, second); err != nil {
		t.Fatalf("Failed to append second record: %v", err)
	}
	if second.PrevHash != first.Hash {
		t.Error("Second record prev_hash should match first record hash")
	}
	if second.Seq != 2 {
		t.Errorf("Second record seq = %d, want 2", second.Seq)
	}

	seq, hash, err := store.Head(ctx)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if seq != 2 || hash != second.Hash {
		t.Errorf("Head = %d/%s, want 2/%s", seq, hash, second.Hash)
	}
}

func TestStore_AppendTx_Rollback(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	if err := store.AppendTx(ctx, tx, trade("a", "b", core.AssetIntel, 1)); err != nil {
		t.Fatalf("AppendTx failed: %v", err)
	}
	tx.Rollback()

	count, _ := store.Count(ctx)
	if count != 0 {
		t.Errorf("Expected 0 records after rollback, got %d", count)
	}

	// The next append still starts the chain from genesis
	rec := trade("a", "b", core.AssetIntel, 1)
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if rec.Seq != 1 || rec.PrevHash != Genesis {
		t.Errorf("record after rollback = seq %d prev %s", rec.Seq, rec.PrevHash)
	}
}

func TestStore_VerifyChain_Valid(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.Append(ctx, trade(fmt.Sprintf("s%d", i), fmt.Sprintf("b%d", i), core.AssetIntel, int64(i+1))); err != nil {
			t.Fatalf("Failed to append record %d: %v", i, err)
		}
	}

	if err := store.VerifyChain(ctx); err != nil {
		t.Errorf("Chain verification should pass: %v", err)
	}
}

func TestStore_VerifyChain_Empty(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	if err := NewStore(db).VerifyChain(context.Background()); err != nil {
		t.Errorf("Empty chain should verify: %v", err)
	}
}

func TestStore_VerifyChain_Tampering(t *testing.T) {
	tests := []struct {
		name     string
		tamper   string
		wantType string
	}{
		{"price rewritten", "UPDATE trades SET price = 999 WHERE seq = 2", "hash_mismatch"},
		{"hash rewritten", "UPDATE trades SET hash = 'tampered' WHERE seq = 2", "hash_mismatch"},
		{"link broken", "UPDATE trades SET prev_hash = 'broken' WHERE seq = 2", "chain_broken"},
		{"record removed", "DELETE FROM trades WHERE seq = 2", "sequence_gap"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			defer db.Close()

			store := NewStore(db)
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				store.Append(ctx, trade("alice", "bob", core.AssetIntel, 10))
			}

			if _, err := db.Exec(tt.tamper); err != nil {
				t.Fatalf("Failed to tamper: %v", err)
			}

			err := store.VerifyChain(ctx)
			if err == nil {
				t.Fatal("Chain verification should fail after tampering")
			}
			var chainErr *ChainError
			if !errors.As(err, &chainErr) {
				t.Fatalf("Expected ChainError, got %T", err)
			}
			if chainErr.Type != tt.wantType {
				t.Errorf("Expected %s, got %s", tt.wantType, chainErr.Type)
			}
		})
	}
}

func TestStore_Query(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	store.Append(ctx, trade("alice", "bob", core.AssetIntel, 10))
	store.Append(ctx, trade("bob", "carol", core.AssetWatchlist, 20))
	store.Append(ctx, trade("carol", "dave", core.AssetIntel, 30))
	store.Append(ctx, trade("alice", "dave", core.AssetIntel, 40))

	records, err := store.Query(ctx, QueryOptions{Agent: "bob"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 records touching bob, got %d", len(records))
	}

	records, _ = store.Query(ctx, QueryOptions{Kind: core.AssetIntel})
	if len(records) != 3 {
		t.Errorf("Expected 3 intel records, got %d", len(records))
	}

	records, _ = store.Query(ctx, QueryOptions{Limit: 2})
	if len(records) != 2 {
		t.Fatalf("Expected 2 records with limit, got %d", len(records))
	}
	if records[0].Seq != 4 || records[1].Seq != 3 {
		t.Errorf("Expected newest first, got seq %d, %d", records[0].Seq, records[1].Seq)
	}

	records, _ = store.Query(ctx, QueryOptions{Offset: 3})
	if len(records) != 1 || records[0].Seq != 1 {
		t.Errorf("Offset 3 should return the oldest record only, got %d records", len(records))
	}
}

func TestStore_Query_TimeRange(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	store.Append(ctx, trade("a", "b", core.AssetIntel, 1))
	time.Sleep(10 * time.Millisecond)
	midpoint := time.Now()
	time.Sleep(10 * time.Millisecond)
	store.Append(ctx, trade("c", "d", core.AssetIntel, 1))

	records, err := store.Query(ctx, QueryOptions{Since: midpoint})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Expected 1 record since midpoint, got %d", len(records))
	}

	records, _ = store.Query(ctx, QueryOptions{Until: midpoint})
	if len(records) != 1 {
		t.Errorf("Expected 1 record until midpoint, got %d", len(records))
	}
}

func TestStore_GetByID(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	rec := trade("alice", "bob", core.AssetIntel, 30)
	store.Append(ctx, rec)

	got, err := store.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Hash != rec.Hash || got.Price != 30 || !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("GetByID = %+v, want %+v", got, rec)
	}

	byOffer, err := store.GetByOffer(ctx, rec.OfferID)
	if err != nil || byOffer.ID != rec.ID {
		t.Errorf("GetByOffer = %v, %v", byOffer, err)
	}

	if _, err := store.GetByID(ctx, "non-existent"); !errors.Is(err, core.ErrRecordNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrRecordNotFound", err)
	}
}

func TestStore_GetSummary(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	store.Append(ctx, trade("alice", "bob", core.AssetIntel, 10))
	store.Append(ctx, trade("bob", "carol", core.AssetWatchlist, 20))
	store.Append(ctx, trade("carol", "dave", core.AssetIntel, 30))

	summary, err := store.GetSummary(ctx)
	if err != nil {
		t.Fatalf("GetSummary failed: %v", err)
	}
	if summary.TotalTrades != 3 || summary.Volume != 60 {
		t.Errorf("summary = %d trades / %d volume, want 3 / 60", summary.TotalTrades, summary.Volume)
	}
	if !summary.ChainValid {
		t.Errorf("Chain should be valid, error: %s", summary.ChainError)
	}
	if summary.ByKind[core.AssetIntel] != 2 || summary.ByKind[core.AssetWatchlist] != 1 {
		t.Errorf("ByKind = %v", summary.ByKind)
	}
	if summary.FirstTrade == nil || summary.LastTrade == nil || summary.LastTrade.Before(*summary.FirstTrade) {
		t.Errorf("trade time range = %v .. %v", summary.FirstTrade, summary.LastTrade)
	}

	db.Exec("UPDATE trades SET price = 1 WHERE seq = 1")
	summary, _ = store.GetSummary(ctx)
	if summary.ChainValid || summary.ChainError == "" {
		t.Error("Summary should report a broken chain after tampering")
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	rec := &core.TradeRecord{
		Seq:       7,
		ID:        "test-id",
		OfferID:   "offer-1",
		From:      "alice",
		To:        "bob",
		Kind:      core.AssetIntel,
		AssetID:   "asset-1",
		Price:     30,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		PrevHash:  "prev-hash-value",
	}

	hash1 := computeHash(rec)
	if hash1 != computeHash(rec) {
		t.Error("Hash should be deterministic")
	}

	// Same instant in another zone hashes the same
	moved := *rec
	moved.Timestamp = rec.Timestamp.In(time.FixedZone("X", 3600))
	if computeHash(&moved) != hash1 {
		t.Error("Hash should not depend on the timestamp's location")
	}

	rec.Price = 31
	if computeHash(rec) == hash1 {
		t.Error("Hash should change when record changes")
	}
}
