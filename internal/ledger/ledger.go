// Package ledger provides the append-only trade ledger.
// Every trade record is hash-chained to the previous one, making any tampering detectable.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantscafe/quantscafe/internal/core"
)

// Genesis is the prev_hash of the first record in the chain
const Genesis = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// Store manages the append-only trade ledger
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new ledger store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const tradeColumns = `seq, id, offer_id, from_agent, to_agent, kind, asset_id, price, room_id, timestamp, prev_hash, hash`

// Append adds a record in its own transaction
func (s *Store) Append(ctx context.Context, rec *core.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin ledger append: %v", core.ErrStorage, err)
	}
	if err := s.AppendTx(ctx, tx, rec); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit ledger append: %v", core.ErrStorage, err)
	}
	return nil
}

// AppendTx chains rec onto the current head inside tx. Seq, PrevHash and Hash are
// always computed here; ID and Timestamp are filled in when unset.
// This is the ONLY way records enter the ledger.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, rec *core.TradeRecord) error {
	seq, prevHash, err := head(ctx, tx)
	if err != nil {
		return fmt.Errorf("%w: read ledger head: %v", core.ErrStorage, err)
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Seq = seq + 1
	rec.PrevHash = prevHash
	rec.Hash = computeHash(rec)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Seq, rec.ID, rec.OfferID, rec.From, rec.To, rec.Kind, rec.AssetID, rec.Price,
		rec.RoomID, rec.Timestamp.UnixNano(), rec.PrevHash, rec.Hash,
	)
	if err != nil {
		return fmt.Errorf("%w: insert trade record: %v", core.ErrStorage, err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// head returns the sequence number and hash of the newest record
func head(ctx context.Context, q queryRower) (int64, string, error) {
	var seq int64
	var hash string
	err := q.QueryRowContext(ctx, `SELECT seq, hash FROM trades ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, Genesis, nil
	}
	if err != nil {
		return 0, "", err
	}
	return seq, hash, nil
}

// Head returns the sequence number and hash of the newest record
func (s *Store) Head(ctx context.Context) (int64, string, error) {
	return head(ctx, s.db)
}

// computeHash creates the SHA-256 hash of a record's canonical representation
func computeHash(rec *core.TradeRecord) string {
	canonical := struct {
		Seq       int64  `json:"seq"`
		ID        string `json:"id"`
		OfferID   string `json:"offer_id"`
		From      string `json:"from"`
		To        string `json:"to"`
		Kind      string `json:"kind"`
		AssetID   string `json:"asset_id"`
		Price     int64  `json:"price"`
		RoomID    string `json:"room_id"`
		Timestamp int64  `json:"timestamp"`
		PrevHash  string `json:"prev_hash"`
	}{
		Seq:       rec.Seq,
		ID:        rec.ID,
		OfferID:   string(rec.OfferID),
		From:      string(rec.From),
		To:        string(rec.To),
		Kind:      string(rec.Kind),
		AssetID:   string(rec.AssetID),
		Price:     rec.Price,
		RoomID:    rec.RoomID,
		Timestamp: rec.Timestamp.UnixNano(),
		PrevHash:  rec.PrevHash,
	}

	data, _ := json.Marshal(canonical)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChain verifies the integrity of the entire ledger chain.
// Returns nil if valid, or a *ChainError describing the first broken link.
func (s *Store) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tradeColumns+` FROM trades ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("%w: query ledger: %v", core.ErrStorage, err)
	}
	defer rows.Close()

	expectedPrevHash := Genesis
	var expectedSeq int64 = 1

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("%w: scan record %d: %v", core.ErrStorage, expectedSeq, err)
		}

		if rec.Seq != expectedSeq {
			return &ChainError{
				Seq:      rec.Seq,
				RecordID: rec.ID,
				Expected: fmt.Sprintf("seq %d", expectedSeq),
				Actual:   fmt.Sprintf("seq %d", rec.Seq),
				Type:     "sequence_gap",
			}
		}

		if rec.PrevHash != expectedPrevHash {
			return &ChainError{
				Seq:      rec.Seq,
				RecordID: rec.ID,
				Expected: expectedPrevHash,
				Actual:   rec.PrevHash,
				Type:     "chain_broken",
			}
		}

		if want := computeHash(rec); rec.Hash != want {
			return &ChainError{
				Seq:      rec.Seq,
				RecordID: rec.ID,
				Expected: want,
				Actual:   rec.Hash,
				Type:     "hash_mismatch",
			}
		}

		expectedPrevHash = rec.Hash
		expectedSeq++
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate ledger: %v", core.ErrStorage, err)
	}
	return nil
}

// ChainError represents a broken chain error
type ChainError struct {
	Seq      int64
	RecordID string
	Expected string
	Actual   string
	Type     string // "sequence_gap", "chain_broken" or "hash_mismatch"
}

func (e *ChainError) Error() string {
	switch e.Type {
	case "chain_broken":
		return fmt.Sprintf("chain broken at record %d (ID: %s): expected prev_hash %s, got %s",
			e.Seq, e.RecordID, short(e.Expected), short(e.Actual))
	case "sequence_gap":
		return fmt.Sprintf("sequence gap at record %s: expected %s, got %s", e.RecordID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("hash mismatch at record %d (ID: %s): expected %s, got %s",
		e.Seq, e.RecordID, short(e.Expected), short(e.Actual))
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}

// QueryOptions filters listed records
type QueryOptions struct {
	Agent  core.AgentID   // Either side of the trade
	Kind   core.AssetKind // intel or watchlist
	Since  time.Time      // Records at or after this time
	Until  time.Time      // Records at or before this time
	Limit  int            // Maximum records to return
	Offset int            // Skip first N records
}

// Query returns records matching the given criteria, newest first
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]*core.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE 1=1`
	var args []interface{}

	if opts.Agent != "" {
		query += " AND (from_agent = ? OR to_agent = ?)"
		args = append(args, opts.Agent, opts.Agent)
	}
	if opts.Kind != "" {
		query += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.Until.UnixNano())
	}

	query += " ORDER BY seq DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query ledger: %v", core.ErrStorage, err)
	}
	defer rows.Close()

	var records []*core.TradeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", core.ErrStorage, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetByID returns a single record by ID
func (s *Store) GetByID(ctx context.Context, id string) (*core.TradeRecord, error) {
	return s.getOne(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
}

// GetByOffer returns the record produced by settling an offer
func (s *Store) GetByOffer(ctx context.Context, offerID core.OfferID) (*core.TradeRecord, error) {
	return s.getOne(ctx, `SELECT `+tradeColumns+` FROM trades WHERE offer_id = ?`, offerID)
}

func (s *Store) getOne(ctx context.Context, query string, arg interface{}) (*core.TradeRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query record: %v", core.ErrStorage, err)
	}
	return rec, nil
}

// GetRecent returns the most recent records
func (s *Store) GetRecent(ctx context.Context, limit int) ([]*core.TradeRecord, error) {
	return s.Query(ctx, QueryOptions{Limit: limit})
}

// Count returns the total number of records in the ledger
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trades").Scan(&count)
	return count, err
}

// Summary statistics
type Summary struct {
	TotalTrades int                    `json:"total_trades"`
	Volume      int64                  `json:"volume"`
	FirstTrade  *time.Time             `json:"first_trade,omitempty"`
	LastTrade   *time.Time             `json:"last_trade,omitempty"`
	ByKind      map[core.AssetKind]int `json:"by_kind"`
	ChainValid  bool                   `json:"chain_valid"`
	ChainError  string                 `json:"chain_error,omitempty"`
}

// GetSummary returns statistics about the ledger
func (s *Store) GetSummary(ctx context.Context) (*Summary, error) {
	summary := &Summary{ByKind: make(map[core.AssetKind]int)}

	var first, last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(price), 0), MIN(timestamp), MAX(timestamp) FROM trades
	`).Scan(&summary.TotalTrades, &summary.Volume, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("%w: summarize ledger: %v", core.ErrStorage, err)
	}
	if first.Valid {
		t := time.Unix(0, first.Int64).UTC()
		summary.FirstTrade = &t
	}
	if last.Valid {
		t := time.Unix(0, last.Int64).UTC()
		summary.LastTrade = &t
	}

	rows, err := s.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM trades GROUP BY kind")
	if err == nil {
		for rows.Next() {
			var kind core.AssetKind
			var count int
			rows.Scan(&kind, &count)
			summary.ByKind[kind] = count
		}
		// Released before VerifyChain, which needs the connection
		rows.Close()
	}

	if err := s.VerifyChain(ctx); err != nil {
		summary.ChainValid = false
		summary.ChainError = err.Error()
	} else {
		summary.ChainValid = true
	}

	return summary, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*core.TradeRecord, error) {
	rec := &core.TradeRecord{}
	var ts int64
	err := row.Scan(
		&rec.Seq, &rec.ID, &rec.OfferID, &rec.From, &rec.To, &rec.Kind, &rec.AssetID,
		&rec.Price, &rec.RoomID, &ts, &rec.PrevHash, &rec.Hash,
	)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	return rec, nil
}
