package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/quantscafe/quantscafe/internal/core"
)

// BetStore handles prediction market bet persistence
type BetStore struct {
	db *DB
}

// NewBetStore creates a new bet store
func NewBetStore(db *DB) *BetStore {
	return &BetStore{db: db}
}

const betColumns = `id, agent_id, market_id, outcome, stake, odds_bps, status, payout, created_at, resolved_at`

// CreateTx inserts an open bet. The stake debit happens in the same transaction.
func (s *BetStore) CreateTx(ctx context.Context, tx *sql.Tx, bet *core.Bet) error {
	if bet.ID == "" {
		bet.ID = core.BetID(uuid.New().String())
	}
	bet.Status = core.BetOpen
	bet.Payout = 0
	bet.CreatedAt = time.Now().UTC()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO bets (`+betColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		bet.ID, bet.AgentID, bet.MarketID, bet.Outcome, bet.Stake, bet.OddsBps,
		bet.Status, bet.Payout, bet.CreatedAt, nil,
	)
	return Wrap("insert bet", err)
}

// Get returns a bet by ID
func (s *BetStore) Get(ctx context.Context, id core.BetID) (*core.Bet, error) {
	bet, err := scanBet(s.db.conn.QueryRowContext(ctx, `SELECT `+betColumns+` FROM bets WHERE id = ?`, id))
	if IsNoRows(err) {
		return nil, core.ErrBetNotFound
	}
	if err != nil {
		return nil, Wrap("query bet", err)
	}
	return bet, nil
}

// ListOpen returns open bets, oldest first
func (s *BetStore) ListOpen(ctx context.Context, limit int) ([]*core.Bet, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+betColumns+` FROM bets WHERE status = ? ORDER BY created_at ASC LIMIT ?
	`, core.BetOpen, limit)
	if err != nil {
		return nil, Wrap("query open bets", err)
	}
	return collectBets(rows)
}

// ListByAgent returns an agent's bets, newest first
func (s *BetStore) ListByAgent(ctx context.Context, agentID core.AgentID, limit int) ([]*core.Bet, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+betColumns+` FROM bets WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, Wrap("query agent bets", err)
	}
	return collectBets(rows)
}

// ResolveTx settles an open bet. It reports false if the bet was already settled.
func (s *BetStore) ResolveTx(ctx context.Context, tx *sql.Tx, id core.BetID, status core.BetStatus, payout int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE bets SET status = ?, payout = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, status, payout, time.Now().UTC(), id, core.BetOpen)
	if err != nil {
		return false, Wrap("resolve bet", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Wrap("resolve bet", err)
	}
	return n == 1, nil
}

func scanBet(row rowScanner) (*core.Bet, error) {
	bet := &core.Bet{}
	var resolvedAt sql.NullTime
	err := row.Scan(
		&bet.ID, &bet.AgentID, &bet.MarketID, &bet.Outcome, &bet.Stake, &bet.OddsBps,
		&bet.Status, &bet.Payout, &bet.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		bet.ResolvedAt = &t
	}
	return bet, nil
}

func collectBets(rows *sql.Rows) ([]*core.Bet, error) {
	defer rows.Close()

	var bets []*core.Bet
	for rows.Next() {
		bet, err := scanBet(rows)
		if err != nil {
			return nil, Wrap("scan bet", err)
		}
		bets = append(bets, bet)
	}
	return bets, Wrap("iterate bets", rows.Err())
}
