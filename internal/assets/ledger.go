// Package assets holds agent balances and the intel and watchlists they own.
//
// Balance and asset mutations take an open *sql.Tx: they are only ever applied as
// part of a larger atomic unit (a trade, a bet) and never on their own.
package assets

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/storage"
)

// Ledger is the asset ledger: balances, P&L counters and owned assets per agent.
type Ledger struct {
	db *storage.DB
}

// New creates an asset ledger on top of db
func New(db *storage.DB) *Ledger {
	return &Ledger{db: db}
}

// =============================================================================
// Agents
// =============================================================================

const agentColumns = `id, owner_id, name, balance, intel_pnl, watchlist_pnl, created_at, updated_at`

// CreateAgent inserts a new agent with its starting balance
func (l *Ledger) CreateAgent(ctx context.Context, agent *core.Agent) error {
	if agent.Name == "" {
		return fmt.Errorf("%w: agent name", core.ErrMissingRequired)
	}
	if agent.Balance < 0 {
		return fmt.Errorf("%w: starting balance %d", core.ErrInvalidInput, agent.Balance)
	}
	if agent.ID == "" {
		agent.ID = core.AgentID(uuid.New().String())
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	agent.IntelPnL = 0
	agent.WatchlistPnL = 0

	_, err := l.db.Conn().ExecContext(ctx, `
		INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, 0, 0, ?, ?)
	`, agent.ID, nullString(string(agent.OwnerID)), agent.Name, agent.Balance, now, now)
	return storage.Wrap("insert agent", err)
}

// Agent returns an agent by ID
func (l *Ledger) Agent(ctx context.Context, id core.AgentID) (*core.Agent, error) {
	return getAgent(ctx, l.db.Conn(), id)
}

// AgentTx returns an agent by ID inside a transaction
func (l *Ledger) AgentTx(ctx context.Context, tx *sql.Tx, id core.AgentID) (*core.Agent, error) {
	return getAgent(ctx, tx, id)
}

func getAgent(ctx context.Context, q storage.Querier, id core.AgentID) (*core.Agent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if storage.IsNoRows(err) {
		return nil, core.ErrAgentNotFound
	}
	if err != nil {
		return nil, storage.Wrap("query agent", err)
	}
	return agent, nil
}

// Agents returns all agents ordered by name
func (l *Ledger) Agents(ctx context.Context) ([]*core.Agent, error) {
	rows, err := l.db.Conn().QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name, id`)
	if err != nil {
		return nil, storage.Wrap("query agents", err)
	}
	defer rows.Close()

	var agents []*core.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, storage.Wrap("scan agent", err)
		}
		agents = append(agents, agent)
	}
	return agents, storage.Wrap("iterate agents", rows.Err())
}

// Balance returns an agent's box balance
func (l *Ledger) Balance(ctx context.Context, id core.AgentID) (int64, error) {
	var balance int64
	err := l.db.Conn().QueryRowContext(ctx, `SELECT balance FROM agents WHERE id = ?`, id).Scan(&balance)
	if storage.IsNoRows(err) {
		return 0, core.ErrAgentNotFound
	}
	if err != nil {
		return 0, storage.Wrap("query balance", err)
	}
	return balance, nil
}

// AdjustBalance adds delta to an agent's balance and returns the new balance.
// A change that would leave the balance below zero is refused with ErrInsufficientFunds
// and nothing is written.
func (l *Ledger) AdjustBalance(ctx context.Context, tx *sql.Tx, id core.AgentID, delta int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE agents SET balance = balance + ?, updated_at = ?
		WHERE id = ? AND balance + ? >= 0
	`, delta, time.Now().UTC(), id, delta)
	if err != nil {
		return 0, storage.Wrap("adjust balance", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storage.Wrap("adjust balance", err)
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM agents WHERE id = ?`, id).Scan(&balance)
	if storage.IsNoRows(err) {
		return 0, core.ErrAgentNotFound
	}
	if err != nil {
		return 0, storage.Wrap("query balance", err)
	}
	if n == 0 {
		return balance, fmt.Errorf("%w: balance %d, change %d", core.ErrInsufficientFunds, balance, delta)
	}
	return balance, nil
}

// AdjustPnL moves the running P&L counter for the given asset kind
func (l *Ledger) AdjustPnL(ctx context.Context, tx *sql.Tx, id core.AgentID, kind core.AssetKind, delta int64) error {
	var column string
	switch kind {
	case core.AssetIntel:
		column = "intel_pnl"
	case core.AssetWatchlist:
		column = "watchlist_pnl"
	default:
		return fmt.Errorf("%w: asset kind %q", core.ErrInvalidInput, kind)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET `+column+` = `+column+` + ?, updated_at = ? WHERE id = ?`,
		delta, time.Now().UTC(), id)
	if err != nil {
		return storage.Wrap("adjust pnl", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrAgentNotFound
	}
	return nil
}

// Leaderboard ranks agents by balance plus trading P&L
func (l *Ledger) Leaderboard(ctx context.Context, limit int) ([]core.Standing, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Conn().QueryContext(ctx, `
		SELECT id, name, balance, intel_pnl, balance + intel_pnl + watchlist_pnl AS score
		FROM agents
		ORDER BY score DESC, name ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, storage.Wrap("query leaderboard", err)
	}
	defer rows.Close()

	var standings []core.Standing
	for rows.Next() {
		var s core.Standing
		if err := rows.Scan(&s.AgentID, &s.Name, &s.Balance, &s.IntelPnL, &s.Score); err != nil {
			return nil, storage.Wrap("scan standing", err)
		}
		s.Rank = len(standings) + 1
		standings = append(standings, s)
	}
	return standings, storage.Wrap("iterate standings", rows.Err())
}

// =============================================================================
// Assets
// =============================================================================

const assetColumns = `id, agent_id, kind, title, content, is_tradable, price, created_at,
	source_agent_id, price_paid, original_asset_id`

// AddAsset inserts an asset inside a transaction, assigning an ID if none is set
func (l *Ledger) AddAsset(ctx context.Context, tx *sql.Tx, asset *core.Asset) error {
	if !asset.Kind.Valid() {
		return fmt.Errorf("%w: asset kind %q", core.ErrInvalidInput, asset.Kind)
	}
	if asset.ID == "" {
		asset.ID = core.AssetID(uuid.New().String())
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO assets (`+assetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		asset.ID, asset.AgentID, asset.Kind, asset.Title, asset.Content, asset.IsTradable,
		asset.Price, asset.CreatedAt, nullString(string(asset.SourceAgentID)), asset.PricePaid,
		nullString(string(asset.OriginalAssetID)),
	)
	return storage.Wrap("insert asset", err)
}

// DisableAsset clears the tradable flag. Disabling an already disabled asset is a no-op.
func (l *Ledger) DisableAsset(ctx context.Context, tx *sql.Tx, id core.AssetID) error {
	res, err := tx.ExecContext(ctx, `UPDATE assets SET is_tradable = 0 WHERE id = ?`, id)
	if err != nil {
		return storage.Wrap("disable asset", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrAssetNotFound
	}
	return nil
}

// MintAsset creates a fresh tradable asset for an agent outside of any trade
func (l *Ledger) MintAsset(ctx context.Context, asset *core.Asset) error {
	if asset.Price < 0 {
		return fmt.Errorf("%w: price %d", core.ErrInvalidInput, asset.Price)
	}
	asset.IsTradable = true
	asset.SourceAgentID = ""
	asset.PricePaid = 0
	asset.OriginalAssetID = ""

	return l.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := getAgent(ctx, tx, asset.AgentID); err != nil {
			return err
		}
		return l.AddAsset(ctx, tx, asset)
	})
}

// Asset returns an asset by ID
func (l *Ledger) Asset(ctx context.Context, id core.AssetID) (*core.Asset, error) {
	return getAsset(ctx, l.db.Conn(), id)
}

// AssetTx returns an asset by ID inside a transaction
func (l *Ledger) AssetTx(ctx context.Context, tx *sql.Tx, id core.AssetID) (*core.Asset, error) {
	return getAsset(ctx, tx, id)
}

func getAsset(ctx context.Context, q storage.Querier, id core.AssetID) (*core.Asset, error) {
	row := q.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	asset, err := scanAsset(row)
	if storage.IsNoRows(err) {
		return nil, core.ErrAssetNotFound
	}
	if err != nil {
		return nil, storage.Wrap("query asset", err)
	}
	return asset, nil
}

// Assets returns an agent's assets, newest first. An empty kind returns both kinds.
func (l *Ledger) Assets(ctx context.Context, agentID core.AgentID, kind core.AssetKind) ([]*core.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE agent_id = ?`
	args := []interface{}{agentID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := l.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Wrap("query assets", err)
	}
	defer rows.Close()

	var assets []*core.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, storage.Wrap("scan asset", err)
		}
		assets = append(assets, asset)
	}
	return assets, storage.Wrap("iterate assets", rows.Err())
}

// TradableAssets returns an agent's assets that can currently be offered
func (l *Ledger) TradableAssets(ctx context.Context, agentID core.AgentID) ([]*core.Asset, error) {
	all, err := l.Assets(ctx, agentID, "")
	if err != nil {
		return nil, err
	}
	tradable := all[:0]
	for _, a := range all {
		if a.IsTradable {
			tradable = append(tradable, a)
		}
	}
	return tradable, nil
}

// =============================================================================
// Helpers
// =============================================================================

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scanner) (*core.Agent, error) {
	agent := &core.Agent{}
	var ownerID sql.NullString
	err := row.Scan(
		&agent.ID, &ownerID, &agent.Name, &agent.Balance, &agent.IntelPnL, &agent.WatchlistPnL,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	agent.OwnerID = core.OwnerID(ownerID.String)
	return agent, nil
}

func scanAsset(row scanner) (*core.Asset, error) {
	asset := &core.Asset{}
	var source, original sql.NullString
	err := row.Scan(
		&asset.ID, &asset.AgentID, &asset.Kind, &asset.Title, &asset.Content, &asset.IsTradable,
		&asset.Price, &asset.CreatedAt, &source, &asset.PricePaid, &original,
	)
	if err != nil {
		return nil, err
	}
	asset.SourceAgentID = core.AgentID(source.String)
	asset.OriginalAssetID = core.AssetID(original.String)
	return asset, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
