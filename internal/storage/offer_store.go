package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/quantscafe/quantscafe/internal/core"
)

// OfferStore handles offer persistence
type OfferStore struct {
	db *DB
}

// NewOfferStore creates a new offer store
func NewOfferStore(db *DB) *OfferStore {
	return &OfferStore{db: db}
}

const offerColumns = `id, seller_id, buyer_id, kind, asset_id, price, status, reason, room_id, created_at, resolved_at`

// Create inserts a new pending offer, assigning an ID if none is set
func (s *OfferStore) Create(ctx context.Context, offer *core.Offer) error {
	if offer.ID == "" {
		offer.ID = core.OfferID(uuid.New().String())
	}
	offer.Status = core.OfferPending
	offer.Reason = ""
	offer.ResolvedAt = nil
	offer.CreatedAt = time.Now().UTC()

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO offers (`+offerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		offer.ID, offer.SellerID, offer.BuyerID, offer.Kind, offer.AssetID,
		offer.Price, offer.Status, offer.Reason, offer.RoomID, offer.CreatedAt, nil,
	)
	return Wrap("insert offer", err)
}

// Get returns an offer by ID
func (s *OfferStore) Get(ctx context.Context, id core.OfferID) (*core.Offer, error) {
	return getOffer(ctx, s.db.conn, id)
}

// GetTx returns an offer by ID inside a transaction
func (s *OfferStore) GetTx(ctx context.Context, tx *sql.Tx, id core.OfferID) (*core.Offer, error) {
	return getOffer(ctx, tx, id)
}

func getOffer(ctx context.Context, q Querier, id core.OfferID) (*core.Offer, error) {
	row := q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = ?`, id)
	offer, err := scanOffer(row)
	if IsNoRows(err) {
		return nil, core.ErrOfferNotFound
	}
	if err != nil {
		return nil, Wrap("query offer", err)
	}
	return offer, nil
}

// ListByStatus returns offers in the given status, oldest first
func (s *OfferStore) ListByStatus(ctx context.Context, status core.OfferStatus, limit int) ([]*core.Offer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, Wrap("query offers", err)
	}
	return collectOffers(rows)
}

// ListPendingBefore returns pending offers created before cutoff
func (s *OfferStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*core.Offer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, core.OfferPending, cutoff.UTC(), limit)
	if err != nil {
		return nil, Wrap("query stale offers", err)
	}
	return collectOffers(rows)
}

// ListForAgent returns offers where the agent is buyer or seller, newest first
func (s *OfferStore) ListForAgent(ctx context.Context, agentID core.AgentID, limit int) ([]*core.Offer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.conn.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE seller_id = ? OR buyer_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, agentID, agentID, limit)
	if err != nil {
		return nil, Wrap("query agent offers", err)
	}
	return collectOffers(rows)
}

// Resolve moves a pending offer to a final status. It reports false when the offer
// was no longer pending, so two resolvers can never both win.
func (s *OfferStore) Resolve(ctx context.Context, q Querier, id core.OfferID, status core.OfferStatus, reason string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE offers SET status = ?, reason = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, status, reason, time.Now().UTC(), id, core.OfferPending)
	if err != nil {
		return false, Wrap("resolve offer", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Wrap("resolve offer", err)
	}
	return n == 1, nil
}

// CountByStatus returns the number of offers per status
func (s *OfferStore) CountByStatus(ctx context.Context) (map[core.OfferStatus]int, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM offers GROUP BY status`)
	if err != nil {
		return nil, Wrap("count offers", err)
	}
	defer rows.Close()

	counts := make(map[core.OfferStatus]int)
	for rows.Next() {
		var status core.OfferStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, Wrap("scan offer count", err)
		}
		counts[status] = n
	}
	return counts, Wrap("iterate offer counts", rows.Err())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(row rowScanner) (*core.Offer, error) {
	offer := &core.Offer{}
	var resolvedAt sql.NullTime
	err := row.Scan(
		&offer.ID, &offer.SellerID, &offer.BuyerID, &offer.Kind, &offer.AssetID,
		&offer.Price, &offer.Status, &offer.Reason, &offer.RoomID, &offer.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		offer.ResolvedAt = &t
	}
	return offer, nil
}

func collectOffers(rows *sql.Rows) ([]*core.Offer, error) {
	defer rows.Close()

	var offers []*core.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, Wrap("scan offer", err)
		}
		offers = append(offers, offer)
	}
	return offers, Wrap("iterate offers", rows.Err())
}
