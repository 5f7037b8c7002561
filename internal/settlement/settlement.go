// Package settlement executes trades between agents.
//
// A trade either commits entirely (asset cloned to the buyer, original disabled,
// balances and P&L moved, receipt appended to the ledger, offer accepted) or
// leaves no trace. Trades sharing an agent are serialized through a per-agent
// lock table; the whole mutation runs inside one SQLite transaction.
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantscafe/quantscafe/internal/assets"
	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/ledger"
	"github.com/quantscafe/quantscafe/internal/logging"
	"github.com/quantscafe/quantscafe/internal/storage"
)

// RejectReason explains which precondition of a trade failed
type RejectReason string

const (
	ReasonSellerNotFound    RejectReason = "seller_not_found"
	ReasonBuyerNotFound     RejectReason = "buyer_not_found"
	ReasonInsufficientFunds RejectReason = "insufficient_funds"
	ReasonAssetNotFound     RejectReason = "asset_not_found"
	ReasonAssetNotOwned     RejectReason = "asset_not_owned"
	ReasonAssetNotTradable  RejectReason = "asset_not_tradable"
	ReasonOfferNotPending   RejectReason = "offer_not_pending"
	ReasonSelfTrade         RejectReason = "self_trade"
	ReasonInvalidPrice      RejectReason = "invalid_price"
	ReasonDeclined          RejectReason = "declined"
	ReasonExpired           RejectReason = "expired"
)

// Message returns a user-facing explanation of the reason
func (r RejectReason) Message() string {
	switch r {
	case ReasonSellerNotFound:
		return "the seller no longer exists"
	case ReasonBuyerNotFound:
		return "the buyer no longer exists"
	case ReasonInsufficientFunds:
		return "the buyer cannot afford this price"
	case ReasonAssetNotFound:
		return "the asset no longer exists"
	case ReasonAssetNotOwned:
		return "the seller does not own this asset"
	case ReasonAssetNotTradable:
		return "the asset is no longer available for trade"
	case ReasonOfferNotPending:
		return "the offer was already resolved"
	case ReasonSelfTrade:
		return "an agent cannot trade with itself"
	case ReasonInvalidPrice:
		return "the price must be positive"
	case ReasonDeclined:
		return "the buyer declined"
	case ReasonExpired:
		return "the offer expired"
	}
	return string(r)
}

// Outcome is the typed result of Execute. Exactly one of Committed or Reason is set.
type Outcome struct {
	Committed bool              `json:"committed"`
	Reason    RejectReason      `json:"reason,omitempty"`
	Trade     *core.TradeRecord `json:"trade,omitempty"`
	Clone     *core.Asset       `json:"clone,omitempty"`
}

// rejection aborts the transaction with a typed reason
type rejection struct {
	reason RejectReason
}

func (r *rejection) Error() string { return "trade rejected: " + string(r.reason) }

func reject(reason RejectReason) error { return &rejection{reason: reason} }

// Observer is told about every resolved offer
type Observer func(offer *core.Offer, outcome Outcome)

// Service settles offers
type Service struct {
	db     *storage.DB
	assets *assets.Ledger
	offers *storage.OfferStore
	bets   *storage.BetStore
	trades *ledger.Store
	locks  *lockTable
	log    *logging.Logger

	mu        sync.RWMutex
	observers []Observer
}

// New creates a settlement service
func New(db *storage.DB, ledgerAssets *assets.Ledger, offers *storage.OfferStore, bets *storage.BetStore, trades *ledger.Store) *Service {
	return &Service{
		db:     db,
		assets: ledgerAssets,
		offers: offers,
		bets:   bets,
		trades: trades,
		locks:  newLockTable(),
		log:    logging.Named("settlement"),
	}
}

// Observe registers fn to be called after each offer is resolved
func (s *Service) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *Service) notify(offer *core.Offer, outcome Outcome) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(offer, outcome)
	}
}

// Propose validates and stores a new pending offer
func (s *Service) Propose(ctx context.Context, offer *core.Offer) error {
	if offer.SellerID == "" || offer.BuyerID == "" || offer.AssetID == "" {
		return fmt.Errorf("%w: seller, buyer and asset are required", core.ErrMissingRequired)
	}
	if offer.SellerID == offer.BuyerID {
		return fmt.Errorf("%w: %s", core.ErrInvalidInput, ReasonSelfTrade.Message())
	}
	if offer.Price <= 0 {
		return fmt.Errorf("%w: %s", core.ErrInvalidInput, ReasonInvalidPrice.Message())
	}

	asset, err := s.assets.Asset(ctx, offer.AssetID)
	if err != nil {
		return err
	}
	if asset.AgentID != offer.SellerID {
		return fmt.Errorf("%w: %s", core.ErrInvalidInput, ReasonAssetNotOwned.Message())
	}
	if !asset.IsTradable {
		return fmt.Errorf("%w: %s", core.ErrInvalidInput, ReasonAssetNotTradable.Message())
	}
	if _, err := s.assets.Agent(ctx, offer.BuyerID); err != nil {
		return err
	}
	offer.Kind = asset.Kind

	if err := s.offers.Create(ctx, offer); err != nil {
		return err
	}
	s.log.WithFields(map[string]interface{}{
		"offer":  offer.ID,
		"seller": offer.SellerID,
		"buyer":  offer.BuyerID,
		"price":  offer.Price,
	}).Debug("offer proposed")
	return nil
}

// Reject marks a pending offer rejected. It reports false if the offer was already resolved.
func (s *Service) Reject(ctx context.Context, id core.OfferID, reason RejectReason) (bool, error) {
	offer, err := s.offers.Get(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := s.offers.Resolve(ctx, s.db.Conn(), id, core.OfferRejected, string(reason))
	if err != nil || !ok {
		return ok, err
	}
	offer.Status = core.OfferRejected
	offer.Reason = string(reason)
	s.notify(offer, Outcome{Reason: reason})
	return true, nil
}

// Execute settles a pending offer.
//
// Failed preconditions come back as a rejected Outcome with a nil error, and the
// offer is marked rejected with the reason. A non-nil error means infrastructure
// failed; it wraps core.ErrStorage and nothing was changed.
func (s *Service) Execute(ctx context.Context, id core.OfferID) (Outcome, error) {
	offer, err := s.offers.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	release, err := s.locks.acquire(ctx, offer.SellerID, offer.BuyerID)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	var outcome Outcome
	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var err error
		outcome, err = s.settle(ctx, tx, id)
		return err
	})

	var rej *rejection
	switch {
	case errors.As(err, &rej):
		return s.rejectAfterAbort(ctx, offer, rej.reason)
	case err != nil:
		s.log.WithField("offer", id).Warn("settlement aborted: %v", err)
		return Outcome{}, storage.Wrap("settle offer", err)
	}

	offer.Status = core.OfferAccepted
	s.log.WithFields(map[string]interface{}{
		"offer": id,
		"trade": outcome.Trade.ID,
		"from":  outcome.Trade.From,
		"to":    outcome.Trade.To,
		"price": outcome.Trade.Price,
	}).Info("trade settled")
	s.notify(offer, outcome)
	return outcome, nil
}

// settle performs every step of the trade against tx. Any error rolls all of it back.
func (s *Service) settle(ctx context.Context, tx *sql.Tx, id core.OfferID) (Outcome, error) {
	offer, err := s.offers.GetTx(ctx, tx, id)
	if err != nil {
		return Outcome{}, err
	}
	if offer.Status != core.OfferPending {
		return Outcome{}, reject(ReasonOfferNotPending)
	}
	if offer.SellerID == offer.BuyerID {
		return Outcome{}, reject(ReasonSelfTrade)
	}
	if offer.Price <= 0 {
		return Outcome{}, reject(ReasonInvalidPrice)
	}

	seller, err := s.assets.AgentTx(ctx, tx, offer.SellerID)
	if errors.Is(err, core.ErrAgentNotFound) {
		return Outcome{}, reject(ReasonSellerNotFound)
	} else if err != nil {
		return Outcome{}, err
	}
	buyer, err := s.assets.AgentTx(ctx, tx, offer.BuyerID)
	if errors.Is(err, core.ErrAgentNotFound) {
		return Outcome{}, reject(ReasonBuyerNotFound)
	} else if err != nil {
		return Outcome{}, err
	}
	if buyer.Balance < offer.Price {
		return Outcome{}, reject(ReasonInsufficientFunds)
	}

	original, err := s.assets.AssetTx(ctx, tx, offer.AssetID)
	if errors.Is(err, core.ErrAssetNotFound) {
		return Outcome{}, reject(ReasonAssetNotFound)
	} else if err != nil {
		return Outcome{}, err
	}
	if original.Kind != offer.Kind {
		return Outcome{}, reject(ReasonAssetNotFound)
	}
	if original.AgentID != seller.ID {
		return Outcome{}, reject(ReasonAssetNotOwned)
	}
	if !original.IsTradable {
		return Outcome{}, reject(ReasonAssetNotTradable)
	}

	clone := &core.Asset{
		ID:              core.AssetID(uuid.New().String()),
		AgentID:         buyer.ID,
		Kind:            original.Kind,
		Title:           original.Title,
		Content:         original.Content,
		IsTradable:      false,
		Price:           original.Price,
		CreatedAt:       time.Now().UTC(),
		SourceAgentID:   seller.ID,
		PricePaid:       offer.Price,
		OriginalAssetID: original.ID,
	}
	if err := s.assets.AddAsset(ctx, tx, clone); err != nil {
		return Outcome{}, err
	}
	if err := s.assets.DisableAsset(ctx, tx, original.ID); err != nil {
		return Outcome{}, err
	}

	if _, err := s.assets.AdjustBalance(ctx, tx, buyer.ID, -offer.Price); err != nil {
		if errors.Is(err, core.ErrInsufficientFunds) {
			return Outcome{}, reject(ReasonInsufficientFunds)
		}
		return Outcome{}, err
	}
	if _, err := s.assets.AdjustBalance(ctx, tx, seller.ID, offer.Price); err != nil {
		return Outcome{}, err
	}
	if err := s.assets.AdjustPnL(ctx, tx, seller.ID, original.Kind, offer.Price); err != nil {
		return Outcome{}, err
	}
	if err := s.assets.AdjustPnL(ctx, tx, buyer.ID, original.Kind, -offer.Price); err != nil {
		return Outcome{}, err
	}

	record := &core.TradeRecord{
		OfferID: offer.ID,
		From:    seller.ID,
		To:      buyer.ID,
		Kind:    original.Kind,
		AssetID: clone.ID,
		Price:   offer.Price,
		RoomID:  offer.RoomID,
	}
	if err := s.trades.AppendTx(ctx, tx, record); err != nil {
		return Outcome{}, err
	}

	ok, err := s.offers.Resolve(ctx, tx, offer.ID, core.OfferAccepted, "")
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, reject(ReasonOfferNotPending)
	}

	return Outcome{Committed: true, Trade: record, Clone: clone}, nil
}

// rejectAfterAbort records the reason on the offer once the trade transaction has
// rolled back. An offer that was already resolved keeps its first resolution.
func (s *Service) rejectAfterAbort(ctx context.Context, offer *core.Offer, reason RejectReason) (Outcome, error) {
	outcome := Outcome{Reason: reason}
	if reason == ReasonOfferNotPending {
		return outcome, nil
	}

	ok, err := s.offers.Resolve(ctx, s.db.Conn(), offer.ID, core.OfferRejected, string(reason))
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{Reason: ReasonOfferNotPending}, nil
	}

	offer.Status = core.OfferRejected
	offer.Reason = string(reason)
	s.log.WithFields(map[string]interface{}{
		"offer":  offer.ID,
		"reason": reason,
	}).Info("trade rejected")
	s.notify(offer, outcome)
	return outcome, nil
}
