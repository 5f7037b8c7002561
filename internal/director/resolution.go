package director

import (
	"context"
	"errors"
	"time"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/market"
	"github.com/quantscafe/quantscafe/internal/settlement"
	"github.com/quantscafe/quantscafe/internal/storage"
)

// ResolutionConfig configures the Resolution director
type ResolutionConfig struct {
	Offers     *storage.OfferStore
	Bets       *storage.BetStore
	Settlement *settlement.Service
	Markets    market.Service // optional; bets stay open without it
	OfferTTL   time.Duration
	BatchSize  int
	Now        func() time.Time
}

// Resolution expires stale offers and settles bets on resolved markets
type Resolution struct {
	base
	cfg ResolutionConfig
}

// NewResolution creates the Resolution director
func NewResolution(cfg ResolutionConfig) *Resolution {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Resolution{cfg: cfg}
	r.init("resolution")
	return r
}

// Tick implements Director
func (r *Resolution) Tick(ctx context.Context) error {
	return r.guard(ctx, r.tick)
}

func (r *Resolution) tick(ctx context.Context) error {
	return errors.Join(r.expireOffers(ctx), r.settleBets(ctx))
}

func (r *Resolution) expireOffers(ctx context.Context) error {
	cutoff := r.cfg.Now().Add(-r.cfg.OfferTTL)
	stale, err := r.cfg.Offers.ListPendingBefore(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	expired := 0
	for _, offer := range stale {
		ok, err := r.cfg.Settlement.Reject(ctx, offer.ID, settlement.ReasonExpired)
		if err != nil {
			return err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		r.log.WithField("count", expired).Info("expired stale offers")
	}
	return nil
}

func (r *Resolution) settleBets(ctx context.Context) error {
	if r.cfg.Markets == nil {
		return nil
	}
	open, err := r.cfg.Bets.ListOpen(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	markets := make(map[string]*market.Market)
	var errs []error
	for _, bet := range open {
		mk, seen := markets[bet.MarketID]
		if !seen {
			mk, err = r.cfg.Markets.Market(ctx, bet.MarketID)
			if err != nil {
				if !errors.Is(err, market.ErrMarketNotFound) {
					errs = append(errs, err)
				}
				r.log.WithField("market", bet.MarketID).Debug("market lookup failed: %v", err)
				mk = nil
			}
			markets[bet.MarketID] = mk
		}
		if mk == nil || !mk.Resolved {
			continue
		}

		if _, err := r.cfg.Settlement.SettleBet(ctx, bet.ID, mk.WinningOutcome); err != nil {
			if errors.Is(err, core.ErrBetNotFound) {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
