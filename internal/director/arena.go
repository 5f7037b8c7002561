package director

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quantscafe/quantscafe/internal/assets"
	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/llm"
	"github.com/quantscafe/quantscafe/internal/settlement"
	"github.com/quantscafe/quantscafe/internal/storage"
)

const arenaSystem = `You are a trader in a café full of quants. You buy intel and watchlists ` +
	`only when they look worth the price. Answer with ACCEPT or REJECT on the first line.`

// ArenaConfig configures the Arena director
type ArenaConfig struct {
	Offers     *storage.OfferStore
	Assets     *assets.Ledger
	Settlement *settlement.Service
	Keys       keypool.KeySource
	LLM        llm.Provider
	BatchSize  int // pending offers considered per tick
}

// Arena lets buyers decide on pending offers and settles the accepted ones
type Arena struct {
	base
	cfg ArenaConfig
}

// NewArena creates the Arena director
func NewArena(cfg ArenaConfig) *Arena {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	a := &Arena{cfg: cfg}
	a.init("arena")
	return a
}

// Tick implements Director
func (a *Arena) Tick(ctx context.Context) error {
	return a.guard(ctx, a.tick)
}

func (a *Arena) tick(ctx context.Context) error {
	pending, err := a.cfg.Offers.ListByStatus(ctx, core.OfferPending, a.cfg.BatchSize)
	if err != nil {
		return err
	}

	var errs []error
	for _, offer := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.decide(ctx, offer); err != nil {
			a.log.WithField("offer", offer.ID).Warn("offer not decided: %v", err)
			if errors.Is(err, core.ErrStorage) {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (a *Arena) decide(ctx context.Context, offer *core.Offer) error {
	buyer, err := a.cfg.Assets.Agent(ctx, offer.BuyerID)
	if errors.Is(err, core.ErrAgentNotFound) {
		_, err = a.cfg.Settlement.Reject(ctx, offer.ID, settlement.ReasonBuyerNotFound)
		return err
	}
	if err != nil {
		return err
	}
	asset, err := a.cfg.Assets.Asset(ctx, offer.AssetID)
	if errors.Is(err, core.ErrAssetNotFound) {
		_, err = a.cfg.Settlement.Reject(ctx, offer.ID, settlement.ReasonAssetNotFound)
		return err
	}
	if err != nil {
		return err
	}

	prompt := fmt.Sprintf(
		"You are %s with %d boxes. You are offered the %s %q for %d boxes.\n\n%s\n\nDo you buy it?",
		buyer.Name, buyer.Balance, asset.Kind, asset.Title, offer.Price, asset.Content,
	)
	reply, ok, err := ask(ctx, a.cfg.Keys, a.cfg.LLM, buyer.ID, arenaSystem, prompt)
	if err != nil || !ok {
		// No key or rate limited: the offer stays pending for a later tick
		return err
	}

	if !accepts(reply) {
		_, err := a.cfg.Settlement.Reject(ctx, offer.ID, settlement.ReasonDeclined)
		return err
	}

	outcome, err := a.cfg.Settlement.Execute(ctx, offer.ID)
	if err != nil {
		return err
	}
	if !outcome.Committed {
		a.log.WithFields(map[string]interface{}{
			"offer":  offer.ID,
			"reason": outcome.Reason,
		}).Info("accepted offer could not settle")
	}
	return nil
}

// accepts reads the buyer's verdict from the first word of the reply
func accepts(reply string) bool {
	fields := strings.Fields(strings.ToUpper(reply))
	if len(fields) == 0 {
		return false
	}
	word := strings.Trim(fields[0], ".,!:*")
	return word == "ACCEPT" || word == "YES"
}
