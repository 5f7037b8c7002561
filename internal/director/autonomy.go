package director

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/quantscafe/quantscafe/internal/assets"
	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/llm"
	"github.com/quantscafe/quantscafe/internal/market"
	"github.com/quantscafe/quantscafe/internal/settlement"
)

const autonomySystem = `You are a quant sharing market intel in a café. Write one short intel ` +
	`note. First line: a title. Following lines: the note itself.`

// AutonomyConfig configures the Autonomy director
type AutonomyConfig struct {
	Assets     *assets.Ledger
	Settlement *settlement.Service
	Markets    market.Service // optional; no bets without it
	Keys       keypool.KeySource
	LLM        llm.Provider

	AgentsPerTick int     // agents acting per tick
	MintChance    float64 // probability an acting agent writes new intel
	OfferChance   float64 // probability an acting agent offers an asset
	BetChance     float64 // probability an acting NPC bets
	MinPrice      int64
	MaxPrice      int64
	MaxStake      int64

	Rand *rand.Rand
}

// Autonomy makes agents act on their own: write intel, offer it, bet
type Autonomy struct {
	base
	cfg AutonomyConfig
}

// NewAutonomy creates the Autonomy director
func NewAutonomy(cfg AutonomyConfig) *Autonomy {
	if cfg.AgentsPerTick <= 0 {
		cfg.AgentsPerTick = 5
	}
	if cfg.MinPrice <= 0 {
		cfg.MinPrice = 5
	}
	if cfg.MaxPrice < cfg.MinPrice {
		cfg.MaxPrice = cfg.MinPrice + 45
	}
	if cfg.MaxStake <= 0 {
		cfg.MaxStake = 25
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	a := &Autonomy{cfg: cfg}
	a.init("autonomy")
	return a
}

// Tick implements Director
func (a *Autonomy) Tick(ctx context.Context) error {
	return a.guard(ctx, a.tick)
}

func (a *Autonomy) tick(ctx context.Context) error {
	agents, err := a.cfg.Assets.Agents(ctx)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		return nil
	}

	// Only the guarded tick touches cfg.Rand
	a.cfg.Rand.Shuffle(len(agents), func(i, j int) { agents[i], agents[j] = agents[j], agents[i] })
	actors := agents
	if len(actors) > a.cfg.AgentsPerTick {
		actors = actors[:a.cfg.AgentsPerTick]
	}

	var open []market.Market
	if a.cfg.Markets != nil && a.cfg.BetChance > 0 {
		open, err = a.cfg.Markets.OpenMarkets(ctx)
		if err != nil {
			a.log.Warn("markets unavailable: %v", err)
			open = nil
		}
	}

	var errs []error
	for _, agent := range actors {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.roll(a.cfg.MintChance) {
			if err := a.mint(ctx, agent); err != nil {
				errs = append(errs, fmt.Errorf("mint for %s: %w", agent.ID, err))
			}
		}
		if a.roll(a.cfg.OfferChance) && len(agents) > 1 {
			if err := a.offer(ctx, agent, agents); err != nil {
				errs = append(errs, fmt.Errorf("offer from %s: %w", agent.ID, err))
			}
		}
		if agent.IsNPC() && len(open) > 0 && a.roll(a.cfg.BetChance) {
			if err := a.bet(ctx, agent, open); err != nil {
				errs = append(errs, fmt.Errorf("bet by %s: %w", agent.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (a *Autonomy) roll(chance float64) bool {
	return chance > 0 && a.cfg.Rand.Float64() < chance
}

func (a *Autonomy) price() int64 {
	return a.cfg.MinPrice + a.cfg.Rand.Int63n(a.cfg.MaxPrice-a.cfg.MinPrice+1)
}

// mint has the agent write a new intel note with its own key
func (a *Autonomy) mint(ctx context.Context, agent *core.Agent) error {
	prompt := fmt.Sprintf("You are %s. Share one piece of intel you think others would pay for.", agent.Name)
	reply, ok, err := ask(ctx, a.cfg.Keys, a.cfg.LLM, agent.ID, autonomySystem, prompt)
	if err != nil || !ok {
		return err
	}

	title, content := splitNote(reply)
	if title == "" {
		return nil
	}
	asset := &core.Asset{
		AgentID: agent.ID,
		Kind:    core.AssetIntel,
		Title:   title,
		Content: content,
		Price:   a.price(),
	}
	if err := a.cfg.Assets.MintAsset(ctx, asset); err != nil {
		return err
	}
	a.log.WithFields(map[string]interface{}{"agent": agent.ID, "asset": asset.ID}).Debug("intel minted")
	return nil
}

// offer proposes one of the agent's tradable assets to a random counterparty
func (a *Autonomy) offer(ctx context.Context, seller *core.Agent, agents []*core.Agent) error {
	owned, err := a.cfg.Assets.TradableAssets(ctx, seller.ID)
	if err != nil || len(owned) == 0 {
		return err
	}
	asset := owned[a.cfg.Rand.Intn(len(owned))]

	buyer := agents[a.cfg.Rand.Intn(len(agents))]
	for buyer.ID == seller.ID {
		buyer = agents[a.cfg.Rand.Intn(len(agents))]
	}

	price := asset.Price
	if price <= 0 {
		price = a.price()
	}
	err = a.cfg.Settlement.Propose(ctx, &core.Offer{
		SellerID: seller.ID,
		BuyerID:  buyer.ID,
		AssetID:  asset.ID,
		Price:    price,
	})
	if errors.Is(err, core.ErrInvalidInput) || errors.Is(err, core.ErrAgentNotFound) || errors.Is(err, core.ErrAssetNotFound) {
		// Lost a race with a concurrent trade; try again next tick
		return nil
	}
	return err
}

// bet stakes part of an NPC's balance on a random outcome of a random open market
func (a *Autonomy) bet(ctx context.Context, agent *core.Agent, open []market.Market) error {
	stake := agent.Balance / 10
	if stake > a.cfg.MaxStake {
		stake = a.cfg.MaxStake
	}
	if stake <= 0 {
		return nil
	}

	mk := open[a.cfg.Rand.Intn(len(open))]
	if len(mk.Outcomes) == 0 {
		return nil
	}
	outcome := mk.Outcomes[a.cfg.Rand.Intn(len(mk.Outcomes))]

	err := a.cfg.Settlement.PlaceBet(ctx, &core.Bet{
		AgentID:  agent.ID,
		MarketID: mk.ID,
		Outcome:  outcome,
		Stake:    stake,
		OddsBps:  mk.Odds(outcome),
	})
	if errors.Is(err, core.ErrInsufficientFunds) {
		return nil
	}
	return err
}

// splitNote turns an LLM reply into a title line and a body
func splitNote(reply string) (string, string) {
	reply = strings.TrimSpace(reply)
	title, body, _ := strings.Cut(reply, "\n")
	title = strings.TrimSpace(strings.TrimLeft(title, "#*- "))
	if len(title) > 120 {
		title = title[:120]
	}
	return title, strings.TrimSpace(body)
}
