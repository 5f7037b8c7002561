package main

import (
	"context"
	"fmt"

	"github.com/quantscafe/quantscafe/internal/assets"
	"github.com/quantscafe/quantscafe/internal/config"
	"github.com/quantscafe/quantscafe/internal/director"
	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/ledger"
	"github.com/quantscafe/quantscafe/internal/llm"
	"github.com/quantscafe/quantscafe/internal/logging"
	"github.com/quantscafe/quantscafe/internal/market"
	"github.com/quantscafe/quantscafe/internal/scheduler"
	"github.com/quantscafe/quantscafe/internal/settlement"
	"github.com/quantscafe/quantscafe/internal/storage"
)

// components are shared by the serve and worker commands
type components struct {
	db         *storage.DB
	assets     *assets.Ledger
	offers     *storage.OfferStore
	bets       *storage.BetStore
	trades     *ledger.Store
	settlement *settlement.Service
	markets    market.Service
	llm        llm.Provider
}

func openComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	db, err := storage.Open(storage.Config{Path: cfg.DBPath()})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.MigrateContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	provider, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	var markets market.Service
	if cfg.Market.BaseURL != "" {
		markets = market.NewHTTPClient(market.HTTPConfig{BaseURL: cfg.Market.BaseURL, Timeout: cfg.Market.Timeout})
	} else {
		logging.Named("daemon").Warn("market.base_url not set - bets are disabled")
	}

	c := &components{
		db:      db,
		assets:  assets.New(db),
		offers:  storage.NewOfferStore(db),
		bets:    storage.NewBetStore(db),
		trades:  ledger.NewStore(db.Conn()),
		markets: markets,
		llm:     provider,
	}
	c.settlement = settlement.New(db, c.assets, c.offers, c.bets, c.trades)
	return c, nil
}

// schedule builds the enabled directors and registers them on a new heartbeat.
// pool and events may be nil in worker processes.
func (c *components) schedule(cfg *config.Config, keys keypool.KeySource, pool *keypool.Pool, events director.Broadcaster) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(scheduler.Config{
		Heartbeat: cfg.Directors.Heartbeat,
		Timeout:   cfg.Directors.TickTimeout,
	})

	var ds []director.Director
	var stats []interface{ Stats() director.Stats }
	add := func(d interface {
		director.Director
		Stats() director.Stats
	}) {
		if cfg.DirectorEnabled(d.Name()) {
			ds = append(ds, d)
			stats = append(stats, d)
		}
	}

	add(director.NewArena(director.ArenaConfig{
		Offers:     c.offers,
		Assets:     c.assets,
		Settlement: c.settlement,
		Keys:       keys,
		LLM:        c.llm,
	}))
	add(director.NewAutonomy(director.AutonomyConfig{
		Assets:      c.assets,
		Settlement:  c.settlement,
		Markets:     c.markets,
		Keys:        keys,
		LLM:         c.llm,
		MintChance:  0.3,
		OfferChance: 0.3,
		BetChance:   0.2,
	}))
	add(director.NewResolution(director.ResolutionConfig{
		Offers:     c.offers,
		Bets:       c.bets,
		Settlement: c.settlement,
		Markets:    c.markets,
		OfferTTL:   cfg.Directors.OfferTTL,
	}))
	if events != nil {
		add(director.NewDashboard(director.DashboardConfig{Assets: c.assets, Events: events}))
	}

	mon := director.MonitoringConfig{
		Scheduler: sched,
		Trades:    c.trades,
		Directors: stats,
	}
	if pool != nil {
		mon.Pool = pool
	}
	add(director.NewMonitoring(mon))

	if err := director.Register(sched, cfg.Directors.Heartbeat, cfg.Directors.TickTimeout, ds...); err != nil {
		return nil, err
	}
	return sched, nil
}
