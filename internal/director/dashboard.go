package director

import (
	"context"
	"sync"

	"github.com/quantscafe/quantscafe/internal/assets"
	"github.com/quantscafe/quantscafe/internal/core"
)

// EventLeaderboard is the event name the dashboard broadcasts under
const EventLeaderboard = "leaderboard"

// Broadcaster pushes events to connected viewers
type Broadcaster interface {
	Broadcast(event string, payload interface{})
}

// DashboardConfig configures the Dashboard director
type DashboardConfig struct {
	Assets *assets.Ledger
	Events Broadcaster // optional
	Limit  int
}

// Dashboard recomputes the leaderboard and broadcasts it
type Dashboard struct {
	base
	cfg DashboardConfig

	mu     sync.RWMutex
	latest []core.Standing
}

// NewDashboard creates the Dashboard director
func NewDashboard(cfg DashboardConfig) *Dashboard {
	if cfg.Limit <= 0 {
		cfg.Limit = 20
	}
	d := &Dashboard{cfg: cfg}
	d.init("dashboard")
	return d
}

// Tick implements Director
func (d *Dashboard) Tick(ctx context.Context) error {
	return d.guard(ctx, d.tick)
}

func (d *Dashboard) tick(ctx context.Context) error {
	board, err := d.cfg.Assets.Leaderboard(ctx, d.cfg.Limit)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.latest = board
	d.mu.Unlock()

	if d.cfg.Events != nil {
		d.cfg.Events.Broadcast(EventLeaderboard, board)
	}
	return nil
}

// Latest returns the leaderboard computed by the last tick
func (d *Dashboard) Latest() []core.Standing {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]core.Standing(nil), d.latest...)
}
