package director

import (
	"context"
	"sync"
	"time"

	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/ledger"
	"github.com/quantscafe/quantscafe/internal/scheduler"
)

// MonitoringConfig configures the Monitoring director. Every source is optional.
type MonitoringConfig struct {
	Pool      interface{ Stats() keypool.Stats }
	Scheduler interface{ GetStats() scheduler.Stats }
	Trades    *ledger.Store
	Directors []interface{ Stats() Stats }
}

// Report is one monitoring snapshot
type Report struct {
	At         time.Time        `json:"at"`
	Pool       *keypool.Stats   `json:"pool,omitempty"`
	Scheduler  *scheduler.Stats `json:"scheduler,omitempty"`
	Trades     int              `json:"trades"`
	ChainValid bool             `json:"chain_valid"`
	ChainError string           `json:"chain_error,omitempty"`
	Directors  []Stats          `json:"directors,omitempty"`
}

// Monitoring logs health of the key pool, the heartbeat and the trade ledger
type Monitoring struct {
	base
	cfg MonitoringConfig

	mu   sync.RWMutex
	last *Report
}

// NewMonitoring creates the Monitoring director
func NewMonitoring(cfg MonitoringConfig) *Monitoring {
	m := &Monitoring{cfg: cfg}
	m.init("monitoring")
	return m
}

// Tick implements Director
func (m *Monitoring) Tick(ctx context.Context) error {
	return m.guard(ctx, m.tick)
}

func (m *Monitoring) tick(ctx context.Context) error {
	r := &Report{At: time.Now(), ChainValid: true}

	if m.cfg.Pool != nil {
		s := m.cfg.Pool.Stats()
		r.Pool = &s
		m.log.WithFields(map[string]interface{}{
			"keys":      s.Size,
			"cooling":   s.Cooling,
			"served":    s.Served,
			"waited":    s.Waited,
			"fallbacks": s.Fallbacks,
			"exhausted": s.Exhausted,
		}).Info("key pool")
	}

	if m.cfg.Scheduler != nil {
		s := m.cfg.Scheduler.GetStats()
		r.Scheduler = &s
		m.log.WithFields(map[string]interface{}{
			"tasks":     s.TotalTasks,
			"in_flight": s.InFlight,
			"runs":      s.TotalRuns,
			"errors":    s.TotalErrors,
		}).Info("heartbeat")
	}

	for _, d := range m.cfg.Directors {
		r.Directors = append(r.Directors, d.Stats())
	}

	var chainErr error
	if m.cfg.Trades != nil {
		n, err := m.cfg.Trades.Count(ctx)
		if err != nil {
			return err
		}
		r.Trades = n
		if chainErr = m.cfg.Trades.VerifyChain(ctx); chainErr != nil {
			r.ChainValid = false
			r.ChainError = chainErr.Error()
			m.log.WithField("trades", n).Error("trade ledger failed verification: %v", chainErr)
		}
	}

	m.mu.Lock()
	m.last = r
	m.mu.Unlock()
	return chainErr
}

// Last returns the most recent report, or nil before the first tick
func (m *Monitoring) Last() *Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
