// Package director holds the simulation loops. Each director does one slice of
// work per Tick and is driven by the scheduler heartbeat.
//
// A Tick that starts while the previous one is still running returns nil
// immediately and bumps the skip counter.
package director

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/keypool"
	"github.com/quantscafe/quantscafe/internal/llm"
	"github.com/quantscafe/quantscafe/internal/logging"
	"github.com/quantscafe/quantscafe/internal/scheduler"
)

// Director is one simulation loop
type Director interface {
	Name() string
	Tick(ctx context.Context) error
}

// Stats describes a director's tick history
type Stats struct {
	Name     string     `json:"name"`
	Ticks    int64      `json:"ticks"`
	Skipped  int64      `json:"skipped"`
	Errors   int64      `json:"errors"`
	Running  bool       `json:"running"`
	LastTick *time.Time `json:"last_tick,omitempty"`
}

// base carries the reentrancy guard and counters shared by every director
type base struct {
	name    string
	log     *logging.Logger
	running atomic.Bool
	ticks   atomic.Int64
	skipped atomic.Int64
	errors  atomic.Int64
	last    atomic.Int64 // unix nanos of the last completed tick
}

func (b *base) init(name string) {
	b.name = name
	b.log = logging.Named("director." + name)
}

// Name implements Director
func (b *base) Name() string { return b.name }

// guard runs fn unless a previous run is still in flight
func (b *base) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.running.CompareAndSwap(false, true) {
		b.skipped.Add(1)
		b.log.Debug("tick skipped, previous tick still running")
		return nil
	}
	defer b.running.Store(false)

	err := fn(ctx)
	b.ticks.Add(1)
	b.last.Store(time.Now().UnixNano())
	if err != nil {
		b.errors.Add(1)
	}
	return err
}

// Stats returns the tick counters
func (b *base) Stats() Stats {
	s := Stats{
		Name:    b.name,
		Ticks:   b.ticks.Load(),
		Skipped: b.skipped.Load(),
		Errors:  b.errors.Load(),
		Running: b.running.Load(),
	}
	if n := b.last.Load(); n != 0 {
		t := time.Unix(0, n)
		s.LastTick = &t
	}
	return s
}

// Register schedules every director on the heartbeat
func Register(s *scheduler.Scheduler, interval, timeout time.Duration, directors ...Director) error {
	for _, d := range directors {
		task := scheduler.NewTask(d.Name()).
			Name(d.Name()).
			Every(interval).
			Timeout(timeout).
			Handler(d.Tick).
			Build()
		if err := s.Register(task); err != nil {
			return err
		}
	}
	return nil
}

// ask obtains a key for agentID and sends one prompt with it.
// ok=false with a nil error means the unit of work should be skipped this tick:
// either no key was available or the key was rate limited (and reported).
func ask(ctx context.Context, keys keypool.KeySource, provider llm.Provider, agentID core.AgentID, system, prompt string) (string, bool, error) {
	key, ok := keys.GetKeyForAgent(ctx, agentID)
	if !ok {
		return "", false, nil
	}

	reply, err := provider.Chat(ctx, key, system, prompt)
	if err != nil {
		if wait, limited := llm.AsRateLimit(err); limited {
			keys.ReportRateLimit(key, wait)
			return "", false, nil
		}
		return "", false, err
	}
	return reply, true, nil
}
