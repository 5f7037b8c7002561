package settlement

import (
	"context"
	"sort"
	"sync"

	"github.com/quantscafe/quantscafe/internal/core"
)

// lockTable hands out one lock per agent. Entries are reference counted and
// dropped once nobody holds or waits on them.
type lockTable struct {
	mu    sync.Mutex
	locks map[core.AgentID]*agentLock
}

type agentLock struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[core.AgentID]*agentLock)}
}

// acquire locks every agent in ids, in sorted order so two callers with
// overlapping sets can never deadlock. On ctx cancellation nothing stays held.
func (t *lockTable) acquire(ctx context.Context, ids ...core.AgentID) (func(), error) {
	ordered := uniqueSorted(ids)

	held := make([]core.AgentID, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.unlock(held[i])
		}
	}

	for _, id := range ordered {
		l := t.ref(id)
		select {
		case l.ch <- struct{}{}:
			held = append(held, id)
		case <-ctx.Done():
			t.unref(id)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (t *lockTable) ref(id core.AgentID) *agentLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &agentLock{ch: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	return l
}

func (t *lockTable) unref(id core.AgentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

func (t *lockTable) unlock(id core.AgentID) {
	t.mu.Lock()
	l := t.locks[id]
	t.mu.Unlock()
	<-l.ch
	t.unref(id)
}

// size returns the number of live entries
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

func uniqueSorted(ids []core.AgentID) []core.AgentID {
	out := make([]core.AgentID, 0, len(ids))
	seen := make(map[core.AgentID]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
