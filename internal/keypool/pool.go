// Package keypool hands out upstream API keys to agents.
//
// Resolution order for GetKeyForAgent: the agent owner's own key when it is not
// cooling down, then the shared pool round-robin skipping cooled keys, then a
// bounded wait for a cooldown to expire, then the fallback key. Keys are never
// logged; Stats exposes fingerprints only.
package keypool

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantscafe/quantscafe/internal/core"
	"github.com/quantscafe/quantscafe/internal/logging"
	"github.com/quantscafe/quantscafe/internal/vault"
)

// KeySource is anything that can lease keys to agents. The local Pool and the
// coordinator client both implement it.
type KeySource interface {
	// GetKeyForAgent returns a key, or ok=false when none could be obtained in time.
	// Callers skip the unit of work on ok=false; it is not an error.
	GetKeyForAgent(ctx context.Context, agentID core.AgentID) (key string, ok bool)
	// ReportRateLimit cools key down for d
	ReportRateLimit(key string, d time.Duration)
}

// CooldownReporter is implemented by sources that know whether every key is
// cooling down
type CooldownReporter interface {
	AllCooling() bool
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// OwnerKeyStore lists sealed owner keys
type OwnerKeyStore interface {
	SealedKeys(ctx context.Context) (map[core.OwnerID][]byte, error)
}

// Opener unseals stored keys
type Opener interface {
	OpenString(sealed []byte) (string, error)
}

// AgentLookup resolves an agent's owner
type AgentLookup interface {
	Agent(ctx context.Context, id core.AgentID) (*core.Agent, error)
}

// Options configures a Pool
type Options struct {
	Keys             []string
	FallbackKey      string
	RotateAfter      int
	RotationCooldown time.Duration
	MaxWait          time.Duration
	RetryInterval    time.Duration

	Owners OwnerKeyStore
	Vault  Opener
	Agents AgentLookup
	Clock  Clock
}

type credential struct {
	key           string
	owner         core.OwnerID
	uses          int
	cooldownUntil time.Time
}

// Pool is the in-process key pool
type Pool struct {
	opts  Options
	clock Clock
	log   *logging.Logger

	mu          sync.Mutex
	initialized bool
	shared      []*credential
	byKey       map[string]*credential
	byOwner     map[core.OwnerID]*credential
	next        int

	fallbackUntil time.Time

	served    int64
	waited    int64
	fallbacks int64
	exhausted int64
}

// New creates an empty pool. Call Initialize before use.
func New(opts Options) *Pool {
	if opts.RotateAfter <= 0 {
		opts.RotateAfter = 5
	}
	if opts.RotationCooldown <= 0 {
		opts.RotationCooldown = time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.MaxWait < 0 {
		opts.MaxWait = 0
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &Pool{
		opts:    opts,
		clock:   clock,
		log:     logging.Named("keypool"),
		byKey:   make(map[string]*credential),
		byOwner: make(map[core.OwnerID]*credential),
	}
}

// Initialize loads owner keys and configured keys. Later calls are no-ops.
// Finding no keys at all is not an error: the pool then serves only the fallback.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	if p.opts.Owners != nil && p.opts.Vault != nil {
		sealed, err := p.opts.Owners.SealedKeys(ctx)
		if err != nil {
			return err
		}
		owners := make([]core.OwnerID, 0, len(sealed))
		for id := range sealed {
			owners = append(owners, id)
		}
		sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })

		for _, id := range owners {
			key, err := p.opts.Vault.OpenString(sealed[id])
			if err != nil {
				p.log.WithField("owner", id).Warn("skipping owner key: %v", err)
				continue
			}
			p.addLocked(key, id)
		}
	}

	for _, key := range p.opts.Keys {
		p.addLocked(key, "")
	}

	p.initialized = true
	fields := map[string]interface{}{"keys": len(p.shared), "owners": len(p.byOwner)}
	if len(p.shared) == 0 {
		p.log.WithFields(fields).Warn("no api keys loaded, serving fallback only")
	} else {
		p.log.WithFields(fields).Info("key pool initialized")
	}
	return nil
}

// AddOwnerKey registers an owner's key at runtime
func (p *Pool) AddOwnerKey(owner core.OwnerID, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(key, owner)
}

func (p *Pool) addLocked(key string, owner core.OwnerID) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	c, ok := p.byKey[key]
	if !ok {
		c = &credential{key: key}
		p.byKey[key] = c
		p.shared = append(p.shared, c)
	}
	if owner != "" {
		c.owner = owner
		p.byOwner[owner] = c
	}
}

// GetKeyForAgent implements KeySource
func (p *Pool) GetKeyForAgent(ctx context.Context, agentID core.AgentID) (string, bool) {
	if key, ok := p.ownerKey(ctx, agentID); ok {
		return key, true
	}

	if key, ok := p.tryShared(); ok {
		return key, true
	}

	if p.size() > 0 && p.opts.MaxWait > 0 {
		if key, ok := p.wait(ctx); ok {
			return key, true
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.FallbackKey != "" && !p.clock.Now().Before(p.fallbackUntil) {
		p.fallbacks++
		return p.opts.FallbackKey, true
	}
	p.exhausted++
	p.log.WithField("agent", agentID).Debug("no api key available")
	return "", false
}

func (p *Pool) ownerKey(ctx context.Context, agentID core.AgentID) (string, bool) {
	if p.opts.Agents == nil || agentID == "" {
		return "", false
	}

	p.mu.Lock()
	none := len(p.byOwner) == 0
	p.mu.Unlock()
	if none {
		return "", false
	}

	agent, err := p.opts.Agents.Agent(ctx, agentID)
	if err != nil {
		if !errors.Is(err, core.ErrAgentNotFound) {
			p.log.WithField("agent", agentID).Warn("owner lookup failed: %v", err)
		}
		return "", false
	}
	if agent.OwnerID == "" {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byOwner[agent.OwnerID]
	if !ok || p.coolingLocked(c) {
		return "", false
	}
	return p.useLocked(c), true
}

func (p *Pool) tryShared() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.shared)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		c := p.shared[idx]
		if p.coolingLocked(c) {
			continue
		}
		p.next = (idx + 1) % n
		return p.useLocked(c), true
	}
	return "", false
}

// wait polls the shared pool until a key frees up, MaxWait elapses, or ctx ends
func (p *Pool) wait(ctx context.Context) (string, bool) {
	p.mu.Lock()
	p.waited++
	p.mu.Unlock()

	deadline := time.NewTimer(p.opts.MaxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(p.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			return p.tryShared()
		case <-ticker.C:
			if key, ok := p.tryShared(); ok {
				return key, true
			}
		}
	}
}

func (p *Pool) coolingLocked(c *credential) bool {
	return p.clock.Now().Before(c.cooldownUntil)
}

// useLocked counts a use and rotates the key away once it has served RotateAfter times
func (p *Pool) useLocked(c *credential) string {
	p.served++
	c.uses++
	if c.uses >= p.opts.RotateAfter {
		c.uses = 0
		c.cooldownUntil = p.clock.Now().Add(p.opts.RotationCooldown)
	}
	return c.key
}

// ReportRateLimit implements KeySource. The fallback key cools down like any
// other; unknown keys are ignored.
func (p *Pool) ReportRateLimit(key string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	until := p.clock.Now().Add(d)
	c, ok := p.byKey[key]
	switch {
	case ok:
		if until.After(c.cooldownUntil) {
			c.cooldownUntil = until
		}
		c.uses = 0
	case key != "" && key == p.opts.FallbackKey:
		if until.After(p.fallbackUntil) {
			p.fallbackUntil = until
		}
	default:
		return
	}
	p.log.WithFields(map[string]interface{}{
		"key":      vault.Fingerprint(key),
		"cooldown": d,
	}).Info("api key rate limited")
}

// AllCooling reports whether the pool has keys and every one of them, the
// fallback included, is cooling down
func (p *Pool) AllCooling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.shared) == 0 && p.opts.FallbackKey == "" {
		return false
	}
	for _, c := range p.shared {
		if !p.coolingLocked(c) {
			return false
		}
	}
	return p.opts.FallbackKey == "" || p.clock.Now().Before(p.fallbackUntil)
}

func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shared)
}

// KeyStat describes one pooled key without revealing it
type KeyStat struct {
	Fingerprint  string       `json:"fingerprint"`
	Owner        core.OwnerID `json:"owner,omitempty"`
	Uses         int          `json:"uses"`
	CoolingUntil *time.Time   `json:"cooling_until,omitempty"`
}

// Stats is a snapshot of the pool
type Stats struct {
	Size            int       `json:"size"`
	Cooling         int       `json:"cooling"`
	OwnerKeys       int       `json:"owner_keys"`
	HasFallback     bool      `json:"has_fallback"`
	FallbackCooling bool      `json:"fallback_cooling"`
	Served          int64     `json:"served"`
	Waited          int64     `json:"waited"`
	Fallbacks       int64     `json:"fallbacks"`
	Exhausted       int64     `json:"exhausted"`
	Keys            []KeyStat `json:"keys"`
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:            len(p.shared),
		OwnerKeys:       len(p.byOwner),
		HasFallback:     p.opts.FallbackKey != "",
		FallbackCooling: p.opts.FallbackKey != "" && p.clock.Now().Before(p.fallbackUntil),
		Served:          p.served,
		Waited:          p.waited,
		Fallbacks:       p.fallbacks,
		Exhausted:       p.exhausted,
		Keys:            make([]KeyStat, 0, len(p.shared)),
	}
	for _, c := range p.shared {
		ks := KeyStat{Fingerprint: vault.Fingerprint(c.key), Owner: c.owner, Uses: c.uses}
		if p.coolingLocked(c) {
			s.Cooling++
			until := c.cooldownUntil
			ks.CoolingUntil = &until
		}
		s.Keys = append(s.Keys, ks)
	}
	return s
}
