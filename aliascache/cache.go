// Package aliascache holds the alias→metric tables declared by birth
// messages. Tables are scoped to a lifecycle identity and die with it: a
// death message removes them immediately, and identities that go quiet are
// swept out after a TTL of inactivity.
package aliascache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Titoyabril/oee-dashboard-sub000/errors"
	"github.com/Titoyabril/oee-dashboard-sub000/metric"
	"github.com/Titoyabril/oee-dashboard-sub000/spb"
)

const (
	defaultTTL           = 30 * time.Minute
	defaultSweepInterval = 1 * time.Minute
)

// Eviction reasons passed to the OnEvict callback.
const (
	EvictDeath = "death"
	EvictTTL   = "ttl"
)

// Config controls eviction behavior.
type Config struct {
	// TTL is the inactivity window after which an identity's table is
	// swept. Resolve and Install refresh activity.
	TTL time.Duration
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	return c
}

// Deps carries the cache's runtime dependencies.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	// OnEvict is called after an identity's table is removed, whether by
	// death or by TTL sweep. Called outside the cache lock.
	OnEvict func(id spb.Identity, reason string)
}

// Stats counts cache activity. Always collected; Prometheus export is
// optional on top.
type Stats struct {
	hits          atomic.Int64
	misses        atomic.Int64
	installs      atomic.Int64
	invalidations atomic.Int64
	evictions     atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Hits          int64
	Misses        int64
	Installs      int64
	Invalidations int64
	Evictions     int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Installs:      s.installs.Load(),
		Invalidations: s.invalidations.Load(),
		Evictions:     s.evictions.Load(),
	}
}

type table struct {
	byAlias  map[uint64]spb.AliasEntry
	lastSeen time.Time
}

// Cache is the alias resolver. Safe for concurrent use; the decode path reads
// while births and deaths write.
type Cache struct {
	mu         sync.RWMutex
	identities map[string]*table

	cfg     Config
	logger  *slog.Logger
	stats   *Stats
	metrics *cacheMetrics
	onEvict func(spb.Identity, string)

	shutdown chan struct{}
	done     chan struct{}
}

// New creates the cache and starts its background sweep. The sweep stops when
// ctx is cancelled or Close is called.
func New(ctx context.Context, cfg Config, deps Deps) (*Cache, error) {
	cfg = cfg.withDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var metrics *cacheMetrics
	if deps.MetricsRegistry != nil {
		var err error
		metrics, err = newCacheMetrics(deps.MetricsRegistry)
		if err != nil {
			return nil, errors.WrapTransient(err, "aliascache", "New", "metrics registration")
		}
	}

	c := &Cache{
		identities: make(map[string]*table),
		cfg:        cfg,
		logger:     logger.With("component", "aliascache"),
		stats:      &Stats{},
		metrics:    metrics,
		onEvict:    deps.OnEvict,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	go c.sweep(ctx)

	return c, nil
}

// Install replaces the identity's alias table with the declarations from a
// birth. A rebirth always swaps the whole table; stale aliases from the
// previous session must not survive.
func (c *Cache) Install(id spb.Identity, entries []spb.AliasEntry) {
	byAlias := make(map[uint64]spb.AliasEntry, len(entries))
	for _, e := range entries {
		byAlias[e.Alias] = e
	}

	c.mu.Lock()
	c.identities[id.Key()] = &table{byAlias: byAlias, lastSeen: time.Now()}
	size := len(c.identities)
	c.mu.Unlock()

	c.stats.installs.Add(1)
	if c.metrics != nil {
		c.metrics.installs.Inc()
		c.metrics.identities.Set(float64(size))
	}

	c.logger.Debug("alias table installed",
		"identity", id.Key(),
		"aliases", len(entries))
}

// Resolve looks up an alias declared by the identity's birth. A hit refreshes
// the identity's activity clock.
func (c *Cache) Resolve(id spb.Identity, alias uint64) (spb.AliasEntry, bool) {
	c.mu.RLock()
	t, exists := c.identities[id.Key()]
	var entry spb.AliasEntry
	var ok bool
	if exists {
		entry, ok = t.byAlias[alias]
	}
	c.mu.RUnlock()

	if !ok {
		c.stats.misses.Add(1)
		if c.metrics != nil {
			c.metrics.misses.Inc()
		}
		return spb.AliasEntry{}, false
	}

	// Refresh under the write lock; the sweep races against this.
	c.mu.Lock()
	if t, exists := c.identities[id.Key()]; exists {
		t.lastSeen = time.Now()
	}
	c.mu.Unlock()

	c.stats.hits.Add(1)
	if c.metrics != nil {
		c.metrics.hits.Inc()
	}
	return entry, true
}

// Invalidate drops the exact identity's table. Device deaths use this; the
// node and its other devices stay resolvable.
func (c *Cache) Invalidate(id spb.Identity) bool {
	c.mu.Lock()
	_, exists := c.identities[id.Key()]
	if exists {
		delete(c.identities, id.Key())
	}
	size := len(c.identities)
	c.mu.Unlock()

	if !exists {
		return false
	}

	c.afterRemoval(id, EvictDeath, size)
	return true
}

// InvalidateNode drops the node's table and every device table under it. A
// node death certificate retires the whole subtree: device aliases were
// declared inside the node's session and cannot outlive it.
func (c *Cache) InvalidateNode(group, node string) int {
	nodeKey := spb.Identity{Group: group, Node: node}.Key()
	devicePrefix := nodeKey + "/"

	var removed []spb.Identity
	c.mu.Lock()
	for key := range c.identities {
		if key == nodeKey {
			removed = append(removed, spb.Identity{Group: group, Node: node})
			delete(c.identities, key)
		} else if strings.HasPrefix(key, devicePrefix) {
			device := strings.TrimPrefix(key, devicePrefix)
			removed = append(removed, spb.Identity{Group: group, Node: node, Device: device})
			delete(c.identities, key)
		}
	}
	size := len(c.identities)
	c.mu.Unlock()

	for _, id := range removed {
		c.afterRemoval(id, EvictDeath, size)
	}
	return len(removed)
}

// Identities returns the number of identities currently holding tables.
func (c *Cache) Identities() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.identities)
}

// Stats returns the live counters.
func (c *Cache) Stats() *Stats {
	return c.stats
}

// Close stops the background sweep.
func (c *Cache) Close() error {
	select {
	case <-c.shutdown:
	default:
		close(c.shutdown)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(
			fmt.Errorf("sweep goroutine did not stop"),
			"aliascache", "Close", "shutdown wait")
	}
}

func (c *Cache) sweep(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeInactive()
		}
	}
}

func (c *Cache) removeInactive() {
	cutoff := time.Now().Add(-c.cfg.TTL)

	var expired []spb.Identity
	c.mu.Lock()
	for key, t := range c.identities {
		if t.lastSeen.Before(cutoff) {
			expired = append(expired, identityFromKey(key))
			delete(c.identities, key)
		}
	}
	size := len(c.identities)
	c.mu.Unlock()

	for _, id := range expired {
		c.afterRemoval(id, EvictTTL, size)
		c.logger.Debug("alias table swept after inactivity", "identity", id.Key())
	}
}

// afterRemoval updates counters and fires the eviction callback outside the
// lock.
func (c *Cache) afterRemoval(id spb.Identity, reason string, size int) {
	if reason == EvictDeath {
		c.stats.invalidations.Add(1)
	} else {
		c.stats.evictions.Add(1)
	}

	if c.metrics != nil {
		if reason == EvictDeath {
			c.metrics.invalidations.Inc()
		} else {
			c.metrics.evictions.Inc()
		}
		c.metrics.identities.Set(float64(size))
	}

	if c.onEvict != nil {
		c.onEvict(id, reason)
	}
}

func identityFromKey(key string) spb.Identity {
	parts := strings.SplitN(key, "/", 3)
	id := spb.Identity{}
	if len(parts) > 0 {
		id.Group = parts[0]
	}
	if len(parts) > 1 {
		id.Node = parts[1]
	}
	if len(parts) > 2 {
		id.Device = parts[2]
	}
	return id
}
