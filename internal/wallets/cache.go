package wallets

import (
	"container/list"
	"context"
	"log"
	"sync"
	"time"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Wallet Cache
//
// Holds the two hot membership sets (monitored, blacklisted) for O(1)
// filter lookups, plus an LRU of full wallet entries bounded by maxSize.
// Cluster membership arrives from the discovery subsystem via
// ApplyMembership and is merged into cached entries.
//
// Single-writer: the refresh loop and ApplyMembership mutate, the filter
// hot path only reads. Blacklist precedence is absolute: an address in the
// blacklist set reads as blacklisted regardless of LRU contents.

const (
	DefaultMaxSize = 10_000
	entryTTL       = 5 * time.Minute
)

// Source loads the full wallet set. *db.PostgresStore satisfies it.
type Source interface {
	LoadWallets(ctx context.Context) ([]models.WalletEntry, error)
}

type lruEntry struct {
	entry models.WalletEntry
}

type Cache struct {
	mu          sync.RWMutex
	monitored   map[string]bool
	blacklisted map[string]bool
	items       map[string]*list.Element
	lru         *list.List
	maxSize     int
	source      Source
	initialized bool
	refreshing  bool
	lastRefresh time.Time
}

func NewCache(source Source, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{
		monitored:   make(map[string]bool),
		blacklisted: make(map[string]bool),
		items:       make(map[string]*list.Element),
		lru:         list.New(),
		maxSize:     maxSize,
		source:      source,
	}
}

// Warmup performs the initial full load. The cache reports uninitialized
// (and the filter fails closed) until this succeeds once.
func (c *Cache) Warmup(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	log.Printf("[WalletCache] Warmed up: %d monitored, %d blacklisted", c.MonitoredCount(), c.BlacklistedCount())
	return nil
}

// Run refreshes the full membership sets on the given interval until the
// context is cancelled. A failed refresh keeps the previous snapshot.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[WalletCache] Stopping refresh loop")
			return
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil {
				log.Printf("[WalletCache] Warning: refresh failed, keeping previous snapshot: %v", err)
			}
		}
	}
}

func (c *Cache) refresh(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	entries, err := c.source.LoadWallets(ctx)
	if err != nil {
		return err
	}

	monitored := make(map[string]bool, len(entries))
	blacklisted := make(map[string]bool)
	for _, e := range entries {
		if e.IsMonitored {
			monitored[e.Address] = true
		}
		if e.IsBlacklisted {
			blacklisted[e.Address] = true
		}
	}

	c.mu.Lock()
	c.monitored = monitored
	c.blacklisted = blacklisted
	for _, e := range entries {
		c.putLocked(e)
	}
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}

// Get returns the cached entry for an address and whether it was a warm
// hit. Blacklist membership always wins over whatever the LRU holds. A miss
// (or expired entry) for a monitored address triggers one background
// refresh; the caller proceeds with what it got.
func (c *Cache) Get(addr string) (models.WalletEntry, bool) {
	c.mu.RLock()
	isMonitored := c.monitored[addr]
	isBlacklisted := c.blacklisted[addr]
	elem, inLRU := c.items[addr]
	var entry models.WalletEntry
	if inLRU {
		entry = elem.Value.(*lruEntry).entry
	}
	c.mu.RUnlock()

	fresh := inLRU && time.Since(entry.CachedAt) < entryTTL

	if !fresh {
		if isMonitored {
			c.refreshAsync()
		}
		if !inLRU {
			entry = models.WalletEntry{Address: addr}
		}
	}

	entry.IsMonitored = isMonitored
	if isBlacklisted {
		entry.IsBlacklisted = true
	}

	if fresh {
		c.mu.Lock()
		c.lru.MoveToFront(elem)
		c.mu.Unlock()
	}
	return entry, fresh
}

// IsMonitored is the O(1) hot-set check.
func (c *Cache) IsMonitored(addr string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.monitored[addr]
}

// IsBlacklisted is the O(1) hot-set check.
func (c *Cache) IsBlacklisted(addr string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blacklisted[addr]
}

// Put inserts or replaces a full entry, maintaining the hot sets.
func (c *Cache) Put(e models.WalletEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.CachedAt.IsZero() {
		e.CachedAt = time.Now()
	}
	if e.IsMonitored {
		c.monitored[e.Address] = true
	} else {
		delete(c.monitored, e.Address)
	}
	if e.IsBlacklisted {
		c.blacklisted[e.Address] = true
	} else {
		delete(c.blacklisted, e.Address)
	}
	c.putLocked(e)
}

// ApplyMembership merges a cluster membership change published by the
// discovery subsystem into the cached entry.
func (c *Cache) ApplyMembership(addr, clusterID string, isLeader bool, amplification float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[addr]
	if !ok {
		return
	}
	le := elem.Value.(*lruEntry)
	le.entry.ClusterID = clusterID
	le.entry.IsClusterLeader = isLeader
	le.entry.Amplification = amplification
	log.Printf("[WalletCache] Cluster membership updated: %s -> cluster %s (leader=%v)", addr, clusterID, isLeader)
}

// Initialized reports whether the initial warmup completed.
func (c *Cache) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Cache) MonitoredCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.monitored)
}

func (c *Cache) BlacklistedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blacklisted)
}

// Size returns the number of full entries held in the LRU.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// refreshAsync kicks off one background full refresh. Concurrent misses
// collapse onto the single in-flight refresh.
func (c *Cache) refreshAsync() {
	c.mu.Lock()
	if c.refreshing || c.source == nil {
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.refresh(ctx); err != nil {
			log.Printf("[WalletCache] Background refresh failed: %v", err)
		}
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()
}

func (c *Cache) putLocked(e models.WalletEntry) {
	if e.CachedAt.IsZero() {
		e.CachedAt = time.Now()
	}
	if elem, ok := c.items[e.Address]; ok {
		elem.Value.(*lruEntry).entry = e
		c.lru.MoveToFront(elem)
		return
	}
	c.items[e.Address] = c.lru.PushFront(&lruEntry{entry: e})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).entry.Address)
	}
}
