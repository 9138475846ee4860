package tokens

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Token Cache
//
// Read-through cache over the metadata providers. Fetch order for a miss:
//
//	fresh in-memory -> primary -> fallback -> stale in-memory -> neutral
//
// Each record carries the source layer that produced it. Concurrent misses
// for the same address coalesce onto one outbound request (singleflight).
// The cache never blocks scoring past maxWait: when the budget expires the
// caller gets the best layer resolved so far, marked Degraded so the
// scorer downgrades the token factor.

const (
	DefaultTTL       = 300 * time.Second
	DefaultMaxWait   = 1500 * time.Millisecond
	fetchRetries     = 2
	fetchBackoffBase = 200 * time.Millisecond
)

// Sink receives successfully fetched records for durable storage.
// *db.PostgresStore satisfies it.
type Sink interface {
	SaveTokenRecord(ctx context.Context, t models.TokenRecord) error
}

type CacheOptions struct {
	TTL                time.Duration
	MaxWait            time.Duration
	NewTokenAgeMinutes float64
}

type Cache struct {
	mu       sync.RWMutex
	records  map[string]models.TokenRecord
	primary  Provider
	fallback Provider
	sink     Sink
	group    singleflight.Group

	ttl                time.Duration
	maxWait            time.Duration
	newTokenAgeMinutes float64
}

func NewCache(primary, fallback Provider, sink Sink, opts CacheOptions) *Cache {
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxWait == 0 {
		opts.MaxWait = DefaultMaxWait
	}
	if opts.NewTokenAgeMinutes == 0 {
		opts.NewTokenAgeMinutes = 60
	}
	return &Cache{
		records:            make(map[string]models.TokenRecord),
		primary:            primary,
		fallback:           fallback,
		sink:               sink,
		ttl:                opts.TTL,
		maxWait:            opts.MaxWait,
		newTokenAgeMinutes: opts.NewTokenAgeMinutes,
	}
}

// SetMaxWait adjusts the scoring-path wait budget (config reload).
func (c *Cache) SetMaxWait(d time.Duration) {
	c.mu.Lock()
	c.maxWait = d
	c.mu.Unlock()
}

// Get returns a token record for the address, always. The record's Source
// and Degraded fields tell the caller which layer resolved and whether the
// data is trustworthy enough for full scoring.
func (c *Cache) Get(ctx context.Context, address string) models.TokenRecord {
	now := time.Now()

	c.mu.RLock()
	cached, ok := c.records[address]
	maxWait := c.maxWait
	c.mu.RUnlock()

	if ok && cached.IsCacheValid(now) {
		return cached
	}

	// Coalesce concurrent misses; the fetch keeps running after a budget
	// timeout so a later caller can still get the fresh record.
	resultCh := c.group.DoChan(address, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), 2*maxWait+5*time.Second)
		defer cancel()
		return c.fetch(fetchCtx, address), nil
	})

	select {
	case res := <-resultCh:
		return res.Val.(models.TokenRecord)
	case <-time.After(maxWait):
	case <-ctx.Done():
	}

	// Budget exhausted: fall back to whatever we have.
	if ok {
		stale := cached
		stale.Source = "stale"
		stale.Degraded = true
		return stale
	}
	return c.neutral(address)
}

// fetch walks the provider chain and installs the result in memory.
func (c *Cache) fetch(ctx context.Context, address string) models.TokenRecord {
	if rec, err := c.fetchWithRetry(ctx, c.primary, address); err == nil {
		return c.install(ctx, rec)
	} else if c.primary != nil {
		log.Printf("[TokenCache] Primary (%s) failed for %s: %v", c.primary.Name(), address, err)
	}

	if rec, err := c.fetchWithRetry(ctx, c.fallback, address); err == nil {
		return c.install(ctx, rec)
	} else if c.fallback != nil {
		log.Printf("[TokenCache] Fallback (%s) failed for %s: %v", c.fallback.Name(), address, err)
	}

	c.mu.RLock()
	cached, ok := c.records[address]
	c.mu.RUnlock()
	if ok {
		stale := cached
		stale.Source = "stale"
		stale.Degraded = true
		return stale
	}
	return c.neutral(address)
}

// fetchWithRetry calls a provider with bounded retries and exponential
// backoff. Each attempt carries its own deadline.
func (c *Cache) fetchWithRetry(ctx context.Context, p Provider, address string) (models.TokenRecord, error) {
	if p == nil {
		return models.TokenRecord{}, context.Canceled
	}

	var lastErr error
	backoff := fetchBackoffBase
	for attempt := 0; attempt <= fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return models.TokenRecord{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		rec, err := p.FetchToken(attemptCtx, address)
		cancel()
		if err == nil {
			return rec, nil
		}
		lastErr = err
	}
	return models.TokenRecord{}, lastErr
}

func (c *Cache) install(ctx context.Context, rec models.TokenRecord) models.TokenRecord {
	rec.TTL = c.ttl
	rec.IsNew = rec.AgeMinutes > 0 && rec.AgeMinutes < c.newTokenAgeMinutes

	c.mu.Lock()
	c.records[rec.Address] = rec
	c.mu.Unlock()

	if c.sink != nil {
		if err := c.sink.SaveTokenRecord(ctx, rec); err != nil {
			log.Printf("[TokenCache] Failed to persist token %s: %v", rec.Address, err)
		}
	}
	return rec
}

// neutral synthesizes a record with no market data. Liquidity zero keeps
// the hard gates closed, so a token we know nothing about is never traded.
func (c *Cache) neutral(address string) models.TokenRecord {
	return models.TokenRecord{
		Address:   address,
		Source:    "neutral",
		Degraded:  true,
		FetchedAt: time.Now(),
		TTL:       0,
	}
}

// Peek returns the in-memory record without triggering a fetch.
func (c *Cache) Peek(address string) (models.TokenRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[address]
	return rec, ok
}

// Size returns the number of cached records.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
