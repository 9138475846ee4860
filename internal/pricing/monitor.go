package pricing

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/walltrack/walltrack-engine/internal/config"
	"github.com/walltrack/walltrack-engine/internal/exits"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Price Monitor
//
// Polls current prices for every token with a non-terminal position, at a
// cadence chosen per token: urgent when any of its positions is near an
// exit trigger, stable when all of them are old and far from triggers,
// active otherwise. Polling pauses entirely while the breaker is active;
// mirror exits stay event-driven and the evaluator skips stale prices, so
// no exit fires on data fetched before the pause.

// Positions is the position manager surface the monitor reads and feeds.
type Positions interface {
	List(openOnly bool) []models.Position
	ApplyPriceUpdate(ctx context.Context, token string, price float64, at time.Time)
}

// Gate reports whether the circuit breaker is active.
type Gate interface {
	Active() bool
}

// Bucket is a polling cadence class.
type Bucket string

const (
	BucketUrgent Bucket = "urgent"
	BucketActive Bucket = "active"
	BucketStable Bucket = "stable"
)

// triggerProximityPct is how close (in PnL percentage points) a position
// must be to its stop loss or trailing trigger to poll at the urgent
// cadence.
const triggerProximityPct = 5.0

// stableAge is how old a position must be before it can drop to the stable
// cadence.
const stableAge = 30 * time.Minute

// staleWarnAge is how stale a token's price may get before the monitor
// logs it as stale.
const staleWarnAge = 5 * time.Minute

type Monitor struct {
	cfgStore  *config.Store
	positions Positions
	primary   Provider
	fallback  Provider
	gate      Gate

	mu        sync.Mutex
	lastFetch map[string]time.Time
	lastWarn  map[string]time.Time
	paused    bool
}

func NewMonitor(cfgStore *config.Store, positions Positions, primary, fallback Provider, gate Gate) *Monitor {
	return &Monitor{
		cfgStore:  cfgStore,
		positions: positions,
		primary:   primary,
		fallback:  fallback,
		gate:      gate,
		lastFetch: make(map[string]time.Time),
		lastWarn:  make(map[string]time.Time),
	}
}

// Run ticks at the urgent cadence and fetches each token whose bucket
// interval has elapsed.
func (m *Monitor) Run(ctx context.Context) {
	log.Println("[PriceMonitor] Started")
	for {
		cfg := m.cfgStore.Snapshot()
		tick := time.Duration(cfg.Polling.UrgentIntervalSeconds) * time.Second

		select {
		case <-ctx.Done():
			log.Println("[PriceMonitor] Stopped")
			return
		case <-time.After(tick):
			if m.pausedByBreaker() {
				continue
			}
			m.poll(ctx, cfg)
		}
	}
}

// pausedByBreaker checks the breaker gate, logging once per transition.
func (m *Monitor) pausedByBreaker() bool {
	active := m.gate != nil && m.gate.Active()
	m.mu.Lock()
	defer m.mu.Unlock()
	if active != m.paused {
		m.paused = active
		if active {
			log.Println("[PriceMonitor] Breaker active, pausing price polling")
		} else {
			log.Println("[PriceMonitor] Breaker cleared, resuming price polling")
		}
	}
	return active
}

// poll classifies open tokens into buckets, selects those due, and fetches
// their prices in provider-sized chunks.
func (m *Monitor) poll(ctx context.Context, cfg *config.Config) {
	buckets := m.classify(cfg)
	if len(buckets) == 0 {
		return
	}

	intervals := map[Bucket]time.Duration{
		BucketUrgent: time.Duration(cfg.Polling.UrgentIntervalSeconds) * time.Second,
		BucketActive: time.Duration(cfg.Polling.ActiveIntervalSeconds) * time.Second,
		BucketStable: time.Duration(cfg.Polling.StableIntervalSeconds) * time.Second,
	}

	now := time.Now()
	var due []string
	m.mu.Lock()
	for token, bucket := range buckets {
		if now.Sub(m.lastFetch[token]) >= intervals[bucket] {
			due = append(due, token)
		}
	}
	m.mu.Unlock()
	if len(due) == 0 {
		return
	}
	sort.Strings(due)

	prices := m.fetchBatched(ctx, due)
	fetchedAt := time.Now()

	m.mu.Lock()
	for token := range prices {
		m.lastFetch[token] = fetchedAt
	}
	m.mu.Unlock()

	for token, price := range prices {
		m.positions.ApplyPriceUpdate(ctx, token, price, fetchedAt)
	}
	m.warnStale(due, prices, fetchedAt)
}

// classify assigns each token with open positions to the tightest bucket
// any of its positions demands.
func (m *Monitor) classify(cfg *config.Config) map[string]Bucket {
	buckets := make(map[string]Bucket)
	now := time.Now()

	for _, p := range m.positions.List(true) {
		if p.Status != models.StatusOpen {
			// Pending and exiting positions are waiting on the queue, not
			// on prices, but keep their token at the active cadence so the
			// first post-fill price arrives quickly.
			upgrade(buckets, p.Token, BucketActive)
			continue
		}
		strat := exits.Effective(cfg.Strategy(p.ExitStrategyID), p.ExitOverride)
		upgrade(buckets, p.Token, classifyPosition(p, strat, now))
	}
	return buckets
}

// classifyPosition picks the cadence one position demands.
func classifyPosition(p models.Position, strat models.ExitStrategy, now time.Time) Bucket {
	pnlPct := p.PnLPct()

	if strat.StopLossPct > 0 && pnlPct <= -strat.StopLossPct+triggerProximityPct {
		return BucketUrgent
	}
	if strat.TrailingPct > 0 && p.PeakPrice > p.EntryPrice && p.EntryPrice > 0 {
		peakPnLPct := (p.PeakPrice - p.EntryPrice) / p.EntryPrice * 100.0
		if peakPnLPct >= strat.TrailingActivationPct {
			retracePct := (p.PeakPrice - p.CurrentPrice) / p.PeakPrice * 100.0
			if retracePct >= strat.TrailingPct-triggerProximityPct {
				return BucketUrgent
			}
		}
	}
	for i, lvl := range strat.ScalingLevels {
		if !p.ExecutedScalingLevels[i] && pnlPct >= lvl.ProfitPct-triggerProximityPct {
			return BucketUrgent
		}
	}

	if now.Sub(p.OpenedAt) >= stableAge {
		return BucketStable
	}
	return BucketActive
}

// upgrade keeps the tightest cadence seen for a token.
func upgrade(buckets map[string]Bucket, token string, b Bucket) {
	rank := map[Bucket]int{BucketUrgent: 0, BucketActive: 1, BucketStable: 2}
	if cur, ok := buckets[token]; !ok || rank[b] < rank[cur] {
		buckets[token] = b
	}
}

// fetchBatched splits the token list into primary-sized chunks fetched
// concurrently, retrying failed chunks on the fallback provider.
func (m *Monitor) fetchBatched(ctx context.Context, tokens []string) map[string]float64 {
	chunkSize := m.primary.MaxBatch()
	var chunks [][]string
	for start := 0; start < len(tokens); start += chunkSize {
		end := start + chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, tokens[start:end])
	}

	var mu sync.Mutex
	merged := make(map[string]float64, len(tokens))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			prices, err := m.primary.FetchPrices(gctx, chunk)
			if err != nil && m.fallback != nil {
				log.Printf("[PriceMonitor] %s chunk failed (%v), trying %s", m.primary.Name(), err, m.fallback.Name())
				prices, err = m.fallback.FetchPrices(gctx, chunk)
			}
			if err != nil {
				log.Printf("[PriceMonitor] WARN: price chunk of %d tokens failed: %v", len(chunk), err)
				return nil
			}
			mu.Lock()
			for token, price := range prices {
				merged[token] = price
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return merged
}

// warnStale logs tokens whose price has not refreshed past the stale
// threshold, at most once per threshold window per token.
func (m *Monitor) warnStale(requested []string, got map[string]float64, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range requested {
		if _, ok := got[token]; ok {
			continue
		}
		last := m.lastFetch[token]
		if last.IsZero() || now.Sub(last) < staleWarnAge {
			continue
		}
		if now.Sub(m.lastWarn[token]) < staleWarnAge {
			continue
		}
		m.lastWarn[token] = now
		log.Printf("[PriceMonitor] WARN: price for %s stale for %s", token, now.Sub(last).Round(time.Second))
	}
}
