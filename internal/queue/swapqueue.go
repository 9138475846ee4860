package queue

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/walltrack/walltrack-engine/internal/events"
	"github.com/walltrack/walltrack-engine/internal/gateway"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Swap Queue
//
// The single serialisation point for all outbound trade intents. A
// priority heap (CRITICAL < URGENT < NORMAL < LOW, FIFO within priority)
// feeds one worker that paces gateway calls by min spacing. Exactly one
// item is in flight at any time.
//
// Starving LOW under sustained high-priority load is intentional: capital
// protection dominates. The staleness metric in Stats makes the starvation
// observable.

// ErrBreakerBlocked is returned when the circuit breaker rejects a NORMAL
// (entry) enqueue. Exits always pass.
var ErrBreakerBlocked = errors.New("breaker_blocked_entry")

// ErrStopped is returned for enqueues after shutdown began.
var ErrStopped = errors.New("swap queue stopped")

// Gate reports whether new entries are currently blocked. The circuit
// breaker implements it.
type Gate interface {
	Active() bool
}

// Item is one queued trade intent. Callback runs on the worker goroutine
// after every status change so the owning position updates synchronously
// with the order.
type Item struct {
	Order      models.Order
	Priority   models.Priority
	EnqueuedAt time.Time
	Callback   func(models.Order)

	seq   uint64
	index int
}

// Stats is a point-in-time queue snapshot for the health endpoint.
type Stats struct {
	Depth            int                `json:"depth"`
	DepthByPrio      map[string]int     `json:"depthByPriority"`
	OldestWaitByPrio map[string]float64 `json:"oldestWaitSecondsByPriority"`
	Executed         uint64             `json:"executed"`
	Failed           uint64             `json:"failed"`
	Rejected         uint64             `json:"rejectedEntries"`
}

type SwapQueue struct {
	mu       sync.Mutex
	items    itemHeap
	notify   chan struct{}
	seq      uint64
	stopped  bool
	inFlight bool

	gw          gateway.Gateway
	simGw       gateway.Gateway
	gate        Gate
	eventLog    *events.Log
	minSpacing  time.Duration
	drainBudget time.Duration
	slippageBps int
	lastCall    time.Time

	executed uint64
	failed   uint64
	rejected uint64
}

type Options struct {
	Gateway     gateway.Gateway
	Simulated   gateway.Gateway
	Gate        Gate
	EventLog    *events.Log
	MinSpacing  time.Duration
	DrainBudget time.Duration
	SlippageBps int
}

func New(opts Options) *SwapQueue {
	if opts.MinSpacing == 0 {
		opts.MinSpacing = 2 * time.Second
	}
	if opts.DrainBudget == 0 {
		opts.DrainBudget = 10 * time.Second
	}
	if opts.SlippageBps == 0 {
		opts.SlippageBps = 100
	}
	if opts.Simulated == nil {
		opts.Simulated = &gateway.Simulated{}
	}
	return &SwapQueue{
		notify:      make(chan struct{}, 1),
		gw:          opts.Gateway,
		simGw:       opts.Simulated,
		gate:        opts.Gate,
		eventLog:    opts.EventLog,
		minSpacing:  opts.MinSpacing,
		drainBudget: opts.DrainBudget,
		slippageBps: opts.SlippageBps,
	}
}

// SetSpacing adjusts the worker pacing (config reload).
func (q *SwapQueue) SetSpacing(d time.Duration) {
	q.mu.Lock()
	q.minSpacing = d
	q.mu.Unlock()
}

// Enqueue adds a trade intent. NORMAL items are rejected while the breaker
// is active; all other priorities pass. The order is logged as pending.
func (q *SwapQueue) Enqueue(o models.Order, prio models.Priority, callback func(models.Order)) error {
	if prio == models.PriorityNormal && q.gate != nil && q.gate.Active() {
		q.mu.Lock()
		q.rejected++
		q.mu.Unlock()
		log.Printf("[SwapQueue] Entry for %s rejected: breaker active", o.Token)
		return ErrBreakerBlocked
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	q.seq++
	item := &Item{
		Order:      o,
		Priority:   prio,
		EnqueuedAt: time.Now(),
		Callback:   callback,
		seq:        q.seq,
	}
	heap.Push(&q.items, item)
	q.mu.Unlock()

	if q.eventLog != nil {
		q.eventLog.RecordOrder(context.Background(), o, prio)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run is the single worker loop. On context cancellation it finishes any
// in-flight call, drains CRITICAL and URGENT items within the drain
// budget, and persists the rest as pending for replay on restart.
func (q *SwapQueue) Run(ctx context.Context) {
	log.Println("[SwapQueue] Worker started")

	for {
		item := q.pop()
		if item == nil {
			select {
			case <-ctx.Done():
				q.shutdown()
				return
			case <-q.notify:
				continue
			}
		}

		// A cancellation observed with work queued still executes
		// capital-protecting exits before the final drain.
		if ctx.Err() != nil && item.Priority > models.PriorityUrgent {
			q.push(item)
			q.shutdown()
			return
		}

		q.pace()
		q.execute(context.Background(), item)

		if ctx.Err() != nil {
			q.shutdown()
			return
		}
	}
}

// execute runs one intent through the gateway and reports the result
// through the item callback.
func (q *SwapQueue) execute(ctx context.Context, item *Item) {
	q.mu.Lock()
	q.inFlight = true
	q.lastCall = time.Now()
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.inFlight = false
		q.mu.Unlock()
	}()

	o := item.Order
	now := time.Now()
	o.Status = models.OrderSubmitted
	o.SubmittedAt = &now

	gw := q.gw
	if o.Mode == models.ModeSimulation || gw == nil {
		gw = q.simGw
	}

	inputMint, outputMint, amount := legsFor(o)

	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	result, err := func() (gateway.SwapResult, error) {
		quote, err := gw.Quote(callCtx, inputMint, outputMint, amount)
		if err != nil {
			return gateway.SwapResult{}, err
		}
		return gw.Swap(callCtx, quote, q.slippageBps)
	}()

	if err != nil {
		o.RetryCount++
		o.Error = err.Error()
		if o.RetryCount < o.MaxRetries {
			log.Printf("[SwapQueue] %s order %s failed (attempt %d/%d), re-enqueueing: %v",
				item.Priority, o.ID, o.RetryCount, o.MaxRetries, err)
			o.Status = models.OrderPending
			item.Order = o
			q.mu.Lock()
			q.seq++
			item.seq = q.seq
			item.EnqueuedAt = time.Now()
			heap.Push(&q.items, item)
			q.mu.Unlock()
			if q.eventLog != nil {
				q.eventLog.RecordOrder(ctx, o, item.Priority)
			}
			select {
			case q.notify <- struct{}{}:
			default:
			}
			return
		}

		log.Printf("[SwapQueue] %s order %s failed terminally after %d attempts: %v",
			item.Priority, o.ID, o.RetryCount, err)
		o.Status = models.OrderFailed
		completed := time.Now()
		o.CompletedAt = &completed
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
	} else {
		o.Status = models.OrderExecuted
		o.TxSignature = result.TxSignature
		if result.PriceUSD > 0 {
			o.Price = result.PriceUSD
		}
		// Record the filled side of a live swap so position accounting sees
		// actual fills: entries receive tokens, exits receive SOL. Simulated
		// fills keep their requested amounts and settle by price ratio.
		if o.Mode == models.ModeLive && result.OutAmount > 0 {
			if o.Type == models.OrderEntry {
				o.AmountToken = result.OutAmount
			} else {
				o.AmountSOL = result.OutAmount
			}
		}
		o.Error = ""
		completed := time.Now()
		o.CompletedAt = &completed
		q.mu.Lock()
		q.executed++
		q.mu.Unlock()
		log.Printf("[SwapQueue] %s order %s executed (tx %s)", item.Priority, o.ID, o.TxSignature)
	}

	if q.eventLog != nil {
		q.eventLog.RecordOrder(ctx, o, item.Priority)
	}
	if item.Callback != nil {
		item.Callback(o)
	}
}

// legsFor maps an order to its gateway legs: entries spend SOL for the
// token, exits spend the token for SOL.
func legsFor(o models.Order) (inputMint, outputMint string, amount float64) {
	if o.Type == models.OrderEntry {
		return models.WSOLMint, o.Token, o.AmountSOL
	}
	return o.Token, models.WSOLMint, o.AmountToken
}

// pace enforces the minimum spacing between gateway calls.
func (q *SwapQueue) pace() {
	q.mu.Lock()
	wait := q.minSpacing - time.Since(q.lastCall)
	q.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
}

// shutdown drains remaining CRITICAL and URGENT items within the drain
// budget, then persists everything left as pending for replay.
func (q *SwapQueue) shutdown() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	deadline := time.Now().Add(q.drainBudget)
	for time.Now().Before(deadline) {
		item := q.popAtMost(models.PriorityUrgent)
		if item == nil {
			break
		}
		q.pace()
		q.execute(context.Background(), item)
	}

	remaining := 0
	for {
		item := q.pop()
		if item == nil {
			break
		}
		remaining++
		if q.eventLog != nil {
			item.Order.Status = models.OrderPending
			q.eventLog.RecordOrder(context.Background(), item.Order, item.Priority)
		}
	}
	log.Printf("[SwapQueue] Worker stopped (%d items persisted for replay)", remaining)
}

// Replay re-enqueues pending orders loaded from the store on restart.
func (q *SwapQueue) Replay(orders []models.Order, priorities []models.Priority, callback func(models.Order)) {
	for i, o := range orders {
		if err := q.Enqueue(o, priorities[i], callback); err != nil {
			log.Printf("[SwapQueue] Replay of order %s skipped: %v", o.ID, err)
		}
	}
	if len(orders) > 0 {
		log.Printf("[SwapQueue] Replayed %d pending orders", len(orders))
	}
}

// Stats returns a snapshot of queue depth, per-priority staleness and
// lifetime counters.
func (q *SwapQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{
		Depth:            q.items.Len(),
		DepthByPrio:      make(map[string]int),
		OldestWaitByPrio: make(map[string]float64),
		Executed:         q.executed,
		Failed:           q.failed,
		Rejected:         q.rejected,
	}
	now := time.Now()
	for _, item := range q.items {
		name := item.Priority.String()
		stats.DepthByPrio[name]++
		wait := now.Sub(item.EnqueuedAt).Seconds()
		if wait > stats.OldestWaitByPrio[name] {
			stats.OldestWaitByPrio[name] = wait
		}
	}
	return stats
}

func (q *SwapQueue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Item)
}

// popAtMost pops the head only if its priority is at or above the limit.
func (q *SwapQueue) popAtMost(limit models.Priority) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 || q.items[0].Priority > limit {
		return nil
	}
	return heap.Pop(&q.items).(*Item)
}

func (q *SwapQueue) push(item *Item) {
	q.mu.Lock()
	heap.Push(&q.items, item)
	q.mu.Unlock()
}

// ─── Priority heap ──────────────────────────────────────────────────

// itemHeap orders by priority, then enqueue sequence (FIFO within a
// priority level).
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
