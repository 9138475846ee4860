package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/walltrack/walltrack-engine/internal/breaker"
	"github.com/walltrack/walltrack-engine/internal/config"
	"github.com/walltrack/walltrack-engine/internal/events"
	"github.com/walltrack/walltrack-engine/internal/queue"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

// fakeQueue captures enqueued orders so tests control when and how they
// settle.
type fakeQueue struct {
	mu      sync.Mutex
	entries []queuedOrder
	fail    error
}

type queuedOrder struct {
	order    models.Order
	priority models.Priority
	callback func(models.Order)
}

func (q *fakeQueue) Enqueue(o models.Order, prio models.Priority, callback func(models.Order)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.entries = append(q.entries, queuedOrder{order: o, priority: prio, callback: callback})
	return nil
}

func (q *fakeQueue) last(t *testing.T) queuedOrder {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		t.Fatalf("no order enqueued")
	}
	return q.entries[len(q.entries)-1]
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// fill settles the last order as executed at the given price.
func (q *fakeQueue) fill(t *testing.T, price, amountToken float64) models.Order {
	t.Helper()
	item := q.last(t)
	o := item.order
	o.Status = models.OrderExecuted
	o.Price = price
	if amountToken > 0 {
		o.AmountToken = amountToken
	}
	o.TxSignature = "tx-" + o.ID
	item.callback(o)
	return o
}

func (q *fakeQueue) reject(t *testing.T, errMsg string) {
	t.Helper()
	item := q.last(t)
	o := item.order
	o.Status = models.OrderFailed
	o.Error = errMsg
	item.callback(o)
}

func newTestManager(t *testing.T) (*Manager, *fakeQueue) {
	t.Helper()
	q := &fakeQueue{}
	cfgStore := config.NewStore(nil)
	eventLog := events.NewLog(nil, nil)
	// Live mode so entries flow through the fake queue and tests control
	// the fills. Simulated entries settle inline, covered separately.
	return NewManager(cfgStore, q, eventLog, nil, models.ModeLive), q
}

func scoredBuy(wallet, token string) models.ScoredSignal {
	return models.ScoredSignal{
		Event: models.SwapEvent{
			TxSignature: "sig-" + wallet + "-" + token,
			Wallet:      wallet,
			Token:       token,
			Direction:   models.DirectionBuy,
		},
		Wallet:             models.WalletEntry{Address: wallet, IsMonitored: true},
		Token:              models.TokenRecord{Address: token, PriceUSD: 1.0},
		FinalScore:         0.80,
		Tier:               models.TierStandard,
		PositionMultiplier: 1.0,
	}
}

// openTestPosition drives a signal through entry so later assertions start
// from an open position.
func openTestPosition(t *testing.T, m *Manager, q *fakeQueue, wallet, token string) models.Position {
	t.Helper()
	p, err := m.OpenFromSignal(context.Background(), scoredBuy(wallet, token))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	q.fill(t, 1.0, 500)
	got, _ := m.Get(p.ID)
	if got.Status != models.StatusOpen {
		t.Fatalf("expected open after entry fill, got %s", got.Status)
	}
	return got
}

func TestOpenFromSignal_EntryLifecycle(t *testing.T) {
	m, q := newTestManager(t)

	p, err := m.OpenFromSignal(context.Background(), scoredBuy("wallet-1", "token-1"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if p.Status != models.StatusPendingEntry {
		t.Fatalf("expected pending_entry, got %s", p.Status)
	}

	item := q.last(t)
	if item.priority != models.PriorityNormal || item.order.Type != models.OrderEntry {
		t.Fatalf("entry must be a NORMAL entry order, got %s %s", item.priority, item.order.Type)
	}
	if item.order.AmountSOL != 0.5 {
		t.Fatalf("standard tier sizes at base 0.5 SOL, got %f", item.order.AmountSOL)
	}

	q.fill(t, 1.0, 500)
	got, _ := m.Get(p.ID)
	if got.Status != models.StatusOpen {
		t.Fatalf("expected open, got %s", got.Status)
	}
	if got.EntryPrice != 1.0 || got.EntryAmount != 500 || got.CurrentAmount != 500 {
		t.Fatalf("entry accounting wrong: %+v", got)
	}
}

func TestOpenFromSignal_SimulationFillsInline(t *testing.T) {
	q := &fakeQueue{}
	m := NewManager(config.NewStore(nil), q, events.NewLog(nil, nil), nil, models.ModeSimulation)

	p, err := m.OpenFromSignal(context.Background(), scoredBuy("wallet-1", "token-1"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if q.count() != 0 {
		t.Fatalf("simulated entry must not touch the swap queue, got %d orders", q.count())
	}
	if p.Status != models.StatusOpen {
		t.Fatalf("simulated entry must open immediately, got %s", p.Status)
	}
	if p.EntryPrice != 1.0 {
		t.Fatalf("simulated entry must fill at the signal's observed price, got %f", p.EntryPrice)
	}
	if p.EntryAmount != 0.5 || p.CurrentAmount != 0.5 {
		t.Fatalf("0.5 SOL at price 1.0 buys 0.5 tokens, got entry=%f current=%f",
			p.EntryAmount, p.CurrentAmount)
	}
}

func TestOpenFromSignal_SimulationHonoursBreaker(t *testing.T) {
	q := &fakeQueue{}
	eventLog := events.NewLog(nil, nil)
	brk := breaker.New(config.Default().Breaker, eventLog)
	brk.ForceTrip("testing")
	m := NewManager(config.NewStore(nil), q, eventLog, brk, models.ModeSimulation)

	p, err := m.OpenFromSignal(context.Background(), scoredBuy("wallet-1", "token-1"))
	if !errors.Is(err, queue.ErrBreakerBlocked) {
		t.Fatalf("expected breaker to block the simulated entry, got %v", err)
	}
	if q.count() != 0 {
		t.Fatalf("blocked entry must not reach the queue")
	}
	got, _ := m.Get(p.ID)
	if got.Status != models.StatusErrored {
		t.Fatalf("blocked entry must error the position, got %s", got.Status)
	}
}

func TestOpenFromSignal_HighConvictionSizing(t *testing.T) {
	m, q := newTestManager(t)

	sig := scoredBuy("wallet-1", "token-1")
	sig.Tier = models.TierHigh
	sig.PositionMultiplier = 1.5

	if _, err := m.OpenFromSignal(context.Background(), sig); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if got := q.last(t).order.AmountSOL; got != 0.75 {
		t.Fatalf("high conviction sizes at 0.75 SOL, got %f", got)
	}
}

func TestOpenFromSignal_EntryFailureErrors(t *testing.T) {
	m, q := newTestManager(t)

	p, _ := m.OpenFromSignal(context.Background(), scoredBuy("wallet-1", "token-1"))
	q.reject(t, "rpc timeout")

	got, _ := m.Get(p.ID)
	if got.Status != models.StatusErrored {
		t.Fatalf("failed entry must error the position, got %s", got.Status)
	}
}

func TestOpenFromSignal_PerTokenLimit(t *testing.T) {
	m, q := newTestManager(t)
	openTestPosition(t, m, q, "wallet-1", "token-1")

	_, err := m.OpenFromSignal(context.Background(), scoredBuy("wallet-2", "token-1"))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded for second position on same token, got %v", err)
	}
}

func TestOpenFromSignal_DuplicatePair(t *testing.T) {
	m, q := newTestManager(t)
	openTestPosition(t, m, q, "wallet-1", "token-1")

	_, err := m.OpenFromSignal(context.Background(), scoredBuy("wallet-1", "token-1"))
	if !errors.Is(err, ErrDuplicatePosition) {
		t.Fatalf("expected ErrDuplicatePosition, got %v", err)
	}
}

func TestOpenFromSignal_ConcurrentLimit(t *testing.T) {
	m, q := newTestManager(t)
	for i := 0; i < 10; i++ {
		openTestPosition(t, m, q, "wallet-1", token(i))
	}

	_, err := m.OpenFromSignal(context.Background(), scoredBuy("wallet-1", "token-over"))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded at max concurrent, got %v", err)
	}
}

func token(i int) string {
	return "token-" + string(rune('a'+i))
}

func TestOpenFromSignal_ClusterLimit(t *testing.T) {
	m, q := newTestManager(t)

	for i := 0; i < 3; i++ {
		sig := scoredBuy("wallet-"+string(rune('a'+i)), token(i))
		sig.Wallet.ClusterID = "cluster-1"
		if _, err := m.OpenFromSignal(context.Background(), sig); err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
		q.fill(t, 1.0, 500)
	}

	sig := scoredBuy("wallet-d", "token-x")
	sig.Wallet.ClusterID = "cluster-1"
	if _, err := m.OpenFromSignal(context.Background(), sig); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected cluster limit, got %v", err)
	}
}

func TestApplyPriceUpdate_StopLossClosesPosition(t *testing.T) {
	m, q := newTestManager(t)
	p := openTestPosition(t, m, q, "wallet-1", "token-1")

	m.ApplyPriceUpdate(context.Background(), "token-1", 0.75, time.Now())

	item := q.last(t)
	if item.order.Type != models.OrderExitStopLoss || item.priority != models.PriorityUrgent {
		t.Fatalf("expected URGENT stop loss order, got %s %s", item.priority, item.order.Type)
	}
	if item.order.AmountToken != 500 {
		t.Fatalf("stop loss sells the whole holding, got %f", item.order.AmountToken)
	}

	mid, _ := m.Get(p.ID)
	if mid.Status != models.StatusExiting {
		t.Fatalf("expected exiting while the order is in flight, got %s", mid.Status)
	}

	q.fill(t, 0.75, 0)
	got, _ := m.Get(p.ID)
	if got.Status != models.StatusClosed || got.CloseReason != string(models.OrderExitStopLoss) {
		t.Fatalf("expected closed by stop loss, got %s (%s)", got.Status, got.CloseReason)
	}
	// 0.5 SOL at -25% price move.
	if got.RealizedPnL > -0.124 || got.RealizedPnL < -0.126 {
		t.Fatalf("expected realized ~-0.125 SOL, got %f", got.RealizedPnL)
	}
	if got.CurrentAmount != 0 || got.UnrealizedPnL != 0 {
		t.Fatalf("closed position must hold nothing: %+v", got)
	}
}

func TestApplyPriceUpdate_ScalingFiresOnce(t *testing.T) {
	m, q := newTestManager(t)
	p := openTestPosition(t, m, q, "wallet-1", "token-1")

	m.ApplyPriceUpdate(context.Background(), "token-1", 2.05, time.Now())

	item := q.last(t)
	if item.order.Type != models.OrderExitScaling || item.priority != models.PriorityLow {
		t.Fatalf("expected LOW scaling order, got %s %s", item.priority, item.order.Type)
	}
	if item.order.AmountToken != 250 {
		t.Fatalf("level 0 sells half of entry amount, got %f", item.order.AmountToken)
	}

	q.fill(t, 2.05, 0)
	got, _ := m.Get(p.ID)
	if got.Status != models.StatusOpen {
		t.Fatalf("partial exit must keep the position open, got %s", got.Status)
	}
	if got.CurrentAmount != 250 {
		t.Fatalf("expected 250 tokens left, got %f", got.CurrentAmount)
	}
	if got.RealizedPnL <= 0 {
		t.Fatalf("scaling out in profit must realize gains, got %f", got.RealizedPnL)
	}

	// Same price again: level 0 is spent, level 1 (200%) not reached.
	before := q.count()
	m.ApplyPriceUpdate(context.Background(), "token-1", 2.05, time.Now())
	if q.count() != before {
		t.Fatalf("executed scaling level fired twice")
	}
}

func TestApplyPriceUpdate_JumpFiresAllClearedLevels(t *testing.T) {
	m, q := newTestManager(t)
	openTestPosition(t, m, q, "wallet-1", "token-1")

	// One tick past both profit levels (100% and 200%).
	before := q.count()
	m.ApplyPriceUpdate(context.Background(), "token-1", 3.10, time.Now())

	if got := q.count() - before; got != 2 {
		t.Fatalf("a jump past both levels must fire both in one tick, got %d orders", got)
	}
	q.mu.Lock()
	first := q.entries[before].order
	second := q.entries[before+1].order
	q.mu.Unlock()
	if first.AmountToken != 250 || second.AmountToken != 125 {
		t.Fatalf("expected half then quarter of entry, got %f and %f",
			first.AmountToken, second.AmountToken)
	}
}

func TestApplyPriceUpdate_ScalingFailureRearms(t *testing.T) {
	m, q := newTestManager(t)
	openTestPosition(t, m, q, "wallet-1", "token-1")

	m.ApplyPriceUpdate(context.Background(), "token-1", 2.05, time.Now())
	q.reject(t, "slippage")

	before := q.count()
	m.ApplyPriceUpdate(context.Background(), "token-1", 2.06, time.Now())
	if q.count() != before+1 {
		t.Fatalf("failed scaling level must rearm for the next tick")
	}
}

func TestApplyPriceUpdate_DropsOutOfOrder(t *testing.T) {
	m, q := newTestManager(t)
	p := openTestPosition(t, m, q, "wallet-1", "token-1")

	now := time.Now()
	m.ApplyPriceUpdate(context.Background(), "token-1", 1.10, now)
	m.ApplyPriceUpdate(context.Background(), "token-1", 0.50, now.Add(-time.Minute))

	got, _ := m.Get(p.ID)
	if got.CurrentPrice != 1.10 {
		t.Fatalf("older price must not overwrite newer, got %f", got.CurrentPrice)
	}
	if got.PeakPrice != 1.10 {
		t.Fatalf("peak must track the applied high, got %f", got.PeakPrice)
	}
	_ = q
}

func TestApplyPriceUpdate_PeakMonotonic(t *testing.T) {
	m, q := newTestManager(t)
	p := openTestPosition(t, m, q, "wallet-1", "token-1")
	_ = q

	base := time.Now()
	m.ApplyPriceUpdate(context.Background(), "token-1", 1.40, base.Add(time.Second))
	m.ApplyPriceUpdate(context.Background(), "token-1", 1.20, base.Add(2*time.Second))

	got, _ := m.Get(p.ID)
	if got.PeakPrice != 1.40 {
		t.Fatalf("peak must never decrease, got %f", got.PeakPrice)
	}
	if got.CurrentPrice != 1.20 {
		t.Fatalf("current must follow the latest update, got %f", got.CurrentPrice)
	}
}

func TestHandleSell_MirrorExitCritical(t *testing.T) {
	m, q := newTestManager(t)
	p := openTestPosition(t, m, q, "wallet-1", "token-1")

	m.HandleSell(context.Background(), models.SwapEvent{
		TxSignature: "sig-sell",
		Wallet:      "wallet-1",
		Token:       "token-1",
		Direction:   models.DirectionSell,
	})

	item := q.last(t)
	if item.order.Type != models.OrderExitMirror || item.priority != models.PriorityCritical {
		t.Fatalf("expected CRITICAL mirror exit, got %s %s", item.priority, item.order.Type)
	}

	q.fill(t, 1.0, 0)
	got, _ := m.Get(p.ID)
	if got.Status != models.StatusClosed {
		t.Fatalf("mirror fill must close, got %s", got.Status)
	}
}

func TestHandleSell_IgnoresUnrelatedWallet(t *testing.T) {
	m, q := newTestManager(t)
	openTestPosition(t, m, q, "wallet-1", "token-1")

	before := q.count()
	m.HandleSell(context.Background(), models.SwapEvent{
		Wallet: "wallet-other", Token: "token-1", Direction: models.DirectionSell,
	})
	if q.count() != before {
		t.Fatalf("sell by an unrelated wallet must not exit our position")
	}
}

func TestManualExit_RequiresOpen(t *testing.T) {
	m, q := newTestManager(t)
	p, _ := m.OpenFromSignal(context.Background(), scoredBuy("wallet-1", "token-1"))

	// Still pending entry.
	if err := m.ManualExit(context.Background(), p.ID, "testing"); err == nil {
		t.Fatalf("manual exit on a pending position must be rejected")
	}
	if err := m.ManualExit(context.Background(), "no-such-id", "testing"); err == nil {
		t.Fatalf("manual exit on unknown ID must be rejected")
	}
	_ = q
}

func TestRecover_OrphansInFlightPositions(t *testing.T) {
	m, _ := newTestManager(t)

	loader := staticLoader{positions: []models.Position{
		{ID: "p-open", Status: models.StatusOpen, Token: "token-1", EntryAmount: 100, CurrentAmount: 100},
		{ID: "p-pending", Status: models.StatusPendingEntry, Token: "token-2"},
		{ID: "p-exiting", Status: models.StatusExiting, Token: "token-3"},
	}}
	if err := m.Recover(context.Background(), loader); err != nil {
		t.Fatalf("recover failed: %v", err)
	}

	if got, ok := m.Get("p-open"); !ok || got.Status != models.StatusOpen {
		t.Fatalf("open position must survive recovery: %+v", got)
	}
	if _, ok := m.Get("p-pending"); ok {
		t.Fatalf("pending position must be orphaned, not tracked")
	}
	if _, ok := m.Get("p-exiting"); ok {
		t.Fatalf("exiting position must be orphaned, not tracked")
	}
}

type staticLoader struct{ positions []models.Position }

func (l staticLoader) LoadOpenPositions(ctx context.Context) ([]models.Position, error) {
	return l.positions, nil
}
