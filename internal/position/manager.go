package position

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walltrack/walltrack-engine/internal/breaker"
	"github.com/walltrack/walltrack-engine/internal/config"
	"github.com/walltrack/walltrack-engine/internal/events"
	"github.com/walltrack/walltrack-engine/internal/exits"
	"github.com/walltrack/walltrack-engine/internal/queue"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Position Manager
//
// Sole owner of position state. Every mutation happens under the manager
// lock and follows the lifecycle pending_entry -> open -> exiting ->
// closed, with errored as the terminal failure state. Everything else
// (API, price monitor, event log) sees value snapshots.

// ErrLimitExceeded means a concurrency, per-token or per-cluster limit
// blocked a new position.
var ErrLimitExceeded = errors.New("limit_exceeded")

// ErrDuplicatePosition means an open or pending position already tracks
// this wallet+token pair.
var ErrDuplicatePosition = errors.New("duplicate_position")

// Enqueuer is the swap queue surface the manager uses. *queue.SwapQueue
// satisfies it.
type Enqueuer interface {
	Enqueue(o models.Order, prio models.Priority, callback func(models.Order)) error
}

// Loader restores open positions on restart. *db.PostgresStore satisfies it.
type Loader interface {
	LoadOpenPositions(ctx context.Context) ([]models.Position, error)
}

type Manager struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	clusters  map[string]string // position ID -> cluster ID, for the per-cluster limit

	cfgStore *config.Store
	queue    Enqueuer
	eventLog *events.Log
	brk      *breaker.Breaker
	mode     models.TradeMode
}

func NewManager(cfgStore *config.Store, q Enqueuer, eventLog *events.Log, brk *breaker.Breaker, mode models.TradeMode) *Manager {
	return &Manager{
		positions: make(map[string]*models.Position),
		clusters:  make(map[string]string),
		cfgStore:  cfgStore,
		queue:     q,
		eventLog:  eventLog,
		brk:       brk,
		mode:      mode,
	}
}

// Recover reloads non-terminal positions from the store. Positions stuck in
// pending_entry or exiting are moved to errored: their in-flight order died
// with the previous process and its outcome is unknowable.
func (m *Manager) Recover(ctx context.Context, loader Loader) error {
	persisted, err := loader.LoadOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("position recovery failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	recovered, abandoned := 0, 0
	for i := range persisted {
		p := persisted[i]
		if p.Status == models.StatusPendingEntry || p.Status == models.StatusExiting {
			p.Status = models.StatusErrored
			p.CloseReason = "orphaned_by_restart"
			now := time.Now()
			p.ClosedAt = &now
			m.eventLog.RecordPosition(ctx, p)
			abandoned++
			continue
		}
		if p.ExecutedScalingLevels == nil {
			p.ExecutedScalingLevels = make(map[int]bool)
		}
		m.positions[p.ID] = &p
		recovered++
	}
	log.Printf("[PositionManager] Recovered %d open positions (%d orphaned)", recovered, abandoned)
	return nil
}

// OpenFromSignal creates a position for a trade-eligible scored signal.
// Sizing is base size times the conviction multiplier. Limits are enforced
// here, before the queue ever sees the order. Live entries go through the
// swap queue; simulated entries fill inline at the signal's observed price,
// since there is no gateway call to pace.
func (m *Manager) OpenFromSignal(ctx context.Context, sig models.ScoredSignal) (models.Position, error) {
	cfg := m.cfgStore.Snapshot()

	mode := m.mode
	if sig.Wallet.SimulationOnly {
		mode = models.ModeSimulation
	}

	m.mu.Lock()
	if err := m.checkLimitsLocked(sig, cfg.Sizing); err != nil {
		m.mu.Unlock()
		return models.Position{}, err
	}

	sizeSOL := cfg.Sizing.BaseSizeSOL * sig.PositionMultiplier

	p := &models.Position{
		ID:                    uuid.NewString(),
		Wallet:                sig.Event.Wallet,
		Token:                 sig.Event.Token,
		Mode:                  mode,
		Status:                models.StatusPendingEntry,
		EntryValueSOL:         sizeSOL,
		ExitStrategyID:        cfg.Exits.DefaultStrategyID,
		ExecutedScalingLevels: make(map[int]bool),
		OpenedAt:              time.Now(),
	}
	m.positions[p.ID] = p
	if sig.Wallet.ClusterID != "" {
		m.clusters[p.ID] = sig.Wallet.ClusterID
	}
	snapshot := *p
	m.mu.Unlock()

	m.eventLog.RecordPosition(ctx, snapshot)

	order := models.Order{
		ID:          uuid.NewString(),
		PositionID:  p.ID,
		Type:        models.OrderEntry,
		Mode:        mode,
		Token:       sig.Event.Token,
		AmountSOL:   sizeSOL,
		Price:       sig.Token.PriceUSD,
		Status:      models.OrderPending,
		MaxRetries:  cfg.Queue.MaxRetries,
		RequestedAt: time.Now(),
	}

	if mode == models.ModeSimulation {
		return m.simulateEntry(ctx, snapshot, order)
	}

	if err := m.queue.Enqueue(order, models.PriorityNormal, m.onEntryResult); err != nil {
		m.transition(ctx, p.ID, func(p *models.Position) {
			p.Status = models.StatusErrored
			p.CloseReason = err.Error()
			now := time.Now()
			p.ClosedAt = &now
		})
		return snapshot, err
	}

	log.Printf("[PositionManager] Opened %s position %s: %s via %s (%.3f SOL, tier=%s)",
		mode, p.ID, sig.Event.Token, sig.Event.Wallet, sizeSOL, sig.Tier)
	return snapshot, nil
}

// simulateEntry settles a simulation entry immediately at the order's
// requested price. The breaker's entry block applies here exactly as it
// does on a NORMAL enqueue.
func (m *Manager) simulateEntry(ctx context.Context, snapshot models.Position, order models.Order) (models.Position, error) {
	if m.brk != nil && m.brk.Active() {
		err := fmt.Errorf("%w: simulated entry for %s", queue.ErrBreakerBlocked, order.Token)
		m.transition(ctx, snapshot.ID, func(p *models.Position) {
			p.Status = models.StatusErrored
			p.CloseReason = err.Error()
			now := time.Now()
			p.ClosedAt = &now
		})
		return snapshot, err
	}

	now := time.Now()
	order.Status = models.OrderExecuted
	order.SubmittedAt = &now
	order.CompletedAt = &now
	m.eventLog.RecordOrder(ctx, order, models.PriorityNormal)
	m.onEntryResult(order)

	log.Printf("[PositionManager] Opened simulated position %s: %s (%.3f SOL at %.6f)",
		snapshot.ID, order.Token, order.AmountSOL, order.Price)
	opened, _ := m.Get(snapshot.ID)
	return opened, nil
}

// checkLimitsLocked enforces sizing limits against non-terminal positions.
// Caller holds the lock.
func (m *Manager) checkLimitsLocked(sig models.ScoredSignal, sizing config.SizingParams) error {
	total, perToken, perCluster := 0, 0, 0
	for id, p := range m.positions {
		if p.Status.Terminal() {
			continue
		}
		total++
		if p.Token == sig.Event.Token {
			perToken++
			if p.Wallet == sig.Event.Wallet {
				return fmt.Errorf("%w: position already tracks %s/%s", ErrDuplicatePosition, sig.Event.Wallet, sig.Event.Token)
			}
		}
		if sig.Wallet.ClusterID != "" && m.clusters[id] == sig.Wallet.ClusterID {
			perCluster++
		}
	}
	if total >= sizing.MaxConcurrentPositions {
		return fmt.Errorf("%w: max concurrent positions (%d)", ErrLimitExceeded, sizing.MaxConcurrentPositions)
	}
	if perToken >= sizing.MaxPerToken {
		return fmt.Errorf("%w: max positions per token (%d)", ErrLimitExceeded, sizing.MaxPerToken)
	}
	if sig.Wallet.ClusterID != "" && perCluster >= sizing.MaxPerCluster {
		return fmt.Errorf("%w: max positions per cluster (%d)", ErrLimitExceeded, sizing.MaxPerCluster)
	}
	return nil
}

// onEntryResult runs on the queue worker after the entry order settles.
func (m *Manager) onEntryResult(o models.Order) {
	ctx := context.Background()
	switch o.Status {
	case models.OrderExecuted:
		m.transition(ctx, o.PositionID, func(p *models.Position) {
			p.Status = models.StatusOpen
			p.EntryPrice = o.Price
			p.CurrentPrice = o.Price
			p.PeakPrice = o.Price
			p.PriceUpdatedAt = time.Now()
			if o.AmountToken > 0 {
				p.EntryAmount = o.AmountToken
			} else if o.Price > 0 {
				// Simulated fill without an out amount: derive a nominal
				// token quantity so fractions stay meaningful.
				p.EntryAmount = o.AmountSOL / o.Price
			} else {
				p.EntryAmount = o.AmountSOL
			}
			p.CurrentAmount = p.EntryAmount
		})
	case models.OrderFailed:
		m.transition(ctx, o.PositionID, func(p *models.Position) {
			p.Status = models.StatusErrored
			p.CloseReason = "entry_failed: " + o.Error
			now := time.Now()
			p.ClosedAt = &now
		})
	}
}

// HandleSell routes a sell by a monitored wallet to the mirror-exit check
// on any open position tracking that wallet+token.
func (m *Manager) HandleSell(ctx context.Context, ev models.SwapEvent) {
	cfg := m.cfgStore.Snapshot()

	m.mu.RLock()
	var candidates []models.Position
	for _, p := range m.positions {
		if p.Status == models.StatusOpen && p.Wallet == ev.Wallet && p.Token == ev.Token {
			candidates = append(candidates, *p)
		}
	}
	m.mu.RUnlock()

	for _, p := range candidates {
		strat := exits.Effective(cfg.Strategy(p.ExitStrategyID), p.ExitOverride)
		if d := exits.EvaluateMirror(p, strat, ev); d != nil {
			m.executeExit(ctx, p, *d, cfg)
		}
	}
}

// ApplyPriceUpdate feeds a fresh price into every position holding the
// token, then runs the exit rules. Out-of-order updates are dropped: a
// price older than the one already applied never overwrites it.
func (m *Manager) ApplyPriceUpdate(ctx context.Context, token string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	cfg := m.cfgStore.Snapshot()

	m.mu.Lock()
	var updated []models.Position
	for _, p := range m.positions {
		if p.Token != token || p.Status != models.StatusOpen {
			continue
		}
		if !at.After(p.PriceUpdatedAt) {
			continue
		}
		p.CurrentPrice = price
		p.PriceUpdatedAt = at
		if price > p.PeakPrice {
			p.PeakPrice = price
		}
		p.UnrealizedPnL = m.unrealized(p)
		updated = append(updated, *p)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, p := range updated {
		strat := exits.Effective(cfg.Strategy(p.ExitStrategyID), p.ExitOverride)
		// A single tick can jump past several profit levels. Re-evaluate
		// against the refreshed snapshot until no further rule fires; each
		// executed level is marked, so the loop always advances.
		for {
			d := exits.Evaluate(p, strat, now)
			if d == nil {
				break
			}
			m.executeExit(ctx, p, *d, cfg)
			if d.Fraction >= 1.0 {
				break
			}
			refreshed, ok := m.Get(p.ID)
			if !ok {
				break
			}
			p = refreshed
		}
	}
}

// ManualExit closes a position on operator request, at CRITICAL priority.
func (m *Manager) ManualExit(ctx context.Context, positionID, reason string) error {
	m.mu.RLock()
	p, ok := m.positions[positionID]
	var snapshot models.Position
	if ok {
		snapshot = *p
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	if snapshot.Status != models.StatusOpen {
		return fmt.Errorf("position %s is %s, not open", positionID, snapshot.Status)
	}
	m.executeExit(ctx, snapshot, exits.Decision{
		Type:     models.OrderExitManual,
		Priority: models.PriorityCritical,
		Fraction: 1.0,
		Reason:   "manual: " + reason,
	}, m.cfgStore.Snapshot())
	return nil
}

// executeExit transitions the position and enqueues the exit order. Full
// exits move to exiting; scaling exits keep the position open.
func (m *Manager) executeExit(ctx context.Context, p models.Position, d exits.Decision, cfg *config.Config) {
	full := d.Fraction >= 1.0

	var amountToken float64
	ok := m.transition(ctx, p.ID, func(live *models.Position) {
		if live.Status != models.StatusOpen {
			return
		}
		if full {
			live.Status = models.StatusExiting
			amountToken = live.CurrentAmount
		} else {
			if live.ExecutedScalingLevels[d.LevelIndex] {
				return
			}
			// Mark before execution so a concurrent evaluation can never
			// double-fire the same level.
			live.ExecutedScalingLevels[d.LevelIndex] = true
			amountToken = live.EntryAmount * d.Fraction
			if amountToken > live.CurrentAmount {
				amountToken = live.CurrentAmount
			}
		}
	})
	if !ok || amountToken <= 0 {
		return
	}

	order := models.Order{
		ID:          uuid.NewString(),
		PositionID:  p.ID,
		Type:        d.Type,
		Mode:        p.Mode,
		Token:       p.Token,
		AmountToken: amountToken,
		Price:       p.CurrentPrice,
		Status:      models.OrderPending,
		MaxRetries:  cfg.Queue.MaxRetries,
		RequestedAt: time.Now(),
	}

	log.Printf("[PositionManager] Exit on %s: %s (%s)", p.ID, d.Type, d.Reason)

	callback := m.onFullExitResult
	if !full {
		callback = func(o models.Order) { m.onScalingExitResult(o, d.LevelIndex) }
	}
	if err := m.queue.Enqueue(order, d.Priority, callback); err != nil {
		// Exits are never breaker-gated, so this is a stopped queue.
		log.Printf("[PositionManager] Failed to enqueue exit for %s: %v", p.ID, err)
		m.transition(ctx, p.ID, func(live *models.Position) {
			if full && live.Status == models.StatusExiting {
				live.Status = models.StatusOpen
			}
		})
	}
}

// onFullExitResult settles a full exit: executed closes the position,
// terminal failure moves it to errored so an operator can intervene.
func (m *Manager) onFullExitResult(o models.Order) {
	ctx := context.Background()
	switch o.Status {
	case models.OrderExecuted:
		var closed models.Position
		m.transition(ctx, o.PositionID, func(p *models.Position) {
			exitPrice := o.Price
			if exitPrice <= 0 {
				exitPrice = p.CurrentPrice
			}
			p.RealizedPnL += m.realized(p, o.AmountToken, exitPrice, o.AmountSOL)
			p.CurrentAmount = 0
			p.UnrealizedPnL = 0
			p.Status = models.StatusClosed
			p.CloseReason = string(o.Type)
			now := time.Now()
			p.ClosedAt = &now
			closed = *p
		})
		if closed.ID != "" {
			log.Printf("[PositionManager] Closed %s: %s, realized %.4f SOL", closed.ID, closed.CloseReason, closed.RealizedPnL)
			if m.brk != nil {
				m.brk.RecordClose(closed)
			}
		}
	case models.OrderFailed:
		m.transition(ctx, o.PositionID, func(p *models.Position) {
			p.Status = models.StatusErrored
			p.CloseReason = "exit_failed: " + o.Error
			now := time.Now()
			p.ClosedAt = &now
		})
	}
}

// onScalingExitResult settles a partial exit. Failure unmarks the level so
// a later price tick can retry it.
func (m *Manager) onScalingExitResult(o models.Order, levelIndex int) {
	ctx := context.Background()
	switch o.Status {
	case models.OrderExecuted:
		m.transition(ctx, o.PositionID, func(p *models.Position) {
			exitPrice := o.Price
			if exitPrice <= 0 {
				exitPrice = p.CurrentPrice
			}
			p.RealizedPnL += m.realized(p, o.AmountToken, exitPrice, o.AmountSOL)
			p.CurrentAmount -= o.AmountToken
			if p.CurrentAmount < 0 {
				p.CurrentAmount = 0
			}
			p.UnrealizedPnL = m.unrealized(p)
		})
	case models.OrderFailed:
		m.transition(ctx, o.PositionID, func(p *models.Position) {
			delete(p.ExecutedScalingLevels, levelIndex)
		})
	}
}

// realized computes the SOL profit of selling tokensSold. A live fill
// reports actual SOL proceeds; otherwise the price ratio against entry
// prices the sale.
func (m *Manager) realized(p *models.Position, tokensSold, exitPrice, proceedsSOL float64) float64 {
	if p.EntryAmount <= 0 {
		return 0
	}
	fraction := tokensSold / p.EntryAmount
	costSOL := p.EntryValueSOL * fraction
	if proceedsSOL > 0 {
		return proceedsSOL - costSOL
	}
	if p.EntryPrice <= 0 {
		return 0
	}
	return costSOL * (exitPrice/p.EntryPrice - 1)
}

// unrealized prices the remaining holding against entry. Caller holds the
// lock.
func (m *Manager) unrealized(p *models.Position) float64 {
	if p.EntryAmount <= 0 || p.EntryPrice <= 0 {
		return 0
	}
	fraction := p.CurrentAmount / p.EntryAmount
	return p.EntryValueSOL * fraction * (p.CurrentPrice/p.EntryPrice - 1)
}

// RunHousekeeping periodically asks the breaker to deactivate and prunes
// terminal positions older than the retention window from memory. The
// database keeps the full history.
func (m *Manager) RunHousekeeping(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.brk != nil {
				m.brk.TryDeactivate()
			}
			m.pruneTerminal(time.Hour)
		}
	}
}

func (m *Manager) pruneTerminal(retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.positions {
		if p.Status.Terminal() && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			delete(m.positions, id)
			delete(m.clusters, id)
		}
	}
}

// transition applies a mutation to one position under the lock, then logs
// the resulting snapshot. Returns false when the position is unknown.
func (m *Manager) transition(ctx context.Context, id string, fn func(*models.Position)) bool {
	m.mu.Lock()
	p, ok := m.positions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	fn(p)
	snapshot := *p
	m.mu.Unlock()

	m.eventLog.RecordPosition(ctx, snapshot)
	return true
}

// Get returns a snapshot of one position.
func (m *Manager) Get(id string) (models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

// List returns snapshots of all tracked positions, optionally filtered to
// non-terminal ones.
func (m *Manager) List(openOnly bool) []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		if openOnly && p.Status.Terminal() {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// OpenTokens returns the set of tokens with non-terminal positions, for the
// price monitor's watch set.
func (m *Manager) OpenTokens() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokens := make(map[string]bool)
	for _, p := range m.positions {
		if !p.Status.Terminal() {
			tokens[p.Token] = true
		}
	}
	return tokens
}
