package breaker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/walltrack/walltrack-engine/internal/config"
	"github.com/walltrack/walltrack-engine/internal/events"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Circuit Breaker
//
// Watches realized outcomes over a rolling window of closed positions and
// halts new entries when the session turns against us. Only NORMAL-priority
// entries are gated; exits always run. Open positions keep their exit
// management while the breaker is active.

type outcome struct {
	pnlSOL   float64
	win      bool
	closedAt time.Time
}

type Breaker struct {
	mu sync.Mutex

	cfg       config.BreakerParams
	window    []outcome
	active    bool
	reason    string
	trippedAt time.Time

	// cooldownUntil is set on the first deactivation attempt after a trip,
	// not at trip time. A quiet period with no attempts does not count
	// toward the cooldown.
	cooldownUntil time.Time

	// manual overrides from the admin API
	forcedActive bool

	eventLog *events.Log
}

func New(cfg config.BreakerParams, eventLog *events.Log) *Breaker {
	return &Breaker{
		cfg:      cfg,
		window:   make([]outcome, 0, cfg.WindowSize),
		eventLog: eventLog,
	}
}

// Reconfigure swaps the trip thresholds on a config change. The current
// window and state survive.
func (b *Breaker) Reconfigure(cfg config.BreakerParams) {
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// Active reports whether new entries are blocked. The swap queue calls this
// on every NORMAL enqueue.
func (b *Breaker) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active || b.forcedActive
}

// RecordClose feeds one closed position's realized outcome into the rolling
// window and evaluates the trip conditions.
func (b *Breaker) RecordClose(p models.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window = append(b.window, outcome{
		pnlSOL:   p.RealizedPnL,
		win:      p.RealizedPnL > 0,
		closedAt: time.Now(),
	})
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}

	if b.active || b.forcedActive {
		return
	}
	if reason, ok := b.shouldTrip(); ok {
		b.trip(reason)
	}
}

// TryDeactivate is called by the position manager's housekeeping tick. The
// first attempt after a trip starts the cooldown clock; once the cooldown
// has elapsed and the trip condition has cleared, the breaker resets.
func (b *Breaker) TryDeactivate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active || b.forcedActive {
		return false
	}

	if b.cooldownUntil.IsZero() {
		b.cooldownUntil = time.Now().Add(time.Duration(b.cfg.Thresholds.CooldownMinutes) * time.Minute)
		return false
	}
	if time.Now().Before(b.cooldownUntil) {
		return false
	}
	if _, stillBad := b.shouldTrip(); stillBad {
		// Condition persists; restart the cooldown rather than flapping.
		b.cooldownUntil = time.Now().Add(time.Duration(b.cfg.Thresholds.CooldownMinutes) * time.Minute)
		return false
	}

	b.active = false
	b.reason = ""
	b.cooldownUntil = time.Time{}
	log.Println("[Breaker] Deactivated, entries resumed")
	b.emit(false, "cooldown_elapsed")
	return true
}

// ForceTrip activates the breaker manually. It stays active until ForceReset.
func (b *Breaker) ForceTrip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forcedActive {
		return
	}
	b.forcedActive = true
	log.Printf("[Breaker] Manually tripped: %s", reason)
	b.emit(true, "manual: "+reason)
}

// ForceReset clears both manual and automatic activation and empties the
// rolling window so stale losses cannot immediately re-trip.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.forcedActive && !b.active {
		return
	}
	b.forcedActive = false
	b.active = false
	b.reason = ""
	b.cooldownUntil = time.Time{}
	b.window = b.window[:0]
	log.Println("[Breaker] Manually reset")
	b.emit(false, "manual_reset")
}

// Status returns the current state for the health endpoint.
func (b *Breaker) Status() (active bool, reason string, metrics models.BreakerMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active || b.forcedActive, b.reason, b.metricsLocked()
}

// shouldTrip evaluates the trip conditions against the current window.
// Caller holds the lock.
func (b *Breaker) shouldTrip() (string, bool) {
	m := b.metricsLocked()

	if m.ConsecutiveLosses >= b.cfg.Thresholds.ConsecutiveLossLimit && b.cfg.Thresholds.ConsecutiveLossLimit > 0 {
		return "consecutive_losses", true
	}
	if m.WindowSize < b.cfg.Thresholds.MinPositions {
		// Win rate and drawdown are too noisy on a short window.
		return "", false
	}
	if m.DrawdownPct >= b.cfg.Thresholds.MaxDrawdownPct {
		return "session_drawdown", true
	}
	if m.WinRate < b.cfg.Thresholds.MinWinRate {
		return "win_rate_collapse", true
	}
	return "", false
}

// metricsLocked computes the rolling-window metrics. Drawdown is the peak
// to trough decline of the cumulative PnL curve, as a percentage of peak
// equity including the baseline session size. Caller holds the lock.
func (b *Breaker) metricsLocked() models.BreakerMetrics {
	m := models.BreakerMetrics{WindowSize: len(b.window)}

	wins := 0
	cum, peak, maxDecline := 0.0, 0.0, 0.0
	consecutive := 0
	for _, o := range b.window {
		if o.win {
			wins++
			consecutive = 0
		} else {
			consecutive++
		}
		cum += o.pnlSOL
		if cum > peak {
			peak = cum
		}
		if decline := peak - cum; decline > maxDecline {
			maxDecline = decline
		}
	}
	m.TotalPnL = cum
	m.ConsecutiveLosses = consecutive
	if len(b.window) > 0 {
		m.WinRate = float64(wins) / float64(len(b.window))
	}
	// Normalise the decline against one SOL of session capital so the
	// threshold reads as a percentage of a unit stake.
	m.DrawdownPct = maxDecline * 100.0
	return m
}

// trip activates the breaker. Caller holds the lock.
func (b *Breaker) trip(reason string) {
	b.active = true
	b.reason = reason
	b.trippedAt = time.Now()
	b.cooldownUntil = time.Time{}
	log.Printf("[Breaker] TRIPPED: %s (window=%d)", reason, len(b.window))
	b.emit(true, reason)
}

// emit appends a transition record. Caller holds the lock.
func (b *Breaker) emit(active bool, reason string) {
	if b.eventLog == nil {
		return
	}
	b.eventLog.RecordBreakerEvent(context.Background(), models.BreakerEvent{
		Active:     active,
		Reason:     reason,
		Metrics:    b.metricsLocked(),
		Thresholds: b.cfg.Thresholds,
		At:         time.Now(),
	})
}
