package exits

import (
	"fmt"
	"time"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Exit rule evaluation. Pure decision logic: given a position snapshot and
// its effective strategy, produce at most one exit decision. Execution and
// state transitions belong to the position manager.

// Decision is one exit instruction for the swap queue.
type Decision struct {
	Type     models.OrderType
	Priority models.Priority
	// Fraction of entry_amount to sell. 1.0 is a full exit of whatever
	// remains.
	Fraction float64
	// LevelIndex is set for scaling exits so the manager can mark the level
	// executed exactly once.
	LevelIndex int
	Reason     string
}

// priceMaxAge is how stale a price may be before exit evaluation skips the
// position rather than act on dead data.
const priceMaxAge = 5 * time.Minute

// Effective merges a position's override onto its template. Nil override
// fields inherit; a non-nil scaling list replaces the template's wholesale.
func Effective(tmpl models.ExitStrategy, ov *models.ExitOverride) models.ExitStrategy {
	if ov == nil {
		return tmpl
	}
	if ov.StopLossPct != nil {
		tmpl.StopLossPct = *ov.StopLossPct
	}
	if ov.TrailingPct != nil {
		tmpl.TrailingPct = *ov.TrailingPct
	}
	if ov.TrailingActivationPct != nil {
		tmpl.TrailingActivationPct = *ov.TrailingActivationPct
	}
	if ov.ScalingLevels != nil {
		tmpl.ScalingLevels = *ov.ScalingLevels
	}
	if ov.MirrorExit != nil {
		tmpl.MirrorExit = *ov.MirrorExit
	}
	return tmpl
}

// Evaluate checks a position against its effective strategy after a price
// update. Rule order is fixed: stop loss, then trailing stop, then scaling.
// The first match wins; mirror exits are event-driven and handled
// separately by EvaluateMirror. Returns nil when no rule fires.
//
// Scaling returns the lowest unexecuted eligible level. When one tick jumps
// past several levels the caller re-evaluates with the refreshed snapshot
// until no level is left.
func Evaluate(p models.Position, strat models.ExitStrategy, now time.Time) *Decision {
	if p.Status != models.StatusOpen {
		return nil
	}
	if p.EntryPrice <= 0 || p.CurrentPrice <= 0 {
		return nil
	}
	if now.Sub(p.PriceUpdatedAt) > priceMaxAge {
		return nil
	}

	pnlPct := p.PnLPct()

	if strat.StopLossPct > 0 && pnlPct <= -strat.StopLossPct {
		return &Decision{
			Type:     models.OrderExitStopLoss,
			Priority: models.PriorityUrgent,
			Fraction: 1.0,
			Reason:   fmt.Sprintf("stop_loss: %.1f%% <= -%.1f%%", pnlPct, strat.StopLossPct),
		}
	}

	if d := trailingStop(p, strat); d != nil {
		return d
	}

	for i, lvl := range strat.ScalingLevels {
		if p.ExecutedScalingLevels[i] {
			continue
		}
		if pnlPct >= lvl.ProfitPct {
			return &Decision{
				Type:       models.OrderExitScaling,
				Priority:   models.PriorityLow,
				Fraction:   lvl.Fraction,
				LevelIndex: i,
				Reason:     fmt.Sprintf("scaling_level_%d: %.1f%% >= %.1f%%", i, pnlPct, lvl.ProfitPct),
			}
		}
	}
	return nil
}

// trailingStop fires once the peak has cleared the activation profit and the
// price has retraced the trailing percentage from that peak.
func trailingStop(p models.Position, strat models.ExitStrategy) *Decision {
	if strat.TrailingPct <= 0 || p.PeakPrice <= 0 {
		return nil
	}
	peakPnLPct := (p.PeakPrice - p.EntryPrice) / p.EntryPrice * 100.0
	if peakPnLPct < strat.TrailingActivationPct {
		return nil
	}
	retracePct := (p.PeakPrice - p.CurrentPrice) / p.PeakPrice * 100.0
	if retracePct >= strat.TrailingPct {
		return &Decision{
			Type:     models.OrderExitTrailing,
			Priority: models.PriorityUrgent,
			Fraction: 1.0,
			Reason:   fmt.Sprintf("trailing_stop: %.1f%% retrace from peak", retracePct),
		}
	}
	return nil
}

// EvaluateMirror decides whether a sell by the mirrored wallet closes our
// position. Mirror exits outrank every price-based rule and fire even on
// stale prices; the source wallet's exit is the signal.
func EvaluateMirror(p models.Position, strat models.ExitStrategy, ev models.SwapEvent) *Decision {
	if p.Status != models.StatusOpen {
		return nil
	}
	if !strat.MirrorExit {
		return nil
	}
	if ev.Direction != models.DirectionSell || ev.Wallet != p.Wallet || ev.Token != p.Token {
		return nil
	}
	return &Decision{
		Type:     models.OrderExitMirror,
		Priority: models.PriorityCritical,
		Fraction: 1.0,
		Reason:   "mirror_exit: source wallet sold " + ev.Token,
	}
}
