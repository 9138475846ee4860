package exits

import (
	"testing"
	"time"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

func standardStrategy() models.ExitStrategy {
	return models.ExitStrategy{
		ID:                    "standard",
		StopLossPct:           20,
		TrailingPct:           15,
		TrailingActivationPct: 50,
		ScalingLevels: []models.ScalingLevel{
			{ProfitPct: 100, Fraction: 0.5},
			{ProfitPct: 200, Fraction: 0.25},
		},
		MirrorExit: true,
	}
}

func openPosition(entry, current, peak float64) models.Position {
	now := time.Now()
	return models.Position{
		ID:                    "pos-1",
		Wallet:                "wallet-1",
		Token:                 "token-1",
		Status:                models.StatusOpen,
		EntryPrice:            entry,
		CurrentPrice:          current,
		PeakPrice:             peak,
		EntryAmount:           1000,
		CurrentAmount:         1000,
		PriceUpdatedAt:        now,
		ExecutedScalingLevels: map[int]bool{},
	}
}

func TestEvaluate_StopLossFires(t *testing.T) {
	p := openPosition(1.0, 0.79, 1.0) // -21%

	d := Evaluate(p, standardStrategy(), time.Now())
	if d == nil || d.Type != models.OrderExitStopLoss {
		t.Fatalf("expected stop loss, got %+v", d)
	}
	if d.Priority != models.PriorityUrgent || d.Fraction != 1.0 {
		t.Fatalf("stop loss must be a full URGENT exit, got %+v", d)
	}
}

func TestEvaluate_StopLossOutranksScaling(t *testing.T) {
	// Contrived: deep in profit on peak, but current price crashed through
	// the stop. The stop must win over any unexecuted scaling level.
	strat := standardStrategy()
	strat.ScalingLevels = []models.ScalingLevel{{ProfitPct: 1, Fraction: 0.5}}
	p := openPosition(1.0, 0.70, 3.0)

	d := Evaluate(p, strat, time.Now())
	if d == nil || d.Type != models.OrderExitStopLoss {
		t.Fatalf("stop loss must outrank scaling, got %+v", d)
	}
}

func TestEvaluate_TrailingNeedsActivation(t *testing.T) {
	// Peak only +30%, below the 50% activation; a 20% retrace must not fire.
	p := openPosition(1.0, 1.04, 1.30)

	if d := Evaluate(p, standardStrategy(), time.Now()); d != nil && d.Type == models.OrderExitTrailing {
		t.Fatalf("trailing must stay dormant below activation, got %+v", d)
	}
}

func TestEvaluate_TrailingFiresAfterRetrace(t *testing.T) {
	// Peak +100% (activated), retraced 20% from peak.
	p := openPosition(1.0, 1.60, 2.00)

	d := Evaluate(p, standardStrategy(), time.Now())
	if d == nil || d.Type != models.OrderExitTrailing {
		t.Fatalf("expected trailing stop, got %+v", d)
	}
	if d.Priority != models.PriorityUrgent {
		t.Fatalf("trailing stop must be URGENT, got %s", d.Priority)
	}
}

func TestEvaluate_TrailingBeforeScaling(t *testing.T) {
	// Both trailing (activated, retraced) and level 0 (pnl >= 100%) are
	// satisfied; trailing protects more capital and must win.
	p := openPosition(1.0, 2.10, 3.00)

	d := Evaluate(p, standardStrategy(), time.Now())
	if d == nil || d.Type != models.OrderExitTrailing {
		t.Fatalf("trailing must outrank scaling, got %+v", d)
	}
}

func TestEvaluate_ScalingLevelsFireOnceInOrder(t *testing.T) {
	strat := standardStrategy()
	p := openPosition(1.0, 2.05, 2.05) // +105%, no retrace

	d := Evaluate(p, strat, time.Now())
	if d == nil || d.Type != models.OrderExitScaling || d.LevelIndex != 0 {
		t.Fatalf("expected scaling level 0, got %+v", d)
	}
	if d.Fraction != 0.5 || d.Priority != models.PriorityLow {
		t.Fatalf("level 0 sells half at LOW priority, got %+v", d)
	}

	// Level 0 executed; the same price must not re-fire it.
	p.ExecutedScalingLevels[0] = true
	if d := Evaluate(p, strat, time.Now()); d != nil {
		t.Fatalf("executed level fired again: %+v", d)
	}

	// Ride to +210%: level 1 fires exactly once.
	p.CurrentPrice, p.PeakPrice = 3.10, 3.10
	d = Evaluate(p, strat, time.Now())
	if d == nil || d.LevelIndex != 1 || d.Fraction != 0.25 {
		t.Fatalf("expected scaling level 1, got %+v", d)
	}
}

func TestEvaluate_SkipsStalePrice(t *testing.T) {
	p := openPosition(1.0, 0.5, 1.0)
	p.PriceUpdatedAt = time.Now().Add(-10 * time.Minute)

	if d := Evaluate(p, standardStrategy(), time.Now()); d != nil {
		t.Fatalf("stale prices must not trigger exits, got %+v", d)
	}
}

func TestEvaluate_OnlyOpenPositions(t *testing.T) {
	for _, status := range []models.PositionStatus{
		models.StatusPendingEntry, models.StatusExiting, models.StatusClosed, models.StatusErrored,
	} {
		p := openPosition(1.0, 0.5, 1.0)
		p.Status = status
		if d := Evaluate(p, standardStrategy(), time.Now()); d != nil {
			t.Fatalf("status %s must not evaluate, got %+v", status, d)
		}
	}
}

func TestEvaluateMirror_FullAddressMatch(t *testing.T) {
	p := openPosition(1.0, 1.2, 1.2)

	d := EvaluateMirror(p, standardStrategy(), models.SwapEvent{
		Wallet: "wallet-1", Token: "token-1", Direction: models.DirectionSell,
	})
	if d == nil || d.Type != models.OrderExitMirror {
		t.Fatalf("expected mirror exit, got %+v", d)
	}
	if d.Priority != models.PriorityCritical {
		t.Fatalf("mirror exit must be CRITICAL, got %s", d.Priority)
	}
}

func TestEvaluateMirror_IgnoresOtherPairs(t *testing.T) {
	p := openPosition(1.0, 1.2, 1.2)
	strat := standardStrategy()

	cases := []models.SwapEvent{
		{Wallet: "wallet-2", Token: "token-1", Direction: models.DirectionSell},
		{Wallet: "wallet-1", Token: "token-2", Direction: models.DirectionSell},
		{Wallet: "wallet-1", Token: "token-1", Direction: models.DirectionBuy},
	}
	for _, ev := range cases {
		if d := EvaluateMirror(p, strat, ev); d != nil {
			t.Fatalf("mirror must not fire for %+v", ev)
		}
	}
}

func TestEvaluateMirror_RespectsDisabledFlag(t *testing.T) {
	p := openPosition(1.0, 1.2, 1.2)
	strat := standardStrategy()
	strat.MirrorExit = false

	d := EvaluateMirror(p, strat, models.SwapEvent{
		Wallet: "wallet-1", Token: "token-1", Direction: models.DirectionSell,
	})
	if d != nil {
		t.Fatalf("mirror disabled by strategy must not fire, got %+v", d)
	}
}

func TestEvaluateMirror_WorksOnStalePrice(t *testing.T) {
	// The source wallet's sell is the signal; price staleness is irrelevant.
	p := openPosition(1.0, 1.2, 1.2)
	p.PriceUpdatedAt = time.Now().Add(-time.Hour)

	d := EvaluateMirror(p, standardStrategy(), models.SwapEvent{
		Wallet: "wallet-1", Token: "token-1", Direction: models.DirectionSell,
	})
	if d == nil {
		t.Fatalf("mirror exit must fire regardless of price age")
	}
}

func TestEffective_OverrideMerge(t *testing.T) {
	tmpl := standardStrategy()
	stop := 35.0
	levels := []models.ScalingLevel{{ProfitPct: 50, Fraction: 0.3}}

	merged := Effective(tmpl, &models.ExitOverride{
		StopLossPct:   &stop,
		ScalingLevels: &levels,
	})

	if merged.StopLossPct != 35 {
		t.Fatalf("override stop loss not applied: %.1f", merged.StopLossPct)
	}
	if merged.TrailingPct != tmpl.TrailingPct {
		t.Fatalf("unset override fields must inherit the template")
	}
	if len(merged.ScalingLevels) != 1 || merged.ScalingLevels[0].ProfitPct != 50 {
		t.Fatalf("scaling override must replace the list wholesale, got %+v", merged.ScalingLevels)
	}
}

func TestEffective_NilOverrideIsTemplate(t *testing.T) {
	tmpl := standardStrategy()
	if merged := Effective(tmpl, nil); merged.StopLossPct != tmpl.StopLossPct || len(merged.ScalingLevels) != 2 {
		t.Fatalf("nil override must return the template unchanged")
	}
}
