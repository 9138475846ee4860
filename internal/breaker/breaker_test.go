package breaker

import (
	"testing"

	"github.com/walltrack/walltrack-engine/internal/config"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

func testParams() config.BreakerParams {
	return config.BreakerParams{
		Thresholds: models.BreakerThresholds{
			MaxDrawdownPct:       25,
			MinWinRate:           0.30,
			MinPositions:         10,
			ConsecutiveLossLimit: 5,
			CooldownMinutes:      30,
		},
		WindowSize: 20,
	}
}

func closedPosition(pnlSOL float64) models.Position {
	return models.Position{
		Status:      models.StatusClosed,
		RealizedPnL: pnlSOL,
	}
}

func TestBreaker_ConsecutiveLossesTrip(t *testing.T) {
	b := New(testParams(), nil)

	for i := 0; i < 4; i++ {
		b.RecordClose(closedPosition(-0.01))
		if b.Active() {
			t.Fatalf("breaker tripped after only %d losses", i+1)
		}
	}
	b.RecordClose(closedPosition(-0.01))
	if !b.Active() {
		t.Fatalf("breaker must trip on the fifth consecutive loss")
	}

	_, reason, metrics := b.Status()
	if reason != "consecutive_losses" {
		t.Fatalf("expected consecutive_losses, got %q", reason)
	}
	if metrics.ConsecutiveLosses != 5 {
		t.Fatalf("expected 5 consecutive losses, got %d", metrics.ConsecutiveLosses)
	}
}

func TestBreaker_WinBreaksLossStreak(t *testing.T) {
	b := New(testParams(), nil)

	for i := 0; i < 4; i++ {
		b.RecordClose(closedPosition(-0.01))
	}
	b.RecordClose(closedPosition(0.05))
	for i := 0; i < 4; i++ {
		b.RecordClose(closedPosition(-0.01))
	}
	if b.Active() {
		t.Fatalf("a win must reset the consecutive loss counter")
	}
}

func TestBreaker_WinRateNeedsMinimumWindow(t *testing.T) {
	b := New(testParams(), nil)

	// 3 losses, 1 win: 25% win rate, but only 4 positions. Too few to judge.
	b.RecordClose(closedPosition(-0.01))
	b.RecordClose(closedPosition(0.02))
	b.RecordClose(closedPosition(-0.01))
	b.RecordClose(closedPosition(-0.01))
	if b.Active() {
		t.Fatalf("win rate must not trip below min_positions")
	}
}

func TestBreaker_WinRateCollapseTrips(t *testing.T) {
	b := New(testParams(), nil)

	// 10 closes alternating small wins among mostly losses: 2/10 = 20% win
	// rate, under the 30% floor, with the streak always broken.
	outcomes := []float64{-0.01, -0.01, 0.02, -0.01, -0.01, 0.02, -0.01, -0.01, -0.01, -0.01}
	for _, pnl := range outcomes {
		b.RecordClose(closedPosition(pnl))
	}
	if !b.Active() {
		t.Fatalf("20%% win rate over a full window must trip")
	}
	_, reason, _ := b.Status()
	if reason != "win_rate_collapse" {
		t.Fatalf("expected win_rate_collapse, got %q", reason)
	}
}

func TestBreaker_DrawdownTrips(t *testing.T) {
	b := New(testParams(), nil)

	// Build a peak, then decline past 25% of a unit stake while keeping the
	// win rate healthy and the streak short.
	closes := []float64{0.10, 0.10, 0.10, -0.09, 0.01, -0.09, 0.01, -0.09, 0.01, -0.09}
	for _, pnl := range closes {
		b.RecordClose(closedPosition(pnl))
	}
	if !b.Active() {
		t.Fatalf("peak-to-trough decline past the drawdown limit must trip")
	}
	_, reason, metrics := b.Status()
	if reason != "session_drawdown" {
		t.Fatalf("expected session_drawdown, got %q (metrics %+v)", reason, metrics)
	}
}

func TestBreaker_CooldownStartsAtFirstDeactivationAttempt(t *testing.T) {
	params := testParams()
	params.Thresholds.CooldownMinutes = 0 // elapse instantly once started
	b := New(params, nil)

	for i := 0; i < 5; i++ {
		b.RecordClose(closedPosition(-0.01))
	}
	if !b.Active() {
		t.Fatalf("breaker should be tripped")
	}

	// First attempt only starts the clock, even with a zero cooldown.
	if b.TryDeactivate() {
		t.Fatalf("first deactivation attempt must not clear the breaker")
	}

	// The loss streak still stands, so the second attempt restarts the
	// cooldown instead of clearing.
	if b.TryDeactivate() {
		t.Fatalf("breaker must stay tripped while the condition persists")
	}

	// A win clears the streak; the next attempt after the (zero) cooldown
	// deactivates.
	b.mu.Lock()
	b.window = b.window[:0]
	b.mu.Unlock()
	if !b.TryDeactivate() {
		t.Fatalf("breaker must deactivate once cooldown elapsed and condition cleared")
	}
	if b.Active() {
		t.Fatalf("breaker still active after deactivation")
	}
}

func TestBreaker_ManualTripAndReset(t *testing.T) {
	b := New(testParams(), nil)

	b.ForceTrip("operator pause")
	if !b.Active() {
		t.Fatalf("manual trip must activate")
	}
	if b.TryDeactivate() {
		t.Fatalf("cooldown must never clear a manual trip")
	}

	b.ForceReset()
	if b.Active() {
		t.Fatalf("manual reset must clear")
	}

	// Reset also empties the window so stale losses cannot re-trip.
	b.RecordClose(closedPosition(-0.01))
	if b.Active() {
		t.Fatalf("one loss after reset must not trip")
	}
}

func TestBreaker_WindowSlides(t *testing.T) {
	params := testParams()
	params.WindowSize = 5
	b := New(params, nil)

	for i := 0; i < 8; i++ {
		b.RecordClose(closedPosition(0.01))
	}
	_, _, metrics := b.Status()
	if metrics.WindowSize != 5 {
		t.Fatalf("window must cap at 5, got %d", metrics.WindowSize)
	}
	if metrics.WinRate != 1.0 {
		t.Fatalf("all wins must give win rate 1.0, got %.2f", metrics.WinRate)
	}
}
