package pricing

import (
	"testing"
	"time"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

func monitoredPosition(entry, current, peak float64, age time.Duration) models.Position {
	now := time.Now()
	return models.Position{
		ID:                    "pos-1",
		Token:                 "token-1",
		Status:                models.StatusOpen,
		EntryPrice:            entry,
		CurrentPrice:          current,
		PeakPrice:             peak,
		PriceUpdatedAt:        now,
		OpenedAt:              now.Add(-age),
		ExecutedScalingLevels: map[int]bool{},
	}
}

func watchStrategy() models.ExitStrategy {
	return models.ExitStrategy{
		StopLossPct:           20,
		TrailingPct:           15,
		TrailingActivationPct: 50,
		ScalingLevels:         []models.ScalingLevel{{ProfitPct: 100, Fraction: 0.5}},
	}
}

func TestClassifyPosition_NearStopLossIsUrgent(t *testing.T) {
	// -17% with a -20% stop: inside the 5-point proximity band.
	p := monitoredPosition(1.0, 0.83, 1.0, time.Minute)

	if b := classifyPosition(p, watchStrategy(), time.Now()); b != BucketUrgent {
		t.Fatalf("near-stop position must poll urgently, got %s", b)
	}
}

func TestClassifyPosition_NearScalingLevelIsUrgent(t *testing.T) {
	// +96% approaching the 100% scaling trigger.
	p := monitoredPosition(1.0, 1.96, 1.96, time.Minute)

	if b := classifyPosition(p, watchStrategy(), time.Now()); b != BucketUrgent {
		t.Fatalf("near-scaling position must poll urgently, got %s", b)
	}
}

func TestClassifyPosition_NearTrailingRetraceIsUrgent(t *testing.T) {
	// Peak +100% (trailing armed), retraced 12% with a 15% trigger.
	p := monitoredPosition(1.0, 1.76, 2.0, time.Minute)
	strat := watchStrategy()
	strat.ScalingLevels = nil

	if b := classifyPosition(p, strat, time.Now()); b != BucketUrgent {
		t.Fatalf("near-retrace position must poll urgently, got %s", b)
	}
}

func TestClassifyPosition_QuietYoungIsActive(t *testing.T) {
	// +10%, far from every trigger, opened recently.
	p := monitoredPosition(1.0, 1.10, 1.10, time.Minute)
	strat := watchStrategy()
	strat.ScalingLevels = nil

	if b := classifyPosition(p, strat, time.Now()); b != BucketActive {
		t.Fatalf("quiet young position polls at active cadence, got %s", b)
	}
}

func TestClassifyPosition_QuietOldIsStable(t *testing.T) {
	p := monitoredPosition(1.0, 1.10, 1.10, time.Hour)
	strat := watchStrategy()
	strat.ScalingLevels = nil

	if b := classifyPosition(p, strat, time.Now()); b != BucketStable {
		t.Fatalf("quiet old position drops to stable cadence, got %s", b)
	}
}

func TestUpgrade_KeepsTightestBucket(t *testing.T) {
	buckets := map[string]Bucket{}
	upgrade(buckets, "token-1", BucketStable)
	upgrade(buckets, "token-1", BucketUrgent)
	upgrade(buckets, "token-1", BucketActive)

	if buckets["token-1"] != BucketUrgent {
		t.Fatalf("urgent must never be downgraded, got %s", buckets["token-1"])
	}
}
