package signal

import (
	"math"
	"time"

	"github.com/walltrack/walltrack-engine/internal/config"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Signal Scorer
//
// Pure function of (filtered signal, token record, config snapshot, time).
// Four factor scores in [0,1] blended by the snapshot's weights, then a
// threshold/tier mapping with hard gates. All factor values are preserved
// in the output so every historical score stays explainable.

// Wallet factor sub-weights. These describe what the factor *is*, not a
// tunable; tunables live in the config snapshot.
const (
	walletWinRateWeight     = 0.35
	walletAvgPnLWeight      = 0.25
	walletTimingWeight      = 0.25
	walletConsistencyWeight = 0.15
)

// Token factor sub-weights.
const (
	tokenLiquidityWeight = 0.35
	tokenMarketCapWeight = 0.25
	tokenHoldersWeight   = 0.20
	tokenVolumeWeight    = 0.20

	// agePenaltyMax is the maximum deduction for a brand-new token; it
	// decays linearly to zero at new_token_penalty_minutes.
	agePenaltyMax = 0.2

	// degradedTokenCeiling caps the token factor when the record came from
	// a stale or neutral cache layer.
	degradedTokenCeiling = 0.5
)

// Context factor blend: time-of-day dominates, volatility and market
// activity are placeholder neutrals until those feeds exist.
const (
	contextTimeWeight    = 0.6
	contextNeutralWeight = 0.4
	contextNeutralValue  = 0.5
)

// Amplification multipliers from the discovery pipeline land in [1.0, 1.8].
const (
	amplificationFloor = 1.0
	amplificationCeil  = 1.8
)

// Score computes the scoring verdict for a filtered signal.
func Score(sig models.FilteredSignal, token models.TokenRecord, cfg *config.Config, now time.Time) models.ScoredSignal {
	factors := models.FactorScores{
		Wallet:  walletFactor(sig.Wallet, cfg.Scoring),
		Cluster: clusterFactor(sig.Wallet, cfg.Scoring),
		Token:   tokenFactor(token, cfg.TokenGates),
		Context: contextFactor(now),
	}

	w := cfg.Scoring.Weights
	final := clamp01(w.Wallet*factors.Wallet +
		w.Cluster*factors.Cluster +
		w.Token*factors.Token +
		w.Context*factors.Context)

	tier, multiplier, gateFailures := mapTier(final, token, cfg)

	return models.ScoredSignal{
		Event:              sig.Event,
		Wallet:             sig.Wallet,
		Token:              token,
		FinalScore:         final,
		Tier:               tier,
		PositionMultiplier: multiplier,
		Factors:            factors,
		GateFailures:       gateFailures,
		WeightsSnapshot:    w,
		Degraded:           token.Degraded,
		ScoredAt:           now,
	}
}

// walletFactor blends the wallet's historical performance, plus a leader
// bonus and a decay penalty.
func walletFactor(w models.WalletEntry, p config.ScoringParams) float64 {
	score := walletWinRateWeight*clamp01(w.WinRate) +
		walletAvgPnLWeight*normalize(w.AvgPnLPct, -100, 500) +
		walletTimingWeight*clamp01(w.TimingPct) +
		walletConsistencyWeight*clamp01(w.Consistency)

	if w.IsClusterLeader {
		score += p.LeaderBonus
	}
	if w.IsDecaying {
		score -= p.DecayPenalty
	}
	return clamp01(score)
}

// clusterFactor maps the cluster amplification multiplier from [1.0, 1.8]
// onto [solo_base, 1.0]. Wallets without a cluster score solo_base.
func clusterFactor(w models.WalletEntry, p config.ScoringParams) float64 {
	if w.ClusterID == "" || w.Amplification <= 0 {
		return p.SoloBase
	}
	m := math.Max(amplificationFloor, math.Min(amplificationCeil, w.Amplification))
	span := amplificationCeil - amplificationFloor
	return clamp01(p.SoloBase + (m-amplificationFloor)/span*(1.0-p.SoloBase))
}

// tokenFactor blends liquidity, market cap, holder distribution and volume,
// then subtracts the age penalty and safety risks.
func tokenFactor(t models.TokenRecord, g config.TokenGateParams) float64 {
	liquidity := piecewise(t.LiquidityUSD, g.MinLiquidityUSD, g.OptimalLiquidityUSD)
	marketCap := piecewise(t.MarketCapUSD, g.MinMarketCapUSD, g.OptimalMarketCapUSD)

	holders := 0.5
	if t.HolderCount > 0 {
		holders = math.Min(float64(t.HolderCount)/500.0, 1.0)
	}
	if t.Top10HolderPct > 30 {
		// Concentration above 30% subtracts proportionally, down to zero
		// at full concentration.
		holders -= (t.Top10HolderPct - 30) / 70.0
		holders = clamp01(holders)
	}

	volume := 0.5
	if g.VolumeCapUSD > 0 && t.Volume24hUSD > 0 {
		volume = math.Min(t.Volume24hUSD/g.VolumeCapUSD, 1.0)
	}

	score := tokenLiquidityWeight*liquidity +
		tokenMarketCapWeight*marketCap +
		tokenHoldersWeight*holders +
		tokenVolumeWeight*volume

	if g.NewTokenPenaltyMinutes > 0 && t.AgeMinutes >= 0 && t.AgeMinutes < g.NewTokenPenaltyMinutes {
		score -= agePenaltyMax * (1.0 - t.AgeMinutes/g.NewTokenPenaltyMinutes)
	}
	if t.IsHoneypot {
		score -= g.HoneypotRisk
	} else if t.HasMintAuthority || t.HasFreezeAuthority {
		score -= g.AuthorityRisk
	}

	score = clamp01(score)
	if t.Degraded {
		score = math.Min(score, degradedTokenCeiling)
	}
	return score
}

// contextFactor scores time of day (UTC): peak memecoin hours get 1.0,
// shoulders 0.8, the rest 0.6.
func contextFactor(now time.Time) float64 {
	hour := now.UTC().Hour()
	var timeOfDay float64
	switch {
	case hour >= 13 && hour < 22:
		timeOfDay = 1.0
	case hour >= 10 && hour < 13, hour >= 22:
		timeOfDay = 0.8
	default:
		timeOfDay = 0.6
	}
	return clamp01(contextTimeWeight*timeOfDay + contextNeutralWeight*contextNeutralValue)
}

// mapTier applies the trade threshold, the high-conviction threshold and
// the hard gates. Gates only apply to signals that cleared the threshold;
// failing one downgrades to none with the reasons recorded.
func mapTier(final float64, token models.TokenRecord, cfg *config.Config) (models.ConvictionTier, float64, []string) {
	if final < cfg.Thresholds.TradeThreshold {
		return models.TierNone, 0, nil
	}

	var failures []string
	if token.LiquidityUSD < cfg.TokenGates.MinLiquidityUSD {
		failures = append(failures, "liquidity_below_minimum")
	}
	if token.IsHoneypot {
		failures = append(failures, "honeypot")
	}
	if len(failures) > 0 {
		return models.TierNone, 0, failures
	}

	if final >= cfg.Thresholds.HighConvictionThreshold {
		return models.TierHigh, cfg.Thresholds.HighConvictionMultiplier, nil
	}
	return models.TierStandard, 1.0, nil
}

// normalize maps v from [lo, hi] onto [0, 1], clamped.
func normalize(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return clamp01((v - lo) / (hi - lo))
}

// piecewise is linear between min (0.0) and optimal (1.0); zero below min.
func piecewise(v, min, optimal float64) float64 {
	if v <= min {
		// Below minimum still earns partial credit proportional to how
		// close it is, so thin-but-nonzero books are distinguishable.
		if min <= 0 {
			return 0
		}
		return clamp01(v/min) * 0.5
	}
	if optimal <= min {
		return 1.0
	}
	return clamp01(0.5 + (v-min)/(optimal-min)*0.5)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
