package config

import (
	"fmt"
	"math"
	"time"

	"github.com/walltrack/walltrack-engine/pkg/models"
)

// Runtime parameter set for the decisioning pipeline. A Config is immutable
// once published: components hold snapshot pointers and swap them on the
// store's subscription channel, never reading live globals.

const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusArchived = "archived"
)

// weightTolerance is the allowed deviation of the scoring weight sum from 1.0.
const weightTolerance = 1e-3

type Config struct {
	Version   int       `json:"version"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`

	Scoring    ScoringParams   `json:"scoring"`
	Thresholds ThresholdParams `json:"thresholds"`
	TokenGates TokenGateParams `json:"tokenGates"`
	Sizing     SizingParams    `json:"sizing"`
	Exits      ExitParams      `json:"exits"`
	Queue      QueueParams     `json:"queue"`
	Breaker    BreakerParams   `json:"breaker"`
	Polling    PollingParams   `json:"polling"`
}

// ScoringParams tune the four-factor scorer.
type ScoringParams struct {
	Weights      models.ScoreWeights `json:"weights"`
	LeaderBonus  float64             `json:"leaderBonus"`
	DecayPenalty float64             `json:"decayPenalty"`
	// SoloBase is the cluster factor for wallets with no cluster membership.
	SoloBase float64 `json:"soloBase"`
}

// ThresholdParams gate trading on the final score.
type ThresholdParams struct {
	TradeThreshold           float64 `json:"tradeThreshold"`
	HighConvictionThreshold  float64 `json:"highConvictionThreshold"`
	HighConvictionMultiplier float64 `json:"highConvictionMultiplier"`
}

// TokenGateParams drive the token factor and the hard gates.
type TokenGateParams struct {
	MinLiquidityUSD        float64 `json:"minLiquidityUsd"`
	OptimalLiquidityUSD    float64 `json:"optimalLiquidityUsd"`
	MinMarketCapUSD        float64 `json:"minMarketCapUsd"`
	OptimalMarketCapUSD    float64 `json:"optimalMarketCapUsd"`
	VolumeCapUSD           float64 `json:"volumeCapUsd"`
	NewTokenPenaltyMinutes float64 `json:"newTokenPenaltyMinutes"`
	NewTokenAgeMinutes     float64 `json:"newTokenAgeMinutes"`
	HoneypotRisk           float64 `json:"honeypotRisk"`
	AuthorityRisk          float64 `json:"authorityRisk"`
}

// SizingParams bound position creation.
type SizingParams struct {
	BaseSizeSOL            float64 `json:"baseSizeSol"`
	MaxConcurrentPositions int     `json:"maxConcurrentPositions"`
	MaxPerToken            int     `json:"maxPerToken"`
	MaxPerCluster          int     `json:"maxPerCluster"`
}

// ExitParams hold the exit strategy templates. Positions reference templates
// by ID and may carry a small override record merged at evaluation time.
type ExitParams struct {
	DefaultStrategyID string                         `json:"defaultStrategyId"`
	Templates         map[string]models.ExitStrategy `json:"templates"`
}

// QueueParams pace the swap queue worker.
type QueueParams struct {
	MinSpacingSeconds  float64 `json:"minSpacingSeconds"`
	MaxRetries         int     `json:"maxRetries"`
	DrainBudgetSeconds float64 `json:"drainBudgetSeconds"`
}

// BreakerParams are the circuit breaker trip thresholds.
type BreakerParams struct {
	Thresholds models.BreakerThresholds `json:"thresholds"`
	WindowSize int                      `json:"windowSize"`
}

// PollingParams drive the price monitor and cache refresh cadences.
type PollingParams struct {
	UrgentIntervalSeconds int `json:"urgentIntervalSeconds"`
	ActiveIntervalSeconds int `json:"activeIntervalSeconds"`
	StableIntervalSeconds int `json:"stableIntervalSeconds"`
	WalletRefreshSeconds  int `json:"walletRefreshSeconds"`
	TokenTTLSeconds       int `json:"tokenTtlSeconds"`
	PriceMaxAgeSeconds    int `json:"priceMaxAgeSeconds"`
	TokenFetchMaxWaitMs   int `json:"tokenFetchMaxWaitMs"`
}

// Default returns the baseline parameter set installed on first boot when no
// persisted config exists.
func Default() *Config {
	return &Config{
		Version: 1,
		Status:  StatusActive,
		Scoring: ScoringParams{
			Weights: models.ScoreWeights{
				Wallet:  0.40,
				Cluster: 0.15,
				Token:   0.30,
				Context: 0.15,
			},
			LeaderBonus:  0.05,
			DecayPenalty: 0.10,
			SoloBase:     0.5,
		},
		Thresholds: ThresholdParams{
			TradeThreshold:           0.70,
			HighConvictionThreshold:  0.85,
			HighConvictionMultiplier: 1.5,
		},
		TokenGates: TokenGateParams{
			MinLiquidityUSD:        10_000,
			OptimalLiquidityUSD:    100_000,
			MinMarketCapUSD:        50_000,
			OptimalMarketCapUSD:    1_000_000,
			VolumeCapUSD:           500_000,
			NewTokenPenaltyMinutes: 30,
			NewTokenAgeMinutes:     60,
			HoneypotRisk:           0.5,
			AuthorityRisk:          0.2,
		},
		Sizing: SizingParams{
			BaseSizeSOL:            0.5,
			MaxConcurrentPositions: 10,
			MaxPerToken:            1,
			MaxPerCluster:          3,
		},
		Exits: ExitParams{
			DefaultStrategyID: "standard",
			Templates: map[string]models.ExitStrategy{
				"standard": {
					ID:                    "standard",
					Name:                  "Standard",
					StopLossPct:           20,
					TrailingPct:           15,
					TrailingActivationPct: 50,
					ScalingLevels: []models.ScalingLevel{
						{ProfitPct: 100, Fraction: 0.5},
						{ProfitPct: 200, Fraction: 0.25},
					},
					MirrorExit: true,
				},
			},
		},
		Queue: QueueParams{
			MinSpacingSeconds:  2.0,
			MaxRetries:         3,
			DrainBudgetSeconds: 10,
		},
		Breaker: BreakerParams{
			Thresholds: models.BreakerThresholds{
				MaxDrawdownPct:       25,
				MinWinRate:           0.30,
				MinPositions:         10,
				ConsecutiveLossLimit: 5,
				CooldownMinutes:      30,
			},
			WindowSize: 20,
		},
		Polling: PollingParams{
			UrgentIntervalSeconds: 20,
			ActiveIntervalSeconds: 30,
			StableIntervalSeconds: 60,
			WalletRefreshSeconds:  60,
			TokenTTLSeconds:       300,
			PriceMaxAgeSeconds:    300,
			TokenFetchMaxWaitMs:   1500,
		},
	}
}

// Validate checks the invariants a config must hold before activation:
// weight sum, threshold ordering, and non-negative numerics.
func (c *Config) Validate() error {
	if diff := math.Abs(c.Scoring.Weights.Sum() - 1.0); diff > weightTolerance {
		return fmt.Errorf("%w: scoring weights sum to %.4f, want 1.0 ± %.0e",
			ErrInvalidConfig, c.Scoring.Weights.Sum(), weightTolerance)
	}
	if c.Thresholds.HighConvictionThreshold <= c.Thresholds.TradeThreshold {
		return fmt.Errorf("%w: high_conviction_threshold (%.2f) must exceed trade_threshold (%.2f)",
			ErrInvalidConfig, c.Thresholds.HighConvictionThreshold, c.Thresholds.TradeThreshold)
	}
	for name, v := range map[string]float64{
		"trade_threshold":       c.Thresholds.TradeThreshold,
		"min_liquidity_usd":     c.TokenGates.MinLiquidityUSD,
		"base_size_sol":         c.Sizing.BaseSizeSOL,
		"min_spacing_seconds":   c.Queue.MinSpacingSeconds,
		"max_drawdown_pct":      c.Breaker.Thresholds.MaxDrawdownPct,
		"leader_bonus":          c.Scoring.LeaderBonus,
		"decay_penalty":         c.Scoring.DecayPenalty,
		"solo_base":             c.Scoring.SoloBase,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: %s must be non-negative, got %v", ErrInvalidConfig, name, v)
		}
	}
	if c.Sizing.MaxConcurrentPositions <= 0 || c.Sizing.MaxPerToken <= 0 {
		return fmt.Errorf("%w: position limits must be positive", ErrInvalidConfig)
	}
	for id, tmpl := range c.Exits.Templates {
		for i, lvl := range tmpl.ScalingLevels {
			if lvl.Fraction <= 0 || lvl.Fraction > 1 {
				return fmt.Errorf("%w: strategy %s scaling level %d fraction %.2f outside (0,1]",
					ErrInvalidConfig, id, i, lvl.Fraction)
			}
			if lvl.ProfitPct <= 0 {
				return fmt.Errorf("%w: strategy %s scaling level %d profit_pct must be positive",
					ErrInvalidConfig, id, i)
			}
		}
	}
	if _, ok := c.Exits.Templates[c.Exits.DefaultStrategyID]; !ok {
		return fmt.Errorf("%w: default exit strategy %q has no template", ErrInvalidConfig, c.Exits.DefaultStrategyID)
	}
	return nil
}

// Strategy resolves an exit strategy template by ID, falling back to the
// default template for unknown IDs.
func (c *Config) Strategy(id string) models.ExitStrategy {
	if tmpl, ok := c.Exits.Templates[id]; ok {
		return tmpl
	}
	return c.Exits.Templates[c.Exits.DefaultStrategyID]
}
