package models

import (
	"time"
)

// Core entities shared across the WallTrack pipeline. These are plain data
// carriers; ownership rules live with the components that mutate them
// (position manager owns Position, swap queue owns Order, and so on).

// WSOLMint is wrapped SOL, the native leg of every swap we track.
const WSOLMint = "So11111111111111111111111111111111111111112"

// Direction of a swap from the perspective of the mirrored wallet.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// TradeMode selects real execution or synthetic fills.
type TradeMode string

const (
	ModeSimulation TradeMode = "simulation"
	ModeLive       TradeMode = "live"
)

// SwapEvent is a normalised swap notification from a monitored wallet.
// TxSignature is the idempotency key: the same signature is never recorded
// or processed twice.
type SwapEvent struct {
	TxSignature string    `json:"txSignature"`
	Wallet      string    `json:"wallet"`
	Token       string    `json:"token"`
	Direction   Direction `json:"direction"`
	AmountToken float64   `json:"amountToken"`
	AmountSOL   float64   `json:"amountSol"`
	Slot        uint64    `json:"slot"`
	Timestamp   time.Time `json:"timestamp"`
	RawPayload  []byte    `json:"-"`
}

// WalletEntry is the cached view of a monitored wallet, including cluster
// membership published by the discovery subsystem.
type WalletEntry struct {
	Address         string    `json:"address"`
	IsMonitored     bool      `json:"isMonitored"`
	IsBlacklisted   bool      `json:"isBlacklisted"`
	ClusterID       string    `json:"clusterId,omitempty"`
	IsClusterLeader bool      `json:"isClusterLeader"`
	// Amplification is the cluster multiplier in [1.0, 1.8] produced by the
	// discovery pipeline. Zero means no cluster data.
	Amplification  float64   `json:"amplification,omitempty"`
	Reputation     float64   `json:"reputation"`
	WinRate        float64   `json:"winRate"`
	AvgPnLPct      float64   `json:"avgPnlPct"`
	TimingPct      float64   `json:"timingPercentile"`
	Consistency    float64   `json:"consistency"`
	IsDecaying     bool      `json:"isDecaying"`
	SimulationOnly bool      `json:"simulationOnly"`
	CachedAt       time.Time `json:"cachedAt"`
}

// FilteredSignal is a SwapEvent that survived the monitored/blacklist filter,
// enriched with the wallet context the scorer needs.
type FilteredSignal struct {
	Event      SwapEvent   `json:"event"`
	Wallet     WalletEntry `json:"wallet"`
	ReceivedAt time.Time   `json:"receivedAt"`
}

// TokenRecord holds token metadata and safety signals. Records are immutable
// after write; a refresh replaces the whole record.
type TokenRecord struct {
	Address            string  `json:"address"`
	Symbol             string  `json:"symbol,omitempty"`
	PriceUSD           float64 `json:"priceUsd"`
	LiquidityUSD       float64 `json:"liquidityUsd"`
	MarketCapUSD       float64 `json:"marketCapUsd,omitempty"`
	Volume24hUSD       float64 `json:"volume24hUsd,omitempty"`
	AgeMinutes         float64 `json:"ageMinutes"`
	HolderCount        int     `json:"holderCount,omitempty"`
	Top10HolderPct     float64 `json:"top10HolderPct,omitempty"`
	IsHoneypot         bool    `json:"isHoneypot"`
	HasMintAuthority   bool    `json:"hasMintAuthority"`
	HasFreezeAuthority bool    `json:"hasFreezeAuthority"`
	IsNew              bool    `json:"isNew"`
	// Source records which cache layer produced the record:
	// "dexscreener", "birdeye", "stale", "neutral".
	Source    string        `json:"source"`
	Degraded  bool          `json:"degraded"`
	FetchedAt time.Time     `json:"fetchedAt"`
	TTL       time.Duration `json:"-"`
}

// IsCacheValid reports whether the record is still fresh at the given time.
func (t TokenRecord) IsCacheValid(now time.Time) bool {
	return now.Sub(t.FetchedAt) < t.TTL
}

// ConvictionTier determines whether and how large to trade.
type ConvictionTier string

const (
	TierNone     ConvictionTier = "none"
	TierStandard ConvictionTier = "standard"
	TierHigh     ConvictionTier = "high"
)

// ScoreWeights are the factor weights used for a score. They must sum to
// 1.0 within 1e-3 in any active config.
type ScoreWeights struct {
	Wallet  float64 `json:"wallet"`
	Cluster float64 `json:"cluster"`
	Token   float64 `json:"token"`
	Context float64 `json:"context"`
}

// Sum returns the total weight mass.
func (w ScoreWeights) Sum() float64 {
	return w.Wallet + w.Cluster + w.Token + w.Context
}

// FactorScores is the per-factor breakdown of a final score, each in [0,1].
type FactorScores struct {
	Wallet  float64 `json:"wallet"`
	Cluster float64 `json:"cluster"`
	Token   float64 `json:"token"`
	Context float64 `json:"context"`
}

// ScoredSignal is an immutable scoring verdict. It preserves the exact
// weights it was computed with so historical scores stay explainable after
// config changes.
type ScoredSignal struct {
	Event              SwapEvent      `json:"event"`
	Wallet             WalletEntry    `json:"wallet"`
	Token              TokenRecord    `json:"token"`
	FinalScore         float64        `json:"finalScore"`
	Tier               ConvictionTier `json:"convictionTier"`
	PositionMultiplier float64        `json:"positionMultiplier"`
	Factors            FactorScores   `json:"factors"`
	// GateFailures lists hard-gate reasons that downgraded an otherwise
	// eligible signal to TierNone.
	GateFailures    []string     `json:"gateFailures,omitempty"`
	WeightsSnapshot ScoreWeights `json:"weightsSnapshot"`
	Degraded        bool         `json:"degraded"`
	ScoredAt        time.Time    `json:"scoredAt"`
}

// TradeEligible reports whether the signal cleared the threshold and all
// hard gates.
func (s ScoredSignal) TradeEligible() bool {
	return s.Tier != TierNone
}

// PositionStatus is the position lifecycle state.
type PositionStatus string

const (
	StatusPendingEntry PositionStatus = "pending_entry"
	StatusOpen         PositionStatus = "open"
	StatusExiting      PositionStatus = "exiting"
	StatusClosed       PositionStatus = "closed"
	StatusErrored      PositionStatus = "errored"
)

// Terminal reports whether the status admits no further transitions.
func (s PositionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusErrored
}

// ScalingLevel is one partial-exit tier: exit Fraction of entry_amount once
// unrealized profit reaches ProfitPct.
type ScalingLevel struct {
	ProfitPct float64 `json:"profitPct"`
	Fraction  float64 `json:"fraction"`
}

// ExitStrategy is an immutable exit template referenced by positions.
type ExitStrategy struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	StopLossPct           float64        `json:"stopLossPct"`
	TrailingPct           float64        `json:"trailingPct"`
	TrailingActivationPct float64        `json:"trailingActivationPct"`
	ScalingLevels         []ScalingLevel `json:"scalingLevels"`
	MirrorExit            bool           `json:"mirrorExit"`
}

// ExitOverride carries per-position deviations from the referenced template.
// Nil fields inherit the template; a non-nil ScalingLevels replaces the
// template's list wholesale.
type ExitOverride struct {
	StopLossPct           *float64        `json:"stopLossPct,omitempty"`
	TrailingPct           *float64        `json:"trailingPct,omitempty"`
	TrailingActivationPct *float64        `json:"trailingActivationPct,omitempty"`
	ScalingLevels         *[]ScalingLevel `json:"scalingLevels,omitempty"`
	MirrorExit            *bool           `json:"mirrorExit,omitempty"`
}

// Position is a copy-trade tracked entry-to-exit. The position manager is
// the sole mutator; everything else observes snapshots.
type Position struct {
	ID             string         `json:"id"`
	Wallet         string         `json:"wallet"`
	Token          string         `json:"token"`
	Mode           TradeMode      `json:"mode"`
	Status         PositionStatus `json:"status"`
	EntryPrice     float64        `json:"entryPrice"`
	EntryAmount    float64        `json:"entryAmount"`
	EntryValueSOL  float64        `json:"entryValueSol"`
	CurrentAmount  float64        `json:"currentAmount"`
	CurrentPrice   float64        `json:"currentPrice"`
	PeakPrice      float64        `json:"peakPrice"`
	PriceUpdatedAt time.Time      `json:"priceUpdatedAt"`
	RealizedPnL    float64        `json:"realizedPnl"`
	UnrealizedPnL  float64        `json:"unrealizedPnl"`
	ExitStrategyID string         `json:"exitStrategyId"`
	ExitOverride   *ExitOverride  `json:"exitOverride,omitempty"`
	// ExecutedScalingLevels records which partial-exit tiers already fired,
	// keyed by level index. A level never fires twice.
	ExecutedScalingLevels map[int]bool `json:"executedScalingLevels"`
	OpenedAt              time.Time    `json:"openedAt"`
	ClosedAt              *time.Time   `json:"closedAt,omitempty"`
	CloseReason           string       `json:"closeReason,omitempty"`
}

// TotalPnL is realized plus unrealized PnL.
func (p Position) TotalPnL() float64 {
	return p.RealizedPnL + p.UnrealizedPnL
}

// PnLPct is the current profit percentage against entry, signed.
func (p Position) PnLPct() float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (p.CurrentPrice - p.EntryPrice) / p.EntryPrice * 100.0
}

// OrderType distinguishes entries from the exit rule that produced a sell.
type OrderType string

const (
	OrderEntry        OrderType = "entry"
	OrderExitStopLoss OrderType = "exit_stop_loss"
	OrderExitTrailing OrderType = "exit_trailing"
	OrderExitScaling  OrderType = "exit_scaling"
	OrderExitMirror   OrderType = "exit_mirror"
	OrderExitManual   OrderType = "exit_manual"
)

// OrderStatus is the order lifecycle state. Orders never mutate after a
// terminal status.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderSubmitted OrderStatus = "submitted"
	OrderExecuted  OrderStatus = "executed"
	OrderFailed    OrderStatus = "failed"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is one outbound trade intent and its outcome. Live orders use the
// on-chain TxSignature as idempotency key.
type Order struct {
	ID          string      `json:"id"`
	PositionID  string      `json:"positionId,omitempty"`
	Type        OrderType   `json:"type"`
	Mode        TradeMode   `json:"mode"`
	Token       string      `json:"token"`
	AmountToken float64     `json:"amountToken"`
	AmountSOL   float64     `json:"amountSol"`
	Price       float64     `json:"price"`
	Status      OrderStatus `json:"status"`
	RetryCount  int         `json:"retryCount"`
	MaxRetries  int         `json:"maxRetries"`
	Error       string      `json:"error,omitempty"`
	TxSignature string      `json:"txSignature,omitempty"`
	RequestedAt time.Time   `json:"requestedAt"`
	SubmittedAt *time.Time  `json:"submittedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// Priority orders outbound trade intents by capital protection. Lower value
// executes first.
type Priority int

const (
	PriorityCritical Priority = 1 // mirror exit
	PriorityUrgent   Priority = 2 // stop loss, trailing stop
	PriorityNormal   Priority = 3 // entry
	PriorityLow      Priority = 4 // scaling out
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityUrgent:
		return "URGENT"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// BreakerMetrics is the rolling-window snapshot captured when the circuit
// breaker transitions.
type BreakerMetrics struct {
	WindowSize        int     `json:"windowSize"`
	DrawdownPct       float64 `json:"drawdownPct"`
	WinRate           float64 `json:"winRate"`
	ConsecutiveLosses int     `json:"consecutiveLosses"`
	TotalPnL          float64 `json:"totalPnl"`
}

// BreakerThresholds is the threshold snapshot captured alongside metrics.
type BreakerThresholds struct {
	MaxDrawdownPct       float64 `json:"maxDrawdownPct"`
	MinWinRate           float64 `json:"minWinRate"`
	MinPositions         int     `json:"minPositions"`
	ConsecutiveLossLimit int     `json:"consecutiveLossLimit"`
	CooldownMinutes      int     `json:"cooldownMinutes"`
}

// BreakerEvent is one append-only breaker transition record.
type BreakerEvent struct {
	Active     bool              `json:"active"`
	Reason     string            `json:"reason"`
	Metrics    BreakerMetrics    `json:"metrics"`
	Thresholds BreakerThresholds `json:"thresholds"`
	At         time.Time         `json:"at"`
}
