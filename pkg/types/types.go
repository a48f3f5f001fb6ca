// Package types provides shared type definitions for the trading pipeline.
package types

import (
	"time"
)

// Trend is the short-term direction derived from a snapshot.
type Trend string

const (
	TrendUp       Trend = "uptrend"
	TrendDown     Trend = "downtrend"
	TrendSideways Trend = "sideways"
)

// Volatility is a coarse volatility bucket.
type Volatility string

const (
	VolatilityLow    Volatility = "low"
	VolatilityMedium Volatility = "medium"
	VolatilityHigh   Volatility = "high"
)

// Regime represents a classified market condition.
type Regime string

const (
	RegimeBullish        Regime = "bullish"
	RegimeBearish        Regime = "bearish"
	RegimeSideways       Regime = "sideways"
	RegimeHighVolatility Regime = "high_volatility"
	RegimeUnknown        Regime = "unknown"
)

// Recommendation is the directional call made for an instrument.
type Recommendation string

const (
	RecommendationBuy  Recommendation = "BUY"
	RecommendationSell Recommendation = "SELL"
	RecommendationHold Recommendation = "HOLD"
)

// MarketSnapshot is the current market state for one instrument.
// Snapshots are immutable once produced.
type MarketSnapshot struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Volume24h  float64   `json:"volume24h"`
	Change24h  float64   `json:"change24h"` // percent
	Source     string    `json:"source"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Analysis is the classifier output for one snapshot.
type Analysis struct {
	Symbol         string         `json:"symbol"`
	Price          float64        `json:"price"`
	Change24h      float64        `json:"change24h"`
	Trend          Trend          `json:"trend"`
	Volatility     Volatility     `json:"volatility"`
	Regime         Regime         `json:"regime"`
	RSI            float64        `json:"rsi"`
	MACD           float64        `json:"macd"`
	Signal         float64        `json:"signal"`   // 0-100
	Strength       float64        `json:"strength"` // 0-1
	Recommendation Recommendation `json:"recommendation"`
	EntryVetoed    bool           `json:"entryVetoed"`
	EntryReason    string         `json:"entryReason,omitempty"`
}

// MarketOverview summarizes a whole batch of analyses.
type MarketOverview struct {
	Analyses          map[string]Analysis `json:"analyses"`
	OverallRegime     Regime              `json:"overallRegime"`
	SignalConfidence  float64             `json:"signalConfidence"`
	DowntrendDetected bool                `json:"downtrendDetected"`
}

// ValidationResult is the simulated backtest outcome for one signal.
type ValidationResult struct {
	Symbol         string  `json:"symbol"`
	WinRate        float64 `json:"winRate"`
	MaxDrawdown    float64 `json:"maxDrawdown"`
	Valid          bool    `json:"valid"`
	Reason         string  `json:"reason"`
	Confidence     float64 `json:"confidence"`
	TradesAnalyzed int     `json:"tradesAnalyzed"`
	Recommendation string  `json:"recommendation"` // PROCEED or SKIP
}

// RiskAssessment is the sizing and approval decision for one instrument.
type RiskAssessment struct {
	Symbol        string  `json:"symbol"`
	EntryPrice    float64 `json:"entryPrice"`
	PositionSize  float64 `json:"positionSize"`
	PositionValue float64 `json:"positionValue"`
	StopLoss      float64 `json:"stopLoss"`
	TakeProfit    float64 `json:"takeProfit"`
	RiskAmount    float64 `json:"riskAmount"`
	RiskPercent   float64 `json:"riskPercent"`
	Approved      bool    `json:"approved"`
	Status        Status  `json:"status"`
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// ExitReason describes why a position was closed.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "take_profit"
	ExitStopLoss   ExitReason = "stop_loss"
	ExitManual     ExitReason = "manual"
)

// Position is a long position opened by the execution gateway.
type Position struct {
	ID            int64          `json:"id"`
	Symbol        string         `json:"symbol"`
	EntryPrice    float64        `json:"entryPrice"`
	Size          float64        `json:"size"`
	Value         float64        `json:"value"`
	StopLoss      float64        `json:"stopLoss"`
	TakeProfit    float64        `json:"takeProfit"`
	Status        PositionStatus `json:"status"`
	OpenedAt      time.Time      `json:"openedAt"`
	CurrentPrice  float64        `json:"currentPrice"`
	UnrealizedPnL float64        `json:"unrealizedPnl"`
	PnL           float64        `json:"pnl"`
	PnLPercent    float64        `json:"pnlPercent"`
	ExitPrice     *float64       `json:"exitPrice,omitempty"`
	ExitTime      *time.Time     `json:"exitTime,omitempty"`
	ExitReason    ExitReason     `json:"exitReason,omitempty"`

	// Exchange order ids, set only for live orders.
	EntryOrderID      string `json:"entryOrderId,omitempty"`
	StopOrderID       string `json:"stopOrderId,omitempty"`
	TakeProfitOrderID string `json:"takeProfitOrderId,omitempty"`
	Unprotected       bool   `json:"unprotected"`
}

// Stage is a workflow stage label.
type Stage string

const (
	StageIdle           Stage = "idle"
	StageFetchingData   Stage = "fetching_data"
	StageAnalyzing      Stage = "analyzing_market"
	StageBacktesting    Stage = "backtesting"
	StageRiskAssessment Stage = "risk_assessment"
	StageExecuting      Stage = "executing"
	StageMonitoring     Stage = "monitoring"
	StageError          Stage = "error"
	StagePaused         Stage = "paused"
)

// StageTransition is one entry of the workflow history.
type StageTransition struct {
	Timestamp time.Time      `json:"timestamp"`
	From      Stage          `json:"from"`
	To        Stage          `json:"to"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WorkflowState is a point-in-time view of the coordinator.
type WorkflowState struct {
	Stage          Stage     `json:"stage"`
	TradingPaused  bool      `json:"tradingPaused"`
	PauseReason    string    `json:"pauseReason,omitempty"`
	CircuitBreaker bool      `json:"circuitBreaker"`
	HistoryLength  int       `json:"historyLength"`
	LastResetDate  string    `json:"lastResetDate,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
