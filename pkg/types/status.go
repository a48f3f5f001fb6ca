package types

import "fmt"

// StatusKind is the coarse outcome of a decision.
type StatusKind string

const (
	StatusApproved StatusKind = "approved"
	StatusRejected StatusKind = "rejected"
	StatusHalted   StatusKind = "halted"
	StatusFailed   StatusKind = "failed"
)

// ReasonCode is a machine-comparable reason attached to a Status.
type ReasonCode string

const (
	ReasonNone             ReasonCode = ""
	ReasonInvalidPrice     ReasonCode = "invalid_price"
	ReasonDustNotional     ReasonCode = "dust_notional"
	ReasonWeakSignal       ReasonCode = "weak_signal"
	ReasonLowWinRate       ReasonCode = "low_win_rate"
	ReasonInvalidSize      ReasonCode = "invalid_size"
	ReasonNoEntrySignal    ReasonCode = "no_entry_signal"
	ReasonEntryDeferred    ReasonCode = "entry_deferred"
	ReasonDailyCapExceeded ReasonCode = "daily_cap_exceeded"
	ReasonNotSelected      ReasonCode = "not_selected"
	ReasonRiskRejection    ReasonCode = "risk_rejection"
	ReasonBearishRegime    ReasonCode = "bearish_regime"
	ReasonBreakerActive    ReasonCode = "breaker_active"
	ReasonTradingPaused    ReasonCode = "trading_paused"
	ReasonNoMarketData     ReasonCode = "no_market_data"
	ReasonInternalFault    ReasonCode = "internal_fault"
	ReasonCancelled        ReasonCode = "cancelled"

	// Live guardrails.
	ReasonOrderType        ReasonCode = "order_type_not_allowed"
	ReasonMaxOpenPositions ReasonCode = "max_open_positions"
	ReasonPositionLimit    ReasonCode = "position_limit"
	ReasonTradeLossLimit   ReasonCode = "trade_loss_limit"
	ReasonDailyLossLimit   ReasonCode = "daily_loss_limit"
	ReasonMinBalance       ReasonCode = "min_balance"
	ReasonOrderFailed      ReasonCode = "order_failed"
)

// Status is a tagged decision outcome: kind, reason code and a human message.
type Status struct {
	Kind    StatusKind `json:"kind"`
	Code    ReasonCode `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Approved returns an approved status.
func Approved() Status {
	return Status{Kind: StatusApproved}
}

// Rejected returns a rejected status with a formatted message.
func Rejected(code ReasonCode, format string, args ...any) Status {
	return Status{Kind: StatusRejected, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Halted returns a halted status.
func Halted(code ReasonCode, msg string) Status {
	return Status{Kind: StatusHalted, Code: code, Message: msg}
}

// Failed returns a failed status.
func Failed(code ReasonCode, msg string) Status {
	return Status{Kind: StatusFailed, Code: code, Message: msg}
}

// IsApproved reports whether the status is an approval.
func (s Status) IsApproved() bool {
	return s.Kind == StatusApproved
}

func (s Status) String() string {
	if s.Message == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}
