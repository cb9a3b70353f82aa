package types

import (
	"time"
)

// VaultStatus is the lifecycle state of a vault
type VaultStatus string

const (
	VaultStatusScheduled VaultStatus = "scheduled"
	VaultStatusActive    VaultStatus = "active"
	VaultStatusCancelled VaultStatus = "cancelled"
	VaultStatusCompleted VaultStatus = "completed"
)

// IsTerminal reports whether no further executions or deposits are accepted.
func (s VaultStatus) IsTerminal() bool {
	return s == VaultStatusCancelled || s == VaultStatusCompleted
}

// PositionType is the direction of a vault relative to its pair.
// Enter spends the quote denom to buy base; exit spends base to receive quote.
type PositionType string

const (
	PositionEnter PositionType = "enter"
	PositionExit  PositionType = "exit"
)

func (p PositionType) Valid() bool {
	return p == PositionEnter || p == PositionExit
}

// TimeInterval is the cadence of a time trigger.
type TimeInterval string

const (
	IntervalEverySecond TimeInterval = "every_second"
	IntervalEveryMinute TimeInterval = "every_minute"
	IntervalHalfHourly  TimeInterval = "half_hourly"
	IntervalHourly      TimeInterval = "hourly"
	IntervalHalfDaily   TimeInterval = "half_daily"
	IntervalDaily       TimeInterval = "daily"
	IntervalWeekly      TimeInterval = "weekly"
	IntervalFortnightly TimeInterval = "fortnightly"
	IntervalMonthly     TimeInterval = "monthly"
	IntervalCustom      TimeInterval = "custom"
)

var intervalDurations = map[TimeInterval]time.Duration{
	IntervalEverySecond: time.Second,
	IntervalEveryMinute: time.Minute,
	IntervalHalfHourly:  30 * time.Minute,
	IntervalHourly:      time.Hour,
	IntervalHalfDaily:   12 * time.Hour,
	IntervalDaily:       24 * time.Hour,
	IntervalWeekly:      7 * 24 * time.Hour,
	IntervalFortnightly: 14 * 24 * time.Hour,
}

// Valid reports whether the interval is known. Custom intervals need a positive
// number of seconds.
func (i TimeInterval) Valid(customSeconds int64) bool {
	switch i {
	case IntervalMonthly:
		return true
	case IntervalCustom:
		return customSeconds > 0
	}
	_, ok := intervalDurations[i]
	return ok
}

// After returns the first scheduled time one interval after t.
// Monthly intervals follow calendar months.
func (i TimeInterval) After(t time.Time, customSeconds int64) time.Time {
	switch i {
	case IntervalMonthly:
		return t.AddDate(0, 1, 0)
	case IntervalCustom:
		return t.Add(time.Duration(customSeconds) * time.Second)
	}
	return t.Add(intervalDurations[i])
}

// AfterN returns t advanced by n intervals.
func (i TimeInterval) AfterN(t time.Time, n int64, customSeconds int64) time.Time {
	switch i {
	case IntervalMonthly:
		return t.AddDate(0, int(n), 0)
	case IntervalCustom:
		return t.Add(time.Duration(n*customSeconds) * time.Second)
	}
	return t.Add(time.Duration(n) * intervalDurations[i])
}

// TriggerKind tags the trigger variant.
type TriggerKind string

const (
	TriggerKindTime  TriggerKind = "time"
	TriggerKindPrice TriggerKind = "price"
)

// SagaState is the persisted position of a vault's execution saga.
type SagaState string

const (
	SagaIdle                           SagaState = "idle"
	SagaAwaitingSwapConfirmation       SagaState = "awaiting_swap_confirmation"
	SagaAwaitingOrderSubmission        SagaState = "awaiting_order_submission"
	SagaOrderOpen                      SagaState = "order_open"
	SagaAwaitingWithdrawalConfirmation SagaState = "awaiting_withdrawal_confirmation"
	SagaAwaitingRetraction             SagaState = "awaiting_retraction"
)

// InFlight reports whether a venue request has been issued and not yet confirmed.
func (s SagaState) InFlight() bool {
	switch s {
	case SagaAwaitingSwapConfirmation, SagaAwaitingOrderSubmission,
		SagaAwaitingWithdrawalConfirmation, SagaAwaitingRetraction:
		return true
	}
	return false
}

// ExecutionOutcome is the result recorded for one attempted tranche.
type ExecutionOutcome string

const (
	OutcomeSuccess         ExecutionOutcome = "success"
	OutcomeSkippedSlippage ExecutionOutcome = "skipped_slippage"
	OutcomeSkippedPrice    ExecutionOutcome = "skipped_price"
	OutcomeFailed          ExecutionOutcome = "failed"
)
