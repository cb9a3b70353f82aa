package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trigger is the scheduling condition of a vault. Kind selects which of the
// time or price fields are meaningful; State carries the saga position across
// venue request/confirmation boundaries.
type Trigger struct {
	VaultID    uint64      `gorm:"primaryKey;autoIncrement:false" json:"vault_id"`
	Kind       TriggerKind `gorm:"not null" json:"kind"`
	State      SagaState   `gorm:"not null" json:"state"`
	PriorState SagaState   `json:"-"`

	// time trigger
	TargetTime int64 `gorm:"index" json:"target_time,omitempty"`

	// price trigger
	TargetPrice decimal.NullDecimal `gorm:"type:text" json:"target_price"`
	OrderIdx    *uint64             `json:"order_idx,omitempty"`
	OrderAmount decimal.Decimal     `gorm:"type:text" json:"order_amount"`

	// in-flight venue request
	PendingRequestID *string         `gorm:"uniqueIndex" json:"pending_request_id,omitempty"`
	PendingAmount    decimal.Decimal `gorm:"type:text" json:"pending_amount"`
	PendingAsOf      int64           `json:"pending_as_of,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTimeTrigger builds an idle time trigger due at target.
func NewTimeTrigger(vaultID uint64, target time.Time) *Trigger {
	return &Trigger{
		VaultID:       vaultID,
		Kind:          TriggerKindTime,
		State:         SagaIdle,
		TargetTime:    target.Unix(),
		OrderAmount:   decimal.Zero,
		PendingAmount: decimal.Zero,
	}
}

// NewPriceTrigger builds an idle price trigger with no resting order.
func NewPriceTrigger(vaultID uint64, price decimal.Decimal) *Trigger {
	return &Trigger{
		VaultID:       vaultID,
		Kind:          TriggerKindPrice,
		State:         SagaIdle,
		TargetPrice:   decimal.NewNullDecimal(price),
		OrderAmount:   decimal.Zero,
		PendingAmount: decimal.Zero,
	}
}

func (t *Trigger) IsDue(now time.Time) bool {
	return t.Kind == TriggerKindTime && t.TargetTime <= now.Unix()
}

// Begin records an outgoing venue request and moves the trigger to state.
func (t *Trigger) Begin(state SagaState, requestID string, amount decimal.Decimal, asOf time.Time) {
	t.PriorState = t.State
	t.State = state
	t.PendingRequestID = &requestID
	t.PendingAmount = amount
	t.PendingAsOf = asOf.Unix()
}

// Finish clears the in-flight request and moves the trigger to state.
func (t *Trigger) Finish(state SagaState) {
	t.State = state
	t.PriorState = ""
	t.PendingRequestID = nil
	t.PendingAmount = decimal.Zero
}

// Abandon reverts an in-flight request that never reached the venue.
func (t *Trigger) Abandon() {
	prior := t.PriorState
	if prior == "" {
		prior = SagaIdle
	}
	t.Finish(prior)
}

// OrderIndexEntry maps a resting venue order back to its vault.
type OrderIndexEntry struct {
	OrderIdx uint64 `gorm:"primaryKey;autoIncrement:false" json:"order_idx"`
	VaultID  uint64 `gorm:"uniqueIndex;not null" json:"vault_id"`
}
