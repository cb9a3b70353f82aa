// Package events appends and reads the per-resource event log.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/ksred/klear-dca/internal/ledger"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payloads

type VaultCreated struct {
	Owner       string             `json:"owner"`
	PairAddress string             `json:"pair_address"`
	Position    types.PositionType `json:"position"`
	SwapAmount  decimal.Decimal    `json:"swap_amount"`
	Interval    types.TimeInterval `json:"time_interval"`
	DcaPlus     bool               `json:"dca_plus"`
}

type FundsDeposited struct {
	Amount types.Coin `json:"amount"`
}

type ExecutionTriggered struct {
	Tranche    types.Coin          `json:"tranche"`
	AssetPrice decimal.NullDecimal `json:"asset_price"`
}

type ExecutionCompleted struct {
	Sent     types.Coin      `json:"sent"`
	Received types.Coin      `json:"received"`
	Fee      types.Coin      `json:"fee"`
	Escrowed decimal.Decimal `json:"escrowed"`
}

type SkipReason string

const (
	SkipPriceConditionNotMet SkipReason = "price_condition_not_met"
	SkipSlippageExceeded     SkipReason = "slippage_exceeded"
	SkipSwapFailed           SkipReason = "swap_failed"
)

type ExecutionSkipped struct {
	Reason SkipReason `json:"reason"`
}

type LimitOrderPlaced struct {
	OrderIdx    uint64          `json:"order_idx"`
	Offer       types.Coin      `json:"offer"`
	TargetPrice decimal.Decimal `json:"target_price"`
}

type VaultCancelled struct {
	Refunded types.Coin `json:"refunded"`
}

type VaultCompleted struct {
	Swapped  types.Coin `json:"swapped"`
	Received types.Coin `json:"received"`
}

type EscrowDisbursed struct {
	PerformanceFee types.Coin `json:"performance_fee"`
	Returned       types.Coin `json:"returned"`
}

// Log writes events through a ledger handle, which is the invoking
// transaction for every mutating operation.
type Log struct{}

func NewLog() *Log {
	return &Log{}
}

// Append records an event for resourceID with the next sequence number.
func (l *Log) Append(tx *ledger.Database, block types.Block, resourceID uint64, eventType types.EventType, payload any) (*types.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}

	event := &types.Event{
		ResourceID:  resourceID,
		BlockHeight: block.Height,
		BlockTime:   block.Time,
		Type:        eventType,
		Data:        datatypes.JSON(data),
	}
	if err := tx.AppendEvent(event); err != nil {
		return nil, err
	}

	log.Debug().
		Uint64("resource_id", resourceID).
		Uint64("sequence", event.Sequence).
		Str("type", string(eventType)).
		Msg("event appended")

	return event, nil
}

// List pages through the events of a resource after the given sequence.
func (l *Log) List(db *ledger.Database, resourceID, afterSeq uint64, limit int) ([]types.Event, error) {
	return db.EventsByResource(resourceID, afterSeq, limit)
}

// Decode unmarshals the payload of an event into target.
func Decode(event types.Event, target any) error {
	if err := json.Unmarshal(event.Data, target); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", event.Type, err)
	}
	return nil
}
