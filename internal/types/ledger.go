package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Execution is the immutable record of one attempted tranche.
type Execution struct {
	ID          uint64           `gorm:"primaryKey;autoIncrement" json:"-"`
	VaultID     uint64           `gorm:"uniqueIndex:idx_executions_vault_sequence,priority:1;not null" json:"vault_id"`
	Sequence    uint64           `gorm:"uniqueIndex:idx_executions_vault_sequence,priority:2;not null" json:"sequence"`
	PairAddress string           `gorm:"index" json:"pair_address"`
	Position    PositionType     `json:"position"`
	BlockHeight int64            `json:"block_height"`
	BlockTime   time.Time        `json:"block_time"`
	Outcome     ExecutionOutcome `gorm:"index" json:"outcome"`
	Sent        Coin             `gorm:"embedded;embeddedPrefix:sent_" json:"sent"`
	Received    Coin             `gorm:"embedded;embeddedPrefix:received_" json:"received"`
	Fee         Coin             `gorm:"embedded;embeddedPrefix:fee_" json:"fee"`
	Escrowed    decimal.Decimal  `gorm:"type:text" json:"escrowed"`
}

// EventType names a domain occurrence recorded in the event log.
type EventType string

const (
	EventVaultCreated       EventType = "dca_vault_created"
	EventFundsDeposited     EventType = "dca_vault_funds_deposited"
	EventExecutionTriggered EventType = "dca_vault_execution_triggered"
	EventExecutionCompleted EventType = "dca_vault_execution_completed"
	EventExecutionSkipped   EventType = "dca_vault_execution_skipped"
	EventLimitOrderPlaced   EventType = "dca_vault_limit_order_placed"
	EventVaultCancelled     EventType = "dca_vault_cancelled"
	EventVaultCompleted     EventType = "dca_vault_completed"
	EventEscrowDisbursed    EventType = "dca_vault_escrow_disbursed"
)

// Event is an append-only, per-resource sequenced log entry.
type Event struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement" json:"-"`
	ResourceID  uint64         `gorm:"uniqueIndex:idx_events_resource_sequence,priority:1;not null" json:"resource_id"`
	Sequence    uint64         `gorm:"uniqueIndex:idx_events_resource_sequence,priority:2;not null" json:"sequence"`
	BlockHeight int64          `json:"block_height"`
	BlockTime   time.Time      `json:"block_time"`
	Type        EventType      `gorm:"index;not null" json:"type"`
	Data        datatypes.JSON `json:"data"`
}

// Sequence is the last number handed out on a stream for one resource.
type Sequence struct {
	Stream     string `gorm:"primaryKey"`
	ResourceID uint64 `gorm:"primaryKey;autoIncrement:false"`
	Counter    uint64 `gorm:"not null"`
}

// DisbursementTask schedules the escrow evaluation of a DCA+ vault.
type DisbursementTask struct {
	VaultID uint64 `gorm:"primaryKey;autoIncrement:false" json:"vault_id"`
	DueTime int64  `gorm:"index;not null" json:"due_time"`
}

// SwapAdjustment is the per-pair, per-direction DCA+ tranche multiplier.
type SwapAdjustment struct {
	PairAddress string          `gorm:"primaryKey" json:"pair_address"`
	Position    PositionType    `gorm:"primaryKey" json:"position"`
	Value       decimal.Decimal `gorm:"type:text" json:"value"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Pair is a registered trading pair on the swap venue.
type Pair struct {
	Address    string `gorm:"primaryKey" json:"address"`
	BaseDenom  string `gorm:"not null" json:"base_denom"`
	QuoteDenom string `gorm:"not null" json:"quote_denom"`
}

// SwapDenom is the denom spent by a vault in the given position.
func (p Pair) SwapDenom(position PositionType) string {
	if position == PositionEnter {
		return p.QuoteDenom
	}
	return p.BaseDenom
}

// ReceiveDenom is the denom received by a vault in the given position.
func (p Pair) ReceiveDenom(position PositionType) string {
	if position == PositionEnter {
		return p.BaseDenom
	}
	return p.QuoteDenom
}

// CustomSwapFee overrides the default swap fee for a denom.
type CustomSwapFee struct {
	Denom   string          `gorm:"primaryKey" json:"denom"`
	Percent decimal.Decimal `gorm:"type:text" json:"percent"`
}

// TransferStatus is the settlement state of an outgoing transfer.
type TransferStatus string

const (
	TransferPending TransferStatus = "PENDING"
	TransferSettled TransferStatus = "SETTLED"
)

// Transfer is a value transfer written in the invoking transaction and
// delivered by the settlement processor.
type Transfer struct {
	ID         uint64         `gorm:"primaryKey;autoIncrement" json:"-"`
	TransferID string         `gorm:"uniqueIndex;not null" json:"transfer_id"`
	VaultID    uint64         `gorm:"index" json:"vault_id"`
	Recipient  string         `gorm:"index;not null" json:"recipient"`
	Coin       Coin           `gorm:"embedded" json:"coin"`
	Memo       string         `json:"memo"`
	Status     TransferStatus `gorm:"index;not null" json:"status"`
	SettledAt  *time.Time     `json:"settled_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
