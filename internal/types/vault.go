package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// MaxDestinations caps the number of payout destinations per vault.
const MaxDestinations = 10

// Destination receives a share of every tranche's proceeds.
type Destination struct {
	Address    string          `json:"address"`
	Allocation decimal.Decimal `json:"allocation"`
}

// DcaPlus tracks the performance escrow and the standard DCA benchmark of a
// DCA+ vault.
type DcaPlus struct {
	EscrowLevel      decimal.Decimal `gorm:"type:text" json:"escrow_level"`
	Escrowed         decimal.Decimal `gorm:"type:text" json:"escrowed"`
	TotalDeposited   decimal.Decimal `gorm:"type:text" json:"total_deposited"`
	StandardSwapped  decimal.Decimal `gorm:"type:text" json:"standard_swapped"`
	StandardReceived decimal.Decimal `gorm:"type:text" json:"standard_received"`
}

// Vault is a recurring-purchase position. Rows are never deleted.
type Vault struct {
	ID                uint64              `gorm:"primaryKey;autoIncrement" json:"id"`
	Owner             string              `gorm:"index;not null" json:"owner"`
	Label             string              `json:"label,omitempty"`
	PairAddress       string              `gorm:"index;not null" json:"pair_address"`
	Position          PositionType        `gorm:"not null" json:"position"`
	Balance           Coin                `gorm:"embedded;embeddedPrefix:balance_" json:"balance"`
	SwapAmount        decimal.Decimal     `gorm:"type:text" json:"swap_amount"`
	Interval          TimeInterval        `json:"time_interval"`
	IntervalSeconds   int64               `json:"interval_seconds,omitempty"`
	SlippageTolerance decimal.NullDecimal `gorm:"type:text" json:"slippage_tolerance"`
	TargetPrice       decimal.NullDecimal `gorm:"type:text" json:"target_price"`
	PriceThreshold    decimal.NullDecimal `gorm:"type:text" json:"price_threshold"`
	RepeatLimitOrders bool                `json:"repeat_limit_orders"`
	StartTime         *int64              `json:"target_start_time,omitempty"`
	Destinations      datatypes.JSON      `json:"destinations"`
	SwappedAmount     Coin                `gorm:"embedded;embeddedPrefix:swapped_" json:"swapped_amount"`
	ReceivedAmount    Coin                `gorm:"embedded;embeddedPrefix:received_" json:"received_amount"`
	Status            VaultStatus         `gorm:"index;not null" json:"status"`
	DcaPlusEnabled    bool                `json:"dca_plus_enabled"`
	DcaPlus           DcaPlus             `gorm:"embedded;embeddedPrefix:dca_plus_" json:"dca_plus"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (v *Vault) IsTerminal() bool {
	return v.Status.IsTerminal()
}

// PayoutDestinations returns the stored destinations, or the owner at 100%
// when none were configured.
func (v *Vault) PayoutDestinations() ([]Destination, error) {
	if len(v.Destinations) == 0 || string(v.Destinations) == "null" {
		return []Destination{{Address: v.Owner, Allocation: decimal.NewFromInt(1)}}, nil
	}
	var destinations []Destination
	if err := json.Unmarshal(v.Destinations, &destinations); err != nil {
		return nil, err
	}
	if len(destinations) == 0 {
		return []Destination{{Address: v.Owner, Allocation: decimal.NewFromInt(1)}}, nil
	}
	return destinations, nil
}

// SetDestinations stores the destination list as JSON.
func (v *Vault) SetDestinations(destinations []Destination) error {
	if len(destinations) == 0 {
		v.Destinations = nil
		return nil
	}
	raw, err := json.Marshal(destinations)
	if err != nil {
		return err
	}
	v.Destinations = datatypes.JSON(raw)
	return nil
}

// NextAfter returns the next time slot one interval after t.
func (v *Vault) NextAfter(t time.Time) time.Time {
	return v.Interval.After(t, v.IntervalSeconds)
}

// ReceiveDenom is the denom the vault accumulates from its swaps.
func (v *Vault) ReceiveDenom(pair Pair) string {
	return pair.ReceiveDenom(v.Position)
}

// ExpectedCompletion estimates when the standard DCA schedule of a DCA+ vault
// would have swapped the remaining deposits.
func (v *Vault) ExpectedCompletion(now time.Time) time.Time {
	if !v.DcaPlusEnabled || !v.SwapAmount.IsPositive() {
		return now
	}
	remaining := v.DcaPlus.TotalDeposited.Sub(v.DcaPlus.StandardSwapped)
	if !remaining.IsPositive() {
		return now
	}
	slots := remaining.Div(v.SwapAmount).Ceil().IntPart()
	return v.Interval.AfterN(now, slots, v.IntervalSeconds)
}
