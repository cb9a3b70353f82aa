// Package venue describes the swap venue collaborator: the messages the engine
// sends to it and the confirmations it answers with.
package venue

import (
	"context"

	"github.com/ksred/klear-dca/internal/types"
	"github.com/shopspring/decimal"
)

type MessageKind string

const (
	KindSwap          MessageKind = "swap"
	KindLimitOrder    MessageKind = "limit_order"
	KindWithdrawOrder MessageKind = "withdraw_order"
	KindRetractOrder  MessageKind = "retract_order"
)

// Message is an outgoing venue request. Which fields are set depends on Kind.
type Message struct {
	Kind        MessageKind         `json:"kind"`
	RequestID   string              `json:"request_id"`
	VaultID     uint64              `json:"vault_id"`
	PairAddress string              `json:"pair_address"`
	Position    types.PositionType  `json:"position"`
	Offer       types.Coin          `json:"offer"`
	MaxSpread   decimal.NullDecimal `json:"max_spread"`
	Price       decimal.NullDecimal `json:"price"`
	OrderIdx    uint64              `json:"order_idx,omitempty"`
}

type Rejection string

const (
	RejectionNone     Rejection = ""
	RejectionSlippage Rejection = "slippage"
	RejectionFailed   Rejection = "failed"
)

// Confirmation is the venue's answer to a previously dispatched message.
// Sent and Received are in the offer and receive denoms; Returned is offer
// denom handed back by a retraction.
type Confirmation struct {
	RequestID string          `json:"request_id" binding:"required"`
	Kind      MessageKind     `json:"kind" binding:"required"`
	Rejection Rejection       `json:"rejection,omitempty"`
	OrderIdx  uint64          `json:"order_idx,omitempty"`
	Sent      decimal.Decimal `json:"sent"`
	Received  decimal.Decimal `json:"received"`
	Returned  decimal.Decimal `json:"returned"`
}

// OrderStatus reports a resting limit order. Filled counts offer units that
// are filled but not yet withdrawn.
type OrderStatus struct {
	OrderIdx  uint64          `json:"order_idx"`
	Offered   decimal.Decimal `json:"offered"`
	Filled    decimal.Decimal `json:"filled"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Venue is the swap venue as seen by the execution saga.
type Venue interface {
	// Price returns the current quote-per-base price of a pair.
	Price(ctx context.Context, pairAddress string) (decimal.Decimal, error)
	QueryOrder(ctx context.Context, orderIdx uint64) (*OrderStatus, error)
	// Dispatch hands a message to the venue. The result arrives later as a
	// Confirmation.
	Dispatch(ctx context.Context, msg Message) error
}

// Queue is implemented by venues that answer in-process. Confirmations come
// out in the order their requests were dispatched.
type Queue interface {
	Next() (Confirmation, bool)
}

// Outbox collects the messages of one invocation until its transaction commits.
type Outbox struct {
	messages []Message
}

func (o *Outbox) Add(msg Message) {
	o.messages = append(o.messages, msg)
}

func (o *Outbox) Messages() []Message {
	return o.messages
}

// Convert values an offer amount at price, rounding down to base units.
// Enter offers are quote units buying base; exit offers are base units.
func Convert(position types.PositionType, amount, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	if position == types.PositionEnter {
		return amount.Div(price).Floor()
	}
	return amount.Mul(price).Floor()
}

// RetractOrder builds the message that pulls a resting order off the book.
func RetractOrder(requestID string, vaultID uint64, pairAddress string, orderIdx uint64) Message {
	return Message{
		Kind:        KindRetractOrder,
		RequestID:   requestID,
		VaultID:     vaultID,
		PairAddress: pairAddress,
		OrderIdx:    orderIdx,
	}
}
