package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Coin is an amount of a single denomination in integer base units.
type Coin struct {
	Amount decimal.Decimal `gorm:"type:text" json:"amount"`
	Denom  string          `json:"denom"`
}

// NewCoin builds a coin from an integer amount.
func NewCoin(amount int64, denom string) Coin {
	return Coin{Amount: decimal.NewFromInt(amount), Denom: denom}
}

// ZeroCoin returns an empty coin of the given denom.
func ZeroCoin(denom string) Coin {
	return Coin{Amount: decimal.Zero, Denom: denom}
}

func (c Coin) IsZero() bool {
	return c.Amount.IsZero()
}

func (c Coin) IsPositive() bool {
	return c.Amount.IsPositive()
}

// Add returns c + amount, keeping the denom.
func (c Coin) Add(amount decimal.Decimal) Coin {
	return Coin{Amount: c.Amount.Add(amount), Denom: c.Denom}
}

// Sub returns c - amount, keeping the denom.
func (c Coin) Sub(amount decimal.Decimal) Coin {
	return Coin{Amount: c.Amount.Sub(amount), Denom: c.Denom}
}

func (c Coin) String() string {
	return fmt.Sprintf("%s%s", c.Amount.String(), c.Denom)
}

// FloorMul multiplies an integer amount by a rate and rounds down to base units.
func FloorMul(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Floor()
}
