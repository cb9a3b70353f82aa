package settlement

import (
	"github.com/shopspring/decimal"
)

// Balance is the total a recipient has been sent in one denom.
type Balance struct {
	Denom   string          `json:"denom"`
	Settled decimal.Decimal `json:"settled"`
	Pending decimal.Decimal `json:"pending"`
}

// Total is the settled plus pending amount.
func (b Balance) Total() decimal.Decimal {
	return b.Settled.Add(b.Pending)
}
