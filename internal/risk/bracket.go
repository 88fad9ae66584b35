package risk

import "github.com/shopspring/decimal"

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// StopLossPrice is the bracket stop for a long entered at price: price*(1-pct/100), 2 dp.
func StopLossPrice(price, pct decimal.Decimal) decimal.Decimal {
	return price.Mul(one.Sub(pct.Div(hundred))).Round(2)
}

// TakeProfitPrice is the bracket target for a long entered at price: price*(1+pct/100), 2 dp.
func TakeProfitPrice(price, pct decimal.Decimal) decimal.Decimal {
	return price.Mul(one.Add(pct.Div(hundred))).Round(2)
}
