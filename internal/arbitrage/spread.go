package arbitrage

import "github.com/shopspring/decimal"

// NoOpportunity is the sentinel spread returned for invalid prices.
// -100% can never be produced by real prices, so callers can treat any
// value above it as a genuine computation.
var NoOpportunity = decimal.NewFromInt(-100)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Spread computes the fee-adjusted percentage profit of buying at
// buyPrice on one venue and selling at sellPrice on another. The fee
// rate is applied proportionally to both legs: the sell proceeds shrink
// by feeRate, the buy cost grows by feeRate. Returns NoOpportunity for
// zero or negative prices rather than failing.
//
// All arithmetic stays in decimal form; round-trip profitability is a
// monetary figure and must not accumulate binary floating-point error.
func Spread(sellPrice, buyPrice, feeRate decimal.Decimal) decimal.Decimal {
	if sellPrice.Sign() <= 0 || buyPrice.Sign() <= 0 {
		return NoOpportunity
	}
	sellAfterFee := sellPrice.Mul(one.Sub(feeRate))
	buyAfterFee := buyPrice.Mul(one.Add(feeRate))
	if buyAfterFee.Sign() <= 0 {
		return NoOpportunity
	}
	return sellAfterFee.Div(buyAfterFee).Sub(one).Mul(hundred)
}
