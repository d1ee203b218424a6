package tradingutils

import (
	"github.com/shopspring/decimal"
)

// Clamp limits v to the closed interval [min, max].
func Clamp(v, min, max decimal.Decimal) decimal.Decimal {
	if v.LessThan(min) {
		return min
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}

// SnapToStep snaps v to the nearest multiple of step. Zero step is a no-op.
func SnapToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}

// RoundSellAmount rounds a sell quantity down to the venue precision.
func RoundSellAmount(qty decimal.Decimal, decimals int) decimal.Decimal {
	return qty.RoundDown(int32(decimals))
}

// RoundFee rounds a fee up to the venue precision.
func RoundFee(fee decimal.Decimal, decimals int) decimal.Decimal {
	return fee.RoundUp(int32(decimals))
}

// CalculateNetProfit computes profit after trading fees.
func CalculateNetProfit(buyPrice, sellPrice, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(buyPrice)
	buyFee := buyPrice.Mul(buyFeeRate)
	sellFee := sellPrice.Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}

// PctDiff returns (high - low) / low as a percentage.
func PctDiff(low, high decimal.Decimal) decimal.Decimal {
	if low.IsZero() {
		return decimal.Zero
	}
	return high.Sub(low).Div(low).Mul(decimal.NewFromInt(100))
}
