package tradingutils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestClamp(t *testing.T) {
	assert.True(t, Clamp(d("5"), d("1"), d("10")).Equal(d("5")))
	assert.True(t, Clamp(d("-3"), d("1"), d("10")).Equal(d("1")))
	assert.True(t, Clamp(d("42"), d("1"), d("10")).Equal(d("10")))
}

func TestSnapToStep(t *testing.T) {
	assert.True(t, SnapToStep(d("7.3"), d("0.5")).Equal(d("7.5")))
	assert.True(t, SnapToStep(d("7.2"), d("0.5")).Equal(d("7")))
	assert.True(t, SnapToStep(d("7.2"), decimal.Zero).Equal(d("7.2")))
}

func TestRounding(t *testing.T) {
	// Sells round down, fees round up.
	assert.True(t, RoundSellAmount(d("0.123456789"), 6).Equal(d("0.123456")))
	assert.True(t, RoundFee(d("0.1000001"), 4).Equal(d("0.1001")))
}

func TestCalculateNetProfit(t *testing.T) {
	// Buy at 100, sell at 110, 0.1% fee each side.
	net := CalculateNetProfit(d("100"), d("110"), d("0.001"), d("0.001"))
	assert.True(t, net.Equal(d("9.79")), net.String())
}

func TestPctDiff(t *testing.T) {
	assert.True(t, PctDiff(d("30000"), d("30300")).Equal(d("1")))
	assert.True(t, PctDiff(decimal.Zero, d("1")).IsZero())
}
