// Package scoring computes composite strategy scores and rolling metrics
package scoring

import (
	"math"

	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
)

// alpha is the exponential update weight for rolling metrics.
const alpha = 0.3

// Weights are the composite score component weights. They always sum
// to 1 after regime adjustment.
type Weights struct {
	TotalReturn  float64
	WinRate      float64
	Sharpe       float64
	MaxDrawdown  float64
	ProfitFactor float64
}

// DefaultWeights per the scoring model.
var DefaultWeights = Weights{
	TotalReturn:  0.30,
	WinRate:      0.25,
	Sharpe:       0.20,
	MaxDrawdown:  0.15,
	ProfitFactor: 0.10,
}

// Input is one performance measurement to score. TotalReturn and
// MaxDrawdown are percentages; WinRate is a ratio in [0, 1].
type Input struct {
	TotalReturn  decimal.Decimal
	WinRate      decimal.Decimal
	Sharpe       decimal.Decimal
	MaxDrawdown  decimal.Decimal
	ProfitFactor decimal.Decimal
	TradeCount   int
}

// Score computes the composite score in [0, 100]. The saturating
// transforms run in float; the result returns to decimal with two
// places.
func Score(in Input, regime core.MarketRegime) decimal.Decimal {
	w := regimeWeights(DefaultWeights, regime)

	ret, _ := in.TotalReturn.Float64()
	winRate, _ := in.WinRate.Float64()
	sharpe, _ := in.Sharpe.Float64()
	drawdown, _ := in.MaxDrawdown.Float64()
	profitFactor, _ := in.ProfitFactor.Float64()

	// Each component saturates into [0, 1] so no single dimension can
	// dominate the composite.
	retC := logistic(ret / 10)
	winC := clampFloat(winRate, 0, 1)
	sharpeC := logistic(sharpe)
	ddC := 1 / (1 + math.Abs(drawdown)/10)
	pfC := 0.0
	if profitFactor > 0 {
		pfC = profitFactor / (profitFactor + 1)
	}

	weighted := w.TotalReturn*retC +
		w.WinRate*winC +
		w.Sharpe*sharpeC +
		w.MaxDrawdown*ddC +
		w.ProfitFactor*pfC

	score := weighted * 100 * TradeCountFactor(in.TradeCount)
	return decimal.NewFromFloat(clampFloat(score, 0, 100)).Round(2)
}

// TradeCountFactor discounts thin track records and rewards deep ones:
// 0.7 to 1.0 below 10 trades, 1.0 through 50, rising to a 1.2 cap at
// 100 or more.
func TradeCountFactor(count int) float64 {
	switch {
	case count <= 0:
		return 0.7
	case count < 10:
		return 0.7 + 0.3*float64(count)/10
	case count <= 50:
		return 1.0
	case count < 100:
		return 1.0 + 0.2*float64(count-50)/50
	default:
		return 1.2
	}
}

// regimeWeights perturbs the base weights toward what matters in the
// regime, then renormalizes so the weights still sum to 1.
func regimeWeights(base Weights, regime core.MarketRegime) Weights {
	w := base
	switch regime {
	case core.RegimeTrending:
		w.TotalReturn *= 1.3
		w.Sharpe *= 1.1
	case core.RegimeRanging:
		w.WinRate *= 1.3
		w.ProfitFactor *= 1.1
	case core.RegimeVolatile:
		w.MaxDrawdown *= 1.5
		w.Sharpe *= 1.2
	}
	sum := w.TotalReturn + w.WinRate + w.Sharpe + w.MaxDrawdown + w.ProfitFactor
	w.TotalReturn /= sum
	w.WinRate /= sum
	w.Sharpe /= sum
	w.MaxDrawdown /= sum
	w.ProfitFactor /= sum
	return w
}

// UpdateRolling folds a new measurement into the rolling metrics with
// exponential weighting and maintains the consecutive improvement
// counter.
func UpdateRolling(m core.RollingMetrics, in Input, regime core.MarketRegime) core.RollingMetrics {
	newScore := Score(in, regime)

	out := m
	if m.TradeCount == 0 {
		// First measurement: adopt it outright.
		out.WinRate = in.WinRate
		out.TotalReturn = in.TotalReturn
		out.Sharpe = in.Sharpe
		out.MaxDrawdown = in.MaxDrawdown
		out.ProfitFactor = in.ProfitFactor
		out.Score = newScore
	} else {
		out.WinRate = blend(m.WinRate, in.WinRate)
		out.TotalReturn = blend(m.TotalReturn, in.TotalReturn)
		out.Sharpe = blend(m.Sharpe, in.Sharpe)
		out.MaxDrawdown = blend(m.MaxDrawdown, in.MaxDrawdown)
		out.ProfitFactor = blend(m.ProfitFactor, in.ProfitFactor)
		out.Score = blend(m.Score, newScore)
	}
	out.TradeCount = m.TradeCount + in.TradeCount

	if out.Score.GreaterThan(m.Score) {
		out.ConsecImprovement = m.ConsecImprovement + 1
	} else {
		out.ConsecImprovement = 0
	}
	return out
}

// blend applies the exponential update: alpha*new + (1-alpha)*old.
func blend(old, new decimal.Decimal) decimal.Decimal {
	a := decimal.NewFromFloat(alpha)
	return new.Mul(a).Add(old.Mul(decimal.NewFromInt(1).Sub(a)))
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
