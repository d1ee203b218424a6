package strategy

import (
	"math"

	"quant_trader/internal/core"
)

// Regime classification thresholds over the recent mid-price series.
const (
	regimeMinSamples  = 30
	trendingAbsPct    = 2.0 // net move over the window
	volatileStddevPct = 1.5 // stddev of step returns, in percent
)

// DetectRegime classifies recent market behavior from ticker history.
// Statistics are computed in float; no monetary value leaves this
// function.
func DetectRegime(history []*core.Ticker) core.MarketRegime {
	if len(history) < regimeMinSamples {
		return core.RegimeUnknown
	}

	prices := make([]float64, len(history))
	for i, t := range history {
		prices[i], _ = t.Bid.Add(t.Ask).Div(two).Float64()
	}

	first, last := prices[0], prices[len(prices)-1]
	if first == 0 {
		return core.RegimeUnknown
	}
	netMovePct := math.Abs(last-first) / first * 100

	var returns []float64
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns = append(returns, (prices[i]-prices[i-1])/prices[i-1]*100)
		}
	}
	stddev := stddevOf(returns)

	switch {
	case stddev >= volatileStddevPct:
		return core.RegimeVolatile
	case netMovePct >= trendingAbsPct:
		return core.RegimeTrending
	default:
		return core.RegimeRanging
	}
}

// AdaptedRange returns the parameter range adapted to the regime,
// falling back to the full range.
func AdaptedRange(sp core.ParamSpec, regime core.MarketRegime) core.ParamRange {
	if r, ok := sp.Adaptation[regime]; ok {
		return r
	}
	return core.ParamRange{Min: sp.Min, Max: sp.Max}
}

func stddevOf(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs) - 1)
	return math.Sqrt(variance)
}
