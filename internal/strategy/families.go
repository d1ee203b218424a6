// Package strategy holds the strategy pool, families and tier gating
package strategy

import (
	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
)

// Decision is a family's verdict for the current market state. A nil
// decision means no signal.
type Decision struct {
	Side       core.OrderSide
	Confidence decimal.Decimal
}

// DecideFunc applies a family's signal rule to recent tickers, oldest
// first. params are the strategy's current parameter values.
type DecideFunc func(history []*core.Ticker, params map[string]decimal.Decimal) *Decision

// Family declares one strategy type: its parameter space and signal rule.
type Family struct {
	Type   string
	Specs  map[string]core.ParamSpec
	Decide DecideFunc
}

var (
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Families is the registry of supported strategy types.
var Families = map[string]Family{
	"momentum":        momentumFamily(),
	"mean_reversion":  meanReversionFamily(),
	"breakout":        breakoutFamily(),
	"grid":            gridFamily(),
	"trend_following": trendFollowingFamily(),
	"high_frequency":  highFrequencyFamily(),
}

func spec(name string, typ core.ParamType, min, max, step float64, mutationRate float64, adaptation map[core.MarketRegime]core.ParamRange) core.ParamSpec {
	return core.ParamSpec{
		Name:         name,
		Type:         typ,
		Min:          decimal.NewFromFloat(min),
		Max:          decimal.NewFromFloat(max),
		Step:         decimal.NewFromFloat(step),
		MutationRate: mutationRate,
		Adaptation:   adaptation,
	}
}

func pr(min, max float64) core.ParamRange {
	return core.ParamRange{Min: decimal.NewFromFloat(min), Max: decimal.NewFromFloat(max)}
}

// lastN returns up to n trailing mid prices, oldest first.
func lastN(history []*core.Ticker, n int) []decimal.Decimal {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	out := make([]decimal.Decimal, len(history))
	for i, t := range history {
		out[i] = t.Bid.Add(t.Ask).Div(two)
	}
	return out
}

func mean(xs []decimal.Decimal) decimal.Decimal {
	if len(xs) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, x := range xs {
		sum = sum.Add(x)
	}
	return sum.Div(decimal.NewFromInt(int64(len(xs))))
}

func intParam(params map[string]decimal.Decimal, name string, fallback int) int {
	if v, ok := params[name]; ok {
		return int(v.IntPart())
	}
	return fallback
}

// momentumFamily buys when the recent return exceeds a threshold and
// sells on the symmetric down move.
func momentumFamily() Family {
	return Family{
		Type: "momentum",
		Specs: map[string]core.ParamSpec{
			"lookback": spec("lookback", core.ParamInt, 5, 100, 1, 0.1, map[core.MarketRegime]core.ParamRange{
				core.RegimeTrending: pr(5, 40),
				core.RegimeRanging:  pr(20, 100),
			}),
			"threshold_pct": spec("threshold_pct", core.ParamDecimal, 0.1, 5, 0.05, 0.15, map[core.MarketRegime]core.ParamRange{
				core.RegimeVolatile: pr(0.5, 5),
			}),
		},
		Decide: func(history []*core.Ticker, params map[string]decimal.Decimal) *Decision {
			lookback := intParam(params, "lookback", 20)
			prices := lastN(history, lookback)
			if len(prices) < lookback {
				return nil
			}
			first, last := prices[0], prices[len(prices)-1]
			if first.IsZero() {
				return nil
			}
			changePct := last.Sub(first).Div(first).Mul(hundred)
			threshold := params["threshold_pct"]
			if changePct.GreaterThanOrEqual(threshold) {
				return &Decision{Side: core.SideBuy, Confidence: confidenceFrom(changePct, threshold)}
			}
			if changePct.LessThanOrEqual(threshold.Neg()) {
				return &Decision{Side: core.SideSell, Confidence: confidenceFrom(changePct.Abs(), threshold)}
			}
			return nil
		},
	}
}

// meanReversionFamily fades deviations from the rolling mean.
func meanReversionFamily() Family {
	return Family{
		Type: "mean_reversion",
		Specs: map[string]core.ParamSpec{
			"lookback": spec("lookback", core.ParamInt, 10, 200, 1, 0.1, map[core.MarketRegime]core.ParamRange{
				core.RegimeRanging: pr(10, 80),
			}),
			"deviation_pct": spec("deviation_pct", core.ParamDecimal, 0.2, 5, 0.05, 0.15, map[core.MarketRegime]core.ParamRange{
				core.RegimeVolatile: pr(1, 5),
			}),
		},
		Decide: func(history []*core.Ticker, params map[string]decimal.Decimal) *Decision {
			lookback := intParam(params, "lookback", 40)
			prices := lastN(history, lookback)
			if len(prices) < lookback {
				return nil
			}
			avg := mean(prices)
			if avg.IsZero() {
				return nil
			}
			last := prices[len(prices)-1]
			devPct := last.Sub(avg).Div(avg).Mul(hundred)
			threshold := params["deviation_pct"]
			if devPct.GreaterThanOrEqual(threshold) {
				return &Decision{Side: core.SideSell, Confidence: confidenceFrom(devPct, threshold)}
			}
			if devPct.LessThanOrEqual(threshold.Neg()) {
				return &Decision{Side: core.SideBuy, Confidence: confidenceFrom(devPct.Abs(), threshold)}
			}
			return nil
		},
	}
}

// breakoutFamily buys a close above the lookback high, sells below the low.
func breakoutFamily() Family {
	return Family{
		Type: "breakout",
		Specs: map[string]core.ParamSpec{
			"lookback": spec("lookback", core.ParamInt, 10, 200, 1, 0.1, nil),
			"breakout_pct": spec("breakout_pct", core.ParamDecimal, 0.05, 3, 0.05, 0.15, map[core.MarketRegime]core.ParamRange{
				core.RegimeTrending: pr(0.05, 1),
			}),
		},
		Decide: func(history []*core.Ticker, params map[string]decimal.Decimal) *Decision {
			lookback := intParam(params, "lookback", 50)
			prices := lastN(history, lookback+1)
			if len(prices) < lookback+1 {
				return nil
			}
			window, last := prices[:len(prices)-1], prices[len(prices)-1]
			high, low := window[0], window[0]
			for _, p := range window[1:] {
				if p.GreaterThan(high) {
					high = p
				}
				if p.LessThan(low) {
					low = p
				}
			}
			margin := params["breakout_pct"].Div(hundred)
			if last.GreaterThan(high.Mul(one.Add(margin))) {
				return &Decision{Side: core.SideBuy, Confidence: decimal.NewFromFloat(0.7)}
			}
			if last.LessThan(low.Mul(one.Sub(margin))) {
				return &Decision{Side: core.SideSell, Confidence: decimal.NewFromFloat(0.7)}
			}
			return nil
		},
	}
}

// gridFamily trades around a slow anchor price in fixed percentage steps.
func gridFamily() Family {
	return Family{
		Type: "grid",
		Specs: map[string]core.ParamSpec{
			"anchor_lookback": spec("anchor_lookback", core.ParamInt, 20, 400, 1, 0.1, nil),
			"grid_step_pct": spec("grid_step_pct", core.ParamDecimal, 0.1, 3, 0.05, 0.15, map[core.MarketRegime]core.ParamRange{
				core.RegimeRanging:  pr(0.1, 1),
				core.RegimeVolatile: pr(0.5, 3),
			}),
		},
		Decide: func(history []*core.Ticker, params map[string]decimal.Decimal) *Decision {
			lookback := intParam(params, "anchor_lookback", 100)
			prices := lastN(history, lookback)
			if len(prices) < lookback {
				return nil
			}
			anchor := mean(prices)
			if anchor.IsZero() {
				return nil
			}
			last := prices[len(prices)-1]
			stepPct := params["grid_step_pct"]
			devPct := last.Sub(anchor).Div(anchor).Mul(hundred)
			if devPct.LessThanOrEqual(stepPct.Neg()) {
				return &Decision{Side: core.SideBuy, Confidence: confidenceFrom(devPct.Abs(), stepPct)}
			}
			if devPct.GreaterThanOrEqual(stepPct) {
				return &Decision{Side: core.SideSell, Confidence: confidenceFrom(devPct, stepPct)}
			}
			return nil
		},
	}
}

// trendFollowingFamily crosses a fast moving average over a slow one.
func trendFollowingFamily() Family {
	return Family{
		Type: "trend_following",
		Specs: map[string]core.ParamSpec{
			"fast_period": spec("fast_period", core.ParamInt, 3, 50, 1, 0.1, map[core.MarketRegime]core.ParamRange{
				core.RegimeTrending: pr(3, 20),
			}),
			"slow_period": spec("slow_period", core.ParamInt, 10, 200, 1, 0.1, nil),
		},
		Decide: func(history []*core.Ticker, params map[string]decimal.Decimal) *Decision {
			fast := intParam(params, "fast_period", 10)
			slow := intParam(params, "slow_period", 40)
			if fast >= slow {
				return nil
			}
			prices := lastN(history, slow)
			if len(prices) < slow {
				return nil
			}
			fastAvg := mean(prices[len(prices)-fast:])
			slowAvg := mean(prices)
			if slowAvg.IsZero() {
				return nil
			}
			if fastAvg.GreaterThan(slowAvg) {
				return &Decision{Side: core.SideBuy, Confidence: decimal.NewFromFloat(0.6)}
			}
			if fastAvg.LessThan(slowAvg) {
				return &Decision{Side: core.SideSell, Confidence: decimal.NewFromFloat(0.6)}
			}
			return nil
		},
	}
}

// highFrequencyFamily reacts to short bid/ask spread compressions.
func highFrequencyFamily() Family {
	return Family{
		Type: "high_frequency",
		Specs: map[string]core.ParamSpec{
			"tick_window": spec("tick_window", core.ParamInt, 3, 30, 1, 0.1, nil),
			"move_pct": spec("move_pct", core.ParamDecimal, 0.02, 1, 0.01, 0.2, map[core.MarketRegime]core.ParamRange{
				core.RegimeVolatile: pr(0.1, 1),
			}),
		},
		Decide: func(history []*core.Ticker, params map[string]decimal.Decimal) *Decision {
			window := intParam(params, "tick_window", 5)
			prices := lastN(history, window)
			if len(prices) < window {
				return nil
			}
			first, last := prices[0], prices[len(prices)-1]
			if first.IsZero() {
				return nil
			}
			movePct := last.Sub(first).Div(first).Mul(hundred)
			threshold := params["move_pct"]
			if movePct.GreaterThanOrEqual(threshold) {
				return &Decision{Side: core.SideBuy, Confidence: confidenceFrom(movePct, threshold)}
			}
			if movePct.LessThanOrEqual(threshold.Neg()) {
				return &Decision{Side: core.SideSell, Confidence: confidenceFrom(movePct.Abs(), threshold)}
			}
			return nil
		},
	}
}

// confidenceFrom scales how far past the threshold the trigger value is
// into a [0.5, 0.95] confidence.
func confidenceFrom(value, threshold decimal.Decimal) decimal.Decimal {
	if threshold.IsZero() {
		return decimal.NewFromFloat(0.5)
	}
	ratio := value.Div(threshold)
	conf := decimal.NewFromFloat(0.5).Add(ratio.Sub(one).Mul(decimal.NewFromFloat(0.15)))
	maxConf := decimal.NewFromFloat(0.95)
	if conf.GreaterThan(maxConf) {
		return maxConf
	}
	if conf.LessThan(decimal.NewFromFloat(0.5)) {
		return decimal.NewFromFloat(0.5)
	}
	return conf
}
