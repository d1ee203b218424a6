package scoring

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"quant_trader/internal/core"
)

func goodInput() Input {
	return Input{
		TotalReturn:  decimal.NewFromFloat(15),
		WinRate:      decimal.NewFromFloat(0.7),
		Sharpe:       decimal.NewFromFloat(2.1),
		MaxDrawdown:  decimal.NewFromFloat(4),
		ProfitFactor: decimal.NewFromFloat(2.5),
		TradeCount:   40,
	}
}

func TestScoreIsBounded(t *testing.T) {
	cases := []Input{
		goodInput(),
		{TradeCount: 0},
		{
			// Pathological inputs must still land in [0, 100].
			TotalReturn:  decimal.NewFromInt(100000),
			WinRate:      decimal.NewFromInt(1),
			Sharpe:       decimal.NewFromInt(1000),
			MaxDrawdown:  decimal.Zero,
			ProfitFactor: decimal.NewFromInt(1000000),
			TradeCount:   100000,
		},
		{
			TotalReturn:  decimal.NewFromInt(-100000),
			WinRate:      decimal.Zero,
			Sharpe:       decimal.NewFromInt(-1000),
			MaxDrawdown:  decimal.NewFromInt(100),
			ProfitFactor: decimal.Zero,
			TradeCount:   1,
		},
	}
	for _, in := range cases {
		for _, regime := range []core.MarketRegime{
			core.RegimeUnknown, core.RegimeTrending, core.RegimeRanging, core.RegimeVolatile,
		} {
			s := Score(in, regime)
			assert.True(t, s.GreaterThanOrEqual(decimal.Zero), "score %s below 0", s)
			assert.True(t, s.LessThanOrEqual(decimal.NewFromInt(100)), "score %s above 100", s)
		}
	}
}

func TestBetterMetricsScoreHigher(t *testing.T) {
	good := Score(goodInput(), core.RegimeUnknown)

	bad := goodInput()
	bad.TotalReturn = decimal.NewFromFloat(-10)
	bad.WinRate = decimal.NewFromFloat(0.3)
	bad.Sharpe = decimal.NewFromFloat(-0.5)
	bad.MaxDrawdown = decimal.NewFromFloat(30)
	bad.ProfitFactor = decimal.NewFromFloat(0.6)

	assert.True(t, good.GreaterThan(Score(bad, core.RegimeUnknown)))
}

func TestTradeCountFactor(t *testing.T) {
	assert.InDelta(t, 0.7, TradeCountFactor(0), 1e-9)
	assert.InDelta(t, 0.85, TradeCountFactor(5), 1e-9)
	assert.InDelta(t, 1.0, TradeCountFactor(10), 1e-9)
	assert.InDelta(t, 1.0, TradeCountFactor(50), 1e-9)
	assert.InDelta(t, 1.1, TradeCountFactor(75), 1e-9)
	assert.InDelta(t, 1.2, TradeCountFactor(100), 1e-9)
	assert.InDelta(t, 1.2, TradeCountFactor(5000), 1e-9)
}

func TestRegimeWeightsStayNormalized(t *testing.T) {
	for _, regime := range []core.MarketRegime{
		core.RegimeUnknown, core.RegimeTrending, core.RegimeRanging, core.RegimeVolatile,
	} {
		w := regimeWeights(DefaultWeights, regime)
		sum := w.TotalReturn + w.WinRate + w.Sharpe + w.MaxDrawdown + w.ProfitFactor
		assert.InDelta(t, 1.0, sum, 1e-9, "regime %s", regime)
	}
}

func TestVolatileRegimeRewardsLowDrawdown(t *testing.T) {
	lowDD := goodInput()
	lowDD.MaxDrawdown = decimal.NewFromFloat(2)
	highDD := goodInput()
	highDD.MaxDrawdown = decimal.NewFromFloat(25)

	gapNeutral := Score(lowDD, core.RegimeUnknown).Sub(Score(highDD, core.RegimeUnknown))
	gapVolatile := Score(lowDD, core.RegimeVolatile).Sub(Score(highDD, core.RegimeVolatile))
	assert.True(t, gapVolatile.GreaterThan(gapNeutral),
		"drawdown should matter more in a volatile regime")
}

func TestUpdateRollingBlendsAndCounts(t *testing.T) {
	first := UpdateRolling(core.RollingMetrics{}, goodInput(), core.RegimeUnknown)
	assert.Equal(t, 40, first.TradeCount)
	assert.True(t, first.WinRate.Equal(decimal.NewFromFloat(0.7)))
	assert.Equal(t, 1, first.ConsecImprovement)

	// A second, better measurement moves metrics toward it by alpha.
	better := goodInput()
	better.WinRate = decimal.NewFromFloat(0.9)
	second := UpdateRolling(first, better, core.RegimeUnknown)

	// 0.3*0.9 + 0.7*0.7 = 0.76
	assert.True(t, second.WinRate.Equal(decimal.NewFromFloat(0.76)),
		"got %s", second.WinRate)
	assert.Equal(t, 80, second.TradeCount)
}

func TestConsecImprovementResetsOnDecline(t *testing.T) {
	m := UpdateRolling(core.RollingMetrics{}, goodInput(), core.RegimeUnknown)

	worse := goodInput()
	worse.TotalReturn = decimal.NewFromFloat(-20)
	worse.WinRate = decimal.NewFromFloat(0.2)
	worse.Sharpe = decimal.NewFromFloat(-1)
	worse.MaxDrawdown = decimal.NewFromFloat(40)
	worse.ProfitFactor = decimal.NewFromFloat(0.3)

	m = UpdateRolling(m, worse, core.RegimeUnknown)
	assert.Equal(t, 0, m.ConsecImprovement)
}
