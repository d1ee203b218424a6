package strategy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	"quant_trader/internal/logging"
)

func testGates() config.GatesConfig {
	return config.GatesConfig{
		DisplayMinScore:    10,
		TradingMinScore:    65,
		MinTrades:          30,
		MinWinRate:         0.6,
		ConsecImprovements: 3,
		ParamRevalHours:    24,
		ParamRevalTrades:   20,
		EliminationScore:   5,
		EliminationDays:    15,
	}
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	return NewPool(testGates(), nil, logging.NewNop())
}

func displayCandidate(score float64) *core.Strategy {
	now := time.Now().UTC()
	fam := Families["momentum"]
	return &core.Strategy{
		ID:      "cand-1",
		Name:    "momentum-test",
		Type:    "momentum",
		Symbol:  "BTC/USDT",
		Params:  RandomParams(fam, rand.New(rand.NewSource(1))),
		Specs:   fam.Specs,
		Tier:    core.TierDisplay,
		Enabled: true,
		// Parameter change long outside the revalidation window.
		LastParamChangeAt:           now.Add(-48 * time.Hour),
		ValidationTradesSinceChange: 25,
		FinalScore:                  decimal.NewFromFloat(score),
		Metrics: core.RollingMetrics{
			Score:             decimal.NewFromFloat(score),
			WinRate:           decimal.NewFromFloat(0.65),
			TradeCount:        40,
			ConsecImprovement: 3,
		},
		CreatedAt: now.Add(-30 * 24 * time.Hour),
	}
}

func TestPromotionAtExactThreshold(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Add(displayCandidate(65)))

	p.EvaluateTiers(time.Now().UTC())
	assert.Equal(t, core.TierTrading, p.Get("cand-1").Tier)
}

func TestNoPromotionJustBelowThreshold(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Add(displayCandidate(64.99)))

	p.EvaluateTiers(time.Now().UTC())
	assert.Equal(t, core.TierDisplay, p.Get("cand-1").Tier)
}

func TestRecentParamChangeBlocksPromotion(t *testing.T) {
	p := newTestPool(t)
	s := displayCandidate(80)
	s.LastParamChangeAt = time.Now().UTC().Add(-1 * time.Hour)
	require.NoError(t, p.Add(s))

	p.EvaluateTiers(time.Now().UTC())
	assert.Equal(t, core.TierDisplay, p.Get("cand-1").Tier,
		"promotion requires the revalidation window to elapse")
}

func TestTooFewValidationTradesBlocksPromotion(t *testing.T) {
	p := newTestPool(t)
	s := displayCandidate(80)
	s.ValidationTradesSinceChange = 19
	require.NoError(t, p.Add(s))

	p.EvaluateTiers(time.Now().UTC())
	assert.Equal(t, core.TierDisplay, p.Get("cand-1").Tier)
}

func TestPoolToDisplayPromotion(t *testing.T) {
	p := newTestPool(t)
	s := displayCandidate(12)
	s.Tier = core.TierPool
	require.NoError(t, p.Add(s))

	p.EvaluateTiers(time.Now().UTC())
	assert.Equal(t, core.TierDisplay, p.Get("cand-1").Tier)
}

func TestDemotionRequiresSustainedLowScore(t *testing.T) {
	p := newTestPool(t)
	s := displayCandidate(70)
	s.Tier = core.TierTrading
	require.NoError(t, p.Add(s))

	now := time.Now().UTC()

	// Score within hysteresis band (60 >= 65-5): no demotion clock.
	require.NoError(t, p.Update("cand-1", func(st *core.Strategy) {
		st.FinalScore = decimal.NewFromInt(60)
	}))
	p.EvaluateTiers(now)
	assert.Equal(t, core.TierTrading, p.Get("cand-1").Tier)

	// Below the band, but not yet for a full window.
	require.NoError(t, p.Update("cand-1", func(st *core.Strategy) {
		st.FinalScore = decimal.NewFromInt(50)
	}))
	p.EvaluateTiers(now)
	assert.Equal(t, core.TierTrading, p.Get("cand-1").Tier)

	// Still below after the window has elapsed: demoted.
	p.EvaluateTiers(now.Add(demotionWindow + time.Minute))
	assert.Equal(t, core.TierPool, p.Get("cand-1").Tier)
}

func TestEliminationAfterSustainedFloorScore(t *testing.T) {
	p := newTestPool(t)
	s := displayCandidate(3)
	s.Tier = core.TierPool
	require.NoError(t, p.Add(s))

	now := time.Now().UTC()
	p.EvaluateTiers(now)
	assert.False(t, p.Get("cand-1").Inactive)

	p.EvaluateTiers(now.Add(16 * 24 * time.Hour))
	got := p.Get("cand-1")
	assert.True(t, got.Inactive)
	assert.False(t, got.Enabled)
	// Retired strategies stay retrievable for lineage.
	assert.NotNil(t, got)
	assert.Empty(t, p.ByTier(core.TierPool))
}

func TestUpdateIsolatesCallers(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.Add(displayCandidate(50)))

	got := p.Get("cand-1")
	got.Params["lookback"] = decimal.NewFromInt(999)

	// Mutating the copy must not touch the pooled strategy.
	assert.False(t, p.Get("cand-1").Params["lookback"].Equal(decimal.NewFromInt(999)))
}

func TestSeedFillsPool(t *testing.T) {
	p := newTestPool(t)
	rng := rand.New(rand.NewSource(42))

	require.NoError(t, Seed(p, []string{"BTC/USDT", "ETH/USDT"}, 30, rng))
	assert.Equal(t, 30, p.Size())

	for _, s := range p.List() {
		assert.Equal(t, core.TierPool, s.Tier)
		fam := Families[s.Type]
		for name, sp := range fam.Specs {
			v, ok := s.Params[name]
			require.True(t, ok, "missing param %s", name)
			assert.True(t, v.GreaterThanOrEqual(sp.Min), "%s below min", name)
			assert.True(t, v.LessThanOrEqual(sp.Max), "%s above max", name)
		}
	}
}

func TestFamiliesProduceSignals(t *testing.T) {
	// A steadily rising series triggers momentum and trend following buys.
	history := risingHistory(120, 30000, 30)

	mom := Families["momentum"]
	params := map[string]decimal.Decimal{
		"lookback":      decimal.NewFromInt(20),
		"threshold_pct": decimal.NewFromFloat(0.5),
	}
	d := mom.Decide(history, params)
	require.NotNil(t, d)
	assert.Equal(t, core.SideBuy, d.Side)
	assert.True(t, d.Confidence.GreaterThanOrEqual(decimal.NewFromFloat(0.5)))

	tf := Families["trend_following"]
	d = tf.Decide(history, map[string]decimal.Decimal{
		"fast_period": decimal.NewFromInt(5),
		"slow_period": decimal.NewFromInt(40),
	})
	require.NotNil(t, d)
	assert.Equal(t, core.SideBuy, d.Side)

	// Mean reversion fades the same move.
	mr := Families["mean_reversion"]
	d = mr.Decide(history, map[string]decimal.Decimal{
		"lookback":      decimal.NewFromInt(60),
		"deviation_pct": decimal.NewFromFloat(0.2),
	})
	require.NotNil(t, d)
	assert.Equal(t, core.SideSell, d.Side)
}

func TestFamilyNoSignalOnShortHistory(t *testing.T) {
	history := risingHistory(5, 30000, 10)
	d := Families["momentum"].Decide(history, map[string]decimal.Decimal{
		"lookback":      decimal.NewFromInt(20),
		"threshold_pct": decimal.NewFromFloat(0.5),
	})
	assert.Nil(t, d)
}

func TestDetectRegime(t *testing.T) {
	assert.Equal(t, core.RegimeUnknown, DetectRegime(risingHistory(5, 30000, 10)))
	assert.Equal(t, core.RegimeTrending, DetectRegime(risingHistory(60, 30000, 20)))
	assert.Equal(t, core.RegimeRanging, DetectRegime(flatHistory(60, 30000)))
}

func risingHistory(n int, start, stepAbs float64) []*core.Ticker {
	out := make([]*core.Ticker, n)
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		mid := start + float64(i)*stepAbs
		out[i] = &core.Ticker{
			Exchange:   "mock",
			Symbol:     "BTC/USDT",
			Bid:        decimal.NewFromFloat(mid - 1),
			Ask:        decimal.NewFromFloat(mid + 1),
			ObservedAt: now.Add(time.Duration(i-n) * 5 * time.Second),
		}
	}
	return out
}

func flatHistory(n int, price float64) []*core.Ticker {
	return risingHistory(n, price, 0)
}
