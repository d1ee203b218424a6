package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	"quant_trader/internal/logging"
	"quant_trader/internal/strategy"
	apperrors "quant_trader/pkg/errors"
)

func testEngine() *Engine {
	cfg := config.SimulationConfig{DaysPerRun: 3, MinTradesRequired: 5, WallClockCapSec: 30}
	return NewEngine(nil, "mock", cfg, logging.NewNop())
}

func testStrategy(typ string, params map[string]decimal.Decimal) *core.Strategy {
	fam := strategy.Families[typ]
	return &core.Strategy{
		ID:     "sim-1",
		Type:   typ,
		Symbol: "BTC/USDT",
		Params: params,
		Specs:  fam.Specs,
	}
}

// waveHistory oscillates the mid price so mean reversion completes round
// trips.
func waveHistory(n int, base, amplitude float64) []*core.Ticker {
	out := make([]*core.Ticker, n)
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		mid := base
		if i%40 < 20 {
			mid = base + amplitude
		} else {
			mid = base - amplitude
		}
		out[i] = &core.Ticker{
			Exchange:   "mock",
			Symbol:     "BTC/USDT",
			Bid:        decimal.NewFromFloat(mid - 2),
			Ask:        decimal.NewFromFloat(mid + 2),
			ObservedAt: now.Add(time.Duration(i-n) * 5 * time.Second),
		}
	}
	return out
}

func TestReplayProducesTrades(t *testing.T) {
	e := testEngine()
	s := testStrategy("mean_reversion", map[string]decimal.Decimal{
		"lookback":      decimal.NewFromInt(30),
		"deviation_pct": decimal.NewFromFloat(0.3),
	})

	res, err := e.Replay(context.Background(), s, waveHistory(400, 30000, 200))
	require.NoError(t, err)

	assert.Greater(t, res.TradeCount, 0)
	assert.Equal(t, "sim-1", res.StrategyID)
	assert.True(t, res.Score.GreaterThanOrEqual(decimal.Zero))
	assert.True(t, res.Score.LessThanOrEqual(decimal.NewFromInt(100)))
	// Snapshot must be a copy, not the live params map.
	res.ParamsSnapshot["lookback"] = decimal.NewFromInt(999)
	assert.True(t, s.Params["lookback"].Equal(decimal.NewFromInt(30)))
}

func TestReplayIsSideEffectFree(t *testing.T) {
	e := testEngine()
	s := testStrategy("momentum", map[string]decimal.Decimal{
		"lookback":      decimal.NewFromInt(10),
		"threshold_pct": decimal.NewFromFloat(0.2),
	})
	before := s.Params["lookback"]

	history := waveHistory(300, 30000, 150)
	r1, err := e.Replay(context.Background(), s, history)
	require.NoError(t, err)
	r2, err := e.Replay(context.Background(), s, history)
	require.NoError(t, err)

	// Same inputs, same outcome, untouched strategy.
	assert.Equal(t, r1.TradeCount, r2.TradeCount)
	assert.True(t, r1.TotalReturn.Equal(r2.TotalReturn))
	assert.True(t, s.Params["lookback"].Equal(before))
}

func TestReplayUnknownFamily(t *testing.T) {
	e := testEngine()
	s := testStrategy("momentum", nil)
	s.Type = "does_not_exist"

	_, err := e.Replay(context.Background(), s, waveHistory(100, 30000, 100))
	assert.ErrorIs(t, err, apperrors.ErrStrategyInternal)
}

func TestReplayHonorsCancellation(t *testing.T) {
	e := testEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := testStrategy("momentum", map[string]decimal.Decimal{
		"lookback":      decimal.NewFromInt(10),
		"threshold_pct": decimal.NewFromFloat(0.2),
	})
	_, err := e.Replay(ctx, s, waveHistory(600, 30000, 100))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFeesReduceReturns(t *testing.T) {
	// A round trip at identical prices must lose the fee plus slippage.
	entry := fillPrice(decimal.NewFromInt(30000), core.SideBuy)
	exit := fillPrice(decimal.NewFromInt(30000), core.SideSell)
	ret := closedReturn(entry, exit)
	assert.True(t, ret.IsNegative())
}

func TestSufficientRequiresMinTrades(t *testing.T) {
	e := testEngine()
	assert.False(t, e.Sufficient(&core.SimulationResult{TradeCount: 4}))
	assert.True(t, e.Sufficient(&core.SimulationResult{TradeCount: 5}))
}

func TestProfitFactorSaturatesWithoutLosses(t *testing.T) {
	pf := profitFactorOf([]decimal.Decimal{
		decimal.NewFromFloat(0.01), decimal.NewFromFloat(0.02),
	})
	assert.True(t, pf.Equal(decimal.NewFromInt(100)))

	pf = profitFactorOf(nil)
	assert.True(t, pf.IsZero())
}
