package dispatch

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
	"quant_trader/internal/mock"
	"quant_trader/internal/strategy"
)

type fakeStore struct {
	signals []*core.TradingSignal
	cycles  []*core.TradeCycle
}

func (f *fakeStore) EnqueueAsync(rec core.Record) {
	switch rec.Kind {
	case core.RecordSignal:
		f.signals = append(f.signals, rec.Signal)
	case core.RecordCycle:
		f.cycles = append(f.cycles, rec.Cycle)
	}
}
func (f *fakeStore) SaveStrategy(context.Context, *core.Strategy) error       { return nil }
func (f *fakeStore) LoadStrategies(context.Context) ([]*core.Strategy, error) { return nil, nil }
func (f *fakeStore) SaveTask(context.Context, *core.ArbitrageTask) error      { return nil }
func (f *fakeStore) LoadOpenTasks(context.Context) ([]*core.ArbitrageTask, error) {
	return nil, nil
}
func (f *fakeStore) ListSignals(context.Context, int) ([]*core.TradingSignal, error) {
	return nil, nil
}
func (f *fakeStore) ListOperationLogs(context.Context, string, int) ([]*core.OperationLog, error) {
	return nil, nil
}
func (f *fakeStore) SaveStatus(context.Context, *core.SystemStatus) error { return nil }
func (f *fakeStore) Close() error                                         { return nil }

type fakeStatus struct{ autoTrading bool }

func (f *fakeStatus) Update(core.StatusUpdate)    {}
func (f *fakeStatus) Current() *core.SystemStatus { return &core.SystemStatus{} }
func (f *fakeStatus) SetAutoTrading(v bool)       { f.autoTrading = v }
func (f *fakeStatus) SetEvolution(bool)           {}
func (f *fakeStatus) AutoTradingEnabled() bool    { return f.autoTrading }
func (f *fakeStatus) EvolutionEnabled() bool      { return true }

type fakeMarket struct {
	tickers map[core.MarketKey]*core.Ticker
}

func (f *fakeMarket) Latest(exchange, symbol string) *core.Ticker {
	return f.tickers[core.MarketKey{Exchange: exchange, Symbol: symbol}]
}
func (f *fakeMarket) Snapshot() *core.MarketSnapshot {
	return &core.MarketSnapshot{Tickers: f.tickers}
}
func (f *fakeMarket) Subscribe() <-chan core.Epoch              { return make(chan core.Epoch) }
func (f *fakeMarket) History(_, _ string, _ int) []*core.Ticker { return nil }

type fixture struct {
	d      *Dispatcher
	pool   *strategy.Pool
	store  *fakeStore
	status *fakeStatus
	ex     *mock.Exchange
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gates := config.DefaultConfig().Gates
	pool := strategy.NewPool(gates, nil, logging.NewNop())
	store := &fakeStore{}
	status := &fakeStatus{autoTrading: true}

	ex := mock.NewExchange("mock")
	ex.SetTicker("BTC/USDT", decimal.NewFromInt(29990), decimal.NewFromInt(30000))

	market := &fakeMarket{tickers: map[core.MarketKey]*core.Ticker{
		{Exchange: "mock", Symbol: "BTC/USDT"}: {
			Exchange: "mock", Symbol: "BTC/USDT",
			Bid: decimal.NewFromInt(29990), Ask: decimal.NewFromInt(30000),
		},
	}}

	d := NewDispatcher(pool, market, map[string]core.IExchange{"mock": ex}, "mock",
		store, status, gates, logging.NewNop())
	return &fixture{d: d, pool: pool, store: store, status: status, ex: ex}
}

// tradingStrategy is stable, proven and promoted; absent interference it
// trades real.
func tradingStrategy(t *testing.T, f *fixture, id string) *core.Strategy {
	t.Helper()
	now := time.Now().UTC()
	fam := strategy.Families["momentum"]
	s := &core.Strategy{
		ID:                          id,
		Name:                        "momentum-" + id,
		Type:                        "momentum",
		Symbol:                      "BTC/USDT",
		Params:                      map[string]decimal.Decimal{"lookback": decimal.NewFromInt(20), "threshold_pct": decimal.NewFromFloat(0.5)},
		Specs:                       fam.Specs,
		Tier:                        core.TierTrading,
		Enabled:                     true,
		LastParamChangeAt:           now.Add(-48 * time.Hour),
		ValidationTradesSinceChange: 25,
		FinalScore:                  decimal.NewFromInt(80),
		CreatedAt:                   now.Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, f.pool.Add(s))
	return s
}

func buyDecision() *strategy.Decision {
	return &strategy.Decision{Side: core.SideBuy, Confidence: decimal.NewFromFloat(0.8)}
}

func sellDecision() *strategy.Decision {
	return &strategy.Decision{Side: core.SideSell, Confidence: decimal.NewFromFloat(0.8)}
}

func TestStableTradingStrategyTradesReal(t *testing.T) {
	f := newFixture(t)
	tradingStrategy(t, f, "s1")

	sig := f.d.process(context.Background(), f.pool.Get("s1"), buyDecision(), time.Now().UTC())
	require.NotNil(t, sig)
	assert.Equal(t, core.TradeReal, sig.TradeType)
	assert.True(t, sig.Executed)
	assert.Len(t, f.ex.Orders(), 1)
}

func TestAutoTradingOffForcesValidation(t *testing.T) {
	f := newFixture(t)
	f.status.autoTrading = false
	tradingStrategy(t, f, "s1")

	sig := f.d.process(context.Background(), f.pool.Get("s1"), buyDecision(), time.Now().UTC())
	require.NotNil(t, sig)
	assert.Equal(t, core.TradeValidation, sig.TradeType)
	assert.True(t, sig.Executed)
	assert.Empty(t, f.ex.Orders(), "validation must never touch the exchange")
}

func TestParamChangeBlocksRealTrading(t *testing.T) {
	f := newFixture(t)
	tradingStrategy(t, f, "s1")
	now := time.Now().UTC()

	// First signal is real.
	sig := f.d.process(context.Background(), f.pool.Get("s1"), buyDecision(), now)
	require.NotNil(t, sig)
	assert.Equal(t, core.TradeReal, sig.TradeType)

	// A parameter change starts the revalidation window.
	require.NoError(t, f.pool.Update("s1", func(st *core.Strategy) {
		st.LastParamChangeAt = now
		st.ValidationTradesSinceChange = 0
	}))

	// The next 19 signals are all validation, whatever the score.
	for i := 0; i < 19; i++ {
		side := sellDecision()
		if i%2 == 0 {
			side = buyDecision()
		}
		sig := f.d.process(context.Background(), f.pool.Get("s1"), side, now.Add(time.Duration(i)*time.Minute))
		require.NotNil(t, sig)
		assert.Equal(t, core.TradeValidation, sig.TradeType, "signal %d leaked real capital", i)
	}
	assert.Equal(t, 19, f.pool.Get("s1").ValidationTradesSinceChange)

	// Still validation with enough trades but not enough elapsed time.
	sig = f.d.process(context.Background(), f.pool.Get("s1"), buyDecision(), now.Add(time.Hour))
	assert.Equal(t, core.TradeValidation, sig.TradeType)

	// After 24h and 20 counted validation trades, real again.
	sig = f.d.process(context.Background(), f.pool.Get("s1"), sellDecision(), now.Add(25*time.Hour))
	assert.Equal(t, core.TradeReal, sig.TradeType)
}

func TestNoRealSignalInsideRevalWindow(t *testing.T) {
	f := newFixture(t)
	tradingStrategy(t, f, "s1")
	now := time.Now().UTC()

	require.NoError(t, f.pool.Update("s1", func(st *core.Strategy) {
		st.LastParamChangeAt = now
		st.ValidationTradesSinceChange = 0
	}))

	for i := 0; i < 40; i++ {
		at := now.Add(time.Duration(i) * 30 * time.Minute) // stays under 24h
		sig := f.d.process(context.Background(), f.pool.Get("s1"), buyDecision(), at)
		require.NotNil(t, sig)
		require.Equal(t, core.TradeValidation, sig.TradeType,
			"real signal %d inside the revalidation window", i)
	}
}

func TestCycleOpensAndCloses(t *testing.T) {
	f := newFixture(t)
	tradingStrategy(t, f, "s1")
	now := time.Now().UTC()

	open := f.d.process(context.Background(), f.pool.Get("s1"), buyDecision(), now)
	require.NotNil(t, open)
	require.Len(t, f.d.OpenCycles(), 1)

	closeSig := f.d.process(context.Background(), f.pool.Get("s1"), sellDecision(), now.Add(10*time.Minute))
	require.NotNil(t, closeSig)
	assert.Empty(t, f.d.OpenCycles())

	require.Len(t, f.store.cycles, 1)
	cycle := f.store.cycles[0]
	assert.Equal(t, core.CycleCompleted, cycle.Status)
	assert.Equal(t, open.ID, cycle.OpenSignalID)
	assert.Equal(t, closeSig.ID, cycle.CloseSignalID)
	assert.False(t, cycle.PnL.IsZero())
}

func TestBusyStrategyDropsSignalWithReason(t *testing.T) {
	f := newFixture(t)
	tradingStrategy(t, f, "s1")

	f.d.mu.Lock()
	f.d.inflight["s1"] = true
	f.d.mu.Unlock()

	sig := f.d.process(context.Background(), f.pool.Get("s1"), buyDecision(), time.Now().UTC())
	require.NotNil(t, sig)
	assert.False(t, sig.Executed)
	assert.Equal(t, "previous signal still in flight", sig.DropReason)
	assert.Empty(t, f.ex.Orders())
}

func TestForceCloseAbandonsCycle(t *testing.T) {
	f := newFixture(t)
	tradingStrategy(t, f, "s1")

	f.d.process(context.Background(), f.pool.Get("s1"), buyDecision(), time.Now().UTC())
	require.Len(t, f.d.OpenCycles(), 1)

	require.NoError(t, f.d.ForceClose(context.Background(), "s1", "operator request"))
	assert.Empty(t, f.d.OpenCycles())

	require.Len(t, f.store.cycles, 1)
	assert.Equal(t, core.CycleAbandoned, f.store.cycles[0].Status)
	assert.Equal(t, "operator request", f.store.cycles[0].Reason)
}

func TestCloseAllIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tradingStrategy(t, f, "s1")
	tradingStrategy(t, f, "s2")
	tradingStrategy(t, f, "s3")
	now := time.Now().UTC()

	for _, id := range []string{"s1", "s2", "s3"} {
		f.d.process(context.Background(), f.pool.Get(id), buyDecision(), now)
	}
	require.Len(t, f.d.OpenCycles(), 3)

	assert.Equal(t, 3, f.d.CloseAll(context.Background(), "emergency stop"))
	assert.Equal(t, 0, f.d.CloseAll(context.Background(), "emergency stop"))
	assert.Len(t, f.store.cycles, 3)
}

func TestRealOrderFailureRecordsReason(t *testing.T) {
	f := newFixture(t)
	tradingStrategy(t, f, "s1")
	f.ex.FailNext("MarketBuy", assertableError{})

	sig := f.d.process(context.Background(), f.pool.Get("s1"), buyDecision(), time.Now().UTC())
	require.NotNil(t, sig)
	assert.False(t, sig.Executed)
	assert.Contains(t, sig.DropReason, "order failed")
	assert.Empty(t, f.d.OpenCycles())
}

type assertableError struct{}

func (assertableError) Error() string { return "venue says no" }
