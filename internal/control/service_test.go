package control

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant_trader/internal/arbitrage"
	"quant_trader/internal/config"
	"quant_trader/internal/core"
	"quant_trader/internal/dispatch"
	"quant_trader/internal/evolution"
	"quant_trader/internal/funds"
	"quant_trader/internal/logging"
	"quant_trader/internal/mock"
	"quant_trader/internal/simulation"
	"quant_trader/internal/status"
	"quant_trader/internal/strategy"
)

type fakeStore struct {
	mu      sync.Mutex
	oplogs  []*core.OperationLog
	signals []*core.TradingSignal
}

func (f *fakeStore) EnqueueAsync(rec core.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.Kind == core.RecordOpLog {
		f.oplogs = append(f.oplogs, rec.OpLog)
	}
}
func (f *fakeStore) SaveStrategy(context.Context, *core.Strategy) error       { return nil }
func (f *fakeStore) LoadStrategies(context.Context) ([]*core.Strategy, error) { return nil, nil }
func (f *fakeStore) SaveTask(context.Context, *core.ArbitrageTask) error      { return nil }
func (f *fakeStore) LoadOpenTasks(context.Context) ([]*core.ArbitrageTask, error) {
	return nil, nil
}
func (f *fakeStore) ListSignals(_ context.Context, limit int) ([]*core.TradingSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > 0 && len(f.signals) > limit {
		return f.signals[:limit], nil
	}
	return f.signals, nil
}
func (f *fakeStore) ListOperationLogs(_ context.Context, category string, _ int) ([]*core.OperationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*core.OperationLog
	for _, l := range f.oplogs {
		if category == "" || l.Category == category {
			out = append(out, l)
		}
	}
	return out, nil
}
func (f *fakeStore) SaveStatus(context.Context, *core.SystemStatus) error { return nil }
func (f *fakeStore) Close() error                                         { return nil }

func (f *fakeStore) oplogCount(category string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, l := range f.oplogs {
		if l.Category == category {
			n++
		}
	}
	return n
}

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
	svc   *Service
	pool  *strategy.Pool
	store *fakeStore
	owner *status.Owner
	exA   *mock.Exchange
	exB   *mock.Exchange
}

func newFixture(t *testing.T, poolTarget int) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	nop := logging.NewNop()
	store := &fakeStore{}
	owner := status.NewOwner(store, nop)
	pool := strategy.NewPool(cfg.Gates, store, nop)

	exA := mock.NewExchange("mock")
	exA.SetTicker("BTC/USDT", decimal.NewFromInt(29990), decimal.NewFromInt(30000))
	exA.SetBalance("USDT", decimal.NewFromInt(5000))
	exB := mock.NewExchange("other")
	exB.SetBalance("BTC", decimal.NewFromFloat(0.5))
	exchanges := map[string]core.IExchange{"mock": exA, "other": exB}

	market := &fakeMarket{tickers: map[core.MarketKey]*core.Ticker{
		{Exchange: "mock", Symbol: "BTC/USDT"}: {
			Exchange: "mock", Symbol: "BTC/USDT",
			Bid: decimal.NewFromInt(29990), Ask: decimal.NewFromInt(30000),
		},
	}}

	alloc := funds.NewAllocator(decimal.NewFromInt(1000), map[core.OpportunityClass]decimal.Decimal{
		core.ClassCrossExchange: decimal.NewFromFloat(0.5),
		core.ClassTriangular:    decimal.NewFromFloat(0.5),
	}, nop)

	sim := simulation.NewEngine(market, "mock", cfg.Simulation, nop)
	scheduler := evolution.NewScheduler(pool, sim, market, "mock", store, owner,
		cfg.Intervals, []string{"BTC/USDT"}, poolTarget, rand.New(rand.NewSource(7)), nop)
	dispatcher := dispatch.NewDispatcher(pool, market, exchanges, "mock", store, owner, cfg.Gates, nop)
	executor := arbitrage.NewExecutor(exchanges, market, alloc, store, owner,
		cfg.Arbitrage, cfg.Intervals, nop)

	svc := NewService(pool, scheduler, dispatcher, executor, owner, store, exchanges, nop)
	return &fixture{svc: svc, pool: pool, store: store, owner: owner, exA: exA, exB: exB}
}

func addStrategy(t *testing.T, f *fixture, id string, tier core.Tier, score int64, createdAgo time.Duration) {
	t.Helper()
	fam := strategy.Families["momentum"]
	now := time.Now().UTC()
	require.NoError(t, f.pool.Add(&core.Strategy{
		ID:     id,
		Name:   "momentum-" + id,
		Type:   "momentum",
		Symbol: "BTC/USDT",
		Params: map[string]decimal.Decimal{
			"lookback":      decimal.NewFromInt(20),
			"threshold_pct": decimal.NewFromFloat(0.5),
		},
		Specs:      fam.Specs,
		Tier:       tier,
		Enabled:    true,
		FinalScore: decimal.NewFromInt(score),
		CreatedAt:  now.Add(-createdAgo),
	}))
}

func TestListStrategiesFiltersAndOrders(t *testing.T) {
	f := newFixture(t, 3)
	addStrategy(t, f, "a", core.TierTrading, 90, 3*time.Hour)
	addStrategy(t, f, "b", core.TierDisplay, 70, 2*time.Hour)
	addStrategy(t, f, "c", core.TierPool, 50, time.Hour)

	resp := f.svc.ListStrategies("", 0, "score")
	require.Equal(t, "ok", resp.Status)
	list := resp.Data.([]StrategySummary)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[2].ID)

	resp = f.svc.ListStrategies(string(core.TierDisplay), 0, "")
	list = resp.Data.([]StrategySummary)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)

	resp = f.svc.ListStrategies("", 2, "created_at")
	list = resp.Data.([]StrategySummary)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID, "created_at orders newest first")

	resp = f.svc.ListStrategies("penthouse", 0, "")
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "unknown tier")
}

func TestGetStrategyDetail(t *testing.T) {
	f := newFixture(t, 1)
	addStrategy(t, f, "a", core.TierTrading, 80, time.Hour)

	resp := f.svc.GetStrategy("a")
	require.Equal(t, "ok", resp.Status)
	detail := resp.Data.(StrategyDetail)
	assert.Equal(t, "a", detail.ID)
	assert.True(t, detail.Params["lookback"].Equal(decimal.NewFromInt(20)))

	resp = f.svc.GetStrategy("nope")
	assert.Equal(t, "error", resp.Status)
}

func TestToggleAutoTrading(t *testing.T) {
	f := newFixture(t, 0)
	require.False(t, f.owner.AutoTradingEnabled())

	resp := f.svc.ToggleAutoTrading(true)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, f.owner.AutoTradingEnabled())
	assert.Equal(t, 1, f.store.oplogCount("control"))

	f.svc.ToggleAutoTrading(false)
	assert.False(t, f.owner.AutoTradingEnabled())
}

func TestEnableEvolution(t *testing.T) {
	f := newFixture(t, 0)
	require.True(t, f.owner.EvolutionEnabled())

	resp := f.svc.EnableEvolution(false)
	assert.Equal(t, "ok", resp.Status)
	assert.False(t, f.owner.EvolutionEnabled())
}

func TestForceEvolutionCycleRunsWhileGated(t *testing.T) {
	f := newFixture(t, 4)
	for i, id := range []string{"a", "b", "c", "d"} {
		addStrategy(t, f, id, core.TierPool, int64(60-i), time.Hour)
	}
	f.owner.SetEvolution(false)

	resp := f.svc.ForceEvolutionCycle(context.Background())
	require.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, 4, data["total_strategies"])
	assert.Equal(t, 1, f.store.oplogCount("evolution"))
}

func TestForceClosePositionWithoutCycle(t *testing.T) {
	f := newFixture(t, 1)
	addStrategy(t, f, "a", core.TierTrading, 80, time.Hour)

	resp := f.svc.ForceClosePosition(context.Background(), "a")
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "no open cycle")
}

func TestEmergencyStopIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	f.owner.SetAutoTrading(true)

	resp := f.svc.EmergencyStop(context.Background())
	require.Equal(t, "ok", resp.Status)
	assert.False(t, f.owner.AutoTradingEnabled())

	again := f.svc.EmergencyStop(context.Background())
	require.Equal(t, "ok", again.Status)
	data := again.Data.(map[string]interface{})
	assert.Equal(t, 0, data["closed_cycles"])
	assert.False(t, f.owner.AutoTradingEnabled())
}

func TestGetAccountInfoReportsPerExchangeErrors(t *testing.T) {
	f := newFixture(t, 0)
	f.exB.FailNext("FetchBalance", assertError("auth expired"))

	resp := f.svc.GetAccountInfo(context.Background())
	require.Equal(t, "ok", resp.Status)
	infos := resp.Data.([]AccountInfo)
	require.Len(t, infos, 2)

	assert.Equal(t, "mock", infos[0].Exchange)
	assert.True(t, infos[0].Balances["USDT"].Free.Equal(decimal.NewFromInt(5000)))
	assert.Empty(t, infos[0].Error)

	assert.Equal(t, "other", infos[1].Exchange)
	assert.Contains(t, infos[1].Error, "auth expired")
	assert.Empty(t, infos[1].Balances)
}

func TestGetSignalsAndLogs(t *testing.T) {
	f := newFixture(t, 0)
	f.store.signals = []*core.TradingSignal{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}}

	resp := f.svc.GetSignals(context.Background(), 2)
	require.Equal(t, "ok", resp.Status)
	assert.Len(t, resp.Data.([]*core.TradingSignal), 2)

	f.svc.ToggleAutoTrading(true)
	resp = f.svc.GetLogs(context.Background(), "control", 10)
	require.Equal(t, "ok", resp.Status)
	logs := resp.Data.([]*core.OperationLog)
	require.NotEmpty(t, logs)
	assert.Equal(t, "control", logs[0].Category)
}

func TestGetStatusSnapshot(t *testing.T) {
	f := newFixture(t, 0)
	resp := f.svc.GetStatus()
	require.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Data.(*core.SystemStatus).Health)
}

type assertError string

func (e assertError) Error() string { return string(e) }
