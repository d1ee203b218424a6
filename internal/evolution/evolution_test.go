package evolution

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	"quant_trader/internal/logging"
	"quant_trader/internal/simulation"
	"quant_trader/internal/strategy"
)

type fakeStore struct {
	records []core.Record
}

func (f *fakeStore) EnqueueAsync(rec core.Record)                             { f.records = append(f.records, rec) }
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

func (f *fakeStore) actions(kind core.EvolutionAction) int {
	n := 0
	for _, r := range f.records {
		if r.Kind == core.RecordEvolution && r.Evolution.Action == kind {
			n++
		}
	}
	return n
}

type fakeStatus struct{ evolution bool }

func (f *fakeStatus) Update(core.StatusUpdate)    {}
func (f *fakeStatus) Current() *core.SystemStatus { return &core.SystemStatus{} }
func (f *fakeStatus) SetAutoTrading(bool)         {}
func (f *fakeStatus) SetEvolution(v bool)         { f.evolution = v }
func (f *fakeStatus) AutoTradingEnabled() bool    { return false }
func (f *fakeStatus) EvolutionEnabled() bool      { return f.evolution }

type fakeMarket struct{ history []*core.Ticker }

func (f *fakeMarket) Latest(string, string) *core.Ticker { return nil }
func (f *fakeMarket) Snapshot() *core.MarketSnapshot     { return &core.MarketSnapshot{} }
func (f *fakeMarket) Subscribe() <-chan core.Epoch       { return make(chan core.Epoch) }
func (f *fakeMarket) History(_, _ string, max int) []*core.Ticker {
	if max > 0 && len(f.history) > max {
		return f.history[len(f.history)-max:]
	}
	return f.history
}

func waveHistory(n int) []*core.Ticker {
	out := make([]*core.Ticker, n)
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		mid := 30000.0
		if i%40 < 20 {
			mid += 150
		} else {
			mid -= 150
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

func newScheduler(t *testing.T, pool *strategy.Pool, store *fakeStore, target int) *Scheduler {
	t.Helper()
	market := &fakeMarket{history: waveHistory(400)}
	sim := simulation.NewEngine(market, "mock",
		config.SimulationConfig{DaysPerRun: 3, MinTradesRequired: 5, WallClockCapSec: 30},
		logging.NewNop())
	return NewScheduler(pool, sim, market, "mock", store, &fakeStatus{evolution: true},
		config.IntervalsConfig{FastEvolutionMin: 3, SlowEvolutionHr: 24},
		[]string{"BTC/USDT"}, target, rand.New(rand.NewSource(7)), logging.NewNop())
}

func seededPool(t *testing.T, n int) *strategy.Pool {
	t.Helper()
	pool := strategy.NewPool(config.DefaultConfig().Gates, nil, logging.NewNop())
	rng := rand.New(rand.NewSource(11))
	require.NoError(t, strategy.Seed(pool, []string{"BTC/USDT"}, n, rng))

	// Spread scores so elite and cull slices are well defined.
	for i, s := range pool.List() {
		score := decimal.NewFromInt(int64(90 - i*2))
		require.NoError(t, pool.Update(s.ID, func(st *core.Strategy) {
			st.FinalScore = score
			st.Metrics.Score = score
		}))
	}
	return pool
}

func TestMutationStaysInRangeAndOnStep(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	fam := strategy.Families["momentum"]
	s := &core.Strategy{
		ID:     "m-1",
		Type:   "momentum",
		Params: strategy.RandomParams(fam, rng),
		Specs:  fam.Specs,
	}

	for i := 0; i < 200; i++ {
		params, _ := MutateParams(s, core.RegimeUnknown, 1.0, rng)
		for name, v := range params {
			sp := s.Specs[name]
			assert.True(t, v.GreaterThanOrEqual(sp.Min), "%s below min: %s", name, v)
			assert.True(t, v.LessThanOrEqual(sp.Max), "%s above max: %s", name, v)
			rem := v.Sub(sp.Min).Mod(sp.Step)
			assert.True(t, rem.Abs().LessThan(decimal.NewFromFloat(1e-9)),
				"%s off step grid: %s", name, v)
		}
		s.Params = params
	}
}

func TestMutationAlwaysChangesSomething(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	fam := strategy.Families["momentum"]
	s := &core.Strategy{
		ID:     "m-2",
		Type:   "momentum",
		Params: strategy.RandomParams(fam, rng),
		Specs:  fam.Specs,
	}
	_, diff := MutateParams(s, core.RegimeUnknown, 1.0, rng)
	assert.NotEmpty(t, diff)
}

func TestBoundaryParamMutatesInward(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	fam := strategy.Families["momentum"]
	s := &core.Strategy{
		ID:   "m-3",
		Type: "momentum",
		Params: map[string]decimal.Decimal{
			"lookback":      fam.Specs["lookback"].Min,
			"threshold_pct": fam.Specs["threshold_pct"].Min,
		},
		Specs: fam.Specs,
	}

	for i := 0; i < 100; i++ {
		params, diff := MutateParams(s, core.RegimeUnknown, 1.0, rng)
		for _, name := range diff {
			// From the lower boundary the only legal move is up.
			assert.True(t, params[name].GreaterThan(s.Specs[name].Min),
				"%s moved outward from the boundary", name)
		}
	}
}

func TestCrossoverChildWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	fam := strategy.Families["trend_following"]
	a := strategy.NewRandomStrategy(fam, "BTC/USDT", 1, 1, rng)
	b := strategy.NewRandomStrategy(fam, "BTC/USDT", 1, 1, rng)

	child := Crossover(a, b, 2, 5, rng)
	assert.Equal(t, a.Type, child.Type)
	assert.Equal(t, core.TierPool, child.Tier)
	assert.Equal(t, []string{a.ID, b.ID}, child.Lineage.Parents)
	assert.Equal(t, core.CreatedCrossover, child.Lineage.Method)
	assert.Zero(t, child.ValidationTradesSinceChange)

	for name, v := range child.Params {
		sp := fam.Specs[name]
		assert.True(t, v.GreaterThanOrEqual(sp.Min))
		assert.True(t, v.LessThanOrEqual(sp.Max))
	}
}

func TestRecordApplyRevertRoundTrip(t *testing.T) {
	original := map[string]decimal.Decimal{
		"lookback":      decimal.NewFromInt(20),
		"threshold_pct": decimal.NewFromFloat(0.5),
	}
	rec := &core.EvolutionRecord{
		ParamDiff: []string{"lookback"},
		OldParams: map[string]decimal.Decimal{"lookback": decimal.NewFromInt(20)},
		NewParams: map[string]decimal.Decimal{"lookback": decimal.NewFromInt(35)},
	}

	applied := ApplyRecord(original, rec)
	assert.True(t, applied["lookback"].Equal(decimal.NewFromInt(35)))

	reverted := RevertRecord(applied, rec)
	for name, v := range original {
		assert.True(t, reverted[name].Equal(v), "param %s not restored", name)
	}
}

func TestSlowCyclePreservesElites(t *testing.T) {
	pool := seededPool(t, 30)
	store := &fakeStore{}
	sched := newScheduler(t, pool, store, 30)

	before := pool.List()
	eliteParams := make(map[string]map[string]decimal.Decimal)
	for _, s := range before[:6] {
		eliteParams[s.ID] = s.Params
	}
	bottomIDs := make([]string, 0, 6)
	for _, s := range before[len(before)-6:] {
		bottomIDs = append(bottomIDs, s.ID)
	}

	sched.ForceCycle(context.Background())

	// Top 20% parameters untouched.
	for id, params := range eliteParams {
		got := pool.Get(id)
		require.NotNil(t, got)
		for name, v := range params {
			assert.True(t, got.Params[name].Equal(v),
				"elite %s param %s changed", id, name)
		}
	}

	// Bottom 20% mutated or retired.
	for _, id := range bottomIDs {
		got := pool.Get(id)
		require.NotNil(t, got)
		if got.Inactive {
			continue
		}
		changed := false
		for _, s := range before {
			if s.ID != id {
				continue
			}
			for name, v := range s.Params {
				if !got.Params[name].Equal(v) {
					changed = true
				}
			}
		}
		assert.True(t, changed, "bottom strategy %s neither mutated nor retired", id)
	}

	// Population stays within 5% of target.
	size := pool.Size()
	assert.GreaterOrEqual(t, size, 29)
	assert.LessOrEqual(t, size, 31)

	assert.Equal(t, 6, store.actions(core.EvolutionProtect))
	assert.GreaterOrEqual(t, store.actions(core.EvolutionMutate), 1)
}

func TestMutationResetsValidationWindow(t *testing.T) {
	pool := seededPool(t, 10)
	store := &fakeStore{}
	sched := newScheduler(t, pool, store, 10)

	target := pool.List()[9]
	require.NoError(t, pool.Update(target.ID, func(st *core.Strategy) {
		st.ValidationTradesSinceChange = 17
		st.LastParamChangeAt = time.Now().UTC().Add(-72 * time.Hour)
	}))

	sched.mutate(target.ID, core.RegimeUnknown, 1.0, 1, "test")

	got := pool.Get(target.ID)
	assert.Zero(t, got.ValidationTradesSinceChange)
	assert.WithinDuration(t, time.Now().UTC(), got.LastParamChangeAt, time.Minute)
}

func TestFastCycleRescoresDisplayTier(t *testing.T) {
	pool := seededPool(t, 10)
	store := &fakeStore{}
	sched := newScheduler(t, pool, store, 10)

	target := pool.List()[0]
	require.NoError(t, pool.Update(target.ID, func(st *core.Strategy) {
		st.Tier = core.TierDisplay
		st.Type = "mean_reversion"
		fam := strategy.Families["mean_reversion"]
		st.Specs = fam.Specs
		st.Params = map[string]decimal.Decimal{
			"lookback":      decimal.NewFromInt(30),
			"deviation_pct": decimal.NewFromFloat(0.3),
		}
	}))

	sched.FastCycle(context.Background())

	got := pool.Get(target.ID)
	assert.NotZero(t, got.Metrics.TradeCount, "fast cycle should fold simulation results in")

	simRecords := 0
	for _, r := range store.records {
		if r.Kind == core.RecordSimulation {
			simRecords++
		}
	}
	assert.GreaterOrEqual(t, simRecords, 1)
}
