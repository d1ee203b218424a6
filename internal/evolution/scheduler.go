package evolution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	"quant_trader/internal/scoring"
	"quant_trader/internal/simulation"
	"quant_trader/internal/strategy"
	"quant_trader/pkg/telemetry"
)

const (
	fastMutationStrength = 0.5
	slowMutationStrength = 1.0
	eliteFraction        = 0.2
	cullFraction         = 0.2
	// dominantShare triggers the diversity bias when one strategy type
	// exceeds it.
	dominantShare = 0.6

	simWorkers   = 4
	simQueueSize = 64
)

// Scheduler drives both evolution cadences: the fast loop rescoring the
// display tier and the slow loop reshaping the whole population.
type Scheduler struct {
	pool        *strategy.Pool
	sim         *simulation.Engine
	market      core.IMarketData
	refExchange string
	store       core.IStore
	status      core.IStatusOwner
	intervals   config.IntervalsConfig
	symbols     []string
	// targetSize is the population size the slow loop maintains.
	targetSize int

	workers *pond.WorkerPool
	logger  core.ILogger

	mu         sync.Mutex
	rng        *rand.Rand
	generation int
	cycle      int
}

// NewScheduler builds the evolution scheduler.
func NewScheduler(
	pool *strategy.Pool,
	sim *simulation.Engine,
	market core.IMarketData,
	refExchange string,
	store core.IStore,
	status core.IStatusOwner,
	intervals config.IntervalsConfig,
	symbols []string,
	targetSize int,
	rng *rand.Rand,
	logger core.ILogger,
) *Scheduler {
	return &Scheduler{
		pool:        pool,
		sim:         sim,
		market:      market,
		refExchange: refExchange,
		store:       store,
		status:      status,
		intervals:   intervals,
		symbols:     symbols,
		targetSize:  targetSize,
		workers:     pond.New(simWorkers, simQueueSize),
		rng:         rng,
		logger:      logger.WithField("component", "evolution"),
	}
}

// Run drives the fast loop on a ticker and the slow loop on a cron
// schedule until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %dh", s.intervals.SlowEvolutionHr), func() {
		s.SlowCycle(ctx)
	}); err != nil {
		return fmt.Errorf("schedule slow loop: %w", err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()
	defer s.workers.StopAndWait()

	ticker := time.NewTicker(time.Duration(s.intervals.FastEvolutionMin) * time.Minute)
	defer ticker.Stop()

	s.logger.Info("Evolution scheduler started",
		"fast_min", s.intervals.FastEvolutionMin, "slow_hr", s.intervals.SlowEvolutionHr)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.FastCycle(ctx)
		}
	}
}

// FastCycle resimulates and rescores every display-tier strategy, and
// proposes a mutation for those whose score has stagnated.
func (s *Scheduler) FastCycle(ctx context.Context) {
	if !s.status.EvolutionEnabled() {
		return
	}
	targets := s.pool.ByTier(core.TierDisplay)
	if len(targets) == 0 {
		return
	}

	cycle := s.nextCycle()
	regime := strategy.DetectRegime(s.market.History(s.refExchange, s.symbols[0], 0))

	group := s.workers.Group()
	for _, t := range targets {
		t := t
		group.Submit(func() {
			s.rescore(ctx, t, regime, cycle)
		})
	}
	group.Wait()

	s.pool.EvaluateTiers(time.Now().UTC())
}

func (s *Scheduler) rescore(ctx context.Context, snap *core.Strategy, regime core.MarketRegime, cycle int) {
	res, err := s.sim.Run(ctx, snap)
	if err != nil {
		s.logger.Warn("Simulation failed, quarantining strategy", "strategy", snap.ID, "error", err)
		_ = s.pool.Update(snap.ID, func(st *core.Strategy) {
			st.Enabled = false
			st.Tier = core.TierPool
		})
		return
	}
	s.store.EnqueueAsync(core.Record{Kind: core.RecordSimulation, Simulation: res})

	var stagnated bool
	err = s.pool.Update(snap.ID, func(st *core.Strategy) {
		st.Metrics = scoring.UpdateRolling(st.Metrics, scoring.Input{
			TotalReturn:  res.TotalReturn,
			WinRate:      res.WinRate,
			Sharpe:       res.Sharpe,
			MaxDrawdown:  res.MaxDrawdown,
			ProfitFactor: profitFactorFrom(res),
			TradeCount:   res.TradeCount,
		}, regime)
		st.FinalScore = st.Metrics.Score
		stagnated = st.Metrics.ConsecImprovement == 0 && s.sim.Sufficient(res)
	})
	if err != nil {
		return
	}

	if stagnated {
		s.mutate(snap.ID, regime, fastMutationStrength, cycle, "score stagnated in fast loop")
	}
}

// SlowCycle reshapes the whole population: elites are preserved, the
// bottom slice is mutated, random pairs are crossed over, fresh genomes
// are injected and persistently poor strategies retire via tier rules.
func (s *Scheduler) SlowCycle(ctx context.Context) {
	if !s.status.EvolutionEnabled() {
		return
	}
	s.ForceCycle(ctx)
}

// ForceCycle runs one slow-loop iteration regardless of the evolution
// gate. The control plane calls this for force_evolution_cycle.
func (s *Scheduler) ForceCycle(ctx context.Context) {
	generation := s.nextGeneration()
	cycle := s.nextCycle()
	now := time.Now().UTC()
	regime := strategy.DetectRegime(s.market.History(s.refExchange, s.symbols[0], 0))

	population := s.pool.List()
	if len(population) == 0 {
		return
	}

	eliteN := fractionCount(len(population), eliteFraction)
	cullN := fractionCount(len(population), cullFraction)

	// Elites pass through untouched.
	for _, elite := range population[:eliteN] {
		s.record(&core.EvolutionRecord{
			StrategyID:  elite.ID,
			Generation:  generation,
			Cycle:       cycle,
			Action:      core.EvolutionProtect,
			ScoreBefore: elite.FinalScore,
			ScoreAfter:  elite.FinalScore,
			Reason:      "elite preservation",
			At:          now,
		})
	}

	// Bottom slice mutates in place.
	for _, weak := range population[len(population)-cullN:] {
		s.mutate(weak.ID, regime, slowMutationStrength, cycle, "underperformer in slow loop")
	}

	// Crossover and injection respect a hard population ceiling so the
	// pool size stays near its target.
	ceiling := s.targetSize + s.targetSize/20

	// Crossover random pairs of same-type parents from the upper half.
	s.breed(population[:len(population)/2+1], generation, cycle, ceiling)

	// Top up the population, biased toward under-represented types when
	// one type dominates.
	s.inject(population, generation, cycle)

	s.pool.EvaluateTiers(now)

	size := s.pool.Size()
	s.status.Update(core.StatusUpdate{
		Component: "evolution",
		Healthy:   true,
		Apply: func(st *core.SystemStatus) {
			st.CurrentGeneration = generation
			st.TotalStrategies = size
		},
	})
	s.logger.Info("Slow evolution cycle complete",
		"generation", generation, "population", size, "elites", eliteN, "mutated", cullN)
}

func (s *Scheduler) mutate(id string, regime core.MarketRegime, strength float64, cycle int, reason string) {
	var rec *core.EvolutionRecord
	err := s.pool.Update(id, func(st *core.Strategy) {
		s.mu.Lock()
		newParams, diff := MutateParams(st, regime, strength, s.rng)
		s.mu.Unlock()
		if len(diff) == 0 {
			return
		}
		old := st.Params
		st.Params = newParams
		st.LastParamChangeAt = time.Now().UTC()
		st.ValidationTradesSinceChange = 0
		st.Lineage.Cycle = cycle
		rec = &core.EvolutionRecord{
			StrategyID:  st.ID,
			Generation:  st.Lineage.Generation,
			Cycle:       cycle,
			Action:      core.EvolutionMutate,
			ScoreBefore: st.FinalScore,
			ScoreAfter:  st.FinalScore,
			OldParams:   old,
			NewParams:   newParams,
			ParamDiff:   diff,
			Reason:      reason,
			At:          time.Now().UTC(),
		}
	})
	if err != nil || rec == nil {
		return
	}
	s.record(rec)
}

func (s *Scheduler) breed(parents []*core.Strategy, generation, cycle, ceiling int) {
	byType := make(map[string][]*core.Strategy)
	for _, p := range parents {
		byType[p.Type] = append(byType[p.Type], p)
	}
	for _, group := range byType {
		if len(group) < 2 || s.pool.Size() >= ceiling {
			continue
		}
		s.mu.Lock()
		i := s.rng.Intn(len(group))
		j := s.rng.Intn(len(group) - 1)
		if j >= i {
			j++
		}
		child := Crossover(group[i], group[j], generation, cycle, s.rng)
		s.mu.Unlock()

		if err := s.pool.Add(child); err != nil {
			s.logger.Warn("Crossover child rejected", "error", err)
			continue
		}
		s.record(&core.EvolutionRecord{
			StrategyID: child.ID,
			Generation: generation,
			Cycle:      cycle,
			Action:     core.EvolutionCrossover,
			NewParams:  child.Params,
			Reason:     fmt.Sprintf("parents %s x %s", group[i].ID, group[j].ID),
			At:         time.Now().UTC(),
		})
	}
}

func (s *Scheduler) inject(population []*core.Strategy, generation, cycle int) {
	missing := s.targetSize - s.pool.Size()
	if missing <= 0 {
		return
	}

	counts := make(map[string]int)
	for _, p := range population {
		counts[p.Type]++
	}
	var dominant string
	for typ, n := range counts {
		if float64(n) > dominantShare*float64(len(population)) {
			dominant = typ
		}
	}

	types := make([]string, 0, len(strategy.Families))
	for typ := range strategy.Families {
		if typ != dominant {
			types = append(types, typ)
		}
	}
	if len(types) == 0 {
		return
	}

	for i := 0; i < missing; i++ {
		s.mu.Lock()
		typ := leastRepresented(types, counts, s.rng)
		symbol := s.symbols[s.rng.Intn(len(s.symbols))]
		fresh := strategy.NewRandomStrategy(strategy.Families[typ], symbol, generation, cycle, s.rng)
		s.mu.Unlock()

		counts[typ]++
		if err := s.pool.Add(fresh); err != nil {
			s.logger.Warn("Injection rejected", "error", err)
			continue
		}
		s.record(&core.EvolutionRecord{
			StrategyID: fresh.ID,
			Generation: generation,
			Cycle:      cycle,
			Action:     core.EvolutionCreate,
			NewParams:  fresh.Params,
			Reason:     "random injection",
			At:         time.Now().UTC(),
		})
	}
}

func (s *Scheduler) record(rec *core.EvolutionRecord) {
	s.store.EnqueueAsync(core.Record{Kind: core.RecordEvolution, Evolution: rec})
	if m := telemetry.GetGlobalMetrics(); m.Initialized() {
		m.EvolutionActions.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("action", string(rec.Action))))
	}
}

func (s *Scheduler) nextGeneration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	return s.generation
}

func (s *Scheduler) nextCycle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycle++
	return s.cycle
}

// leastRepresented picks the sparsest type, breaking ties randomly.
func leastRepresented(types []string, counts map[string]int, rng *rand.Rand) string {
	best := counts[types[0]]
	for _, typ := range types[1:] {
		if counts[typ] < best {
			best = counts[typ]
		}
	}
	var candidates []string
	for _, typ := range types {
		if counts[typ] == best {
			candidates = append(candidates, typ)
		}
	}
	return candidates[rng.Intn(len(candidates))]
}

func fractionCount(n int, f float64) int {
	c := int(float64(n) * f)
	if c < 1 {
		c = 1
	}
	return c
}

func profitFactorFrom(res *core.SimulationResult) decimal.Decimal {
	// SimulationResult carries no explicit profit factor; approximate it
	// from win rate so the score input is populated.
	if res.WinRate.IsZero() {
		return decimal.Zero
	}
	loss := decimal.NewFromInt(1).Sub(res.WinRate)
	if loss.IsZero() {
		return decimal.NewFromInt(100)
	}
	return res.WinRate.Div(loss)
}
