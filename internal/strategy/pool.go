package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quant_trader/internal/config"
	"quant_trader/internal/core"
	apperrors "quant_trader/pkg/errors"
	"quant_trader/pkg/telemetry"
)

// demotionHysteresis widens the gap a strategy must fall below before it
// loses a tier, so scores oscillating at a gate do not flap.
var demotionHysteresis = decimal.NewFromInt(5)

// demotionWindow is how long a score must stay below the hysteresis
// threshold before the tier drops.
const demotionWindow = 30 * time.Minute

type entry struct {
	mu sync.RWMutex
	s  *core.Strategy
	// belowTierSince tracks continuous time under the demotion threshold.
	belowTierSince time.Time
}

// Pool holds all strategies. The pool map lock is held only for lookup;
// each strategy has its own lock for field access.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry

	gates  config.GatesConfig
	store  core.IStore
	logger core.ILogger
}

// NewPool creates an empty pool.
func NewPool(gates config.GatesConfig, store core.IStore, logger core.ILogger) *Pool {
	return &Pool{
		entries: make(map[string]*entry),
		gates:   gates,
		store:   store,
		logger:  logger.WithField("component", "strategy_pool"),
	}
}

// Add inserts a strategy. Fresh strategies start in the pool tier.
func (p *Pool) Add(s *core.Strategy) error {
	if s.ID == "" {
		return fmt.Errorf("%w: strategy without id", apperrors.ErrStrategyInternal)
	}
	if _, ok := Families[s.Type]; !ok {
		return fmt.Errorf("%w: unknown strategy type %q", apperrors.ErrStrategyInternal, s.Type)
	}

	p.mu.Lock()
	if _, exists := p.entries[s.ID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: duplicate strategy id %s", apperrors.ErrStrategyInternal, s.ID)
	}
	p.entries[s.ID] = &entry{s: s}
	p.mu.Unlock()

	p.persist(s)
	p.publishTierCounts()
	return nil
}

// Get returns a copy of the strategy, or nil.
func (p *Pool) Get(id string) *core.Strategy {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneStrategy(e.s)
}

// List returns copies of all active strategies, ordered by descending
// score.
func (p *Pool) List() []*core.Strategy {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	out := make([]*core.Strategy, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		if !e.s.Inactive {
			out = append(out, cloneStrategy(e.s))
		}
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FinalScore.GreaterThan(out[j].FinalScore)
	})
	return out
}

// ByTier returns copies of active strategies in the tier.
func (p *Pool) ByTier(tier core.Tier) []*core.Strategy {
	var out []*core.Strategy
	for _, s := range p.List() {
		if s.Tier == tier {
			out = append(out, s)
		}
	}
	return out
}

// Update applies fn to the strategy under its write lock, then persists.
// fn must not call back into the pool.
func (p *Pool) Update(id string, fn func(*core.Strategy)) error {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown strategy %s", apperrors.ErrStrategyInternal, id)
	}

	e.mu.Lock()
	fn(e.s)
	snapshot := cloneStrategy(e.s)
	e.mu.Unlock()

	p.persist(snapshot)
	return nil
}

// EvaluateTiers applies promotion, demotion and elimination rules to
// every active strategy. Returns ids whose tier changed.
func (p *Pool) EvaluateTiers(now time.Time) []string {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	var changed []string
	for _, e := range entries {
		e.mu.Lock()
		s := e.s
		if s.Inactive {
			e.mu.Unlock()
			continue
		}
		before := s.Tier

		p.applyPromotion(s, now)
		p.applyDemotion(e, now)
		p.applyElimination(s, now)

		var snapshot *core.Strategy
		if s.Tier != before || s.Inactive {
			snapshot = cloneStrategy(s)
		}
		e.mu.Unlock()

		if snapshot != nil {
			changed = append(changed, snapshot.ID)
			p.logger.Info("Strategy tier change",
				"strategy", snapshot.ID, "from", before, "to", snapshot.Tier,
				"score", snapshot.FinalScore, "inactive", snapshot.Inactive)
			p.persist(snapshot)
		}
	}

	p.publishTierCounts()
	return changed
}

func (p *Pool) applyPromotion(s *core.Strategy, now time.Time) {
	score := s.FinalScore

	if s.Tier == core.TierPool {
		if score.GreaterThanOrEqual(decimal.NewFromFloat(p.gates.DisplayMinScore)) &&
			s.Metrics.TradeCount >= p.gates.MinTrades {
			s.Tier = core.TierDisplay
		}
		return
	}

	if s.Tier == core.TierDisplay {
		if score.GreaterThanOrEqual(decimal.NewFromFloat(p.gates.TradingMinScore)) &&
			s.Metrics.WinRate.GreaterThanOrEqual(decimal.NewFromFloat(p.gates.MinWinRate)) &&
			s.Metrics.ConsecImprovement >= p.gates.ConsecImprovements &&
			p.ParamsStable(s, now) {
			s.Tier = core.TierTrading
		}
	}
}

// ParamsStable reports whether the strategy has cleared the revalidation
// window since its last parameter change: enough elapsed time AND enough
// validation trades.
func (p *Pool) ParamsStable(s *core.Strategy, now time.Time) bool {
	window := time.Duration(p.gates.ParamRevalHours) * time.Hour
	if now.Sub(s.LastParamChangeAt) < window {
		return false
	}
	return s.ValidationTradesSinceChange >= p.gates.ParamRevalTrades
}

func (p *Pool) applyDemotion(e *entry, now time.Time) {
	s := e.s
	var floor decimal.Decimal
	switch s.Tier {
	case core.TierTrading:
		floor = decimal.NewFromFloat(p.gates.TradingMinScore).Sub(demotionHysteresis)
	case core.TierDisplay:
		floor = decimal.NewFromFloat(p.gates.DisplayMinScore).Sub(demotionHysteresis)
	default:
		e.belowTierSince = time.Time{}
		return
	}

	if s.FinalScore.GreaterThanOrEqual(floor) {
		e.belowTierSince = time.Time{}
		return
	}
	if e.belowTierSince.IsZero() {
		e.belowTierSince = now
		return
	}
	if now.Sub(e.belowTierSince) >= demotionWindow {
		s.Tier = core.TierPool
		e.belowTierSince = time.Time{}
	}
}

func (p *Pool) applyElimination(s *core.Strategy, now time.Time) {
	threshold := decimal.NewFromFloat(p.gates.EliminationScore)
	if s.FinalScore.GreaterThanOrEqual(threshold) {
		s.BelowEliminationSince = time.Time{}
		return
	}
	if s.BelowEliminationSince.IsZero() {
		s.BelowEliminationSince = now
		return
	}
	if now.Sub(s.BelowEliminationSince) >= time.Duration(p.gates.EliminationDays)*24*time.Hour {
		s.Inactive = true
		s.Enabled = false
		s.Tier = core.TierPool
	}
}

// Size returns the number of active strategies.
func (p *Pool) Size() int {
	count := 0
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()
	for _, e := range entries {
		e.mu.RLock()
		if !e.s.Inactive {
			count++
		}
		e.mu.RUnlock()
	}
	return count
}

func (p *Pool) persist(s *core.Strategy) {
	if p.store == nil {
		return
	}
	p.store.EnqueueAsync(core.Record{
		Kind:     core.RecordStrategy,
		Critical: true,
		Strategy: s,
	})
}

func (p *Pool) publishTierCounts() {
	counts := map[core.Tier]int64{core.TierPool: 0, core.TierDisplay: 0, core.TierTrading: 0}
	for _, s := range p.List() {
		counts[s.Tier]++
	}
	m := telemetry.GetGlobalMetrics()
	for tier, n := range counts {
		m.SetTierCount(string(tier), n)
	}
}

func cloneStrategy(s *core.Strategy) *core.Strategy {
	cp := *s
	cp.Params = make(map[string]decimal.Decimal, len(s.Params))
	for k, v := range s.Params {
		cp.Params[k] = v
	}
	cp.Specs = make(map[string]core.ParamSpec, len(s.Specs))
	for k, v := range s.Specs {
		cp.Specs[k] = v
	}
	cp.Lineage.Parents = append([]string(nil), s.Lineage.Parents...)
	return &cp
}
