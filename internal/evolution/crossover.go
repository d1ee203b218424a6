package evolution

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
	"quant_trader/pkg/tradingutils"
)

// crossoverRate is the per-parameter probability of mixing instead of
// inheriting from the first parent.
const crossoverRate = 0.5

// Crossover breeds a child from two parents. The child takes the first
// parent's family and symbol; each parameter both parents share either
// comes from one of them (50/50) or is their snapped arithmetic mean.
// Parameters only the first parent has are inherited from it.
func Crossover(a, b *core.Strategy, generation, cycle int, rng *rand.Rand) *core.Strategy {
	now := time.Now().UTC()
	id := uuid.New().String()

	params := make(map[string]decimal.Decimal, len(a.Params))
	for name, av := range a.Params {
		sp := a.Specs[name]
		bv, shared := b.Params[name]
		switch {
		case !shared || rng.Float64() >= crossoverRate:
			params[name] = av
		case rng.Float64() < 0.5:
			params[name] = tradingutils.Clamp(tradingutils.SnapToStep(bv, sp.Step), sp.Min, sp.Max)
		default:
			mean := av.Add(bv).Div(decimal.NewFromInt(2))
			mean = tradingutils.SnapToStep(mean, sp.Step)
			params[name] = tradingutils.Clamp(mean, sp.Min, sp.Max)
		}
	}

	specs := make(map[string]core.ParamSpec, len(a.Specs))
	for k, v := range a.Specs {
		specs[k] = v
	}

	return &core.Strategy{
		ID:      id,
		Name:    fmt.Sprintf("%s-%s-%s", a.Type, a.Symbol, id[:8]),
		Type:    a.Type,
		Symbol:  a.Symbol,
		Params:  params,
		Specs:   specs,
		Tier:    core.TierPool,
		Enabled: true,
		Lineage: core.Lineage{
			Parents:    []string{a.ID, b.ID},
			Generation: generation,
			Cycle:      cycle,
			Method:     core.CreatedCrossover,
		},
		// A newborn genome starts its own revalidation window.
		LastParamChangeAt: now,
		CreatedAt:         now,
	}
}
