// Package evolution mutates, crosses over and schedules the strategy population
package evolution

import (
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
	"quant_trader/internal/strategy"
	"quant_trader/pkg/tradingutils"
)

// noiseScale sizes the Gaussian perturbation as a fraction of the
// market-adapted parameter range.
const noiseScale = 0.10

// MutateParams perturbs each parameter with probability
// mutation_rate x strength, by Gaussian noise scaled to the adapted
// range, clamped and snapped to step. Returns the new parameter map and
// the names that changed. If no parameter moved, one is forced a single
// step so a mutation request always produces a distinct genome.
func MutateParams(s *core.Strategy, regime core.MarketRegime, strength float64, rng *rand.Rand) (map[string]decimal.Decimal, []string) {
	names := sortedParamNames(s.Specs)

	out := make(map[string]decimal.Decimal, len(s.Params))
	for k, v := range s.Params {
		out[k] = v
	}

	var diff []string
	for _, name := range names {
		sp := s.Specs[name]
		if rng.Float64() >= sp.MutationRate*strength {
			continue
		}
		next := perturb(out[name], sp, regime, rng)
		if !next.Equal(out[name]) {
			out[name] = next
			diff = append(diff, name)
		}
	}

	if len(diff) == 0 && len(names) > 0 {
		name := names[rng.Intn(len(names))]
		sp := s.Specs[name]
		next := stepNudge(out[name], sp)
		if !next.Equal(out[name]) {
			out[name] = next
			diff = append(diff, name)
		}
	}
	return out, diff
}

// perturb applies one Gaussian step within the regime-adapted range. A
// value at a range boundary can only move inward; outward noise clamps
// back to the boundary and leaves it unchanged.
func perturb(v decimal.Decimal, sp core.ParamSpec, regime core.MarketRegime, rng *rand.Rand) decimal.Decimal {
	r := strategy.AdaptedRange(sp, regime)
	span := r.Max.Sub(r.Min)
	noise := decimal.NewFromFloat(rng.NormFloat64() * noiseScale)
	next := v.Add(span.Mul(noise))
	next = tradingutils.Clamp(next, r.Min, r.Max)
	next = tradingutils.SnapToStep(next, sp.Step)
	return tradingutils.Clamp(next, sp.Min, sp.Max)
}

// stepNudge moves the value one step, inward when at a boundary.
func stepNudge(v decimal.Decimal, sp core.ParamSpec) decimal.Decimal {
	step := sp.Step
	if step.IsZero() {
		return v
	}
	next := v.Add(step)
	if next.GreaterThan(sp.Max) {
		next = v.Sub(step)
	}
	return tradingutils.Clamp(next, sp.Min, sp.Max)
}

func sortedParamNames(specs map[string]core.ParamSpec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
