package strategy

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
	"quant_trader/pkg/tradingutils"
)

// RandomParams draws a uniform value within each parameter's range,
// snapped to its step.
func RandomParams(fam Family, rng *rand.Rand) map[string]decimal.Decimal {
	names := make([]string, 0, len(fam.Specs))
	for name := range fam.Specs {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make(map[string]decimal.Decimal, len(names))
	for _, name := range names {
		sp := fam.Specs[name]
		span := sp.Max.Sub(sp.Min)
		v := sp.Min.Add(span.Mul(decimal.NewFromFloat(rng.Float64())))
		v = tradingutils.SnapToStep(v, sp.Step)
		params[name] = tradingutils.Clamp(v, sp.Min, sp.Max)
	}
	return params
}

// NewRandomStrategy creates a fresh strategy of the family with random
// parameters. New strategies enter the pool tier and must clear the full
// validation window before any real trade.
func NewRandomStrategy(fam Family, symbol string, generation, cycle int, rng *rand.Rand) *core.Strategy {
	now := time.Now().UTC()
	id := uuid.New().String()
	return &core.Strategy{
		ID:      id,
		Name:    fmt.Sprintf("%s-%s-%s", fam.Type, symbol, id[:8]),
		Type:    fam.Type,
		Symbol:  symbol,
		Params:  RandomParams(fam, rng),
		Specs:   fam.Specs,
		Tier:    core.TierPool,
		Enabled: true,
		Lineage: core.Lineage{
			Generation: generation,
			Cycle:      cycle,
			Method:     core.CreatedRandom,
		},
		// A fresh strategy is treated as if its parameters just changed.
		LastParamChangeAt: now,
		CreatedAt:         now,
	}
}

// Seed fills the pool with one random strategy per (family, symbol) pair
// plus extra random picks up to target.
func Seed(pool *Pool, symbols []string, target int, rng *rand.Rand) error {
	types := make([]string, 0, len(Families))
	for t := range Families {
		types = append(types, t)
	}
	sort.Strings(types)

	added := 0
	for _, typ := range types {
		for _, symbol := range symbols {
			if added >= target {
				return nil
			}
			s := NewRandomStrategy(Families[typ], symbol, 0, 0, rng)
			s.Lineage.Method = core.CreatedSeed
			if err := pool.Add(s); err != nil {
				return err
			}
			added++
		}
	}

	for added < target {
		typ := types[rng.Intn(len(types))]
		symbol := symbols[rng.Intn(len(symbols))]
		if err := pool.Add(NewRandomStrategy(Families[typ], symbol, 0, 0, rng)); err != nil {
			return err
		}
		added++
	}
	return nil
}
