package evolution

import (
	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
)

// ApplyRecord applies a record's parameter change to the map, returning
// a new map with the changed names set to their new values.
func ApplyRecord(params map[string]decimal.Decimal, rec *core.EvolutionRecord) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, name := range rec.ParamDiff {
		if v, ok := rec.NewParams[name]; ok {
			out[name] = v
		}
	}
	return out
}

// RevertRecord undoes a record's parameter change, restoring the old
// values of the changed names.
func RevertRecord(params map[string]decimal.Decimal, rec *core.EvolutionRecord) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, name := range rec.ParamDiff {
		if v, ok := rec.OldParams[name]; ok {
			out[name] = v
		}
	}
	return out
}
