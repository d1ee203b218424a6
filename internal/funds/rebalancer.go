package funds

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
)

// Rebalancer periodically shifts capital between classes toward recent
// realized returns, bounded by min/max share of the total allocation.
type Rebalancer struct {
	allocator *Allocator
	interval  time.Duration
	minShare  decimal.Decimal
	maxShare  decimal.Decimal
	logger    core.ILogger
}

// NewRebalancer creates the rebalancing loop.
func NewRebalancer(allocator *Allocator, interval time.Duration, minShare, maxShare float64, logger core.ILogger) *Rebalancer {
	return &Rebalancer{
		allocator: allocator,
		interval:  interval,
		minShare:  decimal.NewFromFloat(minShare),
		maxShare:  decimal.NewFromFloat(maxShare),
		logger:    logger.WithField("component", "fund_rebalancer"),
	}
}

// Run rebalances on a fixed cadence until cancelled.
func (r *Rebalancer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.rebalanceOnce()
		}
	}
}

// rebalanceOnce moves a fraction of the winning class's realized edge into
// its bucket from the losing class. Only free capital moves; reservations
// are never disturbed.
func (r *Rebalancer) rebalanceOnce() {
	a := r.allocator
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.buckets) < 2 {
		return
	}

	classes := make([]core.OpportunityClass, 0, len(a.buckets))
	total := decimal.Zero
	for class, b := range a.buckets {
		classes = append(classes, class)
		total = total.Add(b.allocated)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	// Winner: the class with the highest realized return since the last
	// rebalance.
	winner := classes[0]
	for _, class := range classes[1:] {
		if a.buckets[class].realized.GreaterThan(a.buckets[winner].realized) {
			winner = class
		}
	}

	edge := a.buckets[winner].realized
	if edge.LessThanOrEqual(decimal.Zero) {
		for _, b := range a.buckets {
			b.realized = decimal.Zero
		}
		return
	}

	// Shift half of the realized edge toward the winner, taken evenly
	// from the other classes.
	shift := edge.Div(decimal.NewFromInt(2))
	maxAlloc := total.Mul(r.maxShare)
	if a.buckets[winner].allocated.Add(shift).GreaterThan(maxAlloc) {
		shift = maxAlloc.Sub(a.buckets[winner].allocated)
	}
	if shift.LessThanOrEqual(decimal.Zero) {
		for _, b := range a.buckets {
			b.realized = decimal.Zero
		}
		return
	}

	donors := make([]core.OpportunityClass, 0, len(classes)-1)
	for _, class := range classes {
		if class != winner {
			donors = append(donors, class)
		}
	}
	per := shift.Div(decimal.NewFromInt(int64(len(donors))))
	minAlloc := total.Mul(r.minShare)

	moved := decimal.Zero
	for _, class := range donors {
		b := a.buckets[class]
		take := per
		if b.allocated.Sub(take).LessThan(minAlloc) {
			take = b.allocated.Sub(minAlloc)
		}
		if take.GreaterThan(b.available) {
			take = b.available
		}
		if take.LessThanOrEqual(decimal.Zero) {
			continue
		}
		b.allocated = b.allocated.Sub(take)
		b.available = b.available.Sub(take)
		moved = moved.Add(take)
	}

	if moved.IsZero() {
		for _, b := range a.buckets {
			b.realized = decimal.Zero
		}
		return
	}

	w := a.buckets[winner]
	w.allocated = w.allocated.Add(moved)
	w.available = w.available.Add(moved)

	r.logger.Info("Rebalanced capital toward winning class",
		"winner", winner, "moved", moved)

	for _, b := range a.buckets {
		b.realized = decimal.Zero
	}
}
