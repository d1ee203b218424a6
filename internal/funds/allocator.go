// Package funds manages per-class capital buckets
package funds

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
	apperrors "quant_trader/pkg/errors"
)

// bucket is one class's capital account.
type bucket struct {
	allocated decimal.Decimal
	available decimal.Decimal
	// realized accumulates release deltas for rebalancing decisions.
	realized decimal.Decimal
}

// Allocator implements core.IAllocator. A single mutex guards all buckets;
// no calls out of the lock, no nested locks.
type Allocator struct {
	mu       sync.Mutex
	buckets  map[core.OpportunityClass]*bucket
	reserved map[string]*core.Reservation
	logger   core.ILogger
}

// NewAllocator splits total capital across classes by share.
func NewAllocator(total decimal.Decimal, shares map[core.OpportunityClass]decimal.Decimal, logger core.ILogger) *Allocator {
	a := &Allocator{
		buckets:  make(map[core.OpportunityClass]*bucket, len(shares)),
		reserved: make(map[string]*core.Reservation),
		logger:   logger.WithField("component", "fund_allocator"),
	}
	for class, share := range shares {
		amount := total.Mul(share)
		a.buckets[class] = &bucket{allocated: amount, available: amount}
	}
	return a
}

// Reserve takes amount from the class bucket and returns a token.
func (a *Allocator) Reserve(class core.OpportunityClass, amount decimal.Decimal) (*core.Reservation, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: non-positive amount %s", apperrors.ErrInsufficientClassCapital, amount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buckets[class]
	if !ok {
		return nil, fmt.Errorf("%w: unknown class %s", apperrors.ErrInsufficientClassCapital, class)
	}
	if amount.GreaterThan(b.available) {
		return nil, fmt.Errorf("%w: want %s, available %s",
			apperrors.ErrInsufficientClassCapital, amount, b.available)
	}

	b.available = b.available.Sub(amount)
	res := &core.Reservation{
		Token:  uuid.New().String(),
		Class:  class,
		Amount: amount,
	}
	a.reserved[res.Token] = res
	return res, nil
}

// Release returns capital for a reservation. returned may differ from the
// reserved amount; the delta is realized PnL (or stuck capital when zero).
// Releasing an unknown or already released token is a no-op.
func (a *Allocator) Release(res *core.Reservation, returned decimal.Decimal) {
	if res == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reserved[res.Token]; !ok {
		a.logger.Warn("Release for unknown reservation token", "token", res.Token)
		return
	}
	delete(a.reserved, res.Token)

	b := a.buckets[res.Class]
	b.available = b.available.Add(returned)
	b.realized = b.realized.Add(returned.Sub(res.Amount))

	if returned.IsZero() {
		a.logger.Warn("Reservation released with zero return",
			"class", res.Class, "reserved", res.Amount)
	}
}

// Available returns the free capital for a class.
func (a *Allocator) Available(class core.OpportunityClass) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buckets[class]; ok {
		return b.available
	}
	return decimal.Zero
}

// Allocated returns the current allocation for a class.
func (a *Allocator) Allocated(class core.OpportunityClass) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buckets[class]; ok {
		return b.allocated
	}
	return decimal.Zero
}

// OutstandingReservations returns the number of live reservations.
func (a *Allocator) OutstandingReservations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}
