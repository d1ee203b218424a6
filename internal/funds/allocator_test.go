package funds

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant_trader/internal/core"
	"quant_trader/internal/logging"
	apperrors "quant_trader/pkg/errors"
)

func newTestAllocator() *Allocator {
	return NewAllocator(decimal.NewFromInt(10000), map[core.OpportunityClass]decimal.Decimal{
		core.ClassCrossExchange: decimal.NewFromFloat(0.5),
		core.ClassTriangular:    decimal.NewFromFloat(0.5),
	}, logging.NewNop())
}

func TestReserveAndRelease(t *testing.T) {
	a := newTestAllocator()

	res, err := a.Reserve(core.ClassCrossExchange, decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.True(t, a.Available(core.ClassCrossExchange).Equal(decimal.NewFromInt(4000)))

	// Returned exceeds reserved: profit flows back into the bucket.
	a.Release(res, decimal.NewFromInt(1018))
	assert.True(t, a.Available(core.ClassCrossExchange).Equal(decimal.NewFromInt(5018)))
	assert.Equal(t, 0, a.OutstandingReservations())
}

func TestReserveInsufficientCapital(t *testing.T) {
	a := newTestAllocator()

	_, err := a.Reserve(core.ClassTriangular, decimal.NewFromInt(5001))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientClassCapital)

	// Failed reserve leaves the bucket untouched.
	assert.True(t, a.Available(core.ClassTriangular).Equal(decimal.NewFromInt(5000)))
}

func TestZeroCapitalClassRejectsAnyReserve(t *testing.T) {
	a := NewAllocator(decimal.NewFromInt(10000), map[core.OpportunityClass]decimal.Decimal{
		core.ClassCrossExchange: decimal.NewFromInt(1),
		core.ClassTriangular:    decimal.Zero,
	}, logging.NewNop())

	_, err := a.Reserve(core.ClassTriangular, decimal.NewFromFloat(0.01))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientClassCapital)
}

func TestReleaseZeroReturnRecordsStuckCapital(t *testing.T) {
	a := newTestAllocator()

	res, err := a.Reserve(core.ClassCrossExchange, decimal.NewFromInt(300))
	require.NoError(t, err)

	// Transfer stuck: nothing comes back.
	a.Release(res, decimal.Zero)
	assert.True(t, a.Available(core.ClassCrossExchange).Equal(decimal.NewFromInt(4700)))

	// Double release is a no-op.
	a.Release(res, decimal.NewFromInt(300))
	assert.True(t, a.Available(core.ClassCrossExchange).Equal(decimal.NewFromInt(4700)))
}

func TestConcurrentReserveNeverOversubscribes(t *testing.T) {
	a := newTestAllocator()

	var wg sync.WaitGroup
	granted := make(chan *core.Reservation, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := a.Reserve(core.ClassCrossExchange, decimal.NewFromInt(100)); err == nil {
				granted <- res
			}
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	assert.Equal(t, 50, count, "only 5000/100 reservations can be granted")
	assert.True(t, a.Available(core.ClassCrossExchange).IsZero())
}

func TestRebalanceMovesTowardWinner(t *testing.T) {
	a := newTestAllocator()
	r := NewRebalancer(a, time.Hour, 0.1, 0.9, logging.NewNop())

	// Cross-exchange realizes +1000.
	res, err := a.Reserve(core.ClassCrossExchange, decimal.NewFromInt(2000))
	require.NoError(t, err)
	a.Release(res, decimal.NewFromInt(3000))

	r.rebalanceOnce()

	// Half of the edge (500) moves from triangular to cross-exchange.
	assert.True(t, a.Allocated(core.ClassCrossExchange).Equal(decimal.NewFromInt(5500)))
	assert.True(t, a.Allocated(core.ClassTriangular).Equal(decimal.NewFromInt(4500)))
	assert.True(t, a.Available(core.ClassTriangular).Equal(decimal.NewFromInt(4500)))
}

func TestRebalanceRespectsMinShare(t *testing.T) {
	a := NewAllocator(decimal.NewFromInt(10000), map[core.OpportunityClass]decimal.Decimal{
		core.ClassCrossExchange: decimal.NewFromFloat(0.85),
		core.ClassTriangular:    decimal.NewFromFloat(0.15),
	}, logging.NewNop())
	r := NewRebalancer(a, time.Hour, 0.1, 0.9, logging.NewNop())

	res, err := a.Reserve(core.ClassCrossExchange, decimal.NewFromInt(2000))
	require.NoError(t, err)
	a.Release(res, decimal.NewFromInt(4000))

	r.rebalanceOnce()

	// Donor cannot drop below 10% of total.
	assert.True(t, a.Allocated(core.ClassTriangular).GreaterThanOrEqual(decimal.NewFromInt(1000)))
	// Winner cannot exceed 90% of total.
	assert.True(t, a.Allocated(core.ClassCrossExchange).LessThanOrEqual(decimal.NewFromInt(9000)))
}
