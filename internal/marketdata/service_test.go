package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quant_trader/internal/core"
	"quant_trader/internal/logging"
	"quant_trader/internal/mock"
)

func newTestService(t *testing.T) (*Service, *mock.Exchange) {
	t.Helper()
	ex := mock.NewExchange("mock")
	ex.SetTicker("BTC/USDT", decimal.NewFromInt(50000), decimal.NewFromInt(50010))
	ex.SetTicker("ETH/USDT", decimal.NewFromInt(3000), decimal.NewFromInt(3001))

	svc := NewService(map[string]core.IExchange{"mock": ex},
		[]string{"BTC/USDT", "ETH/USDT"}, time.Second, nil, logging.NewNop())
	return svc, ex
}

func TestPollPublishesSnapshot(t *testing.T) {
	svc, _ := newTestService(t)

	svc.pollOnce(context.Background())

	snap := svc.Snapshot()
	assert.Equal(t, core.Epoch(1), snap.Epoch)
	require.Len(t, snap.Tickers, 2)

	btc := svc.Latest("mock", "BTC/USDT")
	require.NotNil(t, btc)
	assert.True(t, btc.Bid.Equal(decimal.NewFromInt(50000)))
}

func TestEpochIsMonotonic(t *testing.T) {
	svc, ex := newTestService(t)

	var last core.Epoch
	for i := 0; i < 10; i++ {
		if i == 5 {
			// Mid-run failures must not reset or stall the epoch.
			ex.FailNext("FetchTicker", errors.New("boom"))
		}
		if i == 7 {
			ex.ClearFailure("FetchTicker")
		}
		svc.pollOnce(context.Background())
		snap := svc.Snapshot()
		assert.Greater(t, snap.Epoch, last)
		last = snap.Epoch
	}
	assert.Equal(t, core.Epoch(10), last)
}

func TestFailedFetchKeepsLastValue(t *testing.T) {
	svc, ex := newTestService(t)

	svc.pollOnce(context.Background())
	ex.FailNext("FetchTicker", errors.New("boom"))
	svc.pollOnce(context.Background())

	// Stale value survives; a new epoch is still published.
	btc := svc.Latest("mock", "BTC/USDT")
	require.NotNil(t, btc)
	assert.True(t, btc.Bid.Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, core.Epoch(2), svc.Snapshot().Epoch)
}

func TestSubscribeNotifiesWithoutBlocking(t *testing.T) {
	svc, _ := newTestService(t)

	ch := svc.Subscribe()

	// Publish far more epochs than the subscriber buffer holds; the
	// publisher must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			svc.pollOnce(context.Background())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// The subscriber sees some epochs but may have missed others.
	first := <-ch
	assert.GreaterOrEqual(t, first, core.Epoch(1))
}

func TestStagedUpdateWinsOverPoll(t *testing.T) {
	svc, _ := newTestService(t)

	svc.Stage(&core.Ticker{
		Exchange:   "mock",
		Symbol:     "BTC/USDT",
		Bid:        decimal.NewFromInt(51000),
		Ask:        decimal.NewFromInt(51010),
		ObservedAt: time.Now().UTC(),
	})
	svc.pollOnce(context.Background())

	btc := svc.Latest("mock", "BTC/USDT")
	require.NotNil(t, btc)
	assert.True(t, btc.Bid.Equal(decimal.NewFromInt(51000)))
}

func TestHistoryOldestFirst(t *testing.T) {
	svc, ex := newTestService(t)

	for i := 0; i < 5; i++ {
		ex.SetTicker("BTC/USDT",
			decimal.NewFromInt(int64(50000+i)), decimal.NewFromInt(int64(50010+i)))
		svc.pollOnce(context.Background())
	}

	hist := svc.History("mock", "BTC/USDT", 3)
	require.Len(t, hist, 3)
	assert.True(t, hist[0].Bid.LessThan(hist[1].Bid))
	assert.True(t, hist[1].Bid.LessThan(hist[2].Bid))
	assert.True(t, hist[2].Bid.Equal(decimal.NewFromInt(50004)))
}

func TestUnhealthyAfterConsecutiveFailures(t *testing.T) {
	ex := mock.NewExchange("mock")
	ex.SetTicker("BTC/USDT", decimal.NewFromInt(50000), decimal.NewFromInt(50010))

	updates := make(chan core.StatusUpdate, 8)
	svc := NewService(map[string]core.IExchange{"mock": ex},
		[]string{"BTC/USDT"}, time.Second, statusRecorder{updates}, logging.NewNop())

	ex.FailNext("FetchTicker", errors.New("boom"))
	for i := 0; i < failureThreshold; i++ {
		svc.pollOnce(context.Background())
	}

	select {
	case u := <-updates:
		assert.Equal(t, "market_data:mock", u.Component)
		assert.False(t, u.Healthy)
	default:
		t.Fatal("expected an unhealthy status update")
	}

	// Recovery flips the component back to healthy.
	ex.ClearFailure("FetchTicker")
	svc.pollOnce(context.Background())

	select {
	case u := <-updates:
		assert.True(t, u.Healthy)
	default:
		t.Fatal("expected a recovery status update")
	}
}

// statusRecorder captures status updates for assertions.
type statusRecorder struct {
	ch chan core.StatusUpdate
}

func (r statusRecorder) Update(u core.StatusUpdate) {
	select {
	case r.ch <- u:
	default:
	}
}
func (r statusRecorder) Current() *core.SystemStatus { return nil }
func (r statusRecorder) SetAutoTrading(bool)         {}
func (r statusRecorder) SetEvolution(bool)           {}
func (r statusRecorder) AutoTradingEnabled() bool    { return false }
func (r statusRecorder) EvolutionEnabled() bool      { return false }
