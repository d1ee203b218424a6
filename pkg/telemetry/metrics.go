package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOpportunitiesTotal   = "quant_trader_opportunities_detected_total"
	MetricTasksCompletedTotal  = "quant_trader_arbitrage_tasks_completed_total"
	MetricTasksFailedTotal     = "quant_trader_arbitrage_tasks_failed_total"
	MetricRealizedPnLTotal     = "quant_trader_pnl_realized_total"
	MetricSignalsTotal         = "quant_trader_signals_dispatched_total"
	MetricStrategiesByTier     = "quant_trader_strategies_by_tier"
	MetricEvolutionActions     = "quant_trader_evolution_actions_total"
	MetricPublishEpoch         = "quant_trader_market_publish_epoch"
	MetricPersistenceQueueLen  = "quant_trader_persistence_queue_depth"
	MetricPersistenceDropTotal = "quant_trader_persistence_dropped_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OpportunitiesTotal   metric.Int64Counter
	TasksCompletedTotal  metric.Int64Counter
	TasksFailedTotal     metric.Int64Counter
	RealizedPnLTotal     metric.Float64Counter
	SignalsTotal         metric.Int64Counter
	StrategiesByTier     metric.Int64ObservableGauge
	EvolutionActions     metric.Int64Counter
	PublishEpoch         metric.Int64ObservableGauge
	PersistenceQueueLen  metric.Int64ObservableGauge
	PersistenceDropTotal metric.Int64Counter

	mu          sync.RWMutex
	tierCounts  map[string]int64
	epochByEx   map[string]int64
	queueDepth  int64
	initialized bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			tierCounts: make(map[string]int64),
			epochByEx:  make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics creates the instruments on the given meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OpportunitiesTotal, err = meter.Int64Counter(MetricOpportunitiesTotal,
		metric.WithDescription("Arbitrage opportunities detected, by class")); err != nil {
		return err
	}
	if m.TasksCompletedTotal, err = meter.Int64Counter(MetricTasksCompletedTotal,
		metric.WithDescription("Arbitrage tasks reaching completed state")); err != nil {
		return err
	}
	if m.TasksFailedTotal, err = meter.Int64Counter(MetricTasksFailedTotal,
		metric.WithDescription("Arbitrage tasks reaching a failed state, by kind")); err != nil {
		return err
	}
	if m.RealizedPnLTotal, err = meter.Float64Counter(MetricRealizedPnLTotal,
		metric.WithDescription("Cumulative realized PnL in quote units")); err != nil {
		return err
	}
	if m.SignalsTotal, err = meter.Int64Counter(MetricSignalsTotal,
		metric.WithDescription("Strategy signals dispatched, by trade type")); err != nil {
		return err
	}
	if m.EvolutionActions, err = meter.Int64Counter(MetricEvolutionActions,
		metric.WithDescription("Evolution actions applied, by action")); err != nil {
		return err
	}
	if m.PersistenceDropTotal, err = meter.Int64Counter(MetricPersistenceDropTotal,
		metric.WithDescription("Persistence records dropped on queue overflow")); err != nil {
		return err
	}

	if m.StrategiesByTier, err = meter.Int64ObservableGauge(MetricStrategiesByTier,
		metric.WithDescription("Strategies per tier"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for tier, n := range m.tierCounts {
				o.Observe(n, metric.WithAttributes(attribute.String("tier", tier)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.PublishEpoch, err = meter.Int64ObservableGauge(MetricPublishEpoch,
		metric.WithDescription("Latest market data publish epoch per exchange"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for ex, e := range m.epochByEx {
				o.Observe(e, metric.WithAttributes(attribute.String("exchange", ex)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.PersistenceQueueLen, err = meter.Int64ObservableGauge(MetricPersistenceQueueLen,
		metric.WithDescription("Depth of the async persistence queue"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			o.Observe(m.queueDepth)
			return nil
		})); err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// SetTierCount records the number of strategies in a tier.
func (m *MetricsHolder) SetTierCount(tier string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tierCounts[tier] = n
}

// SetPublishEpoch records the latest epoch for an exchange.
func (m *MetricsHolder) SetPublishEpoch(exchange string, epoch int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochByEx[exchange] = epoch
}

// SetQueueDepth records the persistence queue depth.
func (m *MetricsHolder) SetQueueDepth(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepth = n
}

// Initialized reports whether instruments were created.
func (m *MetricsHolder) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}
