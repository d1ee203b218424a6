// Package status owns the single coherent system health view
package status

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"quant_trader/internal/core"
)

const (
	updateBuffer    = 64
	publishInterval = 5 * time.Second
)

// Owner is the only writer of SystemStatus. Components send it
// StatusUpdate messages; readers get an immutable snapshot.
type Owner struct {
	store  core.IStore
	logger core.ILogger

	updates chan core.StatusUpdate
	current atomic.Pointer[core.SystemStatus]

	autoTrading atomic.Bool
	evolution   atomic.Bool

	// Owned by the run goroutine.
	unhealthy    map[string]string
	stuck        map[string]struct{}
	pendingApply []func(*core.SystemStatus)
	dirty        bool
}

// NewOwner creates the status owner. Auto trading starts off; evolution
// starts on.
func NewOwner(store core.IStore, logger core.ILogger) *Owner {
	o := &Owner{
		store:     store,
		logger:    logger.WithField("component", "status_owner"),
		updates:   make(chan core.StatusUpdate, updateBuffer),
		unhealthy: make(map[string]string),
		stuck:     make(map[string]struct{}),
	}
	o.evolution.Store(true)
	init := &core.SystemStatus{
		EvolutionEnabled: true,
		Health:           "ok",
		LastUpdate:       time.Now().UTC(),
	}
	o.current.Store(init)
	return o
}

// Update submits a status change. It never blocks; under a flooded
// queue the update is dropped with a warning.
func (o *Owner) Update(u core.StatusUpdate) {
	select {
	case o.updates <- u:
	default:
		o.logger.Warn("Status update queue full, dropping", "component", u.Component)
	}
}

// Current returns the latest published snapshot.
func (o *Owner) Current() *core.SystemStatus {
	return o.current.Load()
}

// SetAutoTrading flips the global real-capital switch.
func (o *Owner) SetAutoTrading(enabled bool) {
	o.autoTrading.Store(enabled)
	o.Update(core.StatusUpdate{Component: "control", Healthy: true})
	o.logger.Info("Auto trading switched", "enabled", enabled)
}

// SetEvolution gates the evolution loops.
func (o *Owner) SetEvolution(enabled bool) {
	o.evolution.Store(enabled)
	o.Update(core.StatusUpdate{Component: "control", Healthy: true})
	o.logger.Info("Evolution switched", "enabled", enabled)
}

func (o *Owner) AutoTradingEnabled() bool { return o.autoTrading.Load() }
func (o *Owner) EvolutionEnabled() bool   { return o.evolution.Load() }

// Run folds updates into the snapshot and persists it until the context
// is cancelled.
func (o *Owner) Run(ctx context.Context) error {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.publish(ctx)
			return nil
		case u := <-o.updates:
			o.apply(u)
			o.publish(ctx)
		case <-ticker.C:
			if o.dirty {
				o.publish(ctx)
			}
		}
	}
}

func (o *Owner) apply(u core.StatusUpdate) {
	if u.Component != "" {
		if u.Healthy {
			delete(o.unhealthy, u.Component)
		} else {
			o.unhealthy[u.Component] = u.Reason
		}
	}
	if u.StuckTask != "" {
		o.stuck[u.StuckTask] = struct{}{}
	}
	o.pendingApply = append(o.pendingApply, u.Apply)
	o.dirty = true
}

func (o *Owner) publish(ctx context.Context) {
	prev := o.current.Load()
	next := *prev
	next.AutoTradingEnabled = o.autoTrading.Load()
	next.EvolutionEnabled = o.evolution.Load()
	next.QuantitativeRunning = true
	next.LastUpdate = time.Now().UTC()

	for _, fn := range o.pendingApply {
		if fn != nil {
			fn(&next)
		}
	}
	o.pendingApply = nil

	next.StuckTasks = make([]string, 0, len(o.stuck))
	for id := range o.stuck {
		next.StuckTasks = append(next.StuckTasks, id)
	}
	sort.Strings(next.StuckTasks)

	if len(o.unhealthy) == 0 {
		next.Health = "ok"
		next.HealthReason = ""
	} else {
		components := make([]string, 0, len(o.unhealthy))
		for c := range o.unhealthy {
			components = append(components, c)
		}
		sort.Strings(components)
		next.Health = "degraded"
		next.HealthReason = components[0] + ": " + o.unhealthy[components[0]]
	}

	o.current.Store(&next)
	o.dirty = false

	if err := o.store.SaveStatus(ctx, &next); err != nil {
		o.logger.Error("Status persist failed", "error", err)
	}
}
