package persistence

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quant_trader/internal/core"
	"quant_trader/pkg/telemetry"
)

const (
	queueMax      = 1024
	flushInterval = 200 * time.Millisecond
)

// writer is the async persistence queue. Enqueue never blocks; on overflow
// the oldest non-critical record is dropped. Critical records are only
// dropped if the entire queue is critical and the incoming record is not.
type writer struct {
	store *Store

	mu      sync.Mutex
	queue   []core.Record
	dropped int64
	wake    chan struct{}
}

func newWriter(store *Store) *writer {
	return &writer{
		store: store,
		queue: make([]core.Record, 0, queueMax),
		wake:  make(chan struct{}, 1),
	}
}

func (w *writer) enqueue(rec core.Record) {
	w.mu.Lock()
	if len(w.queue) >= queueMax {
		evicted := false
		for i, old := range w.queue {
			if !old.Critical {
				w.queue = append(w.queue[:i], w.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			if !rec.Critical {
				w.mu.Unlock()
				w.noteDrop()
				return
			}
			// Queue full of criticals and the new one is critical too:
			// oldest goes.
			w.queue = w.queue[1:]
		}
		w.noteDropLocked()
	}
	w.queue = append(w.queue, rec)
	depth := len(w.queue)
	w.mu.Unlock()

	telemetry.GetGlobalMetrics().SetQueueDepth(int64(depth))

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writer) noteDrop() {
	w.mu.Lock()
	w.noteDropLocked()
	w.mu.Unlock()
}

func (w *writer) noteDropLocked() {
	w.dropped++
	m := telemetry.GetGlobalMetrics()
	if m.Initialized() {
		m.PersistenceDropTotal.Add(context.Background(), 1)
	}
}

// run drains the queue until cancelled, then performs a final flush.
func (w *writer) run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return nil
		case <-w.wake:
			w.flush(ctx)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *writer) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.queue
	w.queue = make([]core.Record, 0, queueMax)
	w.mu.Unlock()

	telemetry.GetGlobalMetrics().SetQueueDepth(0)

	for _, rec := range batch {
		if err := w.write(ctx, rec); err != nil {
			w.store.logger.Error("Async write failed",
				"kind", rec.Kind, "error", err)
		}
	}
}

func (w *writer) write(ctx context.Context, rec core.Record) error {
	switch rec.Kind {
	case core.RecordSignal:
		return w.store.insertSignal(ctx, rec.Signal)
	case core.RecordCycle:
		return w.store.insertCycle(ctx, rec.Cycle)
	case core.RecordSimulation:
		return w.store.insertSimulation(ctx, rec.Simulation)
	case core.RecordEvolution:
		return w.store.insertEvolution(ctx, rec.Evolution)
	case core.RecordTask:
		return w.store.SaveTask(ctx, rec.Task)
	case core.RecordBalance:
		return w.store.insertBalance(ctx, rec.Balance)
	case core.RecordOpLog:
		return w.store.insertOpLog(ctx, rec.OpLog)
	case core.RecordStrategy:
		return w.store.SaveStrategy(ctx, rec.Strategy)
	}
	return nil
}

// queueDepth reports the number of pending records.
func (w *writer) queueDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mustTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
