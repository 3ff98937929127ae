package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/warriorsfly/collab-studio/pkg/logstore"
)

// Worker drains one online identity's durable log to its session endpoint.
// It polls on a fixed interval, forwards batches in store order, and deletes
// entries only after the forward was accepted. Redelivery after a crash
// between forward and delete is the at-least-once guarantee.
//
// Workers are started and stopped only by the directory; there is never more
// than one per identity.
type Worker struct {
	identity string
	key      string
	endpoint Deliverable
	store    logstore.Store
	cfg      Config
	metrics  *relayMetrics

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newWorker(identity string, endpoint Deliverable, store logstore.Store, cfg Config, metrics *relayMetrics) *Worker {
	return &Worker{
		identity: identity,
		key:      logstore.StreamKey(identity),
		endpoint: endpoint,
		store:    store,
		cfg:      cfg,
		metrics:  metrics,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Stop halts the polling loop. Safe to call more than once and after the
// worker already stopped itself.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Done is closed when the polling loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) run() {
	defer close(w.done)
	slog.Debug("delivery worker started", "identity", w.identity)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			w.metrics.workerStop(context.Background(), "stopped")
			slog.Debug("delivery worker stopped", "identity", w.identity)
			return
		case <-ticker.C:
			if !w.tick(context.Background()) {
				w.metrics.workerStop(context.Background(), "forward_failed")
				slog.Info("delivery worker halting, endpoint unreachable", "identity", w.identity)
				return
			}
		}
	}
}

// tick runs one poll cycle. It returns false only when a forward was
// refused, which means the endpoint is gone and the worker must halt;
// store errors are left for the next tick.
func (w *Worker) tick(ctx context.Context) bool {
	// cheap length probe first so an empty log never pays for a
	// blocking read
	n, err := w.store.Len(ctx, w.key)
	if err != nil {
		slog.Warn("log length probe failed", "identity", w.identity, "error", err)
		return true
	}
	if n == 0 {
		return true
	}

	// entries are deleted once delivered, so the head of the log is
	// always the read cursor
	entries, err := w.store.ReadSince(ctx, w.key, "0", w.cfg.BlockWait, w.cfg.BatchMax)
	if err != nil {
		slog.Warn("log read failed", "identity", w.identity, "error", err)
		return true
	}
	if len(entries) == 0 {
		return true
	}

	events := make([]Event, len(entries))
	for i, entry := range entries {
		events[i] = EventFromFields(entry.Fields)
	}
	payload, err := json.Marshal(events)
	if err != nil {
		slog.Error("batch marshal failed", "identity", w.identity, "error", err)
		return true
	}

	start := time.Now()
	if err := w.endpoint.Deliver(string(payload)); err != nil {
		return false
	}
	w.metrics.deliverSeconds.Record(ctx, time.Since(start).Seconds())

	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
	}
	if err := w.store.Delete(ctx, w.key, ids...); err != nil {
		// next tick rereads and redelivers; at-least-once, never lost
		slog.Warn("prune failed, batch may be redelivered", "identity", w.identity, "error", err)
	}

	w.metrics.delivered.Add(ctx, int64(len(events)))
	slog.Debug("batch delivered", "identity", w.identity, "events", len(events))
	return true
}
