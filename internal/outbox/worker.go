// Package outbox drains queued replies. Egress failures during normal
// message handling land here so a flaky chat API never drops a reply;
// the worker retries with store-side backoff and dead-letters messages
// that exhaust their attempts.
package outbox

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/almacen/mayordomo/internal/bus"
	"github.com/almacen/mayordomo/internal/obs"
	"github.com/almacen/mayordomo/internal/schedule"
	"github.com/almacen/mayordomo/internal/store"
)

type Config struct {
	Store       *store.Store
	Bus         *bus.Bus
	Egress      schedule.Egress
	Metrics     *obs.Registry
	Logger      *slog.Logger
	Interval    time.Duration // poll interval; defaults to 10 s
	Batch       int           // max messages per drain; defaults to 20
	MaxAttempts int           // delivery attempts before dead-lettering; defaults to 8
}

type Worker struct {
	store       *store.Store
	bus         *bus.Bus
	egress      schedule.Egress
	metrics     *obs.Registry
	logger      *slog.Logger
	interval    time.Duration
	batch       int
	maxAttempts int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		store:       cfg.Store,
		bus:         cfg.Bus,
		egress:      cfg.Egress,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		interval:    cfg.Interval,
		batch:       cfg.Batch,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Start begins the drain loop in a background goroutine.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("outbox worker started", "interval", w.interval)
}

// Stop cancels the loop and waits for it to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("outbox worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain attempts one due batch. Exposed for tests and for a final flush
// during shutdown.
func (w *Worker) Drain(ctx context.Context) {
	due, err := w.store.DueOutbox(ctx, w.batch)
	if err != nil {
		w.logger.Error("outbox due query failed", "error", err)
		return
	}
	for i := range due {
		w.attempt(ctx, &due[i])
	}
}

func (w *Worker) attempt(ctx context.Context, msg *store.OutboxMessage) {
	err := w.egress.Send(ctx, msg.ChatID, msg.Text)
	if err == nil {
		if delErr := w.store.DeleteOutbox(ctx, msg.ID); delErr != nil {
			w.logger.Error("delete delivered outbox message", "id", msg.ID, "error", delErr)
			return
		}
		w.inc("outbox.sent")
		if w.bus != nil {
			w.bus.Publish(bus.TopicOutboxSent, bus.DeliveryEvent{
				ID: itoa(msg.ID), ChatID: msg.ChatID, Attempts: msg.Attempts + 1,
			})
		}
		return
	}

	dead, markErr := w.store.MarkOutboxAttempt(ctx, msg.ID, err.Error(), w.maxAttempts)
	if markErr != nil {
		w.logger.Error("mark outbox attempt", "id", msg.ID, "error", markErr)
		return
	}
	if dead {
		w.inc("outbox.dead_letters")
		w.logger.Warn("outbox message dead-lettered", "id", msg.ID, "chat", msg.ChatID, "attempts", msg.Attempts+1)
		if w.bus != nil {
			w.bus.Publish(bus.TopicOutboxDeadLetter, bus.DeliveryEvent{
				ID: itoa(msg.ID), ChatID: msg.ChatID, Attempts: msg.Attempts + 1, Reason: err.Error(),
			})
		}
		return
	}
	w.inc("outbox.retries")
	w.logger.Warn("outbox delivery failed, will retry", "id", msg.ID, "attempt", msg.Attempts+1, "error", err)
}

func (w *Worker) inc(name string) {
	if w.metrics != nil {
		w.metrics.Inc(name, 1)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
