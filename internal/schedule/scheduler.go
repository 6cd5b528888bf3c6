// Package schedule delivers due tasks: reminders, deferred mail and
// natural-intent reinjections. All task state lives in the store; the
// scheduler holds nothing between ticks.
package schedule

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/almacen/mayordomo/internal/audit"
	"github.com/almacen/mayordomo/internal/bus"
	"github.com/almacen/mayordomo/internal/obs"
	"github.com/almacen/mayordomo/internal/store"
)

// cronParser accepts standard 5-field expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ParseRepeatSpec validates a recurring spec at task-creation time.
func ParseRepeatSpec(spec string) error {
	_, err := cronParser.Parse(spec)
	return err
}

// MaxReinjectDepth bounds natural-intent recursion: a reinjected intent
// may schedule one more level, never a third.
const MaxReinjectDepth = 2

type naturalPayload struct {
	Depth int `json:"depth"`
}

// EncodeNaturalPayload builds the delivery payload for a natural-intent
// task created at the given reinjection depth.
func EncodeNaturalPayload(depth int) string {
	raw, _ := json.Marshal(naturalPayload{Depth: depth})
	return string(raw)
}

// DecodeNaturalDepth reads the depth back; a missing or malformed
// payload counts as depth zero.
func DecodeNaturalDepth(payload string) int {
	var p naturalPayload
	if payload == "" || json.Unmarshal([]byte(payload), &p) != nil {
		return 0
	}
	return p.Depth
}

// Egress sends a plain reply to a chat.
type Egress interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// MailDelivery delivers a gmail-send payload.
type MailDelivery interface {
	SendFromPayload(ctx context.Context, payload string) error
}

type Config struct {
	Store    *store.Store
	Bus      *bus.Bus
	Egress   Egress
	Mail     MailDelivery
	Metrics  *obs.Registry
	Logger   *slog.Logger
	Interval time.Duration // poll interval; defaults to 15 s
	Batch    int           // max tasks per tick; defaults to 50
	Now      func() time.Time
}

type Scheduler struct {
	store    *store.Store
	bus      *bus.Bus
	egress   Egress
	mail     MailDelivery
	metrics  *obs.Registry
	logger   *slog.Logger
	interval time.Duration
	batch    int
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		bus:      cfg.Bus,
		egress:   cfg.Egress,
		mail:     cfg.Mail,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		interval: cfg.Interval,
		batch:    cfg.Batch,
		now:      cfg.Now,
	}
}

// Start begins the poll loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick processes one due batch. Exposed for tests and the doctor command.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.DueTasks(ctx, s.batch)
	if err != nil {
		s.logger.Error("scheduler due query failed", "error", err)
		return
	}
	for i := range due {
		s.deliver(ctx, &due[i])
	}
}

func (s *Scheduler) deliver(ctx context.Context, task *store.ScheduledTask) {
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskDue, bus.DeliveryEvent{ID: task.ID, ChatID: task.ChatID})
	}

	err := s.dispatch(ctx, task)
	if err != nil {
		s.inc("scheduler.delivery_failures")
		s.logger.Warn("task delivery failed", "task", task.ID, "kind", task.DeliveryKind, "error", err)
		if markErr := s.store.MarkDeliveryFailure(ctx, task.ID, err.Error()); markErr != nil {
			s.logger.Error("mark delivery failure", "task", task.ID, "error", markErr)
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskFailed, bus.DeliveryEvent{
				ID: task.ID, ChatID: task.ChatID, Attempts: task.FailureCount + 1, Reason: err.Error(),
			})
		}
		return
	}

	var nextDue *time.Time
	if task.RepeatSpec != "" {
		if sched, parseErr := cronParser.Parse(task.RepeatSpec); parseErr == nil {
			next := sched.Next(s.now())
			nextDue = &next
		} else {
			s.logger.Warn("invalid repeat spec, completing task", "task", task.ID, "spec", task.RepeatSpec)
		}
	}
	if _, err := s.store.MarkDelivered(ctx, task.ID, nextDue); err != nil {
		s.logger.Error("mark delivered", "task", task.ID, "error", err)
		return
	}

	s.inc("scheduler.deliveries")
	audit.Record("task.delivered", task.ChatID, task.UserID, "", map[string]any{
		"task": task.ID, "kind": task.DeliveryKind, "recurring": nextDue != nil,
	})
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskDelivered, bus.DeliveryEvent{ID: task.ID, ChatID: task.ChatID})
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task *store.ScheduledTask) error {
	switch task.DeliveryKind {
	case store.DeliveryGmail:
		if s.mail == nil {
			return errMailNotConfigured
		}
		return s.mail.SendFromPayload(ctx, task.DeliveryPayload)

	case store.DeliveryNatural:
		depth := DecodeNaturalDepth(task.DeliveryPayload)
		if depth >= MaxReinjectDepth {
			// Swallow instead of failing so the task completes and the
			// loop ends.
			s.logger.Warn("reinjection depth exceeded, dropping", "task", task.ID, "depth", depth)
			s.inc("scheduler.reinject_depth_drops")
			return nil
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicTaskReinject, bus.ReinjectEvent{
				TaskID: task.ID,
				ChatID: task.ChatID,
				UserID: task.UserID,
				Prompt: task.Title,
				Depth:  depth,
			})
		}
		return nil

	default: // reminder
		if s.egress == nil {
			return errEgressNotConfigured
		}
		return s.egress.Send(ctx, task.ChatID, "Recordatorio: "+task.Title)
	}
}

func (s *Scheduler) inc(name string) {
	if s.metrics != nil {
		s.metrics.Inc(name, 1)
	}
}
