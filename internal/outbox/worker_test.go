package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/almacen/mayordomo/internal/bus"
	"github.com/almacen/mayordomo/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memEgress struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (e *memEgress) Send(ctx context.Context, chatID int64, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.sent = append(e.sent, text)
	return nil
}

type fixture struct {
	worker *Worker
	store  *store.Store
	clock  *fakeClock
	egress *memEgress
	bus    *bus.Bus
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	st.SetNow(clock.Now)
	egress := &memEgress{}
	b := bus.New()
	return &fixture{
		worker: New(Config{Store: st, Bus: b, Egress: egress, MaxAttempts: maxAttempts}),
		store:  st,
		clock:  clock,
		egress: egress,
		bus:    b,
	}
}

func TestDrain_DeliversAndDeletes(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	if _, err := f.store.EnqueueOutbox(ctx, 1, "hola", "bridge"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.worker.Drain(ctx)

	if len(f.egress.sent) != 1 || f.egress.sent[0] != "hola" {
		t.Fatalf("sent = %v", f.egress.sent)
	}
	due, err := f.store.DueOutbox(ctx, 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("due = (%v, %v)", due, err)
	}
}

func TestDrain_FailureBacksOff(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.egress.err = errors.New("telegram down")
	if _, err := f.store.EnqueueOutbox(ctx, 1, "hola", "bridge"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.worker.Drain(ctx)

	// First failure holds the message off for five seconds.
	f.egress.err = nil
	f.worker.Drain(ctx)
	if len(f.egress.sent) != 0 {
		t.Fatal("held-off message must not deliver yet")
	}

	f.clock.Advance(6 * time.Second)
	f.worker.Drain(ctx)
	if len(f.egress.sent) != 1 {
		t.Fatalf("sent = %v", f.egress.sent)
	}
}

func TestDrain_ExhaustedMovesToDeadLetter(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	sub := f.bus.Subscribe(bus.TopicOutboxDeadLetter)
	defer f.bus.Unsubscribe(sub)

	f.egress.err = errors.New("permanent outage")
	if _, err := f.store.EnqueueOutbox(ctx, 1, "hola", "bridge"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.worker.Drain(ctx)
	f.clock.Advance(6 * time.Second)
	f.worker.Drain(ctx)

	due, err := f.store.DueOutbox(ctx, 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("due = (%v, %v)", due, err)
	}
	dead, err := f.store.ListDeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 || dead[0].Text != "hola" {
		t.Fatalf("dead = (%v, %v)", dead, err)
	}

	select {
	case ev := <-sub.Ch():
		de, ok := ev.Payload.(bus.DeliveryEvent)
		if !ok || de.ChatID != 1 || de.Reason == "" {
			t.Fatalf("event = %+v", ev.Payload)
		}
	default:
		t.Fatal("expected a dead-letter event")
	}
}

func TestDrain_RequeuedDeadLetterDelivers(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.egress.err = errors.New("down")
	if _, err := f.store.EnqueueOutbox(ctx, 1, "hola", "bridge"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.worker.Drain(ctx)

	dead, err := f.store.ListDeadLetters(ctx, 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("dead = (%v, %v)", dead, err)
	}
	if err := f.store.RequeueDeadLetter(ctx, dead[0].ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	f.egress.err = nil
	f.worker.Drain(ctx)
	if len(f.egress.sent) != 1 || f.egress.sent[0] != "hola" {
		t.Fatalf("sent = %v", f.egress.sent)
	}
}
