package schedule

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

type memMail struct {
	payloads []string
	err      error
}

func (m *memMail) SendFromPayload(ctx context.Context, payload string) error {
	if m.err != nil {
		return m.err
	}
	m.payloads = append(m.payloads, payload)
	return nil
}

type fixture struct {
	sched  *Scheduler
	store  *store.Store
	clock  *fakeClock
	egress *memEgress
	mail   *memMail
	bus    *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	st.SetNow(clock.Now)
	egress := &memEgress{}
	mail := &memMail{}
	b := bus.New()
	return &fixture{
		sched: New(Config{
			Store:  st,
			Bus:    b,
			Egress: egress,
			Mail:   mail,
			Now:    clock.Now,
		}),
		store:  st,
		clock:  clock,
		egress: egress,
		mail:   mail,
		bus:    b,
	}
}

func (f *fixture) createTask(t *testing.T, task store.ScheduledTask) string {
	t.Helper()
	if task.ChatID == 0 {
		task.ChatID = 1
	}
	id, err := f.store.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return id
}

func TestTick_DeliversDueReminder(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, store.ScheduledTask{Title: "llamar al medico", DueAt: f.clock.Now().Add(-time.Minute)})

	f.sched.Tick(context.Background())

	if len(f.egress.sent) != 1 || f.egress.sent[0] != "Recordatorio: llamar al medico" {
		t.Fatalf("sent = %v", f.egress.sent)
	}
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil || task.Status != store.TaskDone {
		t.Fatalf("status = %q, err %v", task.Status, err)
	}
}

func TestTick_FutureTaskUntouched(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, store.ScheduledTask{Title: "luego", DueAt: f.clock.Now().Add(time.Hour)})

	f.sched.Tick(context.Background())

	if len(f.egress.sent) != 0 {
		t.Fatalf("sent = %v", f.egress.sent)
	}
}

func TestTick_GmailDeliveryUsesPayload(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, store.ScheduledTask{
		Title:           "informe",
		DueAt:           f.clock.Now().Add(-time.Minute),
		DeliveryKind:    store.DeliveryGmail,
		DeliveryPayload: `{"to":"ana@example.com","subject":"informe","body":"adjunto"}`,
	})

	f.sched.Tick(context.Background())

	if len(f.mail.payloads) != 1 {
		t.Fatalf("payloads = %v", f.mail.payloads)
	}
}

func TestTick_FailureSetsRetryHoldoff(t *testing.T) {
	f := newFixture(t)
	f.egress.err = errors.New("telegram down")
	id := f.createTask(t, store.ScheduledTask{Title: "x", DueAt: f.clock.Now().Add(-time.Minute)})

	f.sched.Tick(context.Background())

	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != store.TaskPending || task.FailureCount != 1 || task.RetryAfter == nil {
		t.Fatalf("task = %+v", task)
	}

	// Still held off on the next tick.
	f.egress.err = nil
	f.sched.Tick(context.Background())
	if len(f.egress.sent) != 0 {
		t.Fatal("held-off task must not deliver yet")
	}

	// First failure holds off two minutes.
	f.clock.Advance(3 * time.Minute)
	f.sched.Tick(context.Background())
	if len(f.egress.sent) != 1 {
		t.Fatalf("sent = %v", f.egress.sent)
	}
}

func TestTick_RecurringTaskReArms(t *testing.T) {
	f := newFixture(t)
	id := f.createTask(t, store.ScheduledTask{
		Title:      "repaso diario",
		DueAt:      f.clock.Now().Add(-time.Minute),
		RepeatSpec: "0 8 * * *",
	})

	f.sched.Tick(context.Background())

	task, err := f.store.GetTask(context.Background(), id)
	if err != nil || task.Status != store.TaskPending {
		t.Fatalf("task = %+v, err %v", task, err)
	}
	want := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	if !task.DueAt.Equal(want) {
		t.Fatalf("next due = %v, want %v", task.DueAt, want)
	}
}

func TestTick_NaturalIntentPublishesReinject(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(bus.TopicTaskReinject)
	defer f.bus.Unsubscribe(sub)

	id := f.createTask(t, store.ScheduledTask{
		Title:           "busca noticias de hoy",
		DueAt:           f.clock.Now().Add(-time.Minute),
		DeliveryKind:    store.DeliveryNatural,
		DeliveryPayload: EncodeNaturalPayload(1),
	})

	f.sched.Tick(context.Background())

	select {
	case ev := <-sub.Ch():
		re, ok := ev.Payload.(bus.ReinjectEvent)
		if !ok {
			t.Fatalf("payload = %T", ev.Payload)
		}
		if re.TaskID != id || re.Prompt != "busca noticias de hoy" || re.Depth != 1 {
			t.Fatalf("event = %+v", re)
		}
	default:
		t.Fatal("expected a reinject event")
	}

	task, _ := f.store.GetTask(context.Background(), id)
	if task.Status != store.TaskDone {
		t.Fatalf("status = %q", task.Status)
	}
}

func TestTick_ReinjectDepthBound(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(bus.TopicTaskReinject)
	defer f.bus.Unsubscribe(sub)

	id := f.createTask(t, store.ScheduledTask{
		Title:           "bucle",
		DueAt:           f.clock.Now().Add(-time.Minute),
		DeliveryKind:    store.DeliveryNatural,
		DeliveryPayload: EncodeNaturalPayload(MaxReinjectDepth),
	})

	f.sched.Tick(context.Background())

	select {
	case <-sub.Ch():
		t.Fatal("depth-exceeded task must not reinject")
	default:
	}
	// Dropped but completed so it cannot loop forever.
	task, _ := f.store.GetTask(context.Background(), id)
	if task.Status != store.TaskDone {
		t.Fatalf("status = %q", task.Status)
	}
}

func TestResolveTaskRef_Forms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.createTask(t, store.ScheduledTask{ID: "tsk-abc123", Title: "uno", DueAt: f.clock.Now().Add(time.Hour)})
	f.clock.Advance(time.Second)
	second := f.createTask(t, store.ScheduledTask{ID: "tsk-abd999", Title: "dos", DueAt: f.clock.Now().Add(time.Hour)})

	cases := []struct {
		ref  string
		want string
	}{
		{"tsk-abc123", first},
		{"tsk_abc123", first}, // underscore equals dash
		{"tsk-abd...", second},
		{"1", first},
		{"2", second},
		{"ultimo", second},
		{"last", second},
	}
	for _, tc := range cases {
		task, err := ResolveTaskRef(ctx, f.store, 1, tc.ref)
		if err != nil {
			t.Fatalf("resolve %q: %v", tc.ref, err)
		}
		if task.ID != tc.want {
			t.Errorf("resolve %q = %s, want %s", tc.ref, task.ID, tc.want)
		}
	}

	if _, err := ResolveTaskRef(ctx, f.store, 1, "tsk-zz..."); err == nil {
		t.Fatal("unknown prefix should error")
	}
	if _, err := ResolveTaskRef(ctx, f.store, 1, "9"); err == nil {
		t.Fatal("out-of-range ordinal should error")
	}
	if _, err := ResolveTaskRef(ctx, f.store, 1, "tsk-ab..."); err == nil {
		t.Fatal("ambiguous prefix should error")
	}
}

func TestResolveTaskRef_HyphenatedID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.createTask(t, store.ScheduledTask{ID: "tsk-mlz7y5a9-t7qltx", Title: "borrar", DueAt: f.clock.Now().Add(time.Hour)})

	for _, ref := range []string{
		"eliminar tsk_mlz7y5a9-t7qltx",
		"eliminar tsk-mlz7y5a9-t7qltx",
		"tsk-mlz7y5a9...",
	} {
		task, err := ResolveTaskRef(ctx, f.store, 1, ref)
		if err != nil {
			t.Fatalf("resolve %q: %v", ref, err)
		}
		if task.ID != id {
			t.Errorf("resolve %q = %s, want %s", ref, task.ID, id)
		}
	}
}

func TestParseRepeatSpec(t *testing.T) {
	if err := ParseRepeatSpec("0 8 * * *"); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	if err := ParseRepeatSpec("not a cron"); err == nil {
		t.Fatal("invalid spec accepted")
	}
}
