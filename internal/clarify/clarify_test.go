package clarify

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	s := NewStore(5 * time.Minute)
	clock := newFakeClock()
	s.SetNow(clock.Now)
	return s, clock
}

func TestStore_AtMostOnePerChat(t *testing.T) {
	s, _ := testStore(t)

	s.Register(Pending{ChatID: 1, Question: "¿a quién?"})
	s.Register(Pending{ChatID: 1, Question: "¿qué archivo?"})

	p := s.Peek(1, 0)
	if p == nil || p.Question != "¿qué archivo?" {
		t.Fatalf("register must replace, got %+v", p)
	}
	if s.Len() != 1 {
		t.Fatalf("want 1 entry, got %d", s.Len())
	}
}

func TestStore_ConsumeRemoves(t *testing.T) {
	s, _ := testStore(t)
	s.Register(Pending{ChatID: 1, Question: "q"})

	if p := s.Consume(1, 0); p == nil {
		t.Fatal("consume must return the live entry")
	}
	if p := s.Peek(1, 0); p != nil {
		t.Fatalf("entry must be gone after consume, got %+v", p)
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	s, clock := testStore(t)
	s.Register(Pending{ChatID: 1, Question: "q"})

	clock.Advance(5*time.Minute + time.Second)
	if p := s.Peek(1, 0); p != nil {
		t.Fatalf("expired entry must read as absent, got %+v", p)
	}
	if p := s.Consume(1, 0); p != nil {
		t.Fatalf("expired entry must not be consumable, got %+v", p)
	}
}

func TestStore_UserScoping(t *testing.T) {
	s, _ := testStore(t)
	s.Register(Pending{ChatID: 1, UserID: 10, Question: "q"})

	if p := s.Peek(1, 99); p != nil {
		t.Fatalf("other user must not see the entry, got %+v", p)
	}
	if p := s.Peek(1, 10); p == nil {
		t.Fatal("owning user must see the entry")
	}
	// Unscoped lookups (no user id) see user-bound entries.
	if p := s.Peek(1, 0); p == nil {
		t.Fatal("unscoped lookup must see the entry")
	}
}

func TestStore_ClearIdempotent(t *testing.T) {
	s, _ := testStore(t)
	s.Register(Pending{ChatID: 1, Question: "q"})
	s.Clear(1)
	s.Clear(1)
	if p := s.Peek(1, 0); p != nil {
		t.Fatalf("want cleared, got %+v", p)
	}
}

func TestStore_CapsHintsAndMissing(t *testing.T) {
	s, _ := testStore(t)
	hints := make([]string, 10)
	missing := make([]string, 20)
	for i := range hints {
		hints[i] = "h"
	}
	for i := range missing {
		missing[i] = "m"
	}
	s.Register(Pending{ChatID: 1, RouteHints: hints, Missing: missing})

	p := s.Peek(1, 0)
	if len(p.RouteHints) != 6 || len(p.Missing) != 12 {
		t.Fatalf("caps not applied: hints=%d missing=%d", len(p.RouteHints), len(p.Missing))
	}
}

func TestClassifyReply_AckWords(t *testing.T) {
	p := &Pending{ChatID: 1, Question: "¿seguro?"}
	for _, text := range []string{"sí", "si", "no", "ok", "vale", "cancelar", "  Sí  "} {
		if v := ClassifyReply(p, text); v != IsReply {
			t.Errorf("ClassifyReply(%q) = %v, want IsReply", text, v)
		}
	}
}

func TestClassifyReply_RouteHintMention(t *testing.T) {
	p := &Pending{
		ChatID:         1,
		PreferredRoute: "gmail",
		RouteHints:     []string{"schedule", "workspace"},
	}
	for _, text := range []string{"gmail", "mejor schedule", "el de workspace"} {
		if v := ClassifyReply(p, text); v != IsReply {
			t.Errorf("ClassifyReply(%q) = %v, want IsReply", text, v)
		}
	}
}

func TestClassifyReply_MissingTokenTests(t *testing.T) {
	cases := []struct {
		slot string
		text string
	}{
		{"taskRef", "tsk-mlz7y5a9"},
		{"taskRef", "el 2"},
		{"taskRef", "último"},
		{"email", "ana@example.com"},
		{"name", "José García"},
		{"path", "notas/ideas.txt"},
		{"dueAt", "mañana a las 9:30"},
		{"skillRefOrIndex", "habilidad 3"},
	}
	for _, tc := range cases {
		p := &Pending{ChatID: 1, Missing: []string{tc.slot}}
		if v := ClassifyReply(p, tc.text); v != IsReply {
			t.Errorf("slot %s with %q = %v, want IsReply", tc.slot, tc.text, v)
		}
	}

	// A slot's test must not fire on unrelated text.
	p := &Pending{ChatID: 1, Missing: []string{"email"}}
	if v := ClassifyReply(p, "cualquier cosa sin arroba"); v == IsReply {
		t.Error("email slot fired without an address")
	}
}

func TestClassifyReply_FreeTextSlots(t *testing.T) {
	cases := []struct {
		slot string
		text string
	}{
		{"asunto", "informe semanal"},
		{"asunto", "'resumen de agosto'"},
		{"title", "llamar al dentista"},
		{"query", "clima en madrid"},
		{"command", "status"},
	}
	for _, tc := range cases {
		p := &Pending{ChatID: 1, Missing: []string{tc.slot}}
		if v := ClassifyReply(p, tc.text); v != IsReply {
			t.Errorf("slot %s with %q = %v, want IsReply", tc.slot, tc.text, v)
		}
	}

	// A fresh directive still wins over the free-text slot.
	p := &Pending{ChatID: 1, Missing: []string{"asunto"}}
	if v := ClassifyReply(p, "borra todos los archivos del workspace"); v != DropsPending {
		t.Errorf("directive over free-text slot = %v, want DropsPending", v)
	}
}

func TestClassifyReply_FreshDirectiveDrops(t *testing.T) {
	p := &Pending{ChatID: 1, Missing: []string{"email"}}

	if v := ClassifyReply(p, "lista mis tareas pendientes"); v != DropsPending {
		t.Fatalf("fresh directive must drop the pending entry, got %v", v)
	}
	// Too short for the directive rule.
	if v := ClassifyReply(p, "lista ya"); v == DropsPending {
		t.Fatal("short text must not drop the pending entry")
	}
	// Verb without a domain noun is not a directive.
	if v := ClassifyReply(p, "busca eso que te dije antes"); v == DropsPending {
		t.Fatal("verb without domain noun must not drop")
	}
}

func TestRebuildText(t *testing.T) {
	p := &Pending{
		OriginalText: "envía el informe",
		Question:     "¿a qué dirección?",
	}
	got := RebuildText(p, " ana@example.com ")
	want := "envía el informe\nContexto previo: ¿a qué dirección?\nAclaración del usuario: ana@example.com"
	if got != want {
		t.Fatalf("RebuildText = %q, want %q", got, want)
	}
}
