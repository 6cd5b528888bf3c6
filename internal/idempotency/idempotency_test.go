package idempotency

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/store"
)

func TestValidateRequestID(t *testing.T) {
	valid := []string{
		"cli:2026-08-24:abc123",
		"req_000001",
		"a.b-c:d_e.f",
		strings.Repeat("k", 180),
	}
	for _, id := range valid {
		if err := ValidateRequestID(id); err != nil {
			t.Fatalf("ValidateRequestID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		"short",                  // under 6 chars
		strings.Repeat("k", 181), // over 180
		"has space",
		"emoji🙂key",
		"slash/key",
	}
	for _, id := range invalid {
		err := ValidateRequestID(id)
		if err == nil {
			t.Fatalf("ValidateRequestID(%q) accepted", id)
		}
		if fault.KindOf(err) != fault.KindValidation {
			t.Fatalf("ValidateRequestID(%q) kind = %q", id, fault.KindOf(err))
		}
	}
}

func TestManager_AcquireCompleteReplay(t *testing.T) {
	s, err := store.Open(t.TempDir() + "/idem.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	m := NewManager(s, 24*time.Hour, nil)
	ctx := context.Background()

	res, err := m.Acquire(ctx, 1, "cli:key-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Outcome != store.AcquireFresh {
		t.Fatalf("outcome = %q", res.Outcome)
	}

	if err := m.Complete(ctx, 1, "cli:key-1", 200, `{"reply":"hecho"}`); err != nil {
		t.Fatalf("complete: %v", err)
	}

	res, err = m.Acquire(ctx, 1, "cli:key-1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if res.Outcome != store.AcquireReplay || res.StatusCode != 200 || res.Body != `{"reply":"hecho"}` {
		t.Fatalf("replay = %+v", res)
	}

	// Same request id in another chat is a fresh claim.
	res, err = m.Acquire(ctx, 2, "cli:key-1")
	if err != nil {
		t.Fatalf("acquire other chat: %v", err)
	}
	if res.Outcome != store.AcquireFresh {
		t.Fatalf("outcome in other chat = %q", res.Outcome)
	}
}

func TestManager_FailReleasesPair(t *testing.T) {
	s, err := store.Open(t.TempDir() + "/idem.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	m := NewManager(s, time.Hour, nil)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, 1, "cli:key-2"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Fail(ctx, 1, "cli:key-2"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	res, err := m.Acquire(ctx, 1, "cli:key-2")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if res.Outcome != store.AcquireFresh {
		t.Fatalf("outcome after fail = %q", res.Outcome)
	}
}

func TestManager_RejectsMalformedRequestIDBeforeStore(t *testing.T) {
	m := NewManager(nil, time.Hour, nil) // nil store: must not be reached
	if _, err := m.Acquire(context.Background(), 1, "bad key"); err == nil {
		t.Fatal("expected validation error")
	}
}
