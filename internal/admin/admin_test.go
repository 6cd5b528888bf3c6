package admin

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/almacen/mayordomo/internal/store"
)

func testSecurity(t *testing.T) *Security {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSecurity(st, 5*time.Minute, nil)
}

func TestAdminMode_PerChat(t *testing.T) {
	s := testSecurity(t)
	if s.IsAdmin(1) {
		t.Fatal("fresh chat should not be admin")
	}
	s.SetAdminMode(1, true)
	if !s.IsAdmin(1) {
		t.Fatal("chat 1 should be admin")
	}
	if s.IsAdmin(2) {
		t.Fatal("admin mode must not leak across chats")
	}
	s.SetAdminMode(1, false)
	if s.IsAdmin(1) {
		t.Fatal("admin mode should clear")
	}
}

func TestPanicMode_OverridesAdmin(t *testing.T) {
	s := testSecurity(t)
	s.SetAdminMode(1, true)
	s.SetPanicMode(true)
	if !s.PanicMode() {
		t.Fatal("panic mode should be on")
	}
	if s.IsAdmin(1) {
		t.Fatal("panic mode must suppress admin mode")
	}
	s.SetPanicMode(false)
	if !s.IsAdmin(1) {
		t.Fatal("admin mode should survive a panic toggle")
	}
}

func TestApprovalFlow_RoundTrip(t *testing.T) {
	s := testSecurity(t)
	ctx := context.Background()

	code, err := s.RequestApproval(ctx, store.ApprovalExec, 7, 70, "df -h", "disk check")
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if len(code) != 4 {
		t.Fatalf("code %q should be 4 digits", code)
	}

	pending, err := s.PendingApprovals(ctx, 7)
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(pending) != 1 || pending[0].CommandLine != "df -h" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	// Wrong chat cannot redeem the code.
	if a, err := s.ConsumeApproval(ctx, 8, code); err != nil || a != nil {
		t.Fatalf("foreign chat consume = (%v, %v), want (nil, nil)", a, err)
	}

	a, err := s.ConsumeApproval(ctx, 7, code)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if a == nil || a.Kind != store.ApprovalExec {
		t.Fatalf("consume returned %+v", a)
	}

	// Single use.
	if a, err := s.ConsumeApproval(ctx, 7, code); err != nil || a != nil {
		t.Fatalf("second consume = (%v, %v), want (nil, nil)", a, err)
	}
}
