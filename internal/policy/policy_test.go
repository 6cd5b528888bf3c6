package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefault(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	def := Default()
	if p.Version != def.Version {
		t.Fatalf("version = %d, want %d", p.Version, def.Version)
	}
	if p.Decide(CapExec, ProfileStandard, false) != ApprovalRequired {
		t.Fatalf("default should require approval for %s", CapExec)
	}
}

func TestLoad_PartialDocumentKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(`{"version": 3, "previewRequired": ["gmail.send"]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Version != 3 {
		t.Fatalf("version = %d, want 3", p.Version)
	}
	if got := p.Decide(CapGmailSend, ProfileStandard, false); got != PreviewRequired {
		t.Fatalf("gmail.send = %v, want preview-required", got)
	}
	// Absent lists fall back to the default document.
	if got := p.Decide(CapReboot, ProfileStandard, false); got != ApprovalRequired {
		t.Fatalf("reboot = %v, want approval-required", got)
	}
}

func TestLoad_UnknownCapabilityRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(`{"blockInSafeMode": ["launch.missiles"]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown capability")
	}
}

func TestLoad_MalformedJSONRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(`{nope`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed document")
	}
}

func TestDecide_Verdicts(t *testing.T) {
	p := Default()
	cases := []struct {
		name       string
		capability string
		profile    string
		panicMode  bool
		want       Verdict
	}{
		{"empty capability always allowed", "", ProfileSafe, true, Allow},
		{"unlisted capability allowed", CapGmailSend, ProfileStandard, false, Allow},
		{"safe profile blocks exec", CapExec, ProfileSafe, false, Blocked},
		{"standard profile asks approval for exec", CapExec, ProfileStandard, false, ApprovalRequired},
		{"panic blocks exec even on full-control", CapExec, ProfileFullControl, true, Blocked},
		{"panic leaves non-safe-blocked alone", CapGmailSend, ProfileStandard, true, Allow},
		{"preview on standard", CapWorkspaceDelete, ProfileStandard, false, PreviewRequired},
		{"full-control skips preview and approval", CapReboot, ProfileFullControl, false, Allow},
		{"safe profile blocks selfupdate", CapSelfUpdate, ProfileSafe, false, Blocked},
		{"capability matching ignores case and space", " Exec ", ProfileSafe, false, Blocked},
	}
	for _, tc := range cases {
		if got := p.Decide(tc.capability, tc.profile, tc.panicMode); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPolicyVersion_TracksContent(t *testing.T) {
	a := Default()
	b := Default()
	if a.PolicyVersion() != b.PolicyVersion() {
		t.Fatal("equal policies should hash equal")
	}
	b.ApprovalRequired = append(b.ApprovalRequired, CapGmailSend)
	if a.PolicyVersion() == b.PolicyVersion() {
		t.Fatal("changed policy should hash differently")
	}
}

func TestLivePolicy_ReloadAndPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	lp := NewLivePolicy(Default(), path)

	if got := lp.Decide(CapGmailSend, ProfileStandard, false); got != Allow {
		t.Fatalf("before reload: %v, want allow", got)
	}

	next := Default()
	next.Version = 2
	next.ApprovalRequired = append(next.ApprovalRequired, CapGmailSend)
	lp.Reload(next)

	if got := lp.Decide(CapGmailSend, ProfileStandard, false); got != ApprovalRequired {
		t.Fatalf("after reload: %v, want approval-required", got)
	}

	if err := lp.Persist(); err != nil {
		t.Fatalf("persist: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if reloaded.Version != 2 {
		t.Fatalf("persisted version = %d, want 2", reloaded.Version)
	}
}

func TestReloadFromFile_BadFileKeepsOldPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(`{"blockInSafeMode": ["bogus.cap"]}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	lp := NewLivePolicy(Default(), "")
	if err := ReloadFromFile(lp, path); err == nil {
		t.Fatal("expected reload error")
	}
	if got := lp.Decide(CapExec, ProfileSafe, false); got != Blocked {
		t.Fatalf("old policy lost after failed reload: %v", got)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	lp := NewLivePolicy(Default(), "")
	snap := lp.Snapshot()
	snap.BlockInSafeMode[0] = "web.fetch"
	if got := lp.Decide(CapExec, ProfileSafe, false); got != Blocked {
		t.Fatal("mutating a snapshot must not affect the live policy")
	}
}
