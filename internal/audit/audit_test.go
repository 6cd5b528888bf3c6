package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	if err := Init(path); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(EventSecurityDenied, 100, 200, "tr-1", map[string]any{"reason": "user_not_allowed"})
	Record(EventIntentClassified, 100, 200, "tr-2", map[string]any{"route": "gmail", "score": 0.81})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["type"] != EventSecurityDenied {
		t.Fatalf("expected security.denied, got %#v", first["type"])
	}
	if first["chat_id"] != float64(100) || first["user_id"] != float64(200) {
		t.Fatalf("expected chat/user ids, got %#v", first)
	}
	details, ok := first["details"].(map[string]any)
	if !ok || details["reason"] != "user_not_allowed" {
		t.Fatalf("expected details.reason, got %#v", first["details"])
	}
	if DeniedCount() < 1 {
		t.Fatal("expected deny counter to advance")
	}
}

func TestRecordRedactsDetailStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := Init(path); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(EventExecutionResult, 1, 1, "tr", map[string]any{
		"output": "sent with Bearer abc123def456ghi789jkl0",
	})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if strings.Contains(string(raw), "abc123def456ghi789jkl0") {
		t.Fatal("expected bearer token to be redacted")
	}
}

func TestAuditAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := Init(path); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(EventMessageReceived, 1, 1, "a", nil)
	Record(EventQueueRejected, 1, 1, "b", map[string]any{"scope": "chat"})

	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	Record(EventTaskDelivered, 1, 1, "c", nil)

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= size1 {
		t.Fatalf("expected file to grow, size before=%d after=%d", size1, info2.Size())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["ts"]; !ok {
			t.Fatalf("line %d missing ts", i)
		}
		if _, ok := e["type"]; !ok {
			t.Fatalf("line %d missing type", i)
		}
	}
}
