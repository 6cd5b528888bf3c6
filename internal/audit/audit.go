// Package audit appends structured JSONL records for every security and
// pipeline decision. Records survive process restarts; secrets are redacted
// before persistence.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/almacen/mayordomo/internal/shared"
)

// Well-known event types.
const (
	EventMessageReceived   = "message.received"
	EventIntentClassified  = "intent.classified"
	EventExecutionResult   = "intent.execution.result"
	EventQueueRejected     = "queue.rejected"
	EventClarificationAsk  = "clarification.requested"
	EventClarificationGot  = "clarification.resolved"
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventTaskScheduled     = "task.scheduled"
	EventTaskDelivered     = "task.delivered"
	EventOutboxDeadLetter  = "outbox.dead_letter"
	EventSecurityDenied    = "security.denied"
	EventPanicMode         = "security.panic_mode"
	EventRouterReload      = "router.table_reloaded"
	EventCanaryDisabled    = "router.canary_disabled"
)

type entry struct {
	Timestamp string         `json:"ts"`
	Type      string         `json:"type"`
	ChatID    int64          `json:"chat_id,omitempty"`
	UserID    int64          `json:"user_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

var (
	mu        sync.Mutex
	sink      io.WriteCloser
	denyCount atomic.Int64
)

// Init opens (creating if needed) the audit JSONL file at path. The file
// is size-rotated so a chatty deployment cannot fill the disk.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Probe for writability now; rotation opens lazily on first write and
	// would otherwise surface a bad path only mid-run.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_ = f.Close()
	sink = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // MiB
		MaxBackups: 5,
		MaxAge:     90, // days
		Compress:   true,
	}
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return nil
	}
	err := sink.Close()
	sink = nil
	return err
}

// DeniedCount returns the total number of security denials since startup.
func DeniedCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. String detail values are redacted.
// Call sites never block on audit failures; a write error is dropped.
func Record(eventType string, chatID, userID int64, traceID string, details map[string]any) {
	if eventType == EventSecurityDenied || eventType == EventQueueRejected {
		denyCount.Add(1)
	}

	redacted := make(map[string]any, len(details))
	for k, v := range details {
		if s, ok := v.(string); ok {
			redacted[k] = shared.Redact(s)
			continue
		}
		redacted[k] = v
	}

	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      eventType,
		ChatID:    chatID,
		UserID:    userID,
		TraceID:   traceID,
		Details:   redacted,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = sink.Write(append(b, '\n'))
	}
}
