// Package admin holds the runtime security switches: per-chat admin mode,
// the global panic flag, and the approval flow for capabilities the policy
// marks approval-required. Approvals live in the store so they survive a
// restart; admin and panic flags are process state and reset on boot.
package admin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/almacen/mayordomo/internal/audit"
	"github.com/almacen/mayordomo/internal/store"
)

type Security struct {
	mu         sync.Mutex
	adminChats map[int64]bool
	panicMode  bool

	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewSecurity(st *store.Store, approvalTTL time.Duration, logger *slog.Logger) *Security {
	if approvalTTL <= 0 {
		approvalTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Security{
		adminChats: make(map[int64]bool),
		store:      st,
		ttl:        approvalTTL,
		logger:     logger,
	}
}

// SetAdminMode toggles admin mode for one chat.
func (s *Security) SetAdminMode(chatID int64, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.adminChats[chatID] = true
	} else {
		delete(s.adminChats, chatID)
	}
}

// IsAdmin reports whether the chat runs in admin mode. Panic mode overrides
// every chat to non-admin.
func (s *Security) IsAdmin(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicMode {
		return false
	}
	return s.adminChats[chatID]
}

// SetPanicMode flips the global panic flag.
func (s *Security) SetPanicMode(on bool) {
	s.mu.Lock()
	changed := s.panicMode != on
	s.panicMode = on
	s.mu.Unlock()
	if changed {
		s.logger.Warn("panic mode changed", "on", on)
		audit.Record("security.panic_mode", 0, 0, "", map[string]any{"on": on})
	}
}

func (s *Security) PanicMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.panicMode
}

// RequestApproval issues a 4-digit code for a sensitive action and returns
// the code the user must echo back.
func (s *Security) RequestApproval(ctx context.Context, kind string, chatID, userID int64, commandLine, note string) (string, error) {
	code, err := s.store.CreateApproval(ctx, store.PendingApproval{
		ChatID:      chatID,
		UserID:      userID,
		Kind:        kind,
		CommandLine: commandLine,
		Note:        note,
	}, s.ttl)
	if err != nil {
		return "", err
	}
	audit.Record("security.approval_requested", chatID, userID, "", map[string]any{
		"kind": kind,
		"code": code,
	})
	return code, nil
}

// ConsumeApproval redeems a code for its chat. Returns nil when the code is
// unknown, expired, or belongs to another chat.
func (s *Security) ConsumeApproval(ctx context.Context, chatID int64, code string) (*store.PendingApproval, error) {
	a, err := s.store.ConsumeApproval(ctx, chatID, code)
	if err != nil {
		return nil, err
	}
	if a != nil {
		audit.Record("security.approval_consumed", chatID, a.UserID, "", map[string]any{
			"kind": a.Kind,
			"code": code,
		})
	}
	return a, nil
}

// PendingApprovals lists the chat's live approvals.
func (s *Security) PendingApprovals(ctx context.Context, chatID int64) ([]store.PendingApproval, error) {
	return s.store.ListApprovals(ctx, chatID)
}

// StartJanitor prunes expired approvals until ctx is canceled.
func (s *Security) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.store.PruneApprovals(ctx); err == nil && n > 0 {
					s.logger.Debug("pruned expired approvals", "count", n)
				}
			}
		}
	}()
}
