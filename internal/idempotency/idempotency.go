// Package idempotency enforces exactly-once semantics for bridge requests
// that carry a request id. Completed requests replay the original response
// byte for byte; concurrent duplicates are rejected while the first request
// is still in flight. Records are scoped per chat, so two chats may reuse
// the same request id independently.
package idempotency

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/store"
)

// requestIDPattern bounds request ids to a conservative charset and length
// so they are safe as primary keys and in logs.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{6,180}$`)

// ValidateRequestID rejects malformed request ids with a validation fault.
func ValidateRequestID(requestID string) error {
	if !requestIDPattern.MatchString(requestID) {
		return fault.Validation("request id must match %s", requestIDPattern.String())
	}
	return nil
}

// Manager wraps the store with the configured TTL.
type Manager struct {
	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewManager(s *store.Store, ttl time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, ttl: ttl, logger: logger}
}

// Acquire validates and claims a (chat, request) pair. Outcome semantics
// follow store.AcquireOutcome.
func (m *Manager) Acquire(ctx context.Context, chatID int64, requestID string) (store.IdempotencyResult, error) {
	if err := ValidateRequestID(requestID); err != nil {
		return store.IdempotencyResult{}, err
	}
	return m.store.TryAcquireIdempotency(ctx, chatID, requestID, m.ttl)
}

// Complete records the final response for a held pair. Replays return this
// exact status code and body.
func (m *Manager) Complete(ctx context.Context, chatID int64, requestID string, statusCode int, body string) error {
	return m.store.SaveIdempotentResponse(ctx, chatID, requestID, statusCode, body)
}

// Fail releases a held pair so the client may retry it.
func (m *Manager) Fail(ctx context.Context, chatID int64, requestID string) error {
	return m.store.ReleaseIdempotency(ctx, chatID, requestID)
}

// StartJanitor prunes expired records hourly until ctx is canceled.
func (m *Manager) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := m.store.PruneIdempotency(ctx)
				if err != nil {
					m.logger.Warn("idempotency prune failed", "error", err)
					continue
				}
				if deleted > 0 {
					m.logger.Debug("pruned idempotency records", "deleted", deleted)
				}
			}
		}
	}()
}
