package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Idempotency record states.
const (
	IdemInFlight = "in_flight"
	IdemDone     = "done"
)

// AcquireOutcome reports what TryAcquireIdempotency decided for a key.
type AcquireOutcome string

const (
	// AcquireFresh means the (chat, request) pair was unknown and is now
	// held in_flight.
	AcquireFresh AcquireOutcome = "fresh"
	// AcquireReplay means the request completed earlier; StatusCode and
	// Body hold the exact original response.
	AcquireReplay AcquireOutcome = "replay"
	// AcquireInFlight means another request with the same pair is still
	// being processed.
	AcquireInFlight AcquireOutcome = "in_flight"
)

// IdempotencyResult is the outcome of an acquire attempt.
type IdempotencyResult struct {
	Outcome    AcquireOutcome
	StatusCode int
	Body       string
}

// TryAcquireIdempotency atomically claims (chatID, requestID) for
// processing. Expired records are treated as unknown and reclaimed.
func (s *Store) TryAcquireIdempotency(ctx context.Context, chatID int64, requestID string, ttl time.Duration) (IdempotencyResult, error) {
	now := s.now().UTC()
	var result IdempotencyResult

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var state, body string
		var statusCode int
		var expiresAt time.Time
		err = tx.QueryRowContext(ctx, `
			SELECT state, status_code, COALESCE(body, ''), expires_at
			FROM idempotency WHERE chat_id = ? AND request_id = ?;
		`, chatID, requestID).Scan(&state, &statusCode, &body, &expiresAt)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			// Unknown pair: claim it.
		case err != nil:
			return err
		case now.Before(expiresAt) && state == IdemDone:
			result = IdempotencyResult{Outcome: AcquireReplay, StatusCode: statusCode, Body: body}
			return tx.Commit()
		case now.Before(expiresAt) && state == IdemInFlight:
			result = IdempotencyResult{Outcome: AcquireInFlight}
			return tx.Commit()
		default:
			// Expired: fall through and reclaim.
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency (chat_id, request_id, state, status_code, body, created_at, expires_at)
			VALUES (?, ?, ?, 0, NULL, ?, ?)
			ON CONFLICT(chat_id, request_id) DO UPDATE SET
				state = excluded.state,
				status_code = 0,
				body = NULL,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at;
		`, chatID, requestID, IdemInFlight, now, now.Add(ttl)); err != nil {
			return err
		}
		result = IdempotencyResult{Outcome: AcquireFresh}
		return tx.Commit()
	})
	if err != nil {
		return IdempotencyResult{}, fmt.Errorf("acquire idempotency key: %w", err)
	}
	return result, nil
}

// SaveIdempotentResponse records the final response for the pair. Later
// requests replay these exact bytes.
func (s *Store) SaveIdempotentResponse(ctx context.Context, chatID int64, requestID string, statusCode int, body string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE idempotency SET state = ?, status_code = ?, body = ?
			WHERE chat_id = ? AND request_id = ?;
		`, IdemDone, statusCode, body, chatID, requestID)
		return err
	})
	if err != nil {
		return fmt.Errorf("save idempotent response: %w", err)
	}
	return nil
}

// ReleaseIdempotency drops an in_flight claim after a processing failure so
// the client may retry with the same request id.
func (s *Store) ReleaseIdempotency(ctx context.Context, chatID int64, requestID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency WHERE chat_id = ? AND request_id = ? AND state = ?;
		`, chatID, requestID, IdemInFlight)
		return err
	})
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// PruneIdempotency removes expired records and returns how many were deleted.
func (s *Store) PruneIdempotency(ctx context.Context) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM idempotency WHERE expires_at <= ?;
		`, s.now().UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune idempotency: %w", err)
	}
	return deleted, nil
}
