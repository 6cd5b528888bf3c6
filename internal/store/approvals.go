package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Approval kinds.
const (
	ApprovalExec    = "exec"
	ApprovalAIShell = "ai-shell"
	ApprovalReboot  = "reboot"
)

// PendingApproval is a sensitive action waiting for its 4-digit code.
// Approvals persist so a restart between request and confirmation does not
// lose them.
type PendingApproval struct {
	Code        string    `json:"code"`
	ChatID      int64     `json:"chat_id"`
	UserID      int64     `json:"user_id"`
	Kind        string    `json:"kind"`
	CommandLine string    `json:"command_line,omitempty"`
	Note        string    `json:"note,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

const approvalCollisionRetries = 20

// CreateApproval stores a pending approval under a fresh 4-digit code that
// does not collide with any live code.
func (s *Store) CreateApproval(ctx context.Context, a PendingApproval, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	var code string

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		// Drop expired codes first so they cannot block new ones.
		if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE expires_at <= ?;`, now); err != nil {
			return err
		}

		for i := 0; i < approvalCollisionRetries; i++ {
			candidate, err := fourDigitCode()
			if err != nil {
				return err
			}
			var exists int
			err = tx.QueryRowContext(ctx, `SELECT 1 FROM approvals WHERE code = ?;`, candidate).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				code = candidate
				break
			}
			if err != nil {
				return err
			}
		}
		if code == "" {
			return fmt.Errorf("could not allocate approval code after %d tries", approvalCollisionRetries)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (code, chat_id, user_id, kind, command_line, note, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, code, a.ChatID, a.UserID, a.Kind, a.CommandLine, nullIfEmpty(a.Note), now, now.Add(ttl)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", fmt.Errorf("create approval: %w", err)
	}
	return code, nil
}

// ConsumeApproval redeems a code from the chat it was issued in. The code is
// single-use; expired, foreign-chat or re-redeemed codes return nil.
func (s *Store) ConsumeApproval(ctx context.Context, chatID int64, code string) (*PendingApproval, error) {
	now := s.now().UTC()
	var approval *PendingApproval

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var a PendingApproval
		err = tx.QueryRowContext(ctx, `
			SELECT code, chat_id, user_id, kind, command_line, COALESCE(note, ''), created_at, expires_at
			FROM approvals WHERE code = ? AND chat_id = ? AND expires_at > ?;
		`, code, chatID, now).Scan(&a.Code, &a.ChatID, &a.UserID, &a.Kind, &a.CommandLine, &a.Note, &a.CreatedAt, &a.ExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return tx.Commit()
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE code = ?;`, code); err != nil {
			return err
		}
		approval = &a
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("consume approval: %w", err)
	}
	return approval, nil
}

// ListApprovals returns the chat's live approvals, oldest first.
func (s *Store) ListApprovals(ctx context.Context, chatID int64) ([]PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, chat_id, user_id, kind, command_line, COALESCE(note, ''), created_at, expires_at
		FROM approvals WHERE chat_id = ? AND expires_at > ? ORDER BY created_at;
	`, chatID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []PendingApproval
	for rows.Next() {
		var a PendingApproval
		if err := rows.Scan(&a.Code, &a.ChatID, &a.UserID, &a.Kind, &a.CommandLine, &a.Note, &a.CreatedAt, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneApprovals removes expired codes.
func (s *Store) PruneApprovals(ctx context.Context) (int64, error) {
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM approvals WHERE expires_at <= ?;`, s.now().UTC())
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune approvals: %w", err)
	}
	return deleted, nil
}

func fourDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
