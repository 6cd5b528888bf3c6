package store

import (
	"context"
	"fmt"
	"time"
)

// OutboxMessage is a reply queued for delivery to a chat. Replies go through
// the outbox when egress fails so a crashed process or a flaky Telegram API
// never loses them.
type OutboxMessage struct {
	ID            int64     `json:"id"`
	ChatID        int64     `json:"chat_id"`
	Text          string    `json:"text"`
	Source        string    `json:"source,omitempty"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeadLetter is an outbox message that exhausted its attempts. Kept in a
// separate table for operator inspection.
type DeadLetter struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	DeadAt    time.Time `json:"dead_at"`
}

// EnqueueOutbox stores a reply for asynchronous delivery and returns its id.
func (s *Store) EnqueueOutbox(ctx context.Context, chatID int64, text, source string) (int64, error) {
	now := s.now().UTC()
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO outbox (chat_id, text, source, attempts, next_attempt_at, created_at)
			VALUES (?, ?, ?, 0, ?, ?);
		`, chatID, text, source, now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox: %w", err)
	}
	return id, nil
}

// DueOutbox returns messages whose next attempt time has passed, oldest
// first.
func (s *Store) DueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, text, source, attempts, COALESCE(last_error, ''), next_attempt_at, created_at
		FROM outbox
		WHERE next_attempt_at <= ?
		ORDER BY created_at
		LIMIT ?;
	`, s.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due outbox: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Text, &m.Source, &m.Attempts, &m.LastError, &m.NextAttemptAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteOutbox removes a delivered message.
func (s *Store) DeleteOutbox(ctx context.Context, id int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete outbox: %w", err)
	}
	return nil
}

// MarkOutboxAttempt bumps the attempt counter and schedules the next try
// with exponential backoff. Once attempts reach maxAttempts the row moves
// to the dead-letter table and dead reports true.
func (s *Store) MarkOutboxAttempt(ctx context.Context, id int64, reason string, maxAttempts int) (dead bool, err error) {
	now := s.now().UTC()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM outbox WHERE id = ?;`, id).Scan(&attempts); err != nil {
			return err
		}
		attempts++

		if attempts >= maxAttempts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO outbox_dead_letters (id, chat_id, text, source, attempts, last_error, created_at, dead_at)
				SELECT id, chat_id, text, source, ?, ?, created_at, ? FROM outbox WHERE id = ?;
			`, attempts, reason, now, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?;`, id); err != nil {
				return err
			}
			dead = true
			return tx.Commit()
		}

		backoff := outboxBackoff(attempts)
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET attempts = ?, last_error = ?, next_attempt_at = ? WHERE id = ?;
		`, attempts, reason, now.Add(backoff), id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("mark outbox attempt: %w", err)
	}
	return dead, nil
}

// outboxBackoff doubles per attempt from 5s, capped at 5 minutes.
func outboxBackoff(attempts int) time.Duration {
	d := 5 * time.Second
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

// ListDeadLetters returns dead outbox messages, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, text, source, attempts, COALESCE(last_error, ''), created_at, dead_at
		FROM outbox_dead_letters
		ORDER BY dead_at DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.ChatID, &d.Text, &d.Source, &d.Attempts, &d.LastError, &d.CreatedAt, &d.DeadAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RequeueDeadLetter moves a dead letter back into the outbox for one more
// delivery cycle.
func (s *Store) RequeueDeadLetter(ctx context.Context, id int64) error {
	now := s.now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (chat_id, text, source, attempts, next_attempt_at, created_at)
			SELECT chat_id, text, source, 0, ?, created_at FROM outbox_dead_letters WHERE id = ?;
		`, now, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("dead letter %d not found", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_dead_letters WHERE id = ?;`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}
	return nil
}
