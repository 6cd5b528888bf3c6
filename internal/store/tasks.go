package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"
)

// Task delivery kinds.
const (
	DeliveryReminder = "reminder"       // plain "Recordatorio: <title>" reply
	DeliveryGmail    = "gmail-send"     // payload drives the mail handler
	DeliveryNatural  = "natural-intent" // re-feed title through the pipeline
)

// Task states. A canceled task can never become done and vice versa; both
// transitions require the pending state.
const (
	TaskPending  = "pending"
	TaskDone     = "done"
	TaskCanceled = "canceled"
)

// ScheduledTask is a deferred action owned by a chat. Dueness is
// status=pending AND dueAt<=now AND (retryAfter empty OR retryAfter<=now).
type ScheduledTask struct {
	ID              string     `json:"id"`
	ChatID          int64      `json:"chat_id"`
	UserID          int64      `json:"user_id,omitempty"`
	Title           string     `json:"title"`
	DeliveryKind    string     `json:"delivery_kind"`
	DeliveryPayload string     `json:"delivery_payload,omitempty"`
	DueAt           time.Time  `json:"due_at"`
	RepeatSpec      string     `json:"repeat_spec,omitempty"` // cron expression for recurring tasks
	Status          string     `json:"status"`
	FailureCount    int        `json:"failure_count"`
	LastError       string     `json:"last_error,omitempty"`
	RetryAfter      *time.Time `json:"retry_after,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CanceledAt      *time.Time `json:"canceled_at,omitempty"`
}

// NewTaskID returns a fresh identifier in the canonical tsk-<base36> form.
func NewTaskID() string {
	return "tsk-" + strconv.FormatUint(rand.Uint64(), 36)
}

// CreateTask persists a new pending task and returns its id.
func (s *Store) CreateTask(ctx context.Context, t ScheduledTask) (string, error) {
	if t.ID == "" {
		t.ID = NewTaskID()
	}
	if t.DeliveryKind == "" {
		t.DeliveryKind = DeliveryReminder
	}
	now := s.now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks
				(id, chat_id, user_id, title, delivery_kind, delivery_payload, due_at,
				 repeat_spec, status, failure_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?);
		`, t.ID, t.ChatID, t.UserID, t.Title, t.DeliveryKind, nullIfEmpty(t.DeliveryPayload),
			t.DueAt.UTC(), nullIfEmpty(t.RepeatSpec), TaskPending, now, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return t.ID, nil
}

// DueTasks returns pending tasks ready for delivery.
func (s *Store) DueTasks(ctx context.Context, limit int) ([]ScheduledTask, error) {
	if limit <= 0 {
		limit = 20
	}
	now := s.now().UTC()
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status = ? AND due_at <= ?
		  AND (retry_after IS NULL OR retry_after <= ?)
		ORDER BY due_at
		LIMIT ?;
	`, TaskPending, now, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasks returns a chat's tasks, pending first then most recent.
func (s *Store) ListTasks(ctx context.Context, chatID int64, limit int) ([]ScheduledTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE chat_id = ?
		ORDER BY CASE status WHEN 'pending' THEN 0 ELSE 1 END, created_at DESC
		LIMIT ?;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// PendingTasks returns a chat's pending tasks ordered by creation time. The
// scheduler's reference resolution (ordinals, prefixes, "último") works
// over this list.
func (s *Store) PendingTasks(ctx context.Context, chatID int64) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE chat_id = ? AND status = ?
		ORDER BY created_at;
	`, chatID, TaskPending)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTask fetches one task by exact id. Returns nil when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// MarkDelivered finalizes a pending one-shot task, or re-arms a recurring
// one for nextDue. Returns false when the task was not pending (canceled or
// already done), which the state machine treats as a refused transition.
func (s *Store) MarkDelivered(ctx context.Context, id string, nextDue *time.Time) (bool, error) {
	now := s.now().UTC()
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		var res sql.Result
		var err error
		if nextDue != nil {
			res, err = s.db.ExecContext(ctx, `
				UPDATE scheduled_tasks
				SET due_at = ?, failure_count = 0, retry_after = NULL, last_error = NULL, updated_at = ?
				WHERE id = ? AND status = ?;
			`, nextDue.UTC(), now, id, TaskPending)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE scheduled_tasks SET status = ?, completed_at = ?, updated_at = ?
				WHERE id = ? AND status = ?;
			`, TaskDone, now, now, id, TaskPending)
		}
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark task delivered: %w", err)
	}
	return affected > 0, nil
}

// MarkDeliveryFailure bumps the failure counter and sets the retry
// hold-off to now + min(30, 2^min(5, failures)) minutes. The task stays
// pending; the scheduler keeps retrying it.
func (s *Store) MarkDeliveryFailure(ctx context.Context, id, reason string) error {
	now := s.now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var failures int
		err = tx.QueryRowContext(ctx, `
			SELECT failure_count FROM scheduled_tasks WHERE id = ? AND status = ?;
		`, id, TaskPending).Scan(&failures)
		if errors.Is(err, sql.ErrNoRows) {
			return tx.Commit()
		}
		if err != nil {
			return err
		}
		failures++

		retryAfter := now.Add(taskRetryDelay(failures))
		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET failure_count = ?, last_error = ?, retry_after = ?, updated_at = ?
			WHERE id = ?;
		`, failures, reason, retryAfter, now, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("mark delivery failure: %w", err)
	}
	return nil
}

// taskRetryDelay caps the exponential hold-off at 30 minutes.
func taskRetryDelay(failures int) time.Duration {
	exp := failures
	if exp > 5 {
		exp = 5
	}
	minutes := 1 << uint(exp)
	if minutes > 30 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

// CancelTask marks a pending task canceled. Returns false when the task
// was not pending.
func (s *Store) CancelTask(ctx context.Context, id string) (bool, error) {
	now := s.now().UTC()
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks SET status = ?, canceled_at = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, TaskCanceled, now, now, id, TaskPending)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	return affected > 0, nil
}

const taskSelect = `
	SELECT id, chat_id, COALESCE(user_id, 0), title, delivery_kind,
	       COALESCE(delivery_payload, ''), due_at, COALESCE(repeat_spec, ''),
	       status, failure_count, COALESCE(last_error, ''), retry_after,
	       created_at, updated_at, completed_at, canceled_at
	FROM scheduled_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var retryAfter, completedAt, canceledAt sql.NullTime
	if err := row.Scan(&t.ID, &t.ChatID, &t.UserID, &t.Title, &t.DeliveryKind,
		&t.DeliveryPayload, &t.DueAt, &t.RepeatSpec, &t.Status, &t.FailureCount,
		&t.LastError, &retryAfter, &t.CreatedAt, &t.UpdatedAt, &completedAt, &canceledAt); err != nil {
		return nil, err
	}
	if retryAfter.Valid {
		ts := retryAfter.Time
		t.RetryAfter = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	if canceledAt.Valid {
		ts := canceledAt.Time
		t.CanceledAt = &ts
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var tasks []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
