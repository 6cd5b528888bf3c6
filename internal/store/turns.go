package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Turn is one conversation turn within a chat.
type Turn struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	UserID    int64     `json:"user_id,omitempty"`
	Route     string    `json:"route,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendTurn persists one turn at the tail of the chat's history.
func (s *Store) AppendTurn(ctx context.Context, t Turn) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO turns (chat_id, role, text, source, user_id, route, trace_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, t.ChatID, t.Role, t.Text, t.Source, t.UserID, t.Route, t.TraceID, s.now().UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append turn: %w", err)
	}
	return id, nil
}

// RecentTurns returns up to limit most recent turns for a chat, oldest first.
func (s *Store) RecentTurns(ctx context.Context, chatID int64, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, text, source, COALESCE(user_id, 0),
		       COALESCE(route, ''), COALESCE(trace_id, ''), created_at
		FROM turns
		WHERE chat_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Role, &t.Text, &t.Source, &t.UserID, &t.Route, &t.TraceID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// LastAssistantTurn returns the most recent assistant turn for a chat, or nil.
func (s *Store) LastAssistantTurn(ctx context.Context, chatID int64) (*Turn, error) {
	turns, err := s.RecentTurns(ctx, chatID, 10)
	if err != nil {
		return nil, err
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "assistant" {
			t := turns[i]
			return &t, nil
		}
	}
	return nil, nil
}

// PruneTurns keeps only the most recent keep turns per chat.
func (s *Store) PruneTurns(ctx context.Context, chatID int64, keep int) (int64, error) {
	if keep <= 0 {
		keep = 200
	}
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM turns
			WHERE chat_id = ?
			  AND id NOT IN (
				SELECT id FROM turns WHERE chat_id = ? ORDER BY id DESC LIMIT ?
			  );
		`, chatID, chatID, keep)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune turns: %w", err)
	}
	return deleted, nil
}

// IndexedList kinds. Exactly one list lives per chat; a new domain list
// overwrites the previous one.
const (
	ListWorkspace   = "workspace-list"
	ListStoredFiles = "stored-files"
	ListWebResults  = "web-results"
	ListGmail       = "gmail-list"
)

// IndexedList is the last ordered list shown to a chat, consulted to
// resolve ordinal references ("abrí el 2").
type IndexedList struct {
	ChatID    int64     `json:"chat_id"`
	Kind      string    `json:"kind"`
	ItemsJSON string    `json:"items_json"`
	CreatedAt time.Time `json:"created_at"`
}

// UpsertIndexedList replaces the chat's indexed list.
func (s *Store) UpsertIndexedList(ctx context.Context, chatID int64, kind, itemsJSON string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO indexed_lists (chat_id, kind, items_json, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				kind = excluded.kind,
				items_json = excluded.items_json,
				created_at = excluded.created_at;
		`, chatID, kind, itemsJSON, s.now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert indexed list: %w", err)
	}
	return nil
}

// GetIndexedList returns the chat's current list, or nil.
func (s *Store) GetIndexedList(ctx context.Context, chatID int64) (*IndexedList, error) {
	var l IndexedList
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, kind, items_json, created_at FROM indexed_lists WHERE chat_id = ?;
	`, chatID).Scan(&l.ChatID, &l.Kind, &l.ItemsJSON, &l.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get indexed list: %w", err)
	}
	return &l, nil
}

// DeleteIndexedList removes the chat's list if present.
func (s *Store) DeleteIndexedList(ctx context.Context, chatID int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM indexed_lists WHERE chat_id = ?;`, chatID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete indexed list: %w", err)
	}
	return nil
}
