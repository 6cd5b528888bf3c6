package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// SavedRecipient maps a spoken name to an email address within one chat.
// Lookups go through the normalized name key so "José", "jose" and "JOSE."
// all resolve to the same row.
type SavedRecipient struct {
	ChatID    int64     `json:"chat_id"`
	NameKey   string    `json:"name_key"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var nameKeyStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NameKey normalizes a recipient name for lookup: lowercase, diacritics
// stripped, punctuation runs collapsed to single spaces.
func NameKey(name string) string {
	stripped, _, err := transform.String(nameKeyStripper, name)
	if err != nil {
		stripped = name
	}
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// UpsertRecipient saves or updates a chat's recipient under its name key.
func (s *Store) UpsertRecipient(ctx context.Context, chatID int64, name, email string) error {
	key := NameKey(name)
	if key == "" || strings.TrimSpace(email) == "" {
		return fmt.Errorf("recipient name and email are required")
	}
	now := s.now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO recipients (chat_id, name_key, name, email, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, name_key) DO UPDATE SET
				name = excluded.name,
				email = excluded.email,
				updated_at = excluded.updated_at;
		`, chatID, key, strings.TrimSpace(name), strings.TrimSpace(email), now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert recipient: %w", err)
	}
	return nil
}

// GetRecipient resolves a name within a chat. Returns nil when unknown.
func (s *Store) GetRecipient(ctx context.Context, chatID int64, name string) (*SavedRecipient, error) {
	var r SavedRecipient
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, name_key, name, email, created_at, updated_at
		FROM recipients WHERE chat_id = ? AND name_key = ?;
	`, chatID, NameKey(name)).Scan(&r.ChatID, &r.NameKey, &r.Name, &r.Email, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return &r, nil
}

// ListRecipients returns a chat's saved recipients sorted by name key.
func (s *Store) ListRecipients(ctx context.Context, chatID int64) ([]SavedRecipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, name_key, name, email, created_at, updated_at
		FROM recipients WHERE chat_id = ? ORDER BY name_key;
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []SavedRecipient
	for rows.Next() {
		var r SavedRecipient
		if err := rows.Scan(&r.ChatID, &r.NameKey, &r.Name, &r.Email, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRecipient removes a chat's recipient. Returns false when it did not
// exist.
func (s *Store) DeleteRecipient(ctx context.Context, chatID int64, name string) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM recipients WHERE chat_id = ? AND name_key = ?;
		`, chatID, NameKey(name))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("delete recipient: %w", err)
	}
	return affected > 0, nil
}
