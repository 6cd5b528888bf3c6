// Package clarify holds the per-chat pending clarification state. When the
// router cannot commit to a single handler it parks a question here; the
// next inbound message is checked against the pending entry before routing.
package clarify

import (
	"sync"
	"time"
)

const (
	maxRouteHints = 6
	maxMissing    = 12
)

// Pending is one open clarification. At most one exists per chat. A zero
// UserID means any user in the chat may answer.
type Pending struct {
	ChatID          int64
	UserID          int64
	Source          string
	OriginalText    string
	Question        string
	RouteHints      []string
	PreferredRoute  string
	PreferredAction string
	Missing         []string
	RequestedAt     time.Time
	ExpiresAt       time.Time
}

// Store keeps pending clarifications in memory behind a mutex. State is
// deliberately not persisted: a restart simply asks again.
type Store struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	byChat map[int64]Pending
}

func NewStore(ttl time.Duration) *Store {
	return &Store{
		ttl:    ttl,
		now:    time.Now,
		byChat: make(map[int64]Pending),
	}
}

// SetNow overrides the clock for tests.
func (s *Store) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Register parks a clarification for the chat, replacing any prior entry.
// Hint and missing lists are truncated to their caps.
func (s *Store) Register(p Pending) {
	if len(p.RouteHints) > maxRouteHints {
		p.RouteHints = p.RouteHints[:maxRouteHints]
	}
	if len(p.Missing) > maxMissing {
		p.Missing = p.Missing[:maxMissing]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	p.RequestedAt = now
	p.ExpiresAt = now.Add(s.ttl)
	s.byChat[p.ChatID] = p
}

// Peek returns the chat's live clarification without consuming it. Entries
// bound to a different user, or past their expiry, read as absent.
func (s *Store) Peek(chatID, userID int64) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(chatID, userID)
}

// Consume returns and removes the chat's live clarification.
func (s *Store) Consume(chatID, userID int64) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.liveLocked(chatID, userID)
	if p != nil {
		delete(s.byChat, chatID)
	}
	return p
}

// Clear drops the chat's clarification if any. Idempotent.
func (s *Store) Clear(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byChat, chatID)
}

// Len reports the number of stored entries, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byChat)
}

func (s *Store) liveLocked(chatID, userID int64) *Pending {
	p, ok := s.byChat[chatID]
	if !ok {
		return nil
	}
	if s.now().After(p.ExpiresAt) {
		delete(s.byChat, chatID)
		return nil
	}
	if p.UserID != 0 && userID != 0 && p.UserID != userID {
		return nil
	}
	out := p
	return &out
}
