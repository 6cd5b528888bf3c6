// Package handlers implements the uniform action contract the executor
// drives, plus light implementations for every routed domain. Handlers
// return their side effects (indexed lists, scheduled tasks, outbox
// entries) in the ActionOutput; the executor persists them so a handler
// crash never leaves half-written state.
package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/almacen/mayordomo/internal/narrow"
)

// Request is the parsed inbound message a handler receives.
type Request struct {
	ChatID int64
	UserID int64
	Text   string
	Chat   narrow.ChatContext
}

// ActionInput is a successfully parsed request plus the handler's own
// extracted parameters.
type ActionInput struct {
	Request
	Params map[string]string
}

// MissingParams signals the parse found the intent but not all mandatory
// slots. The question is shown to the user; the missing slot names feed
// the clarification gate's reply classifier.
type MissingParams struct {
	Missing  []string
	Question string
}

// IndexedListUpdate replaces the chat's ordinal-reference context.
type IndexedListUpdate struct {
	Kind      string
	ItemsJSON string
}

// TaskRequest is a scheduled task the executor should create. The handler
// assigns the ID so its confirmation reply can mention it.
type TaskRequest struct {
	ID              string
	Title           string
	DueAt           time.Time
	DeliveryKind    string
	DeliveryPayload string
	RepeatSpec      string
}

// ActionOutput is what a handler produced. Replies go to the user in
// order; the optional side effects are persisted by the executor after
// the run returns.
type ActionOutput struct {
	Replies        []string
	IndexedList    *IndexedListUpdate
	ScheduledTasks []TaskRequest
	Outbox         []string
	ActionSuccess  bool
	ActionError    string
}

// HandlerAction is one routed domain. Parse may return a MissingParams
// instead of an input; Run errors carry a fault.Kind for retry policy.
type HandlerAction interface {
	Name() string
	RequiredCapability() string
	Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error)
	Run(ctx context.Context, input *ActionInput) (*ActionOutput, error)
}

// Registry maps route names to handlers.
type Registry struct {
	byName map[string]HandlerAction
}

func NewRegistry(actions ...HandlerAction) *Registry {
	r := &Registry{byName: make(map[string]HandlerAction, len(actions))}
	for _, a := range actions {
		r.byName[a.Name()] = a
	}
	return r
}

func (r *Registry) Register(a HandlerAction) { r.byName[a.Name()] = a }

func (r *Registry) Lookup(route string) (HandlerAction, bool) {
	a, ok := r.byName[route]
	return a, ok
}

func (r *Registry) Routes() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func reply(texts ...string) *ActionOutput {
	return &ActionOutput{Replies: texts, ActionSuccess: true}
}

func failure(msg string) *ActionOutput {
	return &ActionOutput{Replies: []string{msg}, ActionSuccess: false, ActionError: msg}
}
