// Package ai defines the chat-provider surface the pipeline consumes and
// an OpenAI-compatible implementation. Handlers and the router only see
// the ChatProvider interface so tests can swap in fakes.
package ai

import "context"

// ShellPlan is the structured answer to a natural-language shell request.
type ShellPlan struct {
	Command     string `json:"command"`
	Explanation string `json:"explanation"`
	Dangerous   bool   `json:"dangerous"`
}

// ChatProvider is a conversational model adapter.
type ChatProvider interface {
	// Ask sends one system+user exchange and returns the raw completion.
	Ask(ctx context.Context, system, user string) (string, error)

	// PlanShellAction turns an instruction into a reviewed shell plan.
	PlanShellAction(ctx context.Context, instruction string) (*ShellPlan, error)

	// ClassifySequence splits a compound message into independent parts,
	// at most maxParts. A single-intent message returns a one-element
	// slice containing the original text.
	ClassifySequence(ctx context.Context, text string, maxParts int) ([]string, error)
}
