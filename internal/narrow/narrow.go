// Package narrow shrinks the handler candidate set before ranking. Three
// stages run in a fixed order: ContextFilter, RouteLayers, Hierarchy. Each
// stage intersects its findings with the incoming set; a strict stage that
// empties the set surfaces as a clarification upstream instead of falling
// back to the full set.
package narrow

import "sort"

// Handler names.
const (
	RouteGmail           = "gmail"
	RouteGmailRecipients = "gmail-recipients"
	RouteWorkspace       = "workspace"
	RouteDocument        = "document"
	RouteSchedule        = "schedule"
	RouteMemory          = "memory"
	RouteWeb             = "web"
	RouteConnector       = "connector"
	RouteSelfMaintenance = "self-maintenance"
	RouteStoicSmalltalk  = "stoic-smalltalk"
)

// AllHandlers returns the full candidate set.
func AllHandlers() Set {
	return NewSet(
		RouteGmail, RouteGmailRecipients, RouteWorkspace, RouteDocument,
		RouteSchedule, RouteMemory, RouteWeb, RouteConnector,
		RouteSelfMaintenance, RouteStoicSmalltalk,
	)
}

// Set is a handler candidate set.
type Set map[string]bool

func NewSet(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

func (s Set) Has(name string) bool { return s[name] }

func (s Set) Len() int { return len(s) }

// Names returns the members sorted for deterministic output.
func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Intersect returns members present in both sets.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for n := range s {
		if other[n] {
			out[n] = true
		}
	}
	return out
}

// Union returns members present in either set.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for n := range s {
		out[n] = true
	}
	for n := range other {
		out[n] = true
	}
	return out
}

// ChatContext carries the per-chat signals the narrowing stages consult.
type ChatContext struct {
	// PendingWorkspaceDelete is set between a delete request and its
	// confirmation.
	PendingWorkspaceDelete bool
	// IndexedListKind is the live indexed-list kind for the chat, empty
	// when none.
	IndexedListKind string
	// RecentGmailList is set after a Gmail listing was shown.
	RecentGmailList bool
	// RecentConnector is set after recent connector activity.
	RecentConnector bool
	// MailContext is set by the lexical prefilter when the conversation
	// has been about mail.
	MailContext bool
}

// Result is one stage's narrowing outcome.
type Result struct {
	Set       Set
	Strict    bool
	Exhausted bool
	Reasons   []string
}

// Outcome is the final narrowing decision for an input.
type Outcome struct {
	Set Set
	// NeedsClarification is set when a strict stage emptied the set.
	NeedsClarification bool
	// Strict means the final set must not be widened by later ranking
	// fallbacks.
	Strict  bool
	Reasons []string
}

// Narrow applies the three stages in order. A strict stage that yields the
// empty set stops the pipeline and reports NeedsClarification.
func Narrow(text string, ctx ChatContext) Outcome {
	set := AllHandlers()
	var reasons []string
	strict := false

	for _, stage := range []func(string, ChatContext, Set) Result{
		ContextFilter, RouteLayers, Hierarchy,
	} {
		r := stage(text, ctx, set)
		reasons = append(reasons, r.Reasons...)
		if r.Set.Len() == 0 {
			if r.Strict {
				return Outcome{Set: NewSet(), NeedsClarification: true, Reasons: reasons}
			}
			// Non-strict empty result leaves the incoming set alone.
			continue
		}
		next := set.Intersect(r.Set)
		if next.Len() == 0 {
			if r.Strict {
				return Outcome{Set: NewSet(), NeedsClarification: true, Reasons: reasons}
			}
			continue
		}
		set = next
		if r.Strict {
			strict = true
		}
		if r.Exhausted {
			break
		}
	}
	return Outcome{Set: set, Strict: strict, Reasons: reasons}
}
