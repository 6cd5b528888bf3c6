package narrow

import (
	"testing"
)

func TestSet_Ops(t *testing.T) {
	a := NewSet("gmail", "web")
	b := NewSet("web", "schedule")

	inter := a.Intersect(b)
	if inter.Len() != 1 || !inter.Has("web") {
		t.Fatalf("intersect = %v", inter.Names())
	}
	union := a.Union(b)
	if union.Len() != 3 {
		t.Fatalf("union = %v", union.Names())
	}
	names := NewSet("b", "a").Names()
	if names[0] != "a" || names[1] != "b" {
		t.Fatalf("names must sort, got %v", names)
	}
}

func TestContextFilter_WorkspaceDeleteConfirmation(t *testing.T) {
	ctx := ChatContext{PendingWorkspaceDelete: true}
	r := ContextFilter("sí", ctx, AllHandlers())
	if !r.Strict || r.Set.Len() != 1 || !r.Set.Has(RouteWorkspace) {
		t.Fatalf("want strict {workspace}, got strict=%v set=%v", r.Strict, r.Set.Names())
	}

	// Without the pending state a bare yes narrows nothing.
	r = ContextFilter("sí", ChatContext{}, AllHandlers())
	if r.Set.Len() != AllHandlers().Len() {
		t.Fatalf("bare yes must not narrow, got %v", r.Set.Names())
	}
}

func TestContextFilter_IndexedListReference(t *testing.T) {
	ctx := ChatContext{IndexedListKind: "gmail-list"}
	r := ContextFilter("abre el 2", ctx, AllHandlers())
	if !r.Strict || !r.Set.Has(RouteGmail) || !r.Set.Has(RouteGmailRecipients) || r.Set.Len() != 2 {
		t.Fatalf("want strict gmail handlers, got %v", r.Set.Names())
	}

	ctx = ChatContext{IndexedListKind: "web-results"}
	r = ContextFilter("el 3", ctx, AllHandlers())
	if !r.Set.Has(RouteWeb) || r.Set.Len() != 1 {
		t.Fatalf("want {web}, got %v", r.Set.Names())
	}
}

func TestContextFilter_ConnectorCue(t *testing.T) {
	r := ContextFilter("/lim estado", ChatContext{RecentConnector: true}, AllHandlers())
	if !r.Strict || r.Set.Len() != 1 || !r.Set.Has(RouteConnector) {
		t.Fatalf("want strict {connector}, got %v", r.Set.Names())
	}
}

func TestContextFilter_MemoryCueBeatsMailContext(t *testing.T) {
	ctx := ChatContext{MailContext: true}
	r := ContextFilter("¿recuerdas qué te dije del proyecto?", ctx, AllHandlers())
	if !r.Set.Has(RouteMemory) {
		t.Fatalf("memory cue must keep memory, got %v", r.Set.Names())
	}
	if r.Set.Has(RouteGmail) {
		t.Fatalf("mail context must not fire on recall cues, got %v", r.Set.Names())
	}
}

func TestRouteLayers_TaskTokenForcesSchedule(t *testing.T) {
	r := RouteLayers("eliminar tsk_mlz7y5a9-t7qltx", ChatContext{}, AllHandlers())
	if !r.Strict || r.Set.Len() != 1 || !r.Set.Has(RouteSchedule) {
		t.Fatalf("tsk token must force {schedule}, got %v", r.Set.Names())
	}
}

func TestRouteLayers_ScheduledMail(t *testing.T) {
	in := NewSet(RouteGmail, RouteGmailRecipients, RouteSchedule, RouteWeb)
	r := RouteLayers("programa correo para mañana 9", ChatContext{}, in)
	want := []string{RouteGmail, RouteGmailRecipients, RouteSchedule}
	if r.Set.Len() != 3 {
		t.Fatalf("want %v, got %v", want, r.Set.Names())
	}
	for _, h := range want {
		if !r.Set.Has(h) {
			t.Fatalf("missing %s in %v", h, r.Set.Names())
		}
	}
}

func TestRouteLayers_ConversationalSuppressesWorkspaceWeb(t *testing.T) {
	r := RouteLayers("hola, ¿qué tal todo?", ChatContext{}, AllHandlers())
	if r.Set.Has(RouteWorkspace) || r.Set.Has(RouteWeb) {
		t.Fatalf("conversational mode must drop workspace/web, got %v", r.Set.Names())
	}
	if !r.Set.Has(RouteStoicSmalltalk) {
		t.Fatalf("smalltalk must survive, got %v", r.Set.Names())
	}
}

func TestClassifyMode(t *testing.T) {
	cases := []struct {
		text string
		want InteractionMode
	}{
		{"envía el informe a ana", ModeOperational},
		{"hola, ¿cómo estás?", ModeConversational},
		{"hola, envía el informe", ModeMixed},
		{"mmm", ModeMixed},
	}
	for _, tc := range cases {
		if got := ClassifyMode(tc.text); got != tc.want {
			t.Errorf("ClassifyMode(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestScoreDomains_Boosts(t *testing.T) {
	base := ScoreDomains("abre eso", ChatContext{})
	boosted := ScoreDomains("abre eso", ChatContext{PendingWorkspaceDelete: true})
	if boosted[DomainFiles] <= base[DomainFiles] {
		t.Fatal("workspace-delete boost missing")
	}

	listBoost := ScoreDomains("abre eso", ChatContext{IndexedListKind: "web-results"})
	if listBoost[DomainKnowledge] <= base[DomainKnowledge] {
		t.Fatal("indexed-list boost missing")
	}

	opBoost := ScoreDomains("ejecuta el comando", ChatContext{RecentConnector: true})
	plain := ScoreDomains("ejecuta el comando", ChatContext{})
	if opBoost[DomainOperations] <= plain[DomainOperations] {
		t.Fatal("connector+verb boost missing")
	}
}

func TestHierarchy_TopDomainExpands(t *testing.T) {
	r := Hierarchy("envía un correo con asunto informe a ana@empresa.com", ChatContext{}, AllHandlers())
	if !r.Set.Has(RouteGmail) || !r.Set.Has(RouteGmailRecipients) {
		t.Fatalf("communication handlers expected, got %v", r.Set.Names())
	}
	if !r.Strict {
		t.Fatal("strong mail phrasing must be strict")
	}
}

func TestHierarchy_BelowFloorLeavesSet(t *testing.T) {
	in := AllHandlers()
	r := Hierarchy("mmm", ChatContext{}, in)
	if r.Set.Len() != in.Len() {
		t.Fatalf("weak signal must not narrow, got %v", r.Set.Names())
	}
	if r.Strict {
		t.Fatal("below-floor result must not be strict")
	}
}

func TestHierarchy_TiedDomainsAreDeterministic(t *testing.T) {
	// "correo" and "archivo" score communication and files identically, so
	// only a stable tie-break keeps repeated calls from flip-flopping.
	const text = "pasa el correo al archivo"
	scores := ScoreDomains(text, ChatContext{})
	if scores[DomainCommunication] != scores[DomainFiles] {
		t.Fatalf("fixture must tie: %v", scores)
	}

	first := Hierarchy(text, ChatContext{}, AllHandlers())
	if first.Reasons[0] != "hierarchy-top:"+DomainCommunication {
		t.Fatalf("tie must resolve by name, got %v", first.Reasons)
	}
	for i := 0; i < 50; i++ {
		r := Hierarchy(text, ChatContext{}, AllHandlers())
		if len(r.Reasons) != len(first.Reasons) {
			t.Fatalf("run %d: reasons = %v, want %v", i, r.Reasons, first.Reasons)
		}
		for j := range r.Reasons {
			if r.Reasons[j] != first.Reasons[j] {
				t.Fatalf("run %d: reasons = %v, want %v", i, r.Reasons, first.Reasons)
			}
		}
		if r.Set.Len() != first.Set.Len() {
			t.Fatalf("run %d: set = %v, want %v", i, r.Set.Names(), first.Set.Names())
		}
	}
}

func TestNarrow_EndToEnd(t *testing.T) {
	// Task reference: exactly schedule.
	out := Narrow("eliminar tsk_mlz7y5a9-t7qltx", ChatContext{})
	if out.NeedsClarification || out.Set.Len() != 1 || !out.Set.Has(RouteSchedule) {
		t.Fatalf("want {schedule}, got %+v", out.Set.Names())
	}

	// Gmail send request keeps only mail handlers in front.
	out = Narrow("enviar correo a ana@empresa.com con asunto 'hola' y cuerpo 'ping'", ChatContext{})
	if out.NeedsClarification {
		t.Fatal("clear gmail request must not need clarification")
	}
	if !out.Set.Has(RouteGmail) {
		t.Fatalf("gmail must survive, got %v", out.Set.Names())
	}
	if out.Set.Has(RouteWeb) || out.Set.Has(RouteWorkspace) {
		t.Fatalf("unrelated handlers must be gone, got %v", out.Set.Names())
	}

	// Workspace delete confirmation narrows to workspace strict.
	out = Narrow("sí", ChatContext{PendingWorkspaceDelete: true})
	if out.Set.Len() != 1 || !out.Set.Has(RouteWorkspace) || !out.Strict {
		t.Fatalf("want strict {workspace}, got %v strict=%v", out.Set.Names(), out.Strict)
	}

	// A bare yes with no pending state must not land on workspace.
	out = Narrow("sí", ChatContext{})
	if out.Set.Len() == 1 && out.Set.Has(RouteWorkspace) {
		t.Fatal("bare yes must not route to workspace")
	}
}
