package ai

import (
	"context"
	"errors"
	"testing"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced json", "here:\n```json\n{\"a\": 1}\n```\ndone", `{"a": 1}`},
		{"generic fence", "```\n[1, 2]\n```", `[1, 2]`},
		{"embedded in prose", `The answer is {"handler": "gmail"} as requested.`, `{"handler": "gmail"}`},
		{"braces inside strings", `{"s": "a } b", "n": 2}`, `{"s": "a } b", "n": 2}`},
		{"escaped quote", `{"s": "say \" }"}`, `{"s": "say \" }"}`},
		{"no json", "just words", ""},
		{"unbalanced", `{"a": 1`, ""},
	}
	for _, tc := range cases {
		if got := ExtractJSON(tc.in); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestDecodeStrict(t *testing.T) {
	schema := MustCompileSchema("t.json", `{
		"type": "object",
		"required": ["handler"],
		"properties": {"handler": {"type": "string"}},
		"additionalProperties": false
	}`)

	var out struct {
		Handler string `json:"handler"`
	}
	if err := DecodeStrict(schema, "pick: {\"handler\": \"gmail\"}", &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Handler != "gmail" {
		t.Fatalf("handler = %q", out.Handler)
	}

	if err := DecodeStrict(schema, `{"handler": 5}`, &out); err == nil {
		t.Fatal("expected schema violation for numeric handler")
	}
	if err := DecodeStrict(schema, "no json here", &out); err == nil {
		t.Fatal("expected error for missing JSON")
	}
}

type fakeProvider struct {
	answer string
	err    error
}

func (f *fakeProvider) Ask(ctx context.Context, system, user string) (string, error) {
	return f.answer, f.err
}

func (f *fakeProvider) PlanShellAction(ctx context.Context, instruction string) (*ShellPlan, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) ClassifySequence(ctx context.Context, text string, maxParts int) ([]string, error) {
	return []string{text}, nil
}

func TestRoutePicker_AcceptsCandidate(t *testing.T) {
	p := NewRoutePicker(&fakeProvider{answer: `{"handler": "gmail", "reason": "mail verbs"}`})
	pick, err := p.PickHandler(context.Background(), "manda un correo", []string{"gmail", "web"})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if pick.Handler != "gmail" {
		t.Fatalf("handler = %q", pick.Handler)
	}
}

func TestRoutePicker_RejectsNonCandidate(t *testing.T) {
	p := NewRoutePicker(&fakeProvider{answer: `{"handler": "schedule", "reason": "guess"}`})
	if _, err := p.PickHandler(context.Background(), "hola", []string{"gmail", "web"}); err == nil {
		t.Fatal("expected error for non-candidate handler")
	}
}

func TestRoutePicker_NormalizesCase(t *testing.T) {
	p := NewRoutePicker(&fakeProvider{answer: `{"handler": " Gmail ", "reason": ""}`})
	pick, err := p.PickHandler(context.Background(), "correo", []string{"gmail"})
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if pick.Handler != "gmail" {
		t.Fatalf("handler = %q", pick.Handler)
	}
}

func TestRoutePicker_PropagatesProviderError(t *testing.T) {
	p := NewRoutePicker(&fakeProvider{err: errors.New("rate limited")})
	if _, err := p.PickHandler(context.Background(), "hola", []string{"gmail"}); err == nil {
		t.Fatal("expected provider error")
	}
}
