package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/almacen/mayordomo/internal/ai"
	"github.com/almacen/mayordomo/internal/fault"
)

var (
	noteRe   = regexp.MustCompile(`\b(?:apunta|apuntar|anota|anotar|recuerda) (?:que )?(.+)$`)
	recallRe = regexp.MustCompile(`\b(?:recuerdas|que sabes|que te dije|que apuntaste)\b ?(?:de|sobre)? ?(.*)$`)
	forgetRe = regexp.MustCompile(`\b(?:olvida|olvidar)\b (?:lo )?(?:que )?(?:de |del |sobre )?(.+)$`)
)

const recallSystem = `Responde a la pregunta del usuario usando SOLO las notas dadas.
Si las notas no contienen la respuesta, dilo claramente.`

// MemoryHandler keeps one plain-text note file per chat. Recall greps the
// notes and, when a provider is available, lets the model phrase the
// answer from the matching lines.
type MemoryHandler struct {
	dir      string
	provider ai.ChatProvider
}

func NewMemoryHandler(dir string, provider ai.ChatProvider) *MemoryHandler {
	return &MemoryHandler{dir: dir, provider: provider}
}

func (h *MemoryHandler) Name() string               { return "memory" }
func (h *MemoryHandler) RequiredCapability() string { return "" }

func (h *MemoryHandler) notesPath(chatID int64) string {
	return filepath.Join(h.dir, "notes-"+strconv.FormatInt(chatID, 10)+".md")
}

func (h *MemoryHandler) Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error) {
	folded := foldText(req.Text)
	params := map[string]string{}

	switch {
	case forgetRe.MatchString(folded):
		params["action"] = "forget"
		params["topic"] = strings.TrimSpace(forgetRe.FindStringSubmatch(folded)[1])

	case noteRe.MatchString(folded) && !recallRe.MatchString(folded):
		params["action"] = "note"
		params["note"] = strings.TrimSpace(noteRe.FindStringSubmatch(folded)[1])

	default:
		params["action"] = "recall"
		topic := ""
		if m := recallRe.FindStringSubmatch(folded); m != nil {
			topic = strings.TrimSpace(strings.TrimSuffix(m[1], "?"))
		}
		params["topic"] = topic
	}

	return &ActionInput{Request: req, Params: params}, nil, nil
}

func (h *MemoryHandler) Run(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	path := h.notesPath(input.ChatID)

	switch input.Params["action"] {
	case "note":
		if err := os.MkdirAll(h.dir, 0o755); err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "memory dir")
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "open notes")
		}
		defer f.Close()
		if _, err := fmt.Fprintln(f, "- "+input.Params["note"]); err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "append note")
		}
		return reply("Apuntado."), nil

	case "forget":
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return reply("No tengo nada apuntado."), nil
			}
			return nil, fault.Wrap(fault.KindTransient, err, "read notes")
		}
		topic := foldText(input.Params["topic"])
		var kept []string
		removed := 0
		for _, line := range strings.Split(string(data), "\n") {
			if line != "" && strings.Contains(foldText(line), topic) {
				removed++
				continue
			}
			kept = append(kept, line)
		}
		if removed == 0 {
			return failure(fmt.Sprintf("No encuentro notas sobre %q.", input.Params["topic"])), nil
		}
		if err := os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o644); err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "rewrite notes")
		}
		return reply(fmt.Sprintf("Olvidado (%d notas).", removed)), nil

	default: // recall
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return reply("Todavía no me has contado nada."), nil
			}
			return nil, fault.Wrap(fault.KindTransient, err, "read notes")
		}
		topic := foldText(input.Params["topic"])
		var matches []string
		for _, line := range strings.Split(string(data), "\n") {
			if line == "" {
				continue
			}
			if topic == "" || strings.Contains(foldText(line), topic) {
				matches = append(matches, line)
			}
		}
		if len(matches) == 0 {
			return reply(fmt.Sprintf("No tengo notas sobre %q.", input.Params["topic"])), nil
		}
		notes := strings.Join(matches, "\n")
		if h.provider != nil && input.Params["topic"] != "" {
			answer, err := h.provider.Ask(ctx, recallSystem, "Notas:\n"+notes+"\n\nPregunta: "+input.Text)
			if err == nil && strings.TrimSpace(answer) != "" {
				return reply(answer), nil
			}
		}
		return reply(notes), nil
	}
}
