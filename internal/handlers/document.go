package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/almacen/mayordomo/internal/ai"
	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/store"
)

var (
	summarizeRe = regexp.MustCompile(`\b(?:resume|resumir|resumen|de que trata|que dice)\b`)
	docListRe   = regexp.MustCompile(`\b(?:documentos|adjuntos|guardados|que me mandaste|que te mande)\b`)

	docExts = map[string]bool{".pdf": true, ".txt": true, ".md": true, ".doc": true, ".docx": true, ".csv": true}

	maxDocPrompt = 24 * 1024
)

const summarizeSystem = `Resume el documento del usuario en espanol, en cinco frases como maximo.
Conserva cifras y fechas exactas.`

// DocumentHandler answers questions about files previously stored in the
// documents directory (usually chat attachments saved by the channel).
type DocumentHandler struct {
	dir      string
	store    *store.Store
	provider ai.ChatProvider
}

func NewDocumentHandler(dir string, st *store.Store, provider ai.ChatProvider) *DocumentHandler {
	return &DocumentHandler{dir: dir, store: st, provider: provider}
}

func (h *DocumentHandler) Name() string               { return "document" }
func (h *DocumentHandler) RequiredCapability() string { return "" }

func (h *DocumentHandler) Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error) {
	folded := foldText(req.Text)
	params := map[string]string{}

	target := fileNameRe.FindString(req.Text)
	if target == "" && req.Chat.IndexedListKind == store.ListStoredFiles {
		if m := ordinalNoRe.FindStringSubmatch(folded); m != nil {
			if name, err := h.ordinalName(ctx, req.ChatID, m[1]); err == nil && name != "" {
				target = name
			}
		}
	}

	switch {
	case target != "":
		params["path"] = target
		if summarizeRe.MatchString(folded) {
			params["action"] = "summarize"
		} else {
			params["action"] = "extract"
		}
	case docListRe.MatchString(folded):
		params["action"] = "list"
	default:
		return nil, &MissingParams{Missing: []string{"path"}, Question: "¿De qué documento hablamos?"}, nil
	}

	return &ActionInput{Request: req, Params: params}, nil, nil
}

func (h *DocumentHandler) ordinalName(ctx context.Context, chatID int64, ordinal string) (string, error) {
	n, err := strconv.Atoi(ordinal)
	if err != nil {
		return "", err
	}
	list, err := h.store.GetIndexedList(ctx, chatID)
	if err != nil || list == nil || list.Kind != store.ListStoredFiles {
		return "", err
	}
	var names []string
	if err := json.Unmarshal([]byte(list.ItemsJSON), &names); err != nil {
		return "", err
	}
	if n < 1 || n > len(names) {
		return "", nil
	}
	return names[n-1], nil
}

func (h *DocumentHandler) readDoc(name string) (string, error) {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fault.Validation("ruta no permitida: %q", name)
	}
	data, err := os.ReadFile(filepath.Join(h.dir, cleaned))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fault.Validation("no existe el documento %q", name)
		}
		return "", fault.Wrap(fault.KindTransient, err, "read document")
	}
	if len(data) > maxDocPrompt {
		data = data[:maxDocPrompt]
	}
	return string(data), nil
}

func (h *DocumentHandler) Run(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	switch input.Params["action"] {
	case "list":
		entries, err := os.ReadDir(h.dir)
		if err != nil {
			if os.IsNotExist(err) {
				return reply("No tienes documentos guardados."), nil
			}
			return nil, fault.Wrap(fault.KindTransient, err, "read documents dir")
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && docExts[strings.ToLower(filepath.Ext(e.Name()))] {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		if len(names) == 0 {
			return reply("No tienes documentos guardados."), nil
		}
		items, _ := json.Marshal(names)
		var b strings.Builder
		b.WriteString("Documentos:\n")
		for i, n := range names {
			fmt.Fprintf(&b, "%d. %s\n", i+1, n)
		}
		out := reply(strings.TrimRight(b.String(), "\n"))
		out.IndexedList = &IndexedListUpdate{Kind: store.ListStoredFiles, ItemsJSON: string(items)}
		return out, nil

	case "summarize":
		text, err := h.readDoc(input.Params["path"])
		if err != nil {
			return nil, err
		}
		if h.provider == nil {
			return failure("No hay proveedor de IA configurado para resumir."), nil
		}
		summary, err := h.provider.Ask(ctx, summarizeSystem, text)
		if err != nil {
			return nil, err
		}
		return reply(summary), nil

	default: // extract
		text, err := h.readDoc(input.Params["path"])
		if err != nil {
			return nil, err
		}
		return reply(text), nil
	}
}
