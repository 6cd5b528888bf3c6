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

	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/policy"
	"github.com/almacen/mayordomo/internal/store"
)

var (
	listFilesRe = regexp.MustCompile(`\b(?:lista|listar|muestra|mostrar|que hay|cuales son)\b.*\b(?:archivos|ficheros|workspace|carpeta)\b`)
	createRe    = regexp.MustCompile(`\b(?:crea|crear|nuevo)\b.*\b(?:archivo|fichero|nota)\b ?(.*)$`)
	deleteRe    = regexp.MustCompile(`\b(?:borra|borrar|elimina|eliminar|quita|quitar)\b`)
	renameRe    = regexp.MustCompile(`\b(?:renombra|renombrar|cambia el nombre)\b`)
	showFileRe  = regexp.MustCompile(`\b(?:abre|abrir|muestra|mostrar|lee|leer)\b.*\b(?:archivo|fichero|contenido)\b`)
	fileNameRe  = regexp.MustCompile(`[\w.-]+\.[A-Za-z0-9]{1,6}`)
	ordinalNoRe = regexp.MustCompile(`\b(?:el|la|numero)? ?(\d{1,2})\b`)

	maxReadBytes = 64 * 1024
)

// WorkspaceHandler operates on a single sandboxed directory. Every path
// is cleaned and must stay inside the root.
type WorkspaceHandler struct {
	root  string
	store *store.Store
}

func NewWorkspaceHandler(root string, st *store.Store) *WorkspaceHandler {
	return &WorkspaceHandler{root: root, store: st}
}

func (h *WorkspaceHandler) Name() string               { return "workspace" }
func (h *WorkspaceHandler) RequiredCapability() string { return policy.CapWorkspaceDelete }

// resolve keeps relative paths inside the workspace root.
func (h *WorkspaceHandler) resolve(name string) (string, error) {
	cleaned := filepath.Clean(strings.TrimSpace(name))
	if cleaned == "" || cleaned == "." || filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fault.Validation("ruta no permitida: %q", name)
	}
	return filepath.Join(h.root, cleaned), nil
}

func (h *WorkspaceHandler) Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error) {
	folded := foldText(req.Text)
	params := map[string]string{}

	target := fileNameRe.FindString(req.Text)
	if target == "" && req.Chat.IndexedListKind == store.ListWorkspace {
		if m := ordinalNoRe.FindStringSubmatch(folded); m != nil {
			if name, err := h.ordinalName(ctx, req.ChatID, m[1]); err == nil && name != "" {
				target = name
			}
		}
	}

	switch {
	case deleteRe.MatchString(folded):
		params["action"] = "delete"
		if target == "" {
			return nil, &MissingParams{Missing: []string{"path"}, Question: "¿Qué archivo quieres borrar?"}, nil
		}
		params["path"] = target

	case renameRe.MatchString(folded):
		params["action"] = "rename"
		names := fileNameRe.FindAllString(req.Text, 2)
		if len(names) < 2 {
			return nil, &MissingParams{Missing: []string{"path"}, Question: "Dime el nombre actual y el nuevo nombre del archivo."}, nil
		}
		params["path"], params["newPath"] = names[0], names[1]

	case createRe.MatchString(folded):
		params["action"] = "create"
		if target == "" {
			return nil, &MissingParams{Missing: []string{"path"}, Question: "¿Cómo se llama el archivo nuevo?"}, nil
		}
		params["path"] = target
		if q := quotedSpans(req.Text); len(q) > 0 {
			params["content"] = q[len(q)-1]
		}

	case showFileRe.MatchString(folded) && target != "":
		params["action"] = "read"
		params["path"] = target

	case listFilesRe.MatchString(folded) || target == "":
		params["action"] = "list"

	default:
		params["action"] = "read"
		params["path"] = target
	}

	return &ActionInput{Request: req, Params: params}, nil, nil
}

func (h *WorkspaceHandler) ordinalName(ctx context.Context, chatID int64, ordinal string) (string, error) {
	n, err := strconv.Atoi(ordinal)
	if err != nil {
		return "", err
	}
	list, err := h.store.GetIndexedList(ctx, chatID)
	if err != nil || list == nil || list.Kind != store.ListWorkspace {
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

func (h *WorkspaceHandler) Run(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	switch input.Params["action"] {
	case "list":
		entries, err := os.ReadDir(h.root)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "read workspace")
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		if len(names) == 0 {
			return reply("El workspace está vacío."), nil
		}
		items, _ := json.Marshal(names)
		var b strings.Builder
		b.WriteString("Archivos:\n")
		for i, n := range names {
			fmt.Fprintf(&b, "%d. %s\n", i+1, n)
		}
		out := reply(strings.TrimRight(b.String(), "\n"))
		out.IndexedList = &IndexedListUpdate{Kind: store.ListWorkspace, ItemsJSON: string(items)}
		return out, nil

	case "create":
		path, err := h.resolve(input.Params["path"])
		if err != nil {
			return nil, err
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fault.Validation("ya existe %s", input.Params["path"])
		}
		if err := os.WriteFile(path, []byte(input.Params["content"]), 0o644); err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "create file")
		}
		return reply(fmt.Sprintf("Creado %s.", input.Params["path"])), nil

	case "read":
		path, err := h.resolve(input.Params["path"])
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return failure(fmt.Sprintf("No existe %s.", input.Params["path"])), nil
			}
			return nil, fault.Wrap(fault.KindTransient, err, "read file")
		}
		if len(data) > maxReadBytes {
			data = data[:maxReadBytes]
		}
		return reply(string(data)), nil

	case "rename":
		from, err := h.resolve(input.Params["path"])
		if err != nil {
			return nil, err
		}
		to, err := h.resolve(input.Params["newPath"])
		if err != nil {
			return nil, err
		}
		if err := os.Rename(from, to); err != nil {
			if os.IsNotExist(err) {
				return failure(fmt.Sprintf("No existe %s.", input.Params["path"])), nil
			}
			return nil, fault.Wrap(fault.KindTransient, err, "rename file")
		}
		return reply(fmt.Sprintf("Renombrado %s → %s.", input.Params["path"], input.Params["newPath"])), nil

	case "delete":
		path, err := h.resolve(input.Params["path"])
		if err != nil {
			return nil, err
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return failure(fmt.Sprintf("No existe %s.", input.Params["path"])), nil
			}
			return nil, fault.Wrap(fault.KindTransient, err, "delete file")
		}
		return reply(fmt.Sprintf("Eliminado %s.", input.Params["path"])), nil

	default:
		return nil, fault.Permanent("unknown workspace action %q", input.Params["action"])
	}
}
