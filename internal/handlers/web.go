package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/store"
)

// SearchResult is one web hit shown to the user.
type SearchResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// WebClient is the external search/fetch collaborator.
type WebClient interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	Fetch(ctx context.Context, url string) (string, error)
}

var (
	searchVerbRe = regexp.MustCompile(`\b(?:busca|buscar|googlea|googlear|encuentra|investiga)\b ?(?:en (?:internet|la web|google))? ?(.*)$`)
	urlRe        = regexp.MustCompile(`https?://\S+`)
	openRe       = regexp.MustCompile(`\b(?:abre|abrir|visita|visitar)\b`)

	webResultLimit = 5
)

type WebHandler struct {
	client WebClient
	store  *store.Store
}

func NewWebHandler(client WebClient, st *store.Store) *WebHandler {
	return &WebHandler{client: client, store: st}
}

func (h *WebHandler) Name() string               { return "web" }
func (h *WebHandler) RequiredCapability() string { return "" }

func (h *WebHandler) Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error) {
	folded := foldText(req.Text)
	params := map[string]string{}

	if u := urlRe.FindString(req.Text); u != "" {
		params["action"] = "fetch"
		params["url"] = u
		return &ActionInput{Request: req, Params: params}, nil, nil
	}

	// Ordinal open over a fresh results list.
	if req.Chat.IndexedListKind == store.ListWebResults && openRe.MatchString(folded) {
		if m := ordinalNoRe.FindStringSubmatch(folded); m != nil {
			params["action"] = "open"
			params["index"] = m[1]
			return &ActionInput{Request: req, Params: params}, nil, nil
		}
	}

	query := ""
	if m := searchVerbRe.FindStringSubmatch(folded); m != nil {
		query = strings.TrimSpace(m[1])
	}
	if query == "" {
		query = stripPhrases(folded, "busca", "buscar", "en internet", "en la web")
	}
	if query == "" {
		return nil, &MissingParams{Missing: []string{"query"}, Question: "¿Qué busco?"}, nil
	}
	params["action"] = "search"
	params["query"] = query
	return &ActionInput{Request: req, Params: params}, nil, nil
}

func (h *WebHandler) Run(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	if h.client == nil {
		return failure("La búsqueda web no está configurada."), nil
	}

	switch input.Params["action"] {
	case "fetch":
		text, err := h.client.Fetch(ctx, input.Params["url"])
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "fetch url")
		}
		return reply(text), nil

	case "open":
		idx, _ := strconv.Atoi(input.Params["index"])
		list, err := h.store.GetIndexedList(ctx, input.ChatID)
		if err != nil {
			return nil, err
		}
		if list == nil || list.Kind != store.ListWebResults {
			return failure("No hay resultados recientes que abrir."), nil
		}
		var results []SearchResult
		if err := json.Unmarshal([]byte(list.ItemsJSON), &results); err != nil {
			return nil, fault.Wrap(fault.KindPermanent, err, "stored results")
		}
		if idx < 1 || idx > len(results) {
			return nil, fault.Validation("no existe el resultado %d", idx)
		}
		text, err := h.client.Fetch(ctx, results[idx-1].URL)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "fetch url")
		}
		return reply(text), nil

	default: // search
		results, err := h.client.Search(ctx, input.Params["query"], webResultLimit)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "web search")
		}
		if len(results) == 0 {
			return reply("Sin resultados."), nil
		}
		items, _ := json.Marshal(results)
		var b strings.Builder
		fmt.Fprintf(&b, "Resultados para %q:\n", input.Params["query"])
		for i, r := range results {
			fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		}
		out := reply(strings.TrimRight(b.String(), "\n"))
		out.IndexedList = &IndexedListUpdate{Kind: store.ListWebResults, ItemsJSON: string(items)}
		return out, nil
	}
}
