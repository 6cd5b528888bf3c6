package handlers

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/almacen/mayordomo/internal/store"
)

var (
	saveContactRe  = regexp.MustCompile(`\b(?:guarda|guardar|agrega|agregar|anade|anadir|apunta)\b.*\b(?:contacto|destinatario)\b ([a-z][a-z ]{0,40}?)(?: con| email| correo|$)`)
	delContactRe   = regexp.MustCompile(`\b(?:borra|borrar|elimina|eliminar|quita|quitar)\b.*\b(?:contacto|destinatario)\b (.+)$`)
	listContactRe  = regexp.MustCompile(`\b(?:lista|listar|muestra|mostrar|cuales son)\b.*\b(?:contactos|destinatarios)\b`)
	whoseMailRe    = regexp.MustCompile(`\b(?:cual es el|dame el|dime el)\b.*\b(?:correo|email|mail)\b.*\bde (.+)$`)
	bareContactRe  = regexp.MustCompile(`\b(?:contacto|destinatario)\b ([a-z][a-z ]{0,40})`)
)

// RecipientsHandler manages the per-chat contact book used to resolve
// names into addresses when composing mail.
type RecipientsHandler struct {
	store *store.Store
}

func NewRecipientsHandler(st *store.Store) *RecipientsHandler {
	return &RecipientsHandler{store: st}
}

func (h *RecipientsHandler) Name() string               { return "gmail-recipients" }
func (h *RecipientsHandler) RequiredCapability() string { return "" }

func (h *RecipientsHandler) Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error) {
	folded := foldText(req.Text)
	params := map[string]string{}

	switch {
	case listContactRe.MatchString(folded):
		params["action"] = "list"

	case delContactRe.MatchString(folded):
		m := delContactRe.FindStringSubmatch(folded)
		params["action"] = "delete"
		params["name"] = strings.TrimSpace(m[1])

	case whoseMailRe.MatchString(folded):
		m := whoseMailRe.FindStringSubmatch(folded)
		params["action"] = "lookup"
		params["name"] = strings.TrimSpace(strings.TrimSuffix(m[1], "?"))

	default:
		params["action"] = "save"
		email := firstEmail(req.Text)
		var name string
		if m := saveContactRe.FindStringSubmatch(folded); m != nil {
			name = strings.TrimSpace(m[1])
		} else if m := bareContactRe.FindStringSubmatch(folded); m != nil {
			name = strings.TrimSpace(m[1])
		}
		if name == "" {
			return nil, &MissingParams{Missing: []string{"name"}, Question: "¿Cómo se llama el contacto?"}, nil
		}
		if email == "" {
			return nil, &MissingParams{
				Missing:  []string{"email"},
				Question: fmt.Sprintf("¿Qué dirección de correo tiene %s?", name),
			}, nil
		}
		params["name"], params["email"] = name, email
	}

	return &ActionInput{Request: req, Params: params}, nil, nil
}

func (h *RecipientsHandler) Run(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	switch input.Params["action"] {
	case "list":
		recs, err := h.store.ListRecipients(ctx, input.ChatID)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			return reply("No tienes contactos guardados."), nil
		}
		var b strings.Builder
		b.WriteString("Contactos:\n")
		for i, r := range recs {
			fmt.Fprintf(&b, "%d. %s <%s>\n", i+1, r.Name, r.Email)
		}
		return reply(strings.TrimRight(b.String(), "\n")), nil

	case "delete":
		ok, err := h.store.DeleteRecipient(ctx, input.ChatID, input.Params["name"])
		if err != nil {
			return nil, err
		}
		if !ok {
			return failure(fmt.Sprintf("No encuentro el contacto %q.", input.Params["name"])), nil
		}
		return reply(fmt.Sprintf("Contacto %s eliminado.", input.Params["name"])), nil

	case "lookup":
		rec, err := h.store.GetRecipient(ctx, input.ChatID, input.Params["name"])
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return failure(fmt.Sprintf("No tengo guardado a %q.", input.Params["name"])), nil
		}
		return reply(fmt.Sprintf("%s: %s", rec.Name, rec.Email)), nil

	default: // save
		name, email := input.Params["name"], input.Params["email"]
		if err := h.store.UpsertRecipient(ctx, input.ChatID, name, email); err != nil {
			return nil, err
		}
		return reply(fmt.Sprintf("Guardado: %s <%s>.", name, email)), nil
	}
}
