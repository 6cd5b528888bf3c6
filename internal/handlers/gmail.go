package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/policy"
	"github.com/almacen/mayordomo/internal/store"
)

// MailSummary is one inbox row shown to the user.
type MailSummary struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
}

// Mailer is the external mail collaborator. A nil Mailer leaves the
// handler installed but answering that mail is not configured.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
	ListInbox(ctx context.Context, limit int) ([]MailSummary, error)
	Read(ctx context.Context, id string) (string, error)
}

var (
	sendVerbRe  = regexp.MustCompile(`\b(envia|enviar|manda|mandar|escribe|escribir|responde|responder)\b`)
	listMailRe  = regexp.MustCompile(`\b(lee|leer|muestra|mostrar|revisa|revisar)\b.*\b(correo|correos|mail|mails|bandeja|inbox)\b|\bbandeja de entrada\b`)
	toNameRe    = regexp.MustCompile(`\ba ([a-z][a-z ]{0,40}?)(?: con| asunto| que| el|$)`)
	subjectRe   = regexp.MustCompile(`asunto ("[^"]+"|[^,]+?)(?: que diga| con cuerpo|$)`)
	bodyRe      = regexp.MustCompile(`(?:que diga|con cuerpo|cuerpo) (.+)$`)
	readItemRe  = regexp.MustCompile(`\b(?:lee|abre|muestra)\b.*\b(?:el|la|numero)? ?(\d{1,2})\b`)
	inboxLimitN = 10
)

type GmailHandler struct {
	store  *store.Store
	mailer Mailer
}

func NewGmailHandler(st *store.Store, mailer Mailer) *GmailHandler {
	return &GmailHandler{store: st, mailer: mailer}
}

func (h *GmailHandler) Name() string               { return "gmail" }
func (h *GmailHandler) RequiredCapability() string { return policy.CapGmailSend }

func (h *GmailHandler) Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error) {
	folded := foldText(req.Text)
	params := map[string]string{}

	// Ordinal read over a fresh gmail list.
	if req.Chat.RecentGmailList {
		if m := readItemRe.FindStringSubmatch(folded); m != nil {
			params["action"] = "read"
			params["index"] = m[1]
			return &ActionInput{Request: req, Params: params}, nil, nil
		}
	}

	if listMailRe.MatchString(folded) && !sendVerbRe.MatchString(folded) {
		params["action"] = "list"
		return &ActionInput{Request: req, Params: params}, nil, nil
	}

	params["action"] = "send"

	to := firstEmail(req.Text)
	if to == "" {
		if m := toNameRe.FindStringSubmatch(folded); m != nil {
			name := strings.TrimSpace(m[1])
			rec, err := h.store.GetRecipient(ctx, req.ChatID, name)
			if err != nil {
				return nil, nil, err
			}
			if rec != nil {
				to = rec.Email
				params["toName"] = rec.Name
			} else {
				params["toName"] = name
			}
		}
	}
	if to == "" {
		question := "¿A qué dirección envío el correo?"
		if n := params["toName"]; n != "" {
			question = fmt.Sprintf("No tengo el email de %s. ¿Cuál es su dirección?", n)
		}
		return nil, &MissingParams{Missing: []string{"email"}, Question: question}, nil
	}
	params["to"] = to

	if m := subjectRe.FindStringSubmatch(folded); m != nil {
		params["subject"] = strings.Trim(strings.TrimSpace(m[1]), `"`)
	} else if q := quotedSpans(req.Text); len(q) > 0 {
		params["subject"] = q[0]
	}
	if params["subject"] == "" {
		return nil, &MissingParams{Missing: []string{"asunto"}, Question: "¿Qué asunto pongo?"}, nil
	}

	if m := bodyRe.FindStringSubmatch(folded); m != nil {
		params["body"] = strings.TrimSpace(m[1])
	} else {
		params["body"] = params["subject"]
	}

	return &ActionInput{Request: req, Params: params}, nil, nil
}

func (h *GmailHandler) Run(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	if h.mailer == nil {
		return failure("El correo no está configurado en este servidor."), nil
	}

	switch input.Params["action"] {
	case "list":
		summaries, err := h.mailer.ListInbox(ctx, inboxLimitN)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "list inbox")
		}
		if len(summaries) == 0 {
			return reply("No hay correos nuevos."), nil
		}
		items, _ := json.Marshal(summaries)
		var b strings.Builder
		b.WriteString("Correos recientes:\n")
		for i, s := range summaries {
			fmt.Fprintf(&b, "%d. %s — %s\n", i+1, s.From, s.Subject)
		}
		out := reply(strings.TrimRight(b.String(), "\n"))
		out.IndexedList = &IndexedListUpdate{Kind: store.ListGmail, ItemsJSON: string(items)}
		return out, nil

	case "read":
		idx, _ := strconv.Atoi(input.Params["index"])
		list, err := h.store.GetIndexedList(ctx, input.ChatID)
		if err != nil {
			return nil, err
		}
		if list == nil || list.Kind != store.ListGmail {
			return failure("No hay una lista de correos reciente."), nil
		}
		var summaries []MailSummary
		if err := json.Unmarshal([]byte(list.ItemsJSON), &summaries); err != nil {
			return nil, fault.Wrap(fault.KindPermanent, err, "stored mail list")
		}
		if idx < 1 || idx > len(summaries) {
			return nil, fault.Validation("no existe el correo %d", idx)
		}
		body, err := h.mailer.Read(ctx, summaries[idx-1].ID)
		if err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "read mail")
		}
		return reply(body), nil

	default: // send
		to, subject, body := input.Params["to"], input.Params["subject"], input.Params["body"]
		if err := h.mailer.Send(ctx, to, subject, body); err != nil {
			return nil, fault.Wrap(fault.KindTransient, err, "send mail")
		}
		who := input.Params["toName"]
		if who == "" {
			who = to
		}
		return reply(fmt.Sprintf("Correo enviado a %s.", who)), nil
	}
}

// SendPayload is the JSON shape the scheduler stores for deferred sends.
type SendPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SendFromPayload lets the scheduler deliver a gmail-send task without
// re-parsing natural language.
func (h *GmailHandler) SendFromPayload(ctx context.Context, raw string) error {
	if h.mailer == nil {
		return fault.Permanent("mail not configured")
	}
	var p SendPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fault.Wrap(fault.KindPermanent, err, "delivery payload")
	}
	if p.To == "" {
		return fault.Permanent("delivery payload missing recipient")
	}
	if err := h.mailer.Send(ctx, p.To, p.Subject, p.Body); err != nil {
		return fault.Wrap(fault.KindTransient, err, "send mail")
	}
	return nil
}
