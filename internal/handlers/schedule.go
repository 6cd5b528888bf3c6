package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/almacen/mayordomo/internal/schedule"
	"github.com/almacen/mayordomo/internal/store"
)

var (
	remindRe     = regexp.MustCompile(`\b(?:recuerdame|recuerda|recordarme|avisame|avisa)\b ?(.*)$`)
	scheduleRe   = regexp.MustCompile(`\b(?:agenda|agendar|programa|programar|planifica)\b ?(.*)$`)
	listTasksRe  = regexp.MustCompile(`\b(?:lista|listar|muestra|mostrar|cuales son|que tengo)\b.*\b(?:tareas|recordatorios|pendientes|agenda)\b`)
	cancelTaskRe = regexp.MustCompile(`\b(?:cancela|cancelar|anula|anular|borra|borrar|elimina|eliminar)(?: la| el)? ?(?:tarea|recordatorio|aviso)? ?(.*)$`)
	mailTaskRe   = regexp.MustCompile(`\b(?:correo|email|mail)\b`)
	naturalRe    = regexp.MustCompile(`^(?:busca|buscar|consulta|consultar|revisa|revisar|comprueba|comprobar|lista|listar|resume|resumir|lee|leer)\b`)
)

// ScheduleHandler creates, lists and cancels deferred tasks. Creation
// goes through ActionOutput so persistence stays with the executor.
type ScheduleHandler struct {
	store *store.Store
	now   func() time.Time
}

func NewScheduleHandler(st *store.Store, now func() time.Time) *ScheduleHandler {
	if now == nil {
		now = time.Now
	}
	return &ScheduleHandler{store: st, now: now}
}

func (h *ScheduleHandler) Name() string               { return "schedule" }
func (h *ScheduleHandler) RequiredCapability() string { return "" }

func (h *ScheduleHandler) Parse(ctx context.Context, req Request) (*ActionInput, *MissingParams, error) {
	folded := foldText(req.Text)
	params := map[string]string{}

	switch {
	case listTasksRe.MatchString(folded):
		params["action"] = "list"
		return &ActionInput{Request: req, Params: params}, nil, nil

	case cancelTaskRe.MatchString(folded) && !remindRe.MatchString(folded):
		params["action"] = "cancel"
		params["ref"] = strings.TrimSpace(cancelTaskRe.FindStringSubmatch(folded)[1])
		if params["ref"] == "" {
			return nil, &MissingParams{Missing: []string{"taskRef"}, Question: "¿Qué tarea cancelo? Dime su número o su id."}, nil
		}
		return &ActionInput{Request: req, Params: params}, nil, nil
	}

	// Creation path.
	when, hasWhen := parseWhen(folded, h.now())
	if !hasWhen {
		return nil, &MissingParams{Missing: []string{"dueAt"}, Question: "¿Para cuándo lo programo?"}, nil
	}
	params["dueAt"] = when.At.UTC().Format(time.RFC3339)
	params["repeat"] = when.Repeat

	title := req.Text
	if m := remindRe.FindStringSubmatch(folded); m != nil {
		title = m[1]
	} else if m := scheduleRe.FindStringSubmatch(folded); m != nil {
		title = m[1]
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, &MissingParams{Missing: []string{"title"}, Question: "¿Qué te recuerdo?"}, nil
	}

	if mailTaskRe.MatchString(folded) {
		// Deferred mail: the payload needs an address up front.
		to := firstEmail(req.Text)
		if to == "" {
			return nil, &MissingParams{Missing: []string{"email"}, Question: "¿A qué dirección envío el correo programado?"}, nil
		}
		subject := title
		if q := quotedSpans(req.Text); len(q) > 0 {
			subject = q[0]
		}
		payload, _ := json.Marshal(SendPayload{To: to, Subject: subject, Body: subject})
		params["action"] = "create"
		params["kind"] = store.DeliveryGmail
		params["payload"] = string(payload)
		params["title"] = subject
		return &ActionInput{Request: req, Params: params}, nil, nil
	}

	if naturalRe.MatchString(title) {
		// "recuérdame buscar noticias mañana" schedules the agent itself:
		// the title re-enters the pipeline as a fresh turn when it fires.
		// The executor encodes the depth payload at persistence time.
		params["action"] = "create"
		params["kind"] = store.DeliveryNatural
		params["title"] = title
		return &ActionInput{Request: req, Params: params}, nil, nil
	}

	params["action"] = "create"
	params["kind"] = store.DeliveryReminder
	params["title"] = title
	return &ActionInput{Request: req, Params: params}, nil, nil
}

func (h *ScheduleHandler) Run(ctx context.Context, input *ActionInput) (*ActionOutput, error) {
	switch input.Params["action"] {
	case "list":
		tasks, err := h.store.PendingTasks(ctx, input.ChatID)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			return reply("No tienes tareas pendientes."), nil
		}
		var b strings.Builder
		b.WriteString("Tareas pendientes:\n")
		for i, t := range tasks {
			fmt.Fprintf(&b, "%d. %s (%s) %s\n", i+1, t.Title, t.ID, t.DueAt.Local().Format("02 Jan 15:04"))
		}
		return reply(strings.TrimRight(b.String(), "\n")), nil

	case "cancel":
		task, err := schedule.ResolveTaskRef(ctx, h.store, input.ChatID, input.Params["ref"])
		if err != nil {
			return nil, err
		}
		ok, err := h.store.CancelTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return failure(fmt.Sprintf("La tarea %s ya no está pendiente.", task.ID)), nil
		}
		return reply(fmt.Sprintf("Cancelada: %s (%s).", task.Title, task.ID)), nil

	default: // create
		dueAt, err := time.Parse(time.RFC3339, input.Params["dueAt"])
		if err != nil {
			return nil, err
		}
		task := TaskRequest{
			ID:              store.NewTaskID(),
			Title:           input.Params["title"],
			DueAt:           dueAt,
			DeliveryKind:    input.Params["kind"],
			DeliveryPayload: input.Params["payload"],
			RepeatSpec:      input.Params["repeat"],
		}
		out := reply(fmt.Sprintf("Apuntado para %s: %s (%s).",
			dueAt.Local().Format("02 Jan 15:04"), task.Title, task.ID))
		out.ScheduledTasks = []TaskRequest{task}
		return out, nil
	}
}
