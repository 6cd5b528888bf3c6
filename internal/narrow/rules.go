package narrow

import (
	"regexp"
	"strings"
)

var (
	yesNoRe      = regexp.MustCompile(`(?i)^\s*(sí|si|no|ok|vale|dale|confirmo|cancelar?)\s*$`)
	ordinalRefRe = regexp.MustCompile(`(?i)\b(?:abr[eí]|abre|el|la|n[uú]mero)\s+(\d{1,2})\b|^\s*\d{1,2}\s*$`)
	pronounRe    = regexp.MustCompile(`(?i)^\s*(?:\S+\s+){0,3}(ese|esa|eso|lo|la)\b`)
	limCueRe     = regexp.MustCompile(`(?i)(^|\s)/lim\b|\blim\b`)

	gmailCueRe     = regexp.MustCompile(`(?i)\b(gmail|correo|correos|mail|email|bandeja|asunto|destinatario|remitente)\b`)
	workspaceCueRe = regexp.MustCompile(`(?i)\b(workspace|archivo|archivos|fichero|ficheros|carpeta|documento|documentos)\b|\bworkspace/`)
	webCueRe       = regexp.MustCompile(`(?i)\b(web|internet|busca en|googlea|url|enlace|p[aá]gina)\b`)
	memoryCueRe    = regexp.MustCompile(`(?i)\b(recuerdas|record[aá]s|acu[eé]rdate|qu[eé] te dije|memoria|apunta(ste)?|anotaste)\b`)

	taskTokenRe    = regexp.MustCompile(`(?i)\btsk[-_][a-z0-9][a-z0-9-]*`)
	scheduledMailRe = regexp.MustCompile(`(?i)\b(programa|agenda|agendar|programar)\b[^.]*\b(correo|mail|email)\b`)
	skillCueRe      = regexp.MustCompile(`(?i)\bsk[-_][a-z0-9-]+|\bhabilidad(es)?\b|\bskill\b`)

	operationalVerbRe = regexp.MustCompile(`(?i)\b(envia|envía|enviar|manda|crea|crear|borra|borrar|elimina|eliminar|lista|listar|busca|buscar|abre|abrir|agenda|agendar|programa|programar|guarda|guardar|lee|leer|muestra|mostrar|descarga|ejecuta|ejecutar|instala|actualiza|cancela|cancelar|reinicia)\b`)
	smalltalkCueRe    = regexp.MustCompile(`(?i)\b(hola|buenos d[ií]as|buenas|c[oó]mo est[aá]s|qu[eé] tal|gracias|jaja|consejo|[aá]nimo|filosof[ií]a)\b`)
)

// listKindHandlers maps an indexed-list kind to the handlers that can act
// on its items.
func listKindHandlers(kind string) Set {
	switch kind {
	case "workspace-list":
		return NewSet(RouteWorkspace)
	case "stored-files":
		return NewSet(RouteDocument, RouteWorkspace)
	case "web-results":
		return NewSet(RouteWeb)
	case "gmail-list":
		return NewSet(RouteGmail, RouteGmailRecipients)
	default:
		return nil
	}
}

type firing struct {
	set    Set
	strict bool
	reason string
}

// combine intersects all fired subsets. Strictness is sticky: one strict
// rule makes the stage strict.
func combine(in Set, firings []firing) Result {
	if len(firings) == 0 {
		return Result{Set: in}
	}
	r := Result{Set: in}
	for _, f := range firings {
		r.Set = r.Set.Intersect(f.set)
		if f.strict {
			r.Strict = true
		}
		r.Reasons = append(r.Reasons, f.reason)
	}
	return r
}

// ContextFilter narrows from per-chat conversational state: pending delete
// confirmations, indexed-list references, follow-up pronouns and explicit
// domain cues.
func ContextFilter(text string, ctx ChatContext, in Set) Result {
	var firings []firing

	if ctx.PendingWorkspaceDelete && yesNoRe.MatchString(text) {
		firings = append(firings, firing{NewSet(RouteWorkspace), true, "workspace-delete-confirmation"})
	}
	if ctx.IndexedListKind != "" && ordinalRefRe.MatchString(text) {
		if hs := listKindHandlers(ctx.IndexedListKind); hs != nil {
			firings = append(firings, firing{hs, true, "indexed-list-reference"})
		}
	}
	if ctx.RecentGmailList && pronounRe.MatchString(text) && len(strings.Fields(text)) <= 6 {
		firings = append(firings, firing{NewSet(RouteGmail, RouteGmailRecipients), false, "gmail-pronoun-followup"})
	}
	if ctx.RecentConnector && limCueRe.MatchString(text) {
		firings = append(firings, firing{NewSet(RouteConnector), true, "lim-cue"})
	}

	memoryRecall := memoryCueRe.MatchString(text)
	if memoryRecall {
		firings = append(firings, firing{NewSet(RouteMemory), false, "memory-recall-cue"})
	}
	if gmailCueRe.MatchString(text) && !memoryRecall {
		firings = append(firings, firing{NewSet(RouteGmail, RouteGmailRecipients, RouteSchedule), true, "gmail-cue"})
	}
	if workspaceCueRe.MatchString(text) && !memoryRecall {
		firings = append(firings, firing{NewSet(RouteWorkspace, RouteDocument), true, "workspace-cue"})
	}
	if webCueRe.MatchString(text) && !memoryRecall && !workspaceCueRe.MatchString(text) {
		firings = append(firings, firing{NewSet(RouteWeb), true, "web-cue"})
	}
	if ctx.MailContext && !memoryRecall {
		firings = append(firings, firing{NewSet(RouteGmail, RouteGmailRecipients), false, "mail-context"})
	}

	return combine(in, firings)
}

// InteractionMode is the coarse shape of the message.
type InteractionMode int

const (
	ModeMixed InteractionMode = iota
	ModeOperational
	ModeConversational
)

// ClassifyMode splits messages into operational commands, pure smalltalk
// and everything in between.
func ClassifyMode(text string) InteractionMode {
	op := operationalVerbRe.MatchString(text)
	talk := smalltalkCueRe.MatchString(text)
	switch {
	case op && !talk:
		return ModeOperational
	case talk && !op:
		return ModeConversational
	default:
		return ModeMixed
	}
}

// RouteLayers applies the higher-precedence token rules. A tsk token always
// forces schedule; a scheduled-mail phrasing spans schedule and mail;
// conversational-only messages never narrow toward workspace or web.
func RouteLayers(text string, ctx ChatContext, in Set) Result {
	var firings []firing

	if taskTokenRe.MatchString(text) {
		return combine(in, []firing{{NewSet(RouteSchedule), true, "tsk-token"}})
	}
	if scheduledMailRe.MatchString(text) {
		firings = append(firings, firing{NewSet(RouteSchedule, RouteGmail, RouteGmailRecipients), true, "scheduled-mail-cue"})
	}
	if skillCueRe.MatchString(text) {
		firings = append(firings, firing{NewSet(RouteSelfMaintenance), false, "skill-cue"})
	}
	if ctx.PendingWorkspaceDelete && yesNoRe.MatchString(text) {
		firings = append(firings, firing{NewSet(RouteWorkspace), true, "workspace-delete-confirmation"})
	}

	if ClassifyMode(text) == ModeConversational {
		keep := make(Set)
		for n := range in {
			if n != RouteWorkspace && n != RouteWeb {
				keep[n] = true
			}
		}
		firings = append(firings, firing{keep, false, "conversational-mode"})
	}

	return combine(in, firings)
}
