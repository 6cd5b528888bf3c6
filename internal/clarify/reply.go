package clarify

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Verdict classifies an inbound message against a pending clarification.
type Verdict int

const (
	// NotReply leaves the pending entry untouched; the message routes
	// normally.
	NotReply Verdict = iota
	// IsReply consumes the pending entry and resubmits the rebuilt text.
	IsReply
	// DropsPending means the message is a fresh directive; the pending
	// entry is discarded and the message routes normally.
	DropsPending
)

var (
	ackWords = map[string]bool{
		"si": true, "sí": true, "no": true, "ok": true, "vale": true,
		"dale": true, "cancelar": true, "cancela": true, "anular": true,
	}

	taskRefRe  = regexp.MustCompile(`(?i)\btsk[-_][a-z0-9-]+`)
	ordinalRe  = regexp.MustCompile(`(?i)\b(?:el\s+)?(\d{1,2}|primero?|segundo|tercero?|cuarto|quinto|ultimo|último|last)\b`)
	emailRe    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	pathRe     = regexp.MustCompile(`(?i)[\w./-]+\.(?:txt|md|pdf|csv|json|ya?ml|docx?|xlsx?|png|jpe?g|log)\b|(?:^|\s)[\w-]+/[\w./-]+`)
	temporalRe = regexp.MustCompile(`(?i)\b(hoy|mañana|manana|pasado|lunes|martes|miercoles|miércoles|jueves|viernes|sabado|sábado|domingo|\d{1,2}:\d{2}|\d{1,2}\s*(?:am|pm|h|hs|horas?)|en\s+\d+\s+(?:min|minutos?|horas?|dias?|días?|semanas?))\b`)
	skillRefRe = regexp.MustCompile(`(?i)\bsk[-_][a-z0-9-]+|\bhabilidad\s+\d+\b`)

	directiveVerbRe = regexp.MustCompile(`(?i)\b(envia|envía|enviar|manda|mandar|crea|crear|borra|borrar|elimina|eliminar|lista|listar|busca|buscar|abre|abrir|agenda|agendar|programa|programar|recuerda|recordar|guarda|guardar|lee|leer|muestra|mostrar|descarga|descargar|ejecuta|ejecutar|instala|instalar|actualiza|actualizar|resume|resumir)\b`)
	directiveNounRe = regexp.MustCompile(`(?i)\b(correo|correos|mail|email|gmail|archivo|archivos|fichero|documento|documentos|workspace|tarea|tareas|recordatorio|recordatorios|nota|notas|memoria|web|internet|enlace|enlaces|contacto|contactos|destinatario|destinatarios|sistema|habilidad|habilidades)\b`)
)

// ClassifyReply decides whether text answers the pending clarification.
// Rules fire in order: acknowledgement words, route-hint mentions, token
// tests for each missing slot, then fresh-directive detection.
func ClassifyReply(p *Pending, text string) Verdict {
	if p == nil {
		return NotReply
	}
	normText := normalize(text)
	if normText == "" {
		return NotReply
	}

	if ackWords[normText] {
		return IsReply
	}

	if p.PreferredRoute != "" && strings.Contains(normText, normalize(p.PreferredRoute)) {
		return IsReply
	}
	for _, hint := range p.RouteHints {
		if h := normalize(hint); h != "" && strings.Contains(normText, h) {
			return IsReply
		}
	}

	for _, slot := range p.Missing {
		if missingTokenMatch(slot, text) {
			return IsReply
		}
	}

	if len([]rune(strings.TrimSpace(text))) >= 10 &&
		directiveVerbRe.MatchString(text) && directiveNounRe.MatchString(text) {
		return DropsPending
	}
	return NotReply
}

// missingTokenMatch runs the per-slot token test.
func missingTokenMatch(slot, text string) bool {
	switch slot {
	case "taskRef":
		return taskRefRe.MatchString(text) || ordinalRe.MatchString(text)
	case "email":
		return emailRe.MatchString(text)
	case "name":
		return looksLikeName(text)
	case "path":
		return pathRe.MatchString(text)
	case "dueAt":
		return temporalRe.MatchString(text)
	case "skillRefOrIndex":
		return skillRefRe.MatchString(text)
	case "asunto", "title", "query", "command":
		return looksLikeFreeText(text)
	default:
		return false
	}
}

// looksLikeFreeText accepts a short phrase as the answer to a free-text
// slot. Quoted answers always count; anything shaped like a fresh
// directive does not.
func looksLikeFreeText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if strings.ContainsAny(text, "\"'“”") {
		return true
	}
	if directiveVerbRe.MatchString(text) && directiveNounRe.MatchString(text) {
		return false
	}
	return len(strings.Fields(text)) <= 10
}

// looksLikeName accepts 1 to 4 words made of letters only.
func looksLikeName(text string) bool {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || len(fields) > 4 {
		return false
	}
	for _, f := range fields {
		for _, r := range f {
			if !unicode.IsLetter(r) {
				return false
			}
		}
	}
	return true
}

// RebuildText merges the clarification answer back into the original
// request so the router sees one self-contained message.
func RebuildText(p *Pending, reply string) string {
	return fmt.Sprintf("%s\nContexto previo: %s\nAclaración del usuario: %s",
		p.OriginalText, p.Question, strings.TrimSpace(reply))
}

var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalize lowercases and trims; "sí" keeps its accent so the ack table
// lists both spellings, while route hints compare accent-free.
func normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	if ackWords[text] {
		return text
	}
	stripped, _, err := transform.String(diacriticStripper, text)
	if err != nil {
		return text
	}
	return stripped
}
