package narrow

import (
	"regexp"
	"sort"
)

// Coarse domains.
const (
	DomainCommunication  = "communication"
	DomainFiles          = "files"
	DomainKnowledge      = "knowledge"
	DomainPlanningMemory = "planning-memory"
	DomainOperations     = "operations"
	DomainSocial         = "social"
)

const (
	hierarchyTopMin    = 0.45
	hierarchyStrictMin = 0.62
	hierarchySecondGap = 0.15

	boostWorkspaceDelete = 0.45
	boostIndexedList     = 0.30
	boostConnectorVerb   = 0.35
)

// domainHandlers maps each coarse domain back to its handlers.
var domainHandlers = map[string]Set{
	DomainCommunication:  NewSet(RouteGmail, RouteGmailRecipients),
	DomainFiles:          NewSet(RouteWorkspace, RouteDocument),
	DomainKnowledge:      NewSet(RouteWeb),
	DomainPlanningMemory: NewSet(RouteSchedule, RouteMemory),
	DomainOperations:     NewSet(RouteConnector, RouteSelfMaintenance),
	DomainSocial:         NewSet(RouteStoicSmalltalk),
}

// listKindDomain maps an indexed-list kind to its coarse domain.
var listKindDomain = map[string]string{
	"workspace-list": DomainFiles,
	"stored-files":   DomainFiles,
	"web-results":    DomainKnowledge,
	"gmail-list":     DomainCommunication,
}

type cue struct {
	re     *regexp.Regexp
	weight float64
}

// Hand-curated cue bundles per domain. Weights sum past 1.0 on purpose;
// scores clamp.
var domainCues = map[string][]cue{
	DomainCommunication: {
		{regexp.MustCompile(`(?i)\b(correo|correos|mail|email|gmail)\b`), 0.5},
		{regexp.MustCompile(`(?i)\b(asunto|cuerpo|bandeja|adjunto)\b`), 0.3},
		{regexp.MustCompile(`(?i)\b(destinatario|remitente|contacto|contactos)\b`), 0.35},
		{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), 0.4},
	},
	DomainFiles: {
		{regexp.MustCompile(`(?i)\b(archivo|archivos|fichero|documento|documentos|carpeta)\b`), 0.5},
		{regexp.MustCompile(`(?i)\bworkspace\b|\bworkspace/`), 0.5},
		{regexp.MustCompile(`(?i)\b(guarda|guardar|renombra|renombrar|mueve|mover)\b`), 0.25},
		{regexp.MustCompile(`(?i)[\w-]+\.(txt|md|pdf|csv|json|docx?|xlsx?)\b`), 0.4},
	},
	DomainKnowledge: {
		{regexp.MustCompile(`(?i)\b(web|internet|googlea|url|enlace|enlaces)\b`), 0.5},
		{regexp.MustCompile(`(?i)\bbusca(r)?\b.*\b(sobre|de|acerca)\b`), 0.3},
		{regexp.MustCompile(`(?i)\b(noticias|wikipedia|p[aá]gina)\b`), 0.35},
	},
	DomainPlanningMemory: {
		{regexp.MustCompile(`(?i)\b(recordatorio|recordatorios|recu[eé]rdame|agenda|agendar|tarea|tareas)\b`), 0.5},
		{regexp.MustCompile(`(?i)\b(mañana|manana|hoy|lunes|martes|mi[eé]rcoles|jueves|viernes|s[aá]bado|domingo|\d{1,2}:\d{2})\b`), 0.25},
		{regexp.MustCompile(`(?i)\b(memoria|recuerdas|apunta|anota|qu[eé] te dije)\b`), 0.45},
		{regexp.MustCompile(`(?i)\btsk[-_][a-z0-9-]+`), 0.6},
	},
	DomainOperations: {
		{regexp.MustCompile(`(?i)(^|\s)/lim\b|\bconector\b|\bconnector\b`), 0.55},
		{regexp.MustCompile(`(?i)\b(sistema|reinicia|reiniciar|actualiza|actualizar|instala|instalar|ejecuta|ejecutar|shell|comando)\b`), 0.4},
		{regexp.MustCompile(`(?i)\bhabilidad(es)?\b|\bsk[-_][a-z0-9-]+`), 0.4},
	},
	DomainSocial: {
		{regexp.MustCompile(`(?i)\b(hola|buenas|buenos d[ií]as|gracias|jaja)\b`), 0.4},
		{regexp.MustCompile(`(?i)\b(c[oó]mo est[aá]s|qu[eé] tal|consejo|[aá]nimo|filosof[ií]a|estoico)\b`), 0.45},
	},
}

// ScoreDomains computes the weighted domain scores for an input, context
// boosts included. Scores clamp to [0,1].
func ScoreDomains(text string, ctx ChatContext) map[string]float64 {
	scores := make(map[string]float64, len(domainCues))
	for domain, cues := range domainCues {
		var sum float64
		for _, c := range cues {
			if c.re.MatchString(text) {
				sum += c.weight
			}
		}
		scores[domain] = sum
	}

	if ctx.PendingWorkspaceDelete {
		scores[DomainFiles] += boostWorkspaceDelete
	}
	if d, ok := listKindDomain[ctx.IndexedListKind]; ok {
		scores[d] += boostIndexedList
	}
	if ctx.RecentConnector && operationalVerbRe.MatchString(text) {
		scores[DomainOperations] += boostConnectorVerb
	}

	for d, v := range scores {
		if v > 1 {
			scores[d] = 1
		}
	}
	return scores
}

// Hierarchy expands the best-scoring coarse domain (and a close second)
// into handlers. Scores under the floor leave the set untouched.
func Hierarchy(text string, ctx ChatContext, in Set) Result {
	scores := ScoreDomains(text, ctx)

	// Ties resolve by name so equal inputs always narrow the same way.
	domains := make([]string, 0, len(scores))
	for d := range scores {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	top, second := "", ""
	for _, d := range domains {
		v := scores[d]
		switch {
		case top == "" || v > scores[top]:
			second = top
			top = d
		case second == "" || v > scores[second]:
			second = d
		}
	}
	if top == "" || scores[top] < hierarchyTopMin {
		return Result{Set: in, Reasons: []string{"hierarchy-below-floor"}}
	}

	set := domainHandlers[top]
	reasons := []string{"hierarchy-top:" + top}
	if second != "" && scores[top]-scores[second] <= hierarchySecondGap && scores[second] >= hierarchyTopMin {
		set = set.Union(domainHandlers[second])
		reasons = append(reasons, "hierarchy-second:"+second)
	}

	forced := ctx.PendingWorkspaceDelete || listKindDomain[ctx.IndexedListKind] == top
	strict := scores[top] >= hierarchyStrictMin || forced

	return Result{Set: set, Strict: strict, Exhausted: strict, Reasons: reasons}
}
