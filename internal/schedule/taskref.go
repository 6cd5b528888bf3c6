package schedule

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/almacen/mayordomo/internal/fault"
	"github.com/almacen/mayordomo/internal/store"
)

var (
	taskIDRe  = regexp.MustCompile(`\btsk[-_][0-9a-z][0-9a-z-]*(\.\.\.|…)?`)
	ordinalRe = regexp.MustCompile(`\b(\d{1,2})\b`)
	lastRefRe = regexp.MustCompile(`\b(ultimo|ultima|último|última|last)\b`)
)

// ResolveTaskRef maps a user reference onto one of the chat's pending
// tasks. Accepted forms: full id (underscore and dash are equivalent), id
// prefix with a trailing ellipsis when unique, ordinal over the pending
// list, or "último"/"last". Ambiguous or unmatched references return a
// validation error.
func ResolveTaskRef(ctx context.Context, st *store.Store, chatID int64, ref string) (*store.ScheduledTask, error) {
	ref = strings.ToLower(strings.TrimSpace(ref))
	pending, err := st.PendingTasks(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, fault.Validation("no tienes tareas pendientes")
	}

	if m := taskIDRe.FindString(ref); m != "" {
		prefixOnly := strings.HasSuffix(m, "...") || strings.HasSuffix(m, "…")
		id := strings.TrimSuffix(strings.TrimSuffix(m, "..."), "…")
		id = "tsk-" + strings.TrimPrefix(strings.TrimPrefix(id, "tsk_"), "tsk-")

		var matches []*store.ScheduledTask
		for i := range pending {
			switch {
			case pending[i].ID == id:
				return &pending[i], nil
			case prefixOnly && strings.HasPrefix(pending[i].ID, id):
				matches = append(matches, &pending[i])
			}
		}
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 0:
			return nil, fault.Validation("no encuentro la tarea %s", id)
		default:
			return nil, fault.Validation("el prefijo %s coincide con %d tareas", id, len(matches))
		}
	}

	if lastRefRe.MatchString(ref) {
		return &pending[len(pending)-1], nil
	}

	if m := ordinalRe.FindStringSubmatch(ref); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > len(pending) {
			return nil, fault.Validation("solo hay %d tareas pendientes", len(pending))
		}
		return &pending[n-1], nil
	}

	return nil, fault.Validation("no entiendo a qué tarea te refieres")
}
