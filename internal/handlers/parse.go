package handlers

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	quotedRe = regexp.MustCompile(`"([^"]+)"|'([^']+)'|«([^»]+)»`)

	deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// foldText lowercases and strips diacritics so parsers match "mañana" and
// "manana" alike.
func foldText(s string) string {
	out, _, err := transform.String(deaccent, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

func firstEmail(text string) string {
	return emailRe.FindString(text)
}

// quotedSpans returns every quoted fragment in order.
func quotedSpans(text string) []string {
	var out []string
	for _, m := range quotedRe.FindAllStringSubmatch(text, -1) {
		for _, g := range m[1:] {
			if g != "" {
				out = append(out, g)
			}
		}
	}
	return out
}

var (
	relativeRe = regexp.MustCompile(`\ben (\d+) (minuto|minutos|min|hora|horas|dia|dias)\b`)
	clockRe    = regexp.MustCompile(`\ba las? (\d{1,2})(?::(\d{2}))?\b`)
	weekdayRe  = regexp.MustCompile(`\bel (lunes|martes|miercoles|jueves|viernes|sabado|domingo)\b`)
	dailyRe    = regexp.MustCompile(`\b(cada dia|todos los dias|a diario)\b`)
	weeklyRe   = regexp.MustCompile(`\bcada (lunes|martes|miercoles|jueves|viernes|sabado|domingo)\b`)
)

var weekdays = map[string]time.Weekday{
	"lunes":     time.Monday,
	"martes":    time.Tuesday,
	"miercoles": time.Wednesday,
	"jueves":    time.Thursday,
	"viernes":   time.Friday,
	"sabado":    time.Saturday,
	"domingo":   time.Sunday,
}

// When is a parsed temporal expression: a concrete fire time plus an
// optional cron spec for recurring phrasings.
type When struct {
	At     time.Time
	Repeat string
}

// parseWhen extracts a due time from folded Spanish text. Returns false
// when no temporal expression is present.
func parseWhen(folded string, now time.Time) (When, bool) {
	hour, minute, hasClock := 9, 0, false
	if m := clockRe.FindStringSubmatch(folded); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h <= 23 {
			hour, hasClock = h, true
			if m[2] != "" {
				minute, _ = strconv.Atoi(m[2])
			}
		}
	}

	if m := weeklyRe.FindStringSubmatch(folded); m != nil {
		wd := weekdays[m[1]]
		at := nextWeekday(now, wd, hour, minute)
		// cron: minute hour * * weekday
		return When{At: at, Repeat: fmt.Sprintf("%d %d * * %d", minute, hour, int(wd))}, true
	}
	if dailyRe.MatchString(folded) {
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !at.After(now) {
			at = at.Add(24 * time.Hour)
		}
		return When{At: at, Repeat: fmt.Sprintf("%d %d * * *", minute, hour)}, true
	}

	if m := relativeRe.FindStringSubmatch(folded); m != nil {
		n, _ := strconv.Atoi(m[1])
		var d time.Duration
		switch {
		case strings.HasPrefix(m[2], "min"):
			d = time.Duration(n) * time.Minute
		case strings.HasPrefix(m[2], "hora"):
			d = time.Duration(n) * time.Hour
		default:
			d = time.Duration(n) * 24 * time.Hour
		}
		return When{At: now.Add(d)}, true
	}

	if m := weekdayRe.FindStringSubmatch(folded); m != nil {
		return When{At: nextWeekday(now, weekdays[m[1]], hour, minute)}, true
	}

	switch {
	case strings.Contains(folded, "pasado manana"):
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		return When{At: at.Add(48 * time.Hour)}, true
	case strings.Contains(folded, "manana"):
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		return When{At: at.Add(24 * time.Hour)}, true
	case strings.Contains(folded, "hoy") && hasClock:
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !at.After(now) {
			at = at.Add(24 * time.Hour)
		}
		return When{At: at}, true
	case hasClock:
		at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !at.After(now) {
			at = at.Add(24 * time.Hour)
		}
		return When{At: at}, true
	}

	return When{}, false
}

func nextWeekday(now time.Time, wd time.Weekday, hour, minute int) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	days := (int(wd) - int(now.Weekday()) + 7) % 7
	if days == 0 && !at.After(now) {
		days = 7
	}
	return at.AddDate(0, 0, days)
}

// stripPhrases removes every listed phrase from the folded text, used to
// isolate the free-text payload after slots are consumed.
func stripPhrases(folded string, phrases ...string) string {
	for _, p := range phrases {
		folded = strings.ReplaceAll(folded, p, " ")
	}
	return strings.Join(strings.Fields(folded), " ")
}
