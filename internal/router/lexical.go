package router

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var lexStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeText lowercases, strips diacritics and collapses non-alphanumeric
// runs to single spaces. Both scorers share it so "envía" and "envia" rank
// identically.
func normalizeText(text string) string {
	stripped, _, err := transform.String(lexStripper, strings.ToLower(text))
	if err != nil {
		stripped = strings.ToLower(text)
	}
	var b strings.Builder
	space := false
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

func tokenize(text string) []string {
	return strings.Fields(normalizeText(text))
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// jaccard is |A∩B| / |A∪B| over token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// prefixOverlap rewards shared leading tokens, which catch command-like
// phrasings ("lista tareas" vs "lista mis tareas de hoy").
func prefixOverlap(input, utterance []string) float64 {
	n := len(input)
	if len(utterance) < n {
		n = len(utterance)
	}
	if n == 0 {
		return 0
	}
	shared := 0
	for i := 0; i < n; i++ {
		if input[i] != utterance[i] {
			break
		}
		shared++
	}
	return float64(shared) / float64(n)
}

const negativeMalus = 0.5

// LexicalScore is the best per-utterance match for a route in [0,1]:
// weighted token-Jaccard plus prefix overlap, minus a malus when a negative
// utterance matches at least as well.
func LexicalScore(text string, route RouteDef) float64 {
	inputTokens := tokenize(text)
	input := tokenSet(inputTokens)
	if len(input) == 0 {
		return 0
	}

	best := 0.0
	for _, utt := range route.Utterances {
		uttTokens := tokenize(utt)
		score := 0.7*jaccard(input, tokenSet(uttTokens)) + 0.3*prefixOverlap(inputTokens, uttTokens)
		if score > best {
			best = score
		}
	}

	worstNeg := 0.0
	for _, neg := range route.NegativeUtterances {
		negTokens := tokenize(neg)
		score := 0.7*jaccard(input, tokenSet(negTokens)) + 0.3*prefixOverlap(inputTokens, negTokens)
		if score > worstNeg {
			worstNeg = score
		}
	}

	score := best - negativeMalus*worstNeg
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
