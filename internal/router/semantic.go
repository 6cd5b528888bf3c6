package router

import "math"

// Semantic similarity uses bag-of-character-trigram TF-IDF vectors with
// cosine similarity, max-pooled over a route's utterances. The contract is
// only that scores are scale-invariant in [0,1]; a richer embedding model
// can replace this without touching the ranking code.

const ngramSize = 3

type sparseVec map[string]float64

// charNgrams counts padded character trigrams of the normalized text.
func charNgrams(text string) map[string]int {
	norm := " " + normalizeText(text) + " "
	counts := make(map[string]int)
	runes := []rune(norm)
	if len(runes) < ngramSize {
		counts[string(runes)]++
		return counts
	}
	for i := 0; i+ngramSize <= len(runes); i++ {
		counts[string(runes[i:i+ngramSize])]++
	}
	return counts
}

// SemanticIndex holds the per-corpus IDF table and the precomputed
// utterance vectors for every route. Rebuilt whenever routes reload.
type SemanticIndex struct {
	idf       map[string]float64
	vectors   map[string][]sparseVec // route → positive utterance vectors
	negatives map[string][]sparseVec
}

// BuildSemanticIndex computes IDF over all utterances (negatives included)
// and vectorizes them.
func BuildSemanticIndex(routes []RouteDef) *SemanticIndex {
	var docs []map[string]int
	for _, r := range routes {
		for _, u := range r.Utterances {
			docs = append(docs, charNgrams(u))
		}
		for _, u := range r.NegativeUtterances {
			docs = append(docs, charNgrams(u))
		}
	}

	df := make(map[string]int)
	for _, d := range docs {
		for g := range d {
			df[g]++
		}
	}
	n := float64(len(docs))
	idf := make(map[string]float64, len(df))
	for g, c := range df {
		idf[g] = math.Log(1 + n/float64(c))
	}

	idx := &SemanticIndex{
		idf:       idf,
		vectors:   make(map[string][]sparseVec, len(routes)),
		negatives: make(map[string][]sparseVec, len(routes)),
	}
	for _, r := range routes {
		for _, u := range r.Utterances {
			idx.vectors[r.Name] = append(idx.vectors[r.Name], idx.vectorize(u))
		}
		for _, u := range r.NegativeUtterances {
			idx.negatives[r.Name] = append(idx.negatives[r.Name], idx.vectorize(u))
		}
	}
	return idx
}

// vectorize builds a unit-norm TF-IDF vector. Unknown ngrams get a neutral
// IDF of 1 so inputs outside the corpus still compare.
func (idx *SemanticIndex) vectorize(text string) sparseVec {
	counts := charNgrams(text)
	vec := make(sparseVec, len(counts))
	var sumSq float64
	for g, c := range counts {
		w := idx.idf[g]
		if w == 0 {
			w = 1
		}
		v := float64(c) * w
		vec[g] = v
		sumSq += v * v
	}
	if sumSq > 0 {
		norm := math.Sqrt(sumSq)
		for g := range vec {
			vec[g] /= norm
		}
	}
	return vec
}

// cosine over unit vectors is their dot product.
func cosine(a, b sparseVec) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for g, v := range a {
		dot += v * b[g]
	}
	if dot < 0 {
		return 0
	}
	if dot > 1 {
		return 1
	}
	return dot
}

// Score returns the max-pooled similarity of text against a route's
// utterances, minus a malus for the best-matching negative utterance.
func (idx *SemanticIndex) Score(text, route string) float64 {
	input := idx.vectorize(text)

	best := 0.0
	for _, v := range idx.vectors[route] {
		if s := cosine(input, v); s > best {
			best = s
		}
	}
	worstNeg := 0.0
	for _, v := range idx.negatives[route] {
		if s := cosine(input, v); s > worstNeg {
			worstNeg = s
		}
	}

	score := best - negativeMalus*worstNeg
	if score < 0 {
		return 0
	}
	return score
}
