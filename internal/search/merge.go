// Package search blends keyword and vector retrieval into one ranked list.
package search

import (
	"cmp"
	"slices"
	"strings"
)

// Scored is a retrieval hit with a relevance in [0, 1].
type Scored struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Merge combines keyword and semantic hits. hybridWeight is the share of
// the semantic relevance; the keyword relevance gets the rest. Scores of
// an id present in both lists add up without renormalization. The result
// is sorted by descending score, ties by id, and cut to limit when limit
// is positive. Duplicate ids within one list keep their best score.
func Merge(keyword, semantic []Scored, hybridWeight float64, limit int) []Scored {
	combined := make(map[string]float64, len(keyword)+len(semantic))
	add := func(hits []Scored, w float64) {
		best := make(map[string]float64, len(hits))
		for _, h := range hits {
			if s, ok := best[h.ID]; !ok || h.Score > s {
				best[h.ID] = h.Score
			}
		}
		for id, s := range best {
			combined[id] += s * w
		}
	}
	add(keyword, 1-hybridWeight)
	add(semantic, hybridWeight)

	out := make([]Scored, 0, len(combined))
	for id, s := range combined {
		out = append(out, Scored{ID: id, Score: s})
	}
	slices.SortFunc(out, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// KeywordScore rates how well text matches query, case-insensitively. A
// query contained in text scores 1; otherwise the score is the fraction
// of query words found inside some word of text. A blank query scores 0.
func KeywordScore(query, text string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	t := strings.ToLower(text)
	if strings.Contains(t, q) {
		return 1
	}

	qWords := strings.Fields(q)
	tWords := strings.Fields(t)
	matched := 0
	for _, qw := range qWords {
		for _, tw := range tWords {
			if strings.Contains(tw, qw) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(qWords))
}
