package search

import (
	"sort"

	"podsearch/internal/vectorindex"
)

// Result is one merged hit. Model is the label of the collection whose score won.
type Result struct {
	Key     string              `json:"key"`
	Score   float32             `json:"score"`
	Payload vectorindex.Payload `json:"payload"`
	Model   string              `json:"model"`
}

// List is the ranked output of one collection.
type List struct {
	Label string
	Hits  []vectorindex.Hit
}

// Merge fuses ranked lists by segment key. For every key the highest score is
// kept; on a tie the first one seen wins, so earlier lists take precedence.
// The output is sorted by score, descending and stable, and cut to limit.
func Merge(limit int, lists ...List) []Result {
	byKey := make(map[string]int)
	var out []Result
	for _, l := range lists {
		for _, h := range l.Hits {
			key := h.Payload.Key()
			i, seen := byKey[key]
			if !seen {
				byKey[key] = len(out)
				out = append(out, Result{Key: key, Score: h.Score, Payload: h.Payload, Model: l.Label})
				continue
			}
			if h.Score > out[i].Score {
				out[i] = Result{Key: key, Score: h.Score, Payload: h.Payload, Model: l.Label}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
