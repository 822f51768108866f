package registry

import (
	"sort"

	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/names"
)

// FindSimilar scans records of entityType and returns up to limit candidates
// scored on the three-tier scale of names.Similarity. Candidates scoring 0
// are excluded. Results are ordered by similarity, then mention count, both
// descending; key order breaks remaining ties so output is deterministic.
//
// A limit <= 0 returns every match.
func (r *Registry) FindSimilar(text, entityType string, limit int) []model.MatchCandidate {
	var out []model.MatchCandidate
	for _, key := range r.byType[entityType] {
		rec := r.records[key]
		sim := names.Similarity(text, rec.DisplayText)
		for _, alias := range rec.Aliases {
			if s := names.Similarity(text, alias); s > sim {
				sim = s
			}
		}
		if sim == 0 {
			continue
		}
		out = append(out, model.MatchCandidate{
			EntityKey:    rec.Key,
			DisplayText:  rec.DisplayText,
			Similarity:   sim,
			MentionCount: rec.MentionCount,
		})
	}

	SortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SortCandidates orders candidates by (similarity desc, mentionCount desc, key asc).
func SortCandidates(c []model.MatchCandidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Similarity != c[j].Similarity {
			return c[i].Similarity > c[j].Similarity
		}
		if c[i].MentionCount != c[j].MentionCount {
			return c[i].MentionCount > c[j].MentionCount
		}
		return c[i].EntityKey < c[j].EntityKey
	})
}
