// Package index provides exhaustive cosine-similarity ranking over in-memory
// pattern sets. It serves the cache-resident path of candidate matching;
// large sets are delegated to the pattern store's vector index instead.
package index

import (
	"math"
	"sort"
	"time"

	"github.com/scribelab/corrigenda/internal/domain"
)

// Cosine computes the cosine similarity of two vectors. Mismatched lengths,
// empty inputs, and zero vectors all yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Scan ranks patterns against query by cosine similarity, drops entries
// below minSimilarity, and returns at most topK results. Ordering is
// deterministic: similarity desc, then success rate desc, then most recent
// last use, then id. Patterns without an embedding are skipped.
func Scan(patterns []domain.Pattern, query []float32, topK int, minSimilarity float64) []domain.PatternWithScore {
	if len(query) == 0 || topK <= 0 || len(patterns) == 0 {
		return nil
	}

	results := make([]domain.PatternWithScore, 0, len(patterns))
	for _, p := range patterns {
		if len(p.Embedding) == 0 {
			continue
		}
		score := Cosine(query, p.Embedding)
		if score < minSimilarity {
			continue
		}
		results = append(results, domain.PatternWithScore{Pattern: p, Similarity: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		ri, rj := results[i].SuccessRate(), results[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		ti, tj := lastUsed(&results[i].Pattern), lastUsed(&results[j].Pattern)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return results[i].ID.String() < results[j].ID.String()
	})

	if topK > len(results) {
		topK = len(results)
	}

	return results[:topK]
}

func lastUsed(p *domain.Pattern) time.Time {
	if p.LastUsedAt != nil {
		return *p.LastUsedAt
	}
	return p.CreatedAt
}
