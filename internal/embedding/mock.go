package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/scribelab/corrigenda/internal/domain"
)

// MockClient produces deterministic embeddings with no network dependency.
//
// Vectors are L2-normalized bags of hashed features: one feature per
// lowercased token plus one per character trigram within each token.
// Identical text therefore embeds to the same unit vector (self-similarity
// exactly 1.0), and text sharing words or spelling fragments lands nearby
// in cosine space. That is enough signal for local development and for
// tests that exercise similarity thresholds.
type MockClient struct{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (c *MockClient) Embed(_ context.Context, text string) ([]float32, error) {
	if err := checkInput(text); err != nil {
		return nil, err
	}
	return hashEmbed(text), nil
}

func (c *MockClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &domain.EmbeddingError{Reason: "no input"}
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

// tokenWeight makes whole-word agreement count more than shared trigrams so
// exact word matches dominate fuzzy spelling overlap.
const tokenWeight = 2.0

func hashEmbed(text string) []float32 {
	vec := make([]float32, domain.EmbeddingDim)

	for _, tok := range strings.Fields(strings.ToLower(text)) {
		addFeature(vec, "w:"+tok, tokenWeight)

		padded := "^" + tok + "$"
		runes := []rune(padded)
		for i := 0; i+3 <= len(runes); i++ {
			addFeature(vec, "t:"+string(runes[i:i+3]), 1.0)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Whitespace-only input: give it a stable direction instead of a
		// zero vector, which would break cosine math downstream.
		addFeature(vec, "w:", tokenWeight)
		return hashNormalize(vec)
	}

	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func hashNormalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(feature))
	vec[h.Sum32()%uint32(len(vec))] += weight
}
