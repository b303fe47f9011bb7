package embedding

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/scribelab/corrigenda/internal/domain"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestMockEmbedDeterministic(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()

	a, err := c.Embed(ctx, "history of diabetis")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	b, err := c.Embed(ctx, "history of diabetis")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}

	if len(a) != domain.EmbeddingDim {
		t.Fatalf("expected dim %d, got %d", domain.EmbeddingDim, len(a))
	}
	if sim := cosine(a, b); math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("identical text should self-match at 1.0, got %v", sim)
	}
}

func TestMockEmbedNearDuplicateSimilarity(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()

	a, _ := c.Embed(ctx, "the patient has a history of diabetis")
	b, _ := c.Embed(ctx, "the patient has a history of diabetes")

	if sim := cosine(a, b); sim <= 0.7 {
		t.Errorf("near-duplicate text should exceed 0.7 similarity, got %v", sim)
	}

	unrelated, _ := c.Embed(ctx, "quarterly revenue exceeded projections")
	if sim := cosine(a, unrelated); sim > 0.3 {
		t.Errorf("unrelated text unexpectedly similar: %v", sim)
	}
}

func TestMockEmbedUnitNorm(t *testing.T) {
	c := NewMockClient()
	vec, err := c.Embed(context.Background(), "metformin dosage")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("expected unit vector, norm^2 = %v", norm)
	}
}

func TestMockEmbedRejectsBadInput(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()

	var embErr *domain.EmbeddingError
	if _, err := c.Embed(ctx, ""); !errors.As(err, &embErr) {
		t.Errorf("empty text should produce EmbeddingError, got %v", err)
	}

	long := strings.Repeat("a", maxInputChars+1)
	if _, err := c.Embed(ctx, long); !errors.As(err, &embErr) {
		t.Errorf("oversized text should produce EmbeddingError, got %v", err)
	}
}

func TestMockEmbedBatchOrder(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()

	texts := []string{"alpha", "beta", "gamma"}
	batch, err := c.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(batch) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(batch))
	}

	for i, text := range texts {
		single, _ := c.Embed(ctx, text)
		if sim := cosine(batch[i], single); math.Abs(sim-1.0) > 1e-6 {
			t.Errorf("batch[%d] does not match single embed of %q", i, text)
		}
	}
}
