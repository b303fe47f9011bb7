package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scribelab/corrigenda/internal/cache"
	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/embedding"
)

func setupPatternTest() (*PatternService, *mockPatternStore, *cache.SpeakerCache) {
	patterns := newMockPatternStore()
	speakerCache := cache.New(patterns, cache.Config{})
	svc := NewPatternService(patterns, embedding.NewMockClient(), speakerCache, zap.NewNop())
	return svc, patterns, speakerCache
}

func TestRegisterPattern(t *testing.T) {
	svc, patterns, _ := setupPatternTest()
	speaker := "spk_9f2"

	p := &domain.Pattern{
		SpeakerID:     &speaker,
		OriginalText:  "  diabetis  ",
		CorrectedText: "diabetes",
		ContextText:   "blood sugar",
	}
	if err := svc.Register(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.ID != domain.NewPatternID(&speaker, "diabetis", "diabetes") {
		t.Fatalf("expected content-derived id, got %s", p.ID)
	}
	if p.OriginalText != "diabetis" {
		t.Fatalf("expected trimmed original, got %q", p.OriginalText)
	}
	if len(p.Embedding) != domain.EmbeddingDim {
		t.Fatalf("expected %d-dim embedding, got %d", domain.EmbeddingDim, len(p.Embedding))
	}
	if len(p.ContextEmbedding) != domain.EmbeddingDim {
		t.Fatalf("expected context embedding, got %d dims", len(p.ContextEmbedding))
	}
	if p.Category != domain.CategoryOther {
		t.Fatalf("expected default category, got %q", p.Category)
	}
	if !p.Active || p.Version != 1 {
		t.Fatalf("expected active v1 pattern, got active=%v version=%d", p.Active, p.Version)
	}
	if patterns.get(p.ID) == nil {
		t.Fatal("expected pattern persisted")
	}
}

func TestRegisterPatternValidation(t *testing.T) {
	svc, _, _ := setupPatternTest()
	ctx := context.Background()

	if err := svc.Register(ctx, &domain.Pattern{CorrectedText: "x"}); err != ErrPatternOriginalEmpty {
		t.Fatalf("expected ErrPatternOriginalEmpty, got %v", err)
	}
	if err := svc.Register(ctx, &domain.Pattern{OriginalText: "x"}); err != ErrPatternCorrectedEmpty {
		t.Fatalf("expected ErrPatternCorrectedEmpty, got %v", err)
	}
	if err := svc.Register(ctx, &domain.Pattern{OriginalText: "Diabetes", CorrectedText: "diabetes"}); err != ErrPatternNoChange {
		t.Fatalf("expected ErrPatternNoChange, got %v", err)
	}
}

func TestRegisterPatternBlankSpeakerIsGlobal(t *testing.T) {
	svc, _, _ := setupPatternTest()
	blank := "   "

	p := &domain.Pattern{
		SpeakerID:     &blank,
		OriginalText:  "diabetis",
		CorrectedText: "diabetes",
	}
	if err := svc.Register(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.SpeakerID != nil {
		t.Fatalf("expected blank speaker normalized to global, got %q", *p.SpeakerID)
	}
}

func TestRegisterPatternUpsertKeepsStats(t *testing.T) {
	svc, patterns, _ := setupPatternTest()
	speaker := "spk_9f2"
	ctx := context.Background()

	p := &domain.Pattern{SpeakerID: &speaker, OriginalText: "diabetis", CorrectedText: "diabetes"}
	if err := svc.Register(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := patterns.UpdateStats(ctx, p.ID, 5, 4); err != nil {
		t.Fatalf("seed stats: %v", err)
	}

	again := &domain.Pattern{SpeakerID: &speaker, OriginalText: "diabetis", CorrectedText: "diabetes", Category: "medication"}
	if err := svc.Register(ctx, again); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if again.ID != p.ID {
		t.Fatal("expected the same triple to map to the same id")
	}
	if again.Version != 2 {
		t.Fatalf("expected version bumped to 2, got %d", again.Version)
	}
	if again.UsageCount != 5 || again.SuccessCount != 4 {
		t.Fatalf("expected stats preserved across upsert, got %d/%d", again.UsageCount, again.SuccessCount)
	}
}

func TestRegisterPatternEmbeddingFailure(t *testing.T) {
	patterns := newMockPatternStore()
	speakerCache := cache.New(patterns, cache.Config{})
	svc := NewPatternService(patterns, &failingEmbedder{err: &domain.EmbeddingError{Reason: "provider down"}}, speakerCache, zap.NewNop())

	err := svc.Register(context.Background(), &domain.Pattern{OriginalText: "diabetis", CorrectedText: "diabetes"})
	if err == nil {
		t.Fatal("expected registration to fail without an embedding")
	}
	patterns.mu.Lock()
	stored := len(patterns.patterns)
	patterns.mu.Unlock()
	if stored != 0 {
		t.Fatalf("expected nothing persisted, got %d patterns", stored)
	}
}

func TestRegisterPatternInvalidatesCache(t *testing.T) {
	svc, _, speakerCache := setupPatternTest()
	speaker := "spk_9f2"
	ctx := context.Background()

	if got, _, err := speakerCache.Patterns(ctx, speaker); err != nil || len(got) != 0 {
		t.Fatalf("expected empty warm cache, got %d patterns, err %v", len(got), err)
	}

	p := &domain.Pattern{SpeakerID: &speaker, OriginalText: "diabetis", CorrectedText: "diabetes"}
	if err := svc.Register(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _, err := speakerCache.Patterns(ctx, speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the new pattern visible immediately, got %d", len(got))
	}
}

func TestGetPatternNotFound(t *testing.T) {
	svc, _, _ := setupPatternTest()

	if _, err := svc.Get(context.Background(), uuid.New()); err != ErrPatternNotFound {
		t.Fatalf("expected ErrPatternNotFound, got %v", err)
	}
}

func TestDeactivatePattern(t *testing.T) {
	svc, patterns, speakerCache := setupPatternTest()
	speaker := "spk_9f2"
	ctx := context.Background()
	p := testPattern(t, &speaker, "diabetis", "diabetes", 10, 9)
	patterns.add(p)

	if _, _, err := speakerCache.Patterns(ctx, speaker); err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	if err := svc.Deactivate(ctx, p.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if patterns.get(p.ID).Active {
		t.Fatal("expected pattern inactive")
	}

	got, _, err := speakerCache.Patterns(ctx, speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected deactivated pattern gone from cache, got %d", len(got))
	}

	if err := svc.Deactivate(ctx, uuid.New()); err != ErrPatternNotFound {
		t.Fatalf("expected ErrPatternNotFound, got %v", err)
	}
}

func TestListPatterns(t *testing.T) {
	svc, patterns, _ := setupPatternTest()
	speaker := "spk_9f2"
	ctx := context.Background()

	own := testPattern(t, &speaker, "diabetis", "diabetes", 10, 9)
	own.Category = "medication"
	patterns.add(own)
	patterns.add(testPattern(t, nil, "hypertenshun", "hypertension", 5, 5))
	other := "spk_other"
	patterns.add(testPattern(t, &other, "panadoll", "panadol", 3, 3))

	merged, err := svc.List(ctx, &speaker, true, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("expected own+global = 2, got %d", len(merged))
	}

	ownOnly, err := svc.List(ctx, &speaker, false, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ownOnly) != 1 {
		t.Fatalf("expected 1 speaker pattern, got %d", len(ownOnly))
	}

	globalOnly, err := svc.List(ctx, nil, true, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(globalOnly) != 1 || globalOnly[0].SpeakerID != nil {
		t.Fatalf("expected only the global pattern, got %+v", globalOnly)
	}

	byCategory, err := svc.List(ctx, &speaker, true, "medication")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byCategory) != 1 || byCategory[0].Category != "medication" {
		t.Fatalf("expected the medication pattern alone, got %+v", byCategory)
	}
}

func TestSpeakerStatsService(t *testing.T) {
	svc, patterns, _ := setupPatternTest()
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 10, 8))
	patterns.add(testPattern(t, &speaker, "panadoll", "panadol", 4, 1))

	got, err := svc.Stats(context.Background(), speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.TotalPatterns != 2 || got.ActivePatterns != 2 {
		t.Fatalf("expected 2/2 patterns, got %d/%d", got.TotalPatterns, got.ActivePatterns)
	}
	if got.TotalUsage != 14 || got.TotalSuccess != 9 {
		t.Fatalf("expected usage 14 success 9, got %d/%d", got.TotalUsage, got.TotalSuccess)
	}

	if _, err := svc.Stats(context.Background(), "spk_unknown"); err != ErrSpeakerNotFound {
		t.Fatalf("expected ErrSpeakerNotFound, got %v", err)
	}
	if _, err := svc.Stats(context.Background(), "  "); err != ErrSpeakerIDMissing {
		t.Fatalf("expected ErrSpeakerIDMissing, got %v", err)
	}
}
