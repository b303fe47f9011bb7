package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/scribelab/corrigenda/internal/cache"
	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/embedding"
)

func setupMatcherTest(cfg MatcherConfig) (*Matcher, *mockPatternStore) {
	patterns := newMockPatternStore()
	speakerCache := cache.New(patterns, cache.Config{})
	m := NewMatcher(speakerCache, patterns, embedding.NewMockClient(), cfg, zap.NewNop())
	return m, patterns
}

func TestFindCandidatesRanksBySimilarity(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{})
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 10, 9))
	patterns.add(testPattern(t, &speaker, "hypertenshun", "hypertension", 5, 5))

	got, err := m.FindCandidates(context.Background(), "diabetis", speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one candidate")
	}
	if got[0].Pattern.OriginalText != "diabetis" {
		t.Fatalf("expected top candidate diabetis, got %q", got[0].Pattern.OriginalText)
	}
	if got[0].Similarity < 0.99 {
		t.Fatalf("expected near-exact similarity, got %v", got[0].Similarity)
	}
}

func TestFindCandidatesIncludesGlobalPatterns(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{})
	speaker := "spk_9f2"
	patterns.add(testPattern(t, nil, "diabetis", "diabetes", 10, 9))

	got, err := m.FindCandidates(context.Background(), "diabetis", speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the global pattern to match, got %d candidates", len(got))
	}
	if got[0].Pattern.SpeakerSpecific() {
		t.Fatal("expected a global candidate")
	}
}

func TestFindCandidatesShortSegment(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{})
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 10, 9))

	got, err := m.FindCandidates(context.Background(), "ok", speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no candidates for short segment, got %d", len(got))
	}
}

func TestFindCandidatesDelegatesToStoreAboveThreshold(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{ScanThreshold: 1})
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 10, 9))
	patterns.add(testPattern(t, &speaker, "hypertenshun", "hypertension", 5, 5))

	got, err := m.FindCandidates(context.Background(), "diabetis", speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected candidates from the store path")
	}
	patterns.mu.Lock()
	calls := patterns.queryCalls
	patterns.mu.Unlock()
	if calls == 0 {
		t.Fatal("expected ranking to be delegated to the store")
	}
}

func TestFindCandidatesStoreFallbackToLocalScan(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{ScanThreshold: 1})
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 10, 9))
	patterns.add(testPattern(t, &speaker, "hypertenshun", "hypertension", 5, 5))
	patterns.queryErr = domain.ErrStoreUnavailable

	got, err := m.FindCandidates(context.Background(), "diabetis", speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected local scan fallback to produce candidates")
	}
	if got[0].Pattern.OriginalText != "diabetis" {
		t.Fatalf("expected top candidate diabetis, got %q", got[0].Pattern.OriginalText)
	}
}

func TestScanTranscriptFindsExactWord(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{})
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 10, 9))

	text := "Patient has diabetis and is stable"
	scan, err := m.ScanTranscript(context.Background(), text, speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scan.Candidates) == 0 {
		t.Fatal("expected candidates")
	}

	var best *domain.MatchCandidate
	for i := range scan.Candidates {
		c := &scan.Candidates[i]
		if best == nil || c.Similarity > best.Similarity {
			best = c
		}
	}
	if text[best.Span.Start:best.Span.End] != "diabetis" {
		t.Fatalf("expected best span over diabetis, got %q", text[best.Span.Start:best.Span.End])
	}
	if best.Similarity < 0.99 {
		t.Fatalf("expected near-exact similarity, got %v", best.Similarity)
	}
}

func TestScanTranscriptRefinesPaddedWindows(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{})
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 10, 9))

	text := "Patient has diabetis and is stable"
	scan, err := m.ScanTranscript(context.Background(), text, speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Padded windows ("has diabetis", "Patient has diabetis") must collapse
	// onto the bare word, so the pattern yields exactly one candidate.
	if len(scan.Candidates) != 1 {
		t.Fatalf("expected 1 collapsed candidate, got %d: %+v", len(scan.Candidates), scan.Candidates)
	}
	c := scan.Candidates[0]
	if got := text[c.Span.Start:c.Span.End]; got != "diabetis" {
		t.Fatalf("expected span over the bare word, got %q", got)
	}
	if c.Segment != "diabetis" {
		t.Fatalf("expected segment %q, got %q", "diabetis", c.Segment)
	}
	if c.Similarity < 0.99 {
		t.Fatalf("expected the exact window's similarity to win, got %v", c.Similarity)
	}
}

func TestScanTranscriptTrimsPunctuation(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{})
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 10, 9))

	text := "Patient has diabetis."
	scan, err := m.ScanTranscript(context.Background(), text, speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, c := range scan.Candidates {
		if text[c.Span.Start:c.Span.End] == "diabetis" {
			found = true
		}
		if text[c.Span.End-1] == '.' {
			t.Fatalf("span %v should not cover trailing punctuation", c.Span)
		}
	}
	if !found {
		t.Fatal("expected a candidate spanning the bare word")
	}
}

func TestScanTranscriptMatchesMultiTokenWindow(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{})
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "met forman", "metformin", 10, 9))

	text := "took met forman daily"
	scan, err := m.ScanTranscript(context.Background(), text, speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	found := false
	for _, c := range scan.Candidates {
		if c.Segment == "met forman" && c.Similarity > 0.99 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an exact multi-token candidate, got %+v", scan.Candidates)
	}
}

func TestScanTranscriptPrefilterDropsUnrelatedText(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{})
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 10, 9))

	scan, err := m.ScanTranscript(context.Background(), "the quick brown fox jumps", speaker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scan.WindowsTried != 0 {
		t.Fatalf("expected prefilter to drop every window, embedded %d", scan.WindowsTried)
	}
	if len(scan.Candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(scan.Candidates))
	}
}

func TestScanTranscriptNoPatterns(t *testing.T) {
	m, _ := setupMatcherTest(MatcherConfig{})

	scan, err := m.ScanTranscript(context.Background(), "Patient has diabetis", "spk_9f2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scan.Candidates) != 0 || scan.WindowsTried != 0 {
		t.Fatalf("expected an empty scan, got %+v", scan)
	}
}

func TestScanTranscriptColdCacheStoreDown(t *testing.T) {
	m, patterns := setupMatcherTest(MatcherConfig{})
	patterns.setErr(domain.ErrStoreUnavailable)

	scan, err := m.ScanTranscript(context.Background(), "Patient has diabetis", "spk_9f2")
	if err != nil {
		t.Fatalf("expected graceful degradation, got error: %v", err)
	}
	if !scan.StoreFailed {
		t.Fatal("expected StoreFailed to be set")
	}
	if len(scan.Candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(scan.Candidates))
	}
}

func TestScanTranscriptEmbeddingTotalFailure(t *testing.T) {
	patterns := newMockPatternStore()
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 10, 9))
	speakerCache := cache.New(patterns, cache.Config{})
	m := NewMatcher(speakerCache, patterns, &failingEmbedder{err: &domain.EmbeddingError{Reason: "provider down"}}, MatcherConfig{}, zap.NewNop())

	_, err := m.ScanTranscript(context.Background(), "Patient has diabetis", speaker)
	var embErr *domain.EmbeddingError
	if !errors.As(err, &embErr) {
		t.Fatalf("expected an embedding error when no window embeds, got %v", err)
	}
}

func TestScanTranscriptPartialEmbeddingFailure(t *testing.T) {
	patterns := newMockPatternStore()
	speaker := "spk_9f2"
	patterns.add(testPattern(t, &speaker, "diabetis", "diabetes", 50, 48))
	patterns.add(testPattern(t, &speaker, "met forman", "metformin", 30, 28))
	speakerCache := cache.New(patterns, cache.Config{})
	emb := &patchyEmbedder{inner: embedding.NewMockClient(), blocked: "forman"}
	m := NewMatcher(speakerCache, patterns, emb, MatcherConfig{}, zap.NewNop())

	scan, err := m.ScanTranscript(context.Background(), "Patient has diabetis on met forman", speaker)
	if err != nil {
		t.Fatalf("expected degradation while some windows embed, got error: %v", err)
	}
	if scan.EmbedFailures == 0 {
		t.Fatal("expected embed failures to be counted")
	}
	var matched bool
	for _, c := range scan.Candidates {
		if c.Pattern.OriginalText == "diabetis" {
			matched = true
		}
	}
	if !matched {
		t.Fatal("expected candidates from the windows that embedded")
	}
}

func TestWindowsWidestFirst(t *testing.T) {
	text := "one two three four"
	got := windows(text, 3, 3)

	if len(got) != 9 {
		t.Fatalf("expected 9 windows, got %d", len(got))
	}
	if got[0].Text != "one two three" {
		t.Fatalf("expected widest window first, got %q", got[0].Text)
	}
	if got[len(got)-1].Text != "four" {
		t.Fatalf("expected narrowest window last, got %q", got[len(got)-1].Text)
	}

	single := windows("alpha", 3, 3)
	if len(single) != 1 || single[0].Text != "alpha" {
		t.Fatalf("expected a single window, got %+v", single)
	}
}

func TestTokenizeTrimsPunctuation(t *testing.T) {
	toks := tokenize("Hello, world!")

	if len(toks) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(toks))
	}
	if toks[0].Text != "Hello" || toks[0].Start != 0 || toks[0].End != 5 {
		t.Fatalf("unexpected first token: %+v", toks[0])
	}
	if toks[1].Text != "world" || toks[1].Start != 7 || toks[1].End != 12 {
		t.Fatalf("unexpected second token: %+v", toks[1])
	}
}
