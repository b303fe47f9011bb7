package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/embedding"
	"github.com/scribelab/corrigenda/internal/index"
	"github.com/scribelab/corrigenda/internal/store"
)

// mockPatternStore is an in-memory PatternStore for service tests. A non-nil
// err fails every call; queryErr fails only Query.
type mockPatternStore struct {
	mu          sync.Mutex
	patterns    map[uuid.UUID]*domain.Pattern
	err         error
	queryErr    error
	queryCalls  int
	listCalls   int
	touched     [][]uuid.UUID
	deactivated []uuid.UUID
}

func newMockPatternStore() *mockPatternStore {
	return &mockPatternStore{patterns: make(map[uuid.UUID]*domain.Pattern)}
}

func (m *mockPatternStore) add(p *domain.Pattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.patterns[p.ID] = &cp
}

func (m *mockPatternStore) get(id uuid.UUID) *domain.Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (m *mockPatternStore) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockPatternStore) Upsert(_ context.Context, p *domain.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *p
	if prev, ok := m.patterns[p.ID]; ok {
		cp.UsageCount = prev.UsageCount
		cp.SuccessCount = prev.SuccessCount
		cp.Version = prev.Version + 1
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.Version = 1
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
	}
	cp.Active = true
	m.patterns[p.ID] = &cp
	*p = cp
	return nil
}

func (m *mockPatternStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.patterns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPatternStore) Query(_ context.Context, embeddingVec []float32, opts domain.QueryOpts) ([]domain.PatternWithScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	if m.err != nil {
		return nil, m.err
	}
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var pool []domain.Pattern
	for _, p := range m.patterns {
		if !p.Active {
			continue
		}
		if opts.SpeakerID == nil {
			if p.SpeakerID != nil {
				continue
			}
		} else {
			own := p.SpeakerID != nil && *p.SpeakerID == *opts.SpeakerID
			global := p.SpeakerID == nil && opts.IncludeGlobal
			if !own && !global {
				continue
			}
		}
		if opts.Category != "" && p.Category != opts.Category {
			continue
		}
		pool = append(pool, *p)
	}
	return index.Scan(pool, embeddingVec, opts.TopK, opts.MinSimilarity), nil
}

func (m *mockPatternStore) ListActive(_ context.Context, speakerID *string) ([]domain.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Pattern
	for _, p := range m.patterns {
		if !p.Active {
			continue
		}
		if speakerID == nil {
			if p.SpeakerID != nil {
				continue
			}
		} else if p.SpeakerID == nil || *p.SpeakerID != *speakerID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *mockPatternStore) Deactivate(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p, ok := m.patterns[id]
	if !ok || !p.Active {
		return store.ErrNotFound
	}
	p.Active = false
	m.deactivated = append(m.deactivated, id)
	return nil
}

func (m *mockPatternStore) UpdateStats(_ context.Context, id uuid.UUID, usageDelta, successDelta int) (domain.PatternStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.PatternStats{}, m.err
	}
	p, ok := m.patterns[id]
	if !ok {
		return domain.PatternStats{}, store.ErrNotFound
	}
	p.UsageCount += usageDelta
	if p.UsageCount < 0 {
		p.UsageCount = 0
	}
	p.SuccessCount += successDelta
	if p.SuccessCount < 0 {
		p.SuccessCount = 0
	}
	if p.SuccessCount > p.UsageCount {
		p.SuccessCount = p.UsageCount
	}
	now := time.Now()
	p.LastUsedAt = &now
	return domain.PatternStats{
		UsageCount:   p.UsageCount,
		SuccessCount: p.SuccessCount,
		Active:       p.Active,
		SpeakerID:    p.SpeakerID,
	}, nil
}

func (m *mockPatternStore) TouchUsed(_ context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	for _, id := range ids {
		if p, ok := m.patterns[id]; ok {
			p.LastUsedAt = &now
		}
	}
	m.touched = append(m.touched, ids)
	return nil
}

func (m *mockPatternStore) DecayStats(_ context.Context, idleSince time.Time, factor float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for _, p := range m.patterns {
		if !p.Active || p.UsageCount == 0 {
			continue
		}
		last := p.CreatedAt
		if p.LastUsedAt != nil {
			last = *p.LastUsedAt
		}
		if !last.Before(idleSince) {
			continue
		}
		p.UsageCount = int(float64(p.UsageCount) * factor)
		p.SuccessCount = int(float64(p.SuccessCount) * factor)
		if p.SuccessCount > p.UsageCount {
			p.SuccessCount = p.UsageCount
		}
		n++
	}
	return n, nil
}

func (m *mockPatternStore) ListDistinctSpeakers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	seen := make(map[string]struct{})
	var out []string
	for _, p := range m.patterns {
		if !p.Active || p.SpeakerID == nil {
			continue
		}
		if _, dup := seen[*p.SpeakerID]; dup {
			continue
		}
		seen[*p.SpeakerID] = struct{}{}
		out = append(out, *p.SpeakerID)
	}
	sort.Strings(out)
	return out, nil
}

func (m *mockPatternStore) SpeakerStats(_ context.Context, speakerID string) (*domain.SpeakerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	stats := &domain.SpeakerStats{SpeakerID: speakerID}
	var rateSum float64
	for _, p := range m.patterns {
		if p.SpeakerID == nil || *p.SpeakerID != speakerID {
			continue
		}
		stats.TotalPatterns++
		if p.Active {
			stats.ActivePatterns++
		}
		stats.TotalUsage += int64(p.UsageCount)
		stats.TotalSuccess += int64(p.SuccessCount)
		rateSum += p.SuccessRate()
	}
	if stats.TotalPatterns == 0 {
		return nil, store.ErrNotFound
	}
	stats.AvgSuccessRate = rateSum / float64(stats.TotalPatterns)
	return stats, nil
}

func (m *mockPatternStore) CountActive(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for _, p := range m.patterns {
		if p.Active {
			n++
		}
	}
	return n, nil
}

// mockResultStore is an in-memory ResultStore.
type mockResultStore struct {
	mu      sync.Mutex
	results map[uuid.UUID]*domain.CorrectionResult
	err     error
	inserts int
}

func newMockResultStore() *mockResultStore {
	return &mockResultStore{results: make(map[uuid.UUID]*domain.CorrectionResult)}
}

func (m *mockResultStore) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockResultStore) Insert(_ context.Context, r *domain.CorrectionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.inserts++
	cp := *r
	cp.Decisions = append([]domain.CorrectionDecision(nil), r.Decisions...)
	m.results[r.ID] = &cp
	return nil
}

func (m *mockResultStore) GetByID(_ context.Context, id uuid.UUID) (*domain.CorrectionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.results[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockResultStore) GetDecision(_ context.Context, resultID, decisionID uuid.UUID) (*domain.CorrectionDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	r, ok := m.results[resultID]
	if !ok {
		return nil, store.ErrNotFound
	}
	for i := range r.Decisions {
		if r.Decisions[i].ID == decisionID {
			cp := r.Decisions[i]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// mockFeedbackStore is an in-memory FeedbackStore with the same idempotency
// behavior as the real one.
type mockFeedbackStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*domain.FeedbackEvent
	err    error
}

func newMockFeedbackStore() *mockFeedbackStore {
	return &mockFeedbackStore{events: make(map[uuid.UUID]*domain.FeedbackEvent)}
}

func (m *mockFeedbackStore) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockFeedbackStore) Record(_ context.Context, e *domain.FeedbackEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, dup := m.events[e.EventID]; dup {
		return false, nil
	}
	cp := *e
	m.events[e.EventID] = &cp
	return true, nil
}

func (m *mockFeedbackStore) CountByVerdict(_ context.Context) (map[domain.Verdict]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[domain.Verdict]int64)
	for _, e := range m.events {
		out[e.Verdict]++
	}
	return out, nil
}

// failingEmbedder fails every call with a fixed error.
type failingEmbedder struct {
	err error
}

func (f *failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, f.err
}

func (f *failingEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}

// patchyEmbedder embeds through inner but drops the batch vector for any
// text containing blocked, simulating a provider that loses part of a batch.
type patchyEmbedder struct {
	inner   domain.EmbeddingClient
	blocked string
}

func (p *patchyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.inner.Embed(ctx, text)
}

func (p *patchyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, text := range texts {
		if strings.Contains(text, p.blocked) {
			vecs[i] = nil
		}
	}
	return vecs, nil
}

// mustEmbed produces the deterministic mock embedding for text.
func mustEmbed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embedding.NewMockClient().Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("embed %q: %v", text, err)
	}
	return vec
}

// testPattern builds an active pattern with a real mock embedding and a
// content-derived id.
func testPattern(t *testing.T, speakerID *string, original, corrected string, usage, success int) *domain.Pattern {
	t.Helper()
	return &domain.Pattern{
		ID:            domain.NewPatternID(speakerID, original, corrected),
		SpeakerID:     speakerID,
		Category:      domain.CategoryOther,
		OriginalText:  original,
		CorrectedText: corrected,
		Embedding:     mustEmbed(t, original),
		UsageCount:    usage,
		SuccessCount:  success,
		Active:        true,
		Version:       1,
		CreatedAt:     time.Now().Add(-time.Hour),
	}
}

func strPtr(s string) *string {
	return &s
}
