package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scribelab/corrigenda/internal/cache"
	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/store"
)

var (
	ErrPatternOriginalEmpty  = errors.New("original_text is required")
	ErrPatternCorrectedEmpty = errors.New("corrected_text is required")
	ErrPatternNoChange       = errors.New("original and corrected text are identical")
	ErrPatternTextTooLong    = errors.New("pattern text exceeds maximum length")
	ErrPatternNotFound       = errors.New("pattern not found")
	ErrSpeakerNotFound       = errors.New("speaker not found")
)

// maxPatternChars bounds each side of a pattern. Patterns are word- or
// phrase-sized; anything longer belongs in a transcript.
const maxPatternChars = 512

// PatternService owns the pattern lifecycle: registration, lookup, listing,
// and manual retirement.
type PatternService struct {
	patterns domain.PatternStore
	embedder domain.EmbeddingClient
	cache    *cache.SpeakerCache
	logger   *zap.Logger
}

func NewPatternService(patterns domain.PatternStore, embedder domain.EmbeddingClient, speakerCache *cache.SpeakerCache, logger *zap.Logger) *PatternService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatternService{
		patterns: patterns,
		embedder: embedder,
		cache:    speakerCache,
		logger:   logger,
	}
}

// Register validates, embeds, and persists a pattern, then invalidates the
// affected cache bucket. The id is derived from (speaker, original,
// corrected), so re-registering the same triple updates the existing pattern
// in place and keeps its statistics.
func (s *PatternService) Register(ctx context.Context, p *domain.Pattern) error {
	p.OriginalText = strings.TrimSpace(p.OriginalText)
	p.CorrectedText = strings.TrimSpace(p.CorrectedText)
	p.ContextText = strings.TrimSpace(p.ContextText)
	if p.OriginalText == "" {
		return ErrPatternOriginalEmpty
	}
	if p.CorrectedText == "" {
		return ErrPatternCorrectedEmpty
	}
	if strings.EqualFold(p.OriginalText, p.CorrectedText) {
		return ErrPatternNoChange
	}
	if len(p.OriginalText) > maxPatternChars || len(p.CorrectedText) > maxPatternChars {
		return ErrPatternTextTooLong
	}
	if p.SpeakerID != nil {
		trimmed := strings.TrimSpace(*p.SpeakerID)
		if trimmed == "" {
			p.SpeakerID = nil
		} else {
			p.SpeakerID = &trimmed
		}
	}
	if p.Category == "" {
		p.Category = domain.CategoryOther
	}
	p.ID = domain.NewPatternID(p.SpeakerID, p.OriginalText, p.CorrectedText)

	vec, err := s.embedder.Embed(ctx, p.OriginalText)
	if err != nil {
		return fmt.Errorf("embed original text: %w", err)
	}
	p.Embedding = vec

	if p.ContextText != "" {
		ctxVec, err := s.embedder.Embed(ctx, p.ContextText)
		if err != nil {
			s.logger.Warn("context embedding failed, registering without context affinity",
				zap.Error(err))
		} else {
			p.ContextEmbedding = ctxVec
		}
	}

	if err := s.patterns.Upsert(ctx, p); err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}
	s.cache.Invalidate(p.SpeakerID)

	s.logger.Info("pattern registered",
		zap.String("pattern_id", p.ID.String()),
		zap.Bool("speaker_specific", p.SpeakerSpecific()),
		zap.String("category", p.Category),
		zap.Int("version", p.Version))
	return nil
}

// Get returns one pattern by id.
func (s *PatternService) Get(ctx context.Context, id uuid.UUID) (*domain.Pattern, error) {
	p, err := s.patterns.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPatternNotFound
		}
		return nil, err
	}
	return p, nil
}

// List returns active patterns for a speaker, optionally merged with the
// global set. A nil speakerID lists the global set alone. category filters
// the result when non-empty.
func (s *PatternService) List(ctx context.Context, speakerID *string, includeGlobal bool, category string) ([]domain.Pattern, error) {
	out, err := s.patterns.ListActive(ctx, speakerID)
	if err != nil {
		return nil, err
	}
	if speakerID != nil && includeGlobal {
		global, err := s.patterns.ListActive(ctx, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, global...)
	}
	if category == "" {
		return out, nil
	}
	filtered := out[:0]
	for _, p := range out {
		if p.Category == category {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

// Deactivate retires a pattern so it stops matching, keeping its history.
func (s *PatternService) Deactivate(ctx context.Context, id uuid.UUID) error {
	p, err := s.patterns.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPatternNotFound
		}
		return err
	}
	if err := s.patterns.Deactivate(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrPatternNotFound
		}
		return err
	}
	s.cache.Invalidate(p.SpeakerID)

	s.logger.Info("pattern deactivated",
		zap.String("pattern_id", id.String()))
	return nil
}

// Stats returns the per-speaker aggregate surface.
func (s *PatternService) Stats(ctx context.Context, speakerID string) (*domain.SpeakerStats, error) {
	if strings.TrimSpace(speakerID) == "" {
		return nil, ErrSpeakerIDMissing
	}
	st, err := s.patterns.SpeakerStats(ctx, speakerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSpeakerNotFound
		}
		return nil, err
	}
	return st, nil
}

// Speakers lists every speaker owning at least one active pattern.
func (s *PatternService) Speakers(ctx context.Context) ([]string, error) {
	return s.patterns.ListDistinctSpeakers(ctx)
}

// CountActive returns the number of active patterns across all speakers.
func (s *PatternService) CountActive(ctx context.Context) (int64, error) {
	return s.patterns.CountActive(ctx)
}
