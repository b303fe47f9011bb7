package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EmbeddingDim is the fixed length of all pattern and context vectors.
const EmbeddingDim = 1536

// CategoryOther is the fallback classification for patterns registered
// without one. Categories are otherwise free-form ("medication", "anatomy").
const CategoryOther = "other"

// patternNamespace is the UUIDv5 namespace for content-derived pattern ids.
// Changing it would re-key every pattern, so it is fixed forever.
var patternNamespace = uuid.MustParse("7c9e2f0a-41d3-4b8f-9a6c-d5e8b1f02c47")

// NewPatternID derives a stable pattern id from the identifying content.
// Registering the same (speaker, original, corrected) triple always yields
// the same id, which is what makes Upsert deduplicate.
func NewPatternID(speakerID *string, originalText, correctedText string) uuid.UUID {
	speaker := ""
	if speakerID != nil {
		speaker = *speakerID
	}
	return uuid.NewSHA1(patternNamespace, []byte(fmt.Sprintf("%s\x00%s\x00%s", speaker, originalText, correctedText)))
}

// Pattern is the unit of learned knowledge: one (error text, correction text)
// pair with its embedding and usage statistics. Patterns are never physically
// deleted; deactivation preserves feedback provenance.
type Pattern struct {
	ID               uuid.UUID  `json:"id"`
	SpeakerID        *string    `json:"speaker_id,omitempty"`
	Category         string     `json:"category,omitempty"`
	OriginalText     string     `json:"original_text"`
	CorrectedText    string     `json:"corrected_text"`
	ContextText      string     `json:"context_text,omitempty"`
	Embedding        []float32  `json:"-"`
	ContextEmbedding []float32  `json:"-"`
	UsageCount       int        `json:"usage_count"`
	SuccessCount     int        `json:"success_count"`
	Active           bool       `json:"active"`
	Version          int        `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
}

// SuccessRate returns success/usage in [0,1], defined as 0 when the pattern
// has never been used.
func (p *Pattern) SuccessRate() float64 {
	return SuccessRate(p.SuccessCount, p.UsageCount)
}

// SpeakerSpecific reports whether the pattern is owned by a single speaker
// rather than the speaker-agnostic global set.
func (p *Pattern) SpeakerSpecific() bool {
	return p.SpeakerID != nil && *p.SpeakerID != ""
}

// SuccessRate is the shared success-rate formula: success/usage, 0 when
// usage is 0. Store constraints keep success <= usage, so the result is
// always within [0,1].
func SuccessRate(successCount, usageCount int) float64 {
	if usageCount <= 0 {
		return 0
	}
	return float64(successCount) / float64(usageCount)
}

// PatternWithScore pairs a pattern with its similarity to a query vector.
type PatternWithScore struct {
	Pattern
	Similarity float64 `json:"similarity"`
}

// PatternStats is the counter snapshot returned by atomic stats updates.
type PatternStats struct {
	UsageCount   int
	SuccessCount int
	Active       bool
	SpeakerID    *string
}

// SuccessRate returns the snapshot's success rate.
func (s PatternStats) SuccessRate() float64 {
	return SuccessRate(s.SuccessCount, s.UsageCount)
}
