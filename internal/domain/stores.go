package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrStoreUnavailable marks pattern store failures that callers must be able
// to tell apart from a genuinely empty result: timeouts, connection loss, and
// an open circuit breaker all wrap this sentinel.
var ErrStoreUnavailable = errors.New("pattern store unavailable")

// EmbeddingError reports that an embedding could not even be attempted or
// completed, as opposed to succeeding with no nearby patterns. Callers treat
// the affected segment as unmatched rather than failing the whole request.
type EmbeddingError struct {
	Reason string
	Err    error
}

func (e *EmbeddingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("embedding failed (%s)", e.Reason)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// QueryOpts filters and bounds a pattern similarity query. Filters apply
// before ranking so irrelevant rows never crowd out the top-k.
type QueryOpts struct {
	SpeakerID     *string
	Category      string
	TopK          int
	MinSimilarity float64
	// IncludeGlobal widens a speaker-filtered query to also return
	// speaker-agnostic patterns.
	IncludeGlobal bool
}

// PatternStore owns pattern persistence. Every mutation is atomic per
// pattern id; counter updates never lose concurrent increments.
type PatternStore interface {
	Upsert(ctx context.Context, p *Pattern) error
	GetByID(ctx context.Context, id uuid.UUID) (*Pattern, error)
	Query(ctx context.Context, embedding []float32, opts QueryOpts) ([]PatternWithScore, error)
	ListActive(ctx context.Context, speakerID *string) ([]Pattern, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	UpdateStats(ctx context.Context, id uuid.UUID, usageDelta, successDelta int) (PatternStats, error)
	TouchUsed(ctx context.Context, ids []uuid.UUID) error
	DecayStats(ctx context.Context, idleSince time.Time, factor float64) (int64, error)
	ListDistinctSpeakers(ctx context.Context) ([]string, error)
	SpeakerStats(ctx context.Context, speakerID string) (*SpeakerStats, error)
	CountActive(ctx context.Context) (int64, error)
}

// ResultStore persists correction results so feedback can reference their
// decisions later.
type ResultStore interface {
	Insert(ctx context.Context, r *CorrectionResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*CorrectionResult, error)
	GetDecision(ctx context.Context, resultID, decisionID uuid.UUID) (*CorrectionDecision, error)
}

// FeedbackStore records feedback events. Record reports false when the event
// id was already recorded, which is the idempotency gate.
type FeedbackStore interface {
	Record(ctx context.Context, e *FeedbackEvent) (bool, error)
	CountByVerdict(ctx context.Context) (map[Verdict]int64, error)
}

// EmbeddingClient turns text into fixed-length vectors. EmbedBatch keeps
// multi-segment requests to a single round trip.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// PatternUsage is one row of a speaker's top-pattern listing.
type PatternUsage struct {
	ID            uuid.UUID `json:"id"`
	OriginalText  string    `json:"original_text"`
	CorrectedText string    `json:"corrected_text"`
	UsageCount    int       `json:"usage_count"`
	SuccessRate   float64   `json:"success_rate"`
}

// SpeakerStats is the per-speaker export surface consumed by external
// monitoring.
type SpeakerStats struct {
	SpeakerID      string         `json:"speaker_id"`
	TotalPatterns  int            `json:"total_patterns"`
	ActivePatterns int            `json:"active_patterns"`
	TotalUsage     int64          `json:"total_usage"`
	TotalSuccess   int64          `json:"total_success"`
	AvgSuccessRate float64        `json:"avg_success_rate"`
	TopPatterns    []PatternUsage `json:"top_patterns,omitempty"`
}
