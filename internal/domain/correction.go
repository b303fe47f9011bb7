package domain

import (
	"time"

	"github.com/google/uuid"
)

// Span is a contiguous byte range [Start, End) within submitted text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether two spans share at least one byte.
func (s Span) Overlaps(other Span) bool {
	return s.Start < other.End && other.Start < s.End
}

// Len returns the span's width in bytes.
func (s Span) Len() int {
	return s.End - s.Start
}

// DecisionState is the terminal state of one candidate correction.
type DecisionState string

const (
	DecisionApplied DecisionState = "applied"
	DecisionFlagged DecisionState = "flagged"
	DecisionSkipped DecisionState = "skipped"
)

func ValidDecisionState(s string) bool {
	switch DecisionState(s) {
	case DecisionApplied, DecisionFlagged, DecisionSkipped:
		return true
	}
	return false
}

// Degradation reasons attached to a CorrectionResult when the engine served
// a partial or fallback answer instead of failing the request.
const (
	DegradedStaleCache       = "stale_cache"
	DegradedStoreUnavailable = "store_unavailable"
	DegradedDeadline         = "deadline_exceeded"
	DegradedEmbedding        = "embedding_failures"
)

// MatchCandidate is one pattern considered for one text segment. It exists
// only for the lifetime of the request that produced it.
type MatchCandidate struct {
	Pattern    Pattern `json:"pattern"`
	Segment    string  `json:"segment"`
	Span       Span    `json:"span"`
	Similarity float64 `json:"similarity"`
}

// ScoreComponents breaks a confidence score into its weighted inputs so the
// preview surface can show why a candidate scored the way it did.
type ScoreComponents struct {
	Similarity        float64 `json:"similarity"`
	SuccessRate       float64 `json:"success_rate"`
	UsageNorm         float64 `json:"usage_norm"`
	ContextSimilarity float64 `json:"context_similarity"`
}

// ScoredCandidate is a MatchCandidate after confidence scoring.
type ScoredCandidate struct {
	MatchCandidate
	Confidence   float64         `json:"confidence"`
	Components   ScoreComponents `json:"components"`
	RulesApplied []string        `json:"rules_applied,omitempty"`
}

// CorrectionDecision records the outcome for one span: applied (text
// replaced), flagged (surfaced for review), or skipped.
type CorrectionDecision struct {
	ID          uuid.UUID     `json:"id"`
	PatternID   uuid.UUID     `json:"pattern_id"`
	Span        Span          `json:"span"`
	Original    string        `json:"original"`
	Replacement string        `json:"replacement,omitempty"`
	State       DecisionState `json:"state"`
	Confidence  float64       `json:"confidence"`
}

// CorrectionResult aggregates all decisions for one submitted text. It is
// immutable once returned to the caller and persisted for feedback linkage.
type CorrectionResult struct {
	ID                uuid.UUID            `json:"id"`
	SpeakerID         string               `json:"speaker_id"`
	OriginalText      string               `json:"original_text"`
	CorrectedText     string               `json:"corrected_text"`
	Decisions         []CorrectionDecision `json:"decisions"`
	SkippedCount      int                  `json:"skipped_count"`
	OverallConfidence float64              `json:"overall_confidence"`
	Degraded          bool                 `json:"degraded"`
	DegradedReason    string               `json:"degraded_reason,omitempty"`
	MatchMillis       int64                `json:"match_ms"`
	TotalMillis       int64                `json:"total_ms"`
	CreatedAt         time.Time            `json:"created_at"`
}

// AppliedCount returns the number of decisions in the applied state.
func (r *CorrectionResult) AppliedCount() int {
	n := 0
	for _, d := range r.Decisions {
		if d.State == DecisionApplied {
			n++
		}
	}
	return n
}

// FlaggedCount returns the number of decisions in the flagged state.
func (r *CorrectionResult) FlaggedCount() int {
	n := 0
	for _, d := range r.Decisions {
		if d.State == DecisionFlagged {
			n++
		}
	}
	return n
}
