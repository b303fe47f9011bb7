package domain

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is a reviewer's judgement of one correction decision.
type Verdict string

const (
	VerdictCorrect   Verdict = "correct"
	VerdictIncorrect Verdict = "incorrect"
)

func ValidVerdict(v string) bool {
	switch Verdict(v) {
	case VerdictCorrect, VerdictIncorrect:
		return true
	}
	return false
}

// VerdictEffect defines how a verdict mutates pattern counters. An incorrect
// verdict still counts as usage, which is what drags the success rate down.
type VerdictEffect struct {
	UsageDelta   int
	SuccessDelta int
}

// VerdictEffects maps verdicts to their counter effects.
var VerdictEffects = map[Verdict]VerdictEffect{
	VerdictCorrect:   {UsageDelta: +1, SuccessDelta: +1},
	VerdictIncorrect: {UsageDelta: +1, SuccessDelta: 0},
}

// FeedbackEvent is a reviewer's verdict on one decision of one correction
// result. EventID is the idempotency key: the same event id is applied to
// pattern statistics at most once, replays are no-ops.
type FeedbackEvent struct {
	EventID         uuid.UUID `json:"event_id"`
	ResultID        uuid.UUID `json:"result_id"`
	DecisionID      uuid.UUID `json:"decision_id"`
	PatternID       uuid.UUID `json:"pattern_id,omitempty"`
	Verdict         Verdict   `json:"verdict"`
	AlternativeText string    `json:"alternative_text,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
