package service

import (
	"math"
	"unicode/utf8"

	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/index"
)

// Rule names attached to ScoredCandidate.RulesApplied so callers can see
// which adjustments fired.
const (
	RuleShortSegment = "short_segment"
	RuleLowSuccess   = "low_success"
	RuleSpeakerBoost = "speaker_boost"
)

// neutralContextSimilarity is used when either side has no context vector,
// so requests without context are neither rewarded nor punished.
const neutralContextSimilarity = 0.5

// ScorerConfig holds the confidence formula weights and rule parameters.
// Weights are normalized to sum to 1 at construction, so callers may supply
// any positive ratio.
type ScorerConfig struct {
	SimilarityWeight   float64
	SuccessWeight      float64
	UsageWeight        float64
	ContextWeight      float64
	UsageCap           int
	ShortSegmentRunes  int
	ShortSegmentFactor float64
	LowSuccessRate     float64
	LowSuccessMinUsage int
	LowSuccessFactor   float64
	SpeakerBoost       float64
}

// DefaultScorerConfig returns the tuned production weights.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		SimilarityWeight:   0.50,
		SuccessWeight:      0.25,
		UsageWeight:        0.15,
		ContextWeight:      0.10,
		UsageCap:           100,
		ShortSegmentRunes:  10,
		ShortSegmentFactor: 0.8,
		LowSuccessRate:     0.7,
		LowSuccessMinUsage: 10,
		LowSuccessFactor:   0.9,
		SpeakerBoost:       1.1,
	}
}

// Scorer turns match candidates into confidence-scored candidates. It is
// pure and safe for concurrent use.
type Scorer struct {
	cfg ScorerConfig
}

// NewScorer builds a Scorer, filling zero config fields with defaults and
// normalizing the four weights.
func NewScorer(cfg ScorerConfig) *Scorer {
	def := DefaultScorerConfig()
	if cfg.SimilarityWeight <= 0 && cfg.SuccessWeight <= 0 && cfg.UsageWeight <= 0 && cfg.ContextWeight <= 0 {
		cfg.SimilarityWeight = def.SimilarityWeight
		cfg.SuccessWeight = def.SuccessWeight
		cfg.UsageWeight = def.UsageWeight
		cfg.ContextWeight = def.ContextWeight
	}
	if cfg.UsageCap <= 0 {
		cfg.UsageCap = def.UsageCap
	}
	if cfg.ShortSegmentRunes <= 0 {
		cfg.ShortSegmentRunes = def.ShortSegmentRunes
	}
	if cfg.ShortSegmentFactor <= 0 {
		cfg.ShortSegmentFactor = def.ShortSegmentFactor
	}
	if cfg.LowSuccessRate <= 0 {
		cfg.LowSuccessRate = def.LowSuccessRate
	}
	if cfg.LowSuccessMinUsage <= 0 {
		cfg.LowSuccessMinUsage = def.LowSuccessMinUsage
	}
	if cfg.LowSuccessFactor <= 0 {
		cfg.LowSuccessFactor = def.LowSuccessFactor
	}
	if cfg.SpeakerBoost <= 0 {
		cfg.SpeakerBoost = def.SpeakerBoost
	}

	sum := cfg.SimilarityWeight + cfg.SuccessWeight + cfg.UsageWeight + cfg.ContextWeight
	cfg.SimilarityWeight /= sum
	cfg.SuccessWeight /= sum
	cfg.UsageWeight /= sum
	cfg.ContextWeight /= sum
	return &Scorer{cfg: cfg}
}

// Score computes the confidence for one candidate. contextVec is the
// embedding of the request's surrounding context and may be nil.
//
// The base score is a weighted sum of vector similarity, historical success
// rate, log-damped usage volume, and context affinity. Adjustment rules then
// run in a fixed order: short segments are dampened, patterns that keep
// failing at volume are dampened, and speaker-specific patterns get a boost.
// The result is clamped to [0, 1].
func (s *Scorer) Score(c domain.MatchCandidate, contextVec []float32) domain.ScoredCandidate {
	comps := domain.ScoreComponents{
		Similarity:        c.Similarity,
		SuccessRate:       c.Pattern.SuccessRate(),
		UsageNorm:         s.usageNorm(c.Pattern.UsageCount),
		ContextSimilarity: neutralContextSimilarity,
	}
	if len(contextVec) > 0 && len(c.Pattern.ContextEmbedding) > 0 {
		comps.ContextSimilarity = clamp01(index.Cosine(contextVec, c.Pattern.ContextEmbedding))
	}

	conf := s.cfg.SimilarityWeight*comps.Similarity +
		s.cfg.SuccessWeight*comps.SuccessRate +
		s.cfg.UsageWeight*comps.UsageNorm +
		s.cfg.ContextWeight*comps.ContextSimilarity

	var rules []string
	if utf8.RuneCountInString(c.Segment) < s.cfg.ShortSegmentRunes {
		conf *= s.cfg.ShortSegmentFactor
		rules = append(rules, RuleShortSegment)
	}
	if comps.SuccessRate < s.cfg.LowSuccessRate && c.Pattern.UsageCount >= s.cfg.LowSuccessMinUsage {
		conf *= s.cfg.LowSuccessFactor
		rules = append(rules, RuleLowSuccess)
	}
	if c.Pattern.SpeakerSpecific() {
		conf *= s.cfg.SpeakerBoost
		rules = append(rules, RuleSpeakerBoost)
	}

	return domain.ScoredCandidate{
		MatchCandidate: c,
		Confidence:     clamp01(conf),
		Components:     comps,
		RulesApplied:   rules,
	}
}

// ScoreAll scores every candidate in order.
func (s *Scorer) ScoreAll(cands []domain.MatchCandidate, contextVec []float32) []domain.ScoredCandidate {
	scored := make([]domain.ScoredCandidate, 0, len(cands))
	for _, c := range cands {
		scored = append(scored, s.Score(c, contextVec))
	}
	return scored
}

// usageNorm maps a raw usage count into [0, 1] on a log scale so the first
// uses matter far more than the thousandth.
func (s *Scorer) usageNorm(usage int) float64 {
	if usage <= 0 {
		return 0
	}
	n := math.Log1p(float64(usage)) / math.Log1p(float64(s.cfg.UsageCap))
	return math.Min(n, 1)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
