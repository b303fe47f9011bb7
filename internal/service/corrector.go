package service

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/observe"
)

// timeNow is stubbed in tests.
var timeNow = time.Now

var (
	ErrTextEmpty        = errors.New("text is required")
	ErrTextTooLong      = errors.New("text exceeds maximum length")
	ErrSpeakerIDMissing = errors.New("speaker_id is required")
)

// maxTranscriptChars bounds a single correction request. Longer transcripts
// should be chunked by the caller.
const maxTranscriptChars = 32768

// ApplierConfig holds the decision thresholds and time budgets.
type ApplierConfig struct {
	// ApplyThreshold is the confidence at or above which corrections are
	// applied automatically. Default: 0.80.
	ApplyThreshold float64
	// FlagThreshold is the confidence at or above which corrections are
	// surfaced for review instead of applied. Default: 0.50.
	FlagThreshold float64
	// MaxCorrections caps applied corrections per request. Default: 20.
	MaxCorrections int
	// RequestCeiling is the hard deadline for one request. Default: 5s.
	RequestCeiling time.Duration
	// SoftBudget marks the point past which the engine stops trying to be
	// complete and returns what it has. Default: 3.5s.
	SoftBudget time.Duration
}

// DefaultApplierConfig returns the production decision parameters.
func DefaultApplierConfig() ApplierConfig {
	return ApplierConfig{
		ApplyThreshold: 0.80,
		FlagThreshold:  0.50,
		MaxCorrections: 20,
		RequestCeiling: 5 * time.Second,
		SoftBudget:     3500 * time.Millisecond,
	}
}

// CorrectionRequest is one transcript to correct for one speaker.
type CorrectionRequest struct {
	Text      string `json:"text"`
	SpeakerID string `json:"speaker_id"`
	// Context is optional surrounding text (earlier utterances, document
	// topic) used for context affinity scoring.
	Context string `json:"context,omitempty"`
	// ApplyThreshold optionally raises or lowers the apply bar for this
	// request only.
	ApplyThreshold *float64 `json:"apply_threshold,omitempty"`
	// MaxCorrections optionally lowers the applied-corrections cap. It can
	// never raise it past the server's configured cap.
	MaxCorrections *int `json:"max_corrections,omitempty"`
	// IncludeSkipped returns skipped decisions in the result for debugging.
	IncludeSkipped bool `json:"include_skipped,omitempty"`
}

// Corrector runs the full correction pipeline: match, score, decide, apply.
type Corrector struct {
	matcher  *Matcher
	scorer   *Scorer
	patterns domain.PatternStore
	results  domain.ResultStore
	embedder domain.EmbeddingClient
	logger   *zap.Logger
	metrics  *observe.Metrics
	cfg      ApplierConfig
}

// NewCorrector builds a Corrector, filling zero config fields with defaults.
// metrics may be nil.
func NewCorrector(matcher *Matcher, scorer *Scorer, patterns domain.PatternStore, results domain.ResultStore, embedder domain.EmbeddingClient, cfg ApplierConfig, logger *zap.Logger, metrics *observe.Metrics) *Corrector {
	def := DefaultApplierConfig()
	if cfg.ApplyThreshold <= 0 {
		cfg.ApplyThreshold = def.ApplyThreshold
	}
	if cfg.FlagThreshold <= 0 {
		cfg.FlagThreshold = def.FlagThreshold
	}
	if cfg.MaxCorrections <= 0 {
		cfg.MaxCorrections = def.MaxCorrections
	}
	if cfg.RequestCeiling <= 0 {
		cfg.RequestCeiling = def.RequestCeiling
	}
	if cfg.SoftBudget <= 0 {
		cfg.SoftBudget = def.SoftBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Corrector{
		matcher:  matcher,
		scorer:   scorer,
		patterns: patterns,
		results:  results,
		embedder: embedder,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// ApplyCorrections corrects one transcript. Store trouble, staleness, and
// partial embedding failures degrade the result rather than failing it; once
// validation passes the request errors only when no transcript window could
// be embedded at all.
//
// Identical inputs against identical pattern state produce identical output.
func (c *Corrector) ApplyCorrections(ctx context.Context, req *CorrectionRequest) (*domain.CorrectionResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}
	if len(req.Text) > maxTranscriptChars {
		return nil, ErrTextTooLong
	}
	if strings.TrimSpace(req.SpeakerID) == "" {
		return nil, ErrSpeakerIDMissing
	}

	start := timeNow()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestCeiling)
	defer cancel()

	applyThreshold := c.cfg.ApplyThreshold
	if req.ApplyThreshold != nil {
		applyThreshold = clamp01(*req.ApplyThreshold)
	}
	maxCorrections := c.cfg.MaxCorrections
	if req.MaxCorrections != nil && *req.MaxCorrections >= 0 && *req.MaxCorrections < maxCorrections {
		maxCorrections = *req.MaxCorrections
	}

	var contextVec []float32
	if strings.TrimSpace(req.Context) != "" {
		vec, err := c.embedder.Embed(ctx, req.Context)
		if err != nil {
			c.logger.Warn("context embedding failed, scoring without context affinity",
				zap.Error(err))
		} else {
			contextVec = vec
		}
	}

	matchStart := timeNow()
	scan, err := c.matcher.ScanTranscript(ctx, req.Text, req.SpeakerID)
	if err != nil {
		return nil, err
	}
	matchMillis := timeNow().Sub(matchStart).Milliseconds()

	scored := c.scorer.ScoreAll(scan.Candidates, contextVec)
	decisions := c.decide(scored, applyThreshold, maxCorrections)
	overBudget := timeNow().Sub(start) > c.cfg.SoftBudget

	var (
		kept         []domain.CorrectionDecision
		skipped      int
		appliedIDs   []uuid.UUID
		appliedConf  float64
		appliedCount int
	)
	for _, d := range decisions {
		switch d.State {
		case domain.DecisionApplied:
			appliedIDs = append(appliedIDs, d.PatternID)
			appliedConf += d.Confidence
			appliedCount++
		case domain.DecisionSkipped:
			skipped++
			if !req.IncludeSkipped {
				continue
			}
		}
		kept = append(kept, d)
	}

	overall := 0.0
	if appliedCount > 0 {
		overall = appliedConf / float64(appliedCount)
	}

	degradedReason := ""
	switch {
	case scan.StoreFailed:
		degradedReason = domain.DegradedStoreUnavailable
	case scan.DeadlineHit || overBudget:
		degradedReason = domain.DegradedDeadline
	case scan.EmbedFailures > 0:
		degradedReason = domain.DegradedEmbedding
	case scan.Stale:
		degradedReason = domain.DegradedStaleCache
	}

	result := &domain.CorrectionResult{
		ID:                uuid.New(),
		SpeakerID:         req.SpeakerID,
		OriginalText:      req.Text,
		CorrectedText:     applyDecisions(req.Text, decisions),
		Decisions:         kept,
		SkippedCount:      skipped,
		OverallConfidence: overall,
		Degraded:          degradedReason != "",
		DegradedReason:    degradedReason,
		MatchMillis:       matchMillis,
		TotalMillis:       timeNow().Sub(start).Milliseconds(),
		CreatedAt:         timeNow().UTC(),
	}

	// Persist with a detached context: the result must be reachable for
	// feedback even when the request deadline is nearly spent.
	persistCtx, persistCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer persistCancel()
	if err := c.results.Insert(persistCtx, result); err != nil {
		c.logger.Warn("correction result not persisted, feedback will not resolve",
			zap.String("result_id", result.ID.String()),
			zap.String("speaker_id", req.SpeakerID),
			zap.Error(err))
	}

	if len(appliedIDs) > 0 {
		// Touch usage recency off the request path.
		go func(ids []uuid.UUID) {
			touchCtx, touchCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer touchCancel()
			if err := c.patterns.TouchUsed(touchCtx, ids); err != nil {
				c.logger.Warn("failed to touch pattern usage", zap.Error(err))
			}
		}(appliedIDs)
	}

	c.record(ctx, result, decisions)

	c.logger.Debug("correction completed",
		zap.String("result_id", result.ID.String()),
		zap.String("speaker_id", req.SpeakerID),
		zap.Int("applied", appliedCount),
		zap.Int("flagged", result.FlaggedCount()),
		zap.Int("skipped", skipped),
		zap.Bool("degraded", result.Degraded),
		zap.Int64("total_ms", result.TotalMillis))

	return result, nil
}

// ApplyThreshold returns the configured auto-apply confidence bar.
func (c *Corrector) ApplyThreshold() float64 {
	return c.cfg.ApplyThreshold
}

// PreviewCorrections runs matching and scoring without deciding, applying,
// or persisting anything. Candidates come back in decision order.
func (c *Corrector) PreviewCorrections(ctx context.Context, req *CorrectionRequest) ([]domain.ScoredCandidate, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}
	if len(req.Text) > maxTranscriptChars {
		return nil, ErrTextTooLong
	}
	if strings.TrimSpace(req.SpeakerID) == "" {
		return nil, ErrSpeakerIDMissing
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestCeiling)
	defer cancel()

	var contextVec []float32
	if strings.TrimSpace(req.Context) != "" {
		vec, err := c.embedder.Embed(ctx, req.Context)
		if err != nil {
			c.logger.Warn("context embedding failed, scoring without context affinity",
				zap.Error(err))
		} else {
			contextVec = vec
		}
	}

	scan, err := c.matcher.ScanTranscript(ctx, req.Text, req.SpeakerID)
	if err != nil {
		return nil, err
	}
	scored := c.scorer.ScoreAll(scan.Candidates, contextVec)
	sortScored(scored)
	return scored, nil
}

// decide resolves scored candidates into decisions. Candidates are taken in
// confidence order; every applied or flagged decision reserves its span and
// any lower-confidence candidate overlapping a reserved span is skipped.
func (c *Corrector) decide(scored []domain.ScoredCandidate, applyThreshold float64, maxCorrections int) []domain.CorrectionDecision {
	sortScored(scored)

	var (
		decisions []domain.CorrectionDecision
		reserved  []domain.Span
		applied   int
	)
	for _, sc := range scored {
		d := domain.CorrectionDecision{
			ID:          uuid.New(),
			PatternID:   sc.Pattern.ID,
			Span:        sc.Span,
			Original:    sc.Segment,
			Replacement: sc.Pattern.CorrectedText,
			State:       domain.DecisionSkipped,
			Confidence:  sc.Confidence,
		}
		overlaps := false
		for _, r := range reserved {
			if d.Span.Overlaps(r) {
				overlaps = true
				break
			}
		}
		switch {
		case overlaps:
			// a higher-confidence decision already owns this span
		case sc.Confidence >= applyThreshold && applied < maxCorrections:
			d.State = domain.DecisionApplied
			applied++
			reserved = append(reserved, d.Span)
		case sc.Confidence >= c.cfg.FlagThreshold:
			d.State = domain.DecisionFlagged
			reserved = append(reserved, d.Span)
		}
		decisions = append(decisions, d)
	}
	return decisions
}

// sortScored orders candidates by confidence, breaking ties by span position
// and then pattern id so equal inputs always decide identically.
func sortScored(scored []domain.ScoredCandidate) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Confidence != scored[j].Confidence {
			return scored[i].Confidence > scored[j].Confidence
		}
		if scored[i].Span.Start != scored[j].Span.Start {
			return scored[i].Span.Start < scored[j].Span.Start
		}
		a, b := scored[i].Pattern.ID, scored[j].Pattern.ID
		return bytes.Compare(a[:], b[:]) < 0
	})
}

// applyDecisions rebuilds the text with applied replacements. Applied spans
// never overlap, so one left-to-right pass suffices.
func applyDecisions(text string, decisions []domain.CorrectionDecision) string {
	var applied []domain.CorrectionDecision
	for _, d := range decisions {
		if d.State == domain.DecisionApplied {
			applied = append(applied, d)
		}
	}
	if len(applied) == 0 {
		return text
	}
	sort.Slice(applied, func(i, j int) bool {
		return applied[i].Span.Start < applied[j].Span.Start
	})

	var b strings.Builder
	prev := 0
	for _, d := range applied {
		b.WriteString(text[prev:d.Span.Start])
		b.WriteString(d.Replacement)
		prev = d.Span.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

func (c *Corrector) record(ctx context.Context, result *domain.CorrectionResult, decisions []domain.CorrectionDecision) {
	if c.metrics == nil {
		return
	}
	c.metrics.CorrectionDuration.Record(ctx, float64(result.TotalMillis)/1000)
	c.metrics.MatchDuration.Record(ctx, float64(result.MatchMillis)/1000)
	for _, d := range decisions {
		c.metrics.RecordDecision(ctx, string(d.State))
	}
}
