package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/service"
)

type CorrectionHandler struct {
	svc *service.Corrector
}

func NewCorrectionHandler(svc *service.Corrector) *CorrectionHandler {
	return &CorrectionHandler{svc: svc}
}

type correctionRequest struct {
	Text                string   `json:"text"`
	SpeakerID           string   `json:"speaker_id"`
	Context             string   `json:"context,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	MaxCorrections      *int     `json:"max_corrections,omitempty"`
	IncludeSkipped      bool     `json:"include_skipped,omitempty"`
}

func (req *correctionRequest) toService() *service.CorrectionRequest {
	return &service.CorrectionRequest{
		Text:           req.Text,
		SpeakerID:      req.SpeakerID,
		Context:        req.Context,
		ApplyThreshold: req.ConfidenceThreshold,
		MaxCorrections: req.MaxCorrections,
		IncludeSkipped: req.IncludeSkipped,
	}
}

func handleCorrectionError(w http.ResponseWriter, err error) {
	var embErr *domain.EmbeddingError
	switch {
	case errors.Is(err, service.ErrTextEmpty),
		errors.Is(err, service.ErrTextTooLong),
		errors.Is(err, service.ErrSpeakerIDMissing):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &embErr):
		writeError(w, http.StatusBadGateway, "embedding service unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "failed to correct text")
	}
}

// Apply runs the full correction pipeline. Degraded results (stale cache,
// store outage, budget exhaustion) are still 200s carrying the degradation
// metadata; a total embedding outage is a 502.
func (h *CorrectionHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.svc.ApplyCorrections(r.Context(), req.toService())
	if err != nil {
		handleCorrectionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type previewResponse struct {
	Candidates []previewCandidate `json:"candidates"`
	Count      int                `json:"count"`
}

type previewCandidate struct {
	PatternID     string                 `json:"pattern_id"`
	OriginalText  string                 `json:"original_text"`
	CorrectedText string                 `json:"corrected_text"`
	Segment       string                 `json:"segment"`
	SpanStart     int                    `json:"span_start"`
	SpanEnd       int                    `json:"span_end"`
	Similarity    float64                `json:"similarity"`
	Confidence    float64                `json:"confidence"`
	WouldApply    bool                   `json:"would_apply"`
	Components    domain.ScoreComponents `json:"components"`
	RulesApplied  []string               `json:"rules_applied,omitempty"`
}

// Preview scores candidates without applying, persisting, or touching
// counters. Used by review tooling to inspect what the engine would do.
func (h *CorrectionHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scored, err := h.svc.PreviewCorrections(r.Context(), req.toService())
	if err != nil {
		handleCorrectionError(w, err)
		return
	}

	applyThreshold := h.svc.ApplyThreshold()
	if req.ConfidenceThreshold != nil {
		applyThreshold = *req.ConfidenceThreshold
	}

	candidates := make([]previewCandidate, 0, len(scored))
	for _, sc := range scored {
		candidates = append(candidates, previewCandidate{
			PatternID:     sc.Pattern.ID.String(),
			OriginalText:  sc.Pattern.OriginalText,
			CorrectedText: sc.Pattern.CorrectedText,
			Segment:       sc.Segment,
			SpanStart:     sc.Span.Start,
			SpanEnd:       sc.Span.End,
			Similarity:    sc.Similarity,
			Confidence:    sc.Confidence,
			WouldApply:    sc.Confidence >= applyThreshold,
			Components:    sc.Components,
			RulesApplied:  sc.RulesApplied,
		})
	}

	writeJSON(w, http.StatusOK, previewResponse{
		Candidates: candidates,
		Count:      len(candidates),
	})
}
