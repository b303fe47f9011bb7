package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/service"
)

type PatternHandler struct {
	svc *service.PatternService
}

func NewPatternHandler(svc *service.PatternService) *PatternHandler {
	return &PatternHandler{svc: svc}
}

type registerPatternRequest struct {
	OriginalText  string `json:"original_text"`
	CorrectedText string `json:"corrected_text"`
	Category      string `json:"category,omitempty"`
	SpeakerID     string `json:"speaker_id,omitempty"`
	Context       string `json:"context,omitempty"`
}

func (h *PatternHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req registerPatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	pattern := &domain.Pattern{
		Category:      req.Category,
		OriginalText:  req.OriginalText,
		CorrectedText: req.CorrectedText,
		ContextText:   req.Context,
	}
	if req.SpeakerID != "" {
		pattern.SpeakerID = &req.SpeakerID
	}

	if err := h.svc.Register(r.Context(), pattern); err != nil {
		switch {
		case errors.Is(err, service.ErrPatternOriginalEmpty),
			errors.Is(err, service.ErrPatternCorrectedEmpty),
			errors.Is(err, service.ErrPatternNoChange),
			errors.Is(err, service.ErrPatternTextTooLong):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrStoreUnavailable):
			writeError(w, http.StatusServiceUnavailable, "pattern store unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "failed to register pattern")
		}
		return
	}

	writeJSON(w, http.StatusCreated, pattern)
}

type listPatternsResponse struct {
	Patterns []domain.Pattern `json:"patterns"`
	Count    int              `json:"count"`
}

func (h *PatternHandler) List(w http.ResponseWriter, r *http.Request) {
	var speakerID *string
	if s := r.URL.Query().Get("speaker_id"); s != "" {
		speakerID = &s
	}

	includeGlobal := true
	if ig := r.URL.Query().Get("include_global"); ig != "" {
		v, err := strconv.ParseBool(ig)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid include_global parameter")
			return
		}
		includeGlobal = v
	}

	patterns, err := h.svc.List(r.Context(), speakerID, includeGlobal, r.URL.Query().Get("category"))
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "pattern store unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list patterns")
		return
	}

	if patterns == nil {
		patterns = []domain.Pattern{}
	}

	writeJSON(w, http.StatusOK, listPatternsResponse{
		Patterns: patterns,
		Count:    len(patterns),
	})
}

func (h *PatternHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern id")
		return
	}

	pattern, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrPatternNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get pattern")
		return
	}

	writeJSON(w, http.StatusOK, pattern)
}

// Deactivate retires a pattern. There is no hard delete: retired patterns
// stay on disk so past corrections keep their provenance.
func (h *PatternHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern id")
		return
	}

	if err := h.svc.Deactivate(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, service.ErrPatternNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrStoreUnavailable):
			writeError(w, http.StatusServiceUnavailable, "pattern store unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "failed to deactivate pattern")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
