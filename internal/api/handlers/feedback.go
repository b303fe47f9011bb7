package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/service"
)

type FeedbackHandler struct {
	svc *service.FeedbackService
}

func NewFeedbackHandler(svc *service.FeedbackService) *FeedbackHandler {
	return &FeedbackHandler{svc: svc}
}

type submitFeedbackRequest struct {
	// EventID is the caller's idempotency key. Optional: one is assigned when
	// absent, but then retransmits of the same verdict count twice.
	EventID         string `json:"event_id,omitempty"`
	ResultID        string `json:"result_id"`
	DecisionID      string `json:"decision_id"`
	Verdict         string `json:"verdict"`
	AlternativeText string `json:"alternative_text,omitempty"`
}

type submitFeedbackResponse struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

func (h *FeedbackHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req submitFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	event := domain.FeedbackEvent{
		Verdict:         domain.Verdict(req.Verdict),
		AlternativeText: req.AlternativeText,
	}

	if req.EventID != "" {
		id, err := uuid.Parse(req.EventID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid event_id")
			return
		}
		event.EventID = id
	} else {
		// Assigned here rather than by the service so the response can echo
		// the id the event was enqueued under.
		event.EventID = uuid.New()
	}

	resultID, err := uuid.Parse(req.ResultID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid result_id")
		return
	}
	event.ResultID = resultID

	decisionID, err := uuid.Parse(req.DecisionID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid decision_id")
		return
	}
	event.DecisionID = decisionID

	if err := h.svc.Submit(event); err != nil {
		switch {
		case errors.Is(err, service.ErrFeedbackResultMissing),
			errors.Is(err, service.ErrFeedbackDecisionMissing),
			errors.Is(err, service.ErrFeedbackInvalidVerdict):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrFeedbackQueueFull):
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "feedback queue is full")
		default:
			writeError(w, http.StatusInternalServerError, "failed to submit feedback")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitFeedbackResponse{
		EventID: event.EventID.String(),
		Status:  "accepted",
	})
}
