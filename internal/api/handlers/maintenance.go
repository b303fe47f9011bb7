package handlers

import (
	"net/http"

	"github.com/scribelab/corrigenda/internal/service"
)

// MaintenanceHandler exposes manual triggers for the background maintenance
// cycles, mainly for operational runbooks and tests.
type MaintenanceHandler struct {
	decay         *service.DecayService
	consolidation *service.ConsolidationService
}

func NewMaintenanceHandler(decay *service.DecayService, consolidation *service.ConsolidationService) *MaintenanceHandler {
	return &MaintenanceHandler{decay: decay, consolidation: consolidation}
}

type decayResponse struct {
	PatternsDecayed int64 `json:"patterns_decayed"`
}

func (h *MaintenanceHandler) TriggerDecay(w http.ResponseWriter, r *http.Request) {
	n, err := h.decay.RunDecay(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "decay run failed")
		return
	}

	writeJSON(w, http.StatusOK, decayResponse{PatternsDecayed: n})
}

func (h *MaintenanceHandler) TriggerConsolidation(w http.ResponseWriter, r *http.Request) {
	res, err := h.consolidation.RunConsolidation(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "consolidation run failed")
		return
	}

	writeJSON(w, http.StatusOK, res)
}
