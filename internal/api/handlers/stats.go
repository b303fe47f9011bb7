package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scribelab/corrigenda/internal/cache"
	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/resilience"
	"github.com/scribelab/corrigenda/internal/service"
)

type StatsHandler struct {
	patterns *service.PatternService
	feedback *service.FeedbackService
	events   domain.FeedbackStore
	cache    *cache.SpeakerCache
	guard    *resilience.GuardedPatternStore
}

func NewStatsHandler(patterns *service.PatternService, feedback *service.FeedbackService, events domain.FeedbackStore, speakerCache *cache.SpeakerCache, guard *resilience.GuardedPatternStore) *StatsHandler {
	return &StatsHandler{
		patterns: patterns,
		feedback: feedback,
		events:   events,
		cache:    speakerCache,
		guard:    guard,
	}
}

func (h *StatsHandler) SpeakerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.patterns.Stats(r.Context(), chi.URLParam(r, "speakerID"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSpeakerIDMissing):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrSpeakerNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrStoreUnavailable):
			writeError(w, http.StatusServiceUnavailable, "pattern store unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "failed to get speaker stats")
		}
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type feedbackStats struct {
	QueueDepth int   `json:"queue_depth"`
	Dropped    int64 `json:"dropped"`
	Correct    int64 `json:"correct"`
	Incorrect  int64 `json:"incorrect"`
}

type engineStatsResponse struct {
	ActivePatterns int64         `json:"active_patterns"`
	Speakers       int           `json:"speakers"`
	Feedback       feedbackStats `json:"feedback"`
	Cache          cache.Stats   `json:"cache"`
	CacheHitRate   float64       `json:"cache_hit_rate"`
	BreakerState   string        `json:"breaker_state"`
	StoreError     string        `json:"store_error,omitempty"`
}

// Engine reports aggregate engine counters. Store-backed numbers are filled
// best-effort: during an outage the endpoint still answers with the local
// counters and the breaker state, which is when they matter most.
func (h *StatsHandler) Engine(w http.ResponseWriter, r *http.Request) {
	snap := h.cache.Snapshot()
	resp := engineStatsResponse{
		Feedback: feedbackStats{
			QueueDepth: h.feedback.QueueDepth(),
			Dropped:    h.feedback.Dropped(),
		},
		Cache:        snap,
		CacheHitRate: snap.HitRate(),
		BreakerState: h.guard.BreakerState().String(),
	}

	if n, err := h.patterns.CountActive(r.Context()); err != nil {
		resp.StoreError = "pattern store unavailable"
	} else {
		resp.ActivePatterns = n
	}

	if speakers, err := h.patterns.Speakers(r.Context()); err != nil {
		resp.StoreError = "pattern store unavailable"
	} else {
		resp.Speakers = len(speakers)
	}

	if counts, err := h.events.CountByVerdict(r.Context()); err != nil {
		resp.StoreError = "pattern store unavailable"
	} else {
		resp.Feedback.Correct = counts[domain.VerdictCorrect]
		resp.Feedback.Incorrect = counts[domain.VerdictIncorrect]
	}

	writeJSON(w, http.StatusOK, resp)
}
