package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scribelab/corrigenda/internal/api/handlers"
	mw "github.com/scribelab/corrigenda/internal/api/middleware"
	"github.com/scribelab/corrigenda/internal/buildconfig"
	"github.com/scribelab/corrigenda/internal/cache"
	"github.com/scribelab/corrigenda/internal/config"
	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/embedding"
	"github.com/scribelab/corrigenda/internal/observe"
	"github.com/scribelab/corrigenda/internal/resilience"
	"github.com/scribelab/corrigenda/internal/service"
	"github.com/scribelab/corrigenda/internal/store"
)

// App holds the router and background services for lifecycle management.
type App struct {
	Router        *chi.Mux
	Feedback      *service.FeedbackService
	Decay         *service.DecayService
	Consolidation *service.ConsolidationService
	startTime     time.Time
	requestCount  atomic.Int64
	errorCount    atomic.Int64
}

func NewApp(db *pgxpool.Pool, eng config.Engine, logger *zap.Logger) *App {
	metrics := observe.DefaultMetrics()

	// Stores
	patternStore := store.NewPatternStore(db)
	resultStore := store.NewResultStore(db)
	feedbackStore := store.NewFeedbackStore(db)

	// Every pattern store access goes through the guard: per-call timeout
	// plus a circuit breaker that converts infrastructure failures into
	// domain.ErrStoreUnavailable for the degradation paths.
	guarded := resilience.NewGuardedPatternStore(patternStore, resilience.GuardConfig{
		QueryTimeout: eng.StoreGuard.QueryTimeout.Duration(),
		Breaker: resilience.CircuitBreakerConfig{
			Name:         "pattern-store",
			MaxFailures:  eng.StoreGuard.BreakerMaxFailures,
			ResetTimeout: eng.StoreGuard.BreakerResetTimeout.Duration(),
			HalfOpenMax:  eng.StoreGuard.BreakerHalfOpenMax,
			Logger:       logger,
			OnStateChange: func(from, to resilience.State) {
				metrics.RecordBreakerTransition(context.Background(), from.String(), to.String())
			},
		},
		IsSuccessful: func(err error) bool {
			return errors.Is(err, store.ErrNotFound) || errors.Is(err, context.Canceled)
		},
		Logger:  logger,
		Metrics: metrics,
	})

	// Embedding client via provider factory
	embedder, err := embedding.NewClient(config.EmbeddingProvider(), config.EmbeddingAPIKey())
	if err != nil {
		logger.Warn("embedding client initialization failed, falling back to mock embeddings",
			zap.String("provider", config.EmbeddingProvider()),
			zap.Error(err))
		embedder = embedding.NewMockClient()
	} else {
		logger.Info("embedding client initialized",
			zap.String("provider", config.EmbeddingProvider()))
	}
	embedder = embedding.Metered(embedder, metrics)

	speakerCache := cache.New(guarded, cache.Config{
		TTL:             eng.Cache.TTL.Duration(),
		MaxStale:        eng.Cache.MaxStale.Duration(),
		CleanupInterval: eng.Cache.CleanupInterval.Duration(),
		Logger:          logger,
		Metrics:         metrics,
	})

	// Services
	scorer := service.NewScorer(service.ScorerConfig{
		SimilarityWeight:   eng.Scorer.WeightSimilarity,
		SuccessWeight:      eng.Scorer.WeightSuccessRate,
		UsageWeight:        eng.Scorer.WeightUsage,
		ContextWeight:      eng.Scorer.WeightContext,
		UsageCap:           eng.Scorer.UsageCap,
		ShortSegmentRunes:  eng.Scorer.ShortSegmentRunes,
		ShortSegmentFactor: eng.Scorer.ShortSegmentFactor,
		LowSuccessRate:     eng.Scorer.LowSuccessRate,
		LowSuccessMinUsage: eng.Scorer.LowSuccessMinUsage,
		LowSuccessFactor:   eng.Scorer.LowSuccessFactor,
		SpeakerBoost:       eng.Scorer.SpeakerBoost,
	})
	matcher := service.NewMatcher(speakerCache, guarded, embedder, service.MatcherConfig{
		MinSegmentRunes:   eng.Matcher.MinSegmentRunes,
		MinSimilarity:     eng.Matcher.MinSimilarity,
		TopN:              eng.Matcher.TopN,
		MaxWindowTokens:   eng.Matcher.MaxWindowTokens,
		PhoneticThreshold: eng.Matcher.PhoneticThreshold,
		FuzzyThreshold:    eng.Matcher.FuzzyThreshold,
		ScanThreshold:     eng.Matcher.ScanThreshold,
	}, logger)
	corrector := service.NewCorrector(matcher, scorer, guarded, resultStore, embedder, service.ApplierConfig{
		ApplyThreshold: eng.Applier.ApplyThreshold,
		FlagThreshold:  eng.Applier.FlagThreshold,
		MaxCorrections: eng.Applier.MaxCorrections,
		RequestCeiling: eng.Applier.RequestCeiling.Duration(),
		SoftBudget:     eng.Applier.SoftBudget.Duration(),
	}, logger, metrics)
	feedbackSvc := service.NewFeedbackService(guarded, resultStore, feedbackStore, speakerCache, service.FeedbackConfig{
		Workers:         eng.Feedback.Workers,
		QueueSize:       eng.Feedback.QueueSize,
		DeactivateBelow: eng.Feedback.DeactivateBelow,
		MinSampleSize:   eng.Feedback.MinSampleSize,
		RetryAttempts:   eng.Feedback.RetryAttempts,
		RetryDelay:      eng.Feedback.RetryDelay.Duration(),
	}, logger, metrics)
	patternSvc := service.NewPatternService(guarded, embedder, speakerCache, logger)
	decaySvc := service.NewDecayService(guarded, speakerCache, service.DecayConfig{
		Interval:  eng.Maintenance.DecayInterval.Duration(),
		IdleAfter: eng.Maintenance.DecayIdleAfter.Duration(),
		Factor:    eng.Maintenance.DecayFactor,
	}, logger)
	consolidationSvc := service.NewConsolidationService(guarded, speakerCache, service.ConsolidationConfig{
		Interval:      eng.Maintenance.ConsolidationInterval.Duration(),
		MinSimilarity: eng.Maintenance.ConsolidationMinSimilarity,
	}, logger, metrics)

	// Handlers
	correctionHandler := handlers.NewCorrectionHandler(corrector)
	patternHandler := handlers.NewPatternHandler(patternSvc)
	feedbackHandler := handlers.NewFeedbackHandler(feedbackSvc)
	statsHandler := handlers.NewStatsHandler(patternSvc, feedbackSvc, feedbackStore, speakerCache, guarded)
	maintenanceHandler := handlers.NewMaintenanceHandler(decaySvc, consolidationSvc)

	r := chi.NewRouter()

	app := &App{
		Router:        r,
		Feedback:      feedbackSvc,
		Decay:         decaySvc,
		Consolidation: consolidationSvc,
		startTime:     time.Now(),
	}

	// Metrics collector for middleware
	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount, metrics)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	// Health and observability
	r.Get("/health", healthHandler(db))
	r.Get("/stats", app.runtimeStatsHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/corrections", func(r chi.Router) {
			r.Post("/", correctionHandler.Apply)
			r.Post("/preview", correctionHandler.Preview)
		})

		r.Route("/patterns", func(r chi.Router) {
			r.Post("/", patternHandler.Create)
			r.Get("/", patternHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", patternHandler.GetByID)
				r.Delete("/", patternHandler.Deactivate)
			})
		})

		r.Post("/feedback", feedbackHandler.Create)

		r.Get("/speakers/{speakerID}/stats", statsHandler.SpeakerStats)
		r.Get("/stats", statsHandler.Engine)

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/decay", maintenanceHandler.TriggerDecay)
			r.Post("/consolidate", maintenanceHandler.TriggerConsolidation)
		})
	})

	return app
}

// NewRouter returns just the chi.Mux for callers that manage lifecycles
// themselves.
func NewRouter(db *pgxpool.Pool, eng config.Engine, logger *zap.Logger) *chi.Mux {
	return NewApp(db, eng, logger).Router
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) runtimeStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)

		response := map[string]any{
			"version":        buildconfig.Version(),
			"commit":         buildconfig.Commit(),
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores and clients satisfy interfaces at compile time.
var (
	_ domain.PatternStore    = (*store.PatternStore)(nil)
	_ domain.PatternStore    = (*resilience.GuardedPatternStore)(nil)
	_ domain.ResultStore     = (*store.ResultStore)(nil)
	_ domain.FeedbackStore   = (*store.FeedbackStore)(nil)
	_ domain.EmbeddingClient = (*embedding.OpenAIClient)(nil)
	_ domain.EmbeddingClient = (*embedding.MockClient)(nil)
)
