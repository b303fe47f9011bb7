package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scribelab/corrigenda/internal/cache"
	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/observe"
	"github.com/scribelab/corrigenda/internal/store"
)

var (
	ErrFeedbackResultMissing   = errors.New("result_id is required")
	ErrFeedbackDecisionMissing = errors.New("decision_id is required")
	ErrFeedbackInvalidVerdict  = errors.New("verdict must be correct or incorrect")
	ErrFeedbackQueueFull       = errors.New("feedback queue is full")
)

// FeedbackConfig holds the worker pool and pattern lifecycle parameters.
type FeedbackConfig struct {
	// Workers is the number of concurrent event processors. Default: 2.
	Workers int
	// QueueSize bounds the submission queue. Default: 256.
	QueueSize int
	// DeactivateBelow is the success-rate floor under which a pattern is
	// retired. Default: 0.30.
	DeactivateBelow float64
	// MinSampleSize is the usage count a pattern needs before the floor
	// applies. Default: 5.
	MinSampleSize int
	// RetryAttempts is how many times a store-unavailable failure is
	// retried before the event is dropped. Default: 3.
	RetryAttempts int
	// RetryDelay is the pause between retries. Default: 500ms.
	RetryDelay time.Duration
}

// DefaultFeedbackConfig returns the production feedback parameters.
func DefaultFeedbackConfig() FeedbackConfig {
	return FeedbackConfig{
		Workers:         2,
		QueueSize:       256,
		DeactivateBelow: 0.30,
		MinSampleSize:   5,
		RetryAttempts:   3,
		RetryDelay:      500 * time.Millisecond,
	}
}

// FeedbackService turns reviewer verdicts into pattern statistics. Submission
// never blocks the caller; a small worker pool applies events asynchronously
// and retires patterns whose success rate falls through the floor.
type FeedbackService struct {
	patterns domain.PatternStore
	results  domain.ResultStore
	feedback domain.FeedbackStore
	cache    *cache.SpeakerCache
	logger   *zap.Logger
	metrics  *observe.Metrics
	cfg      FeedbackConfig

	queue   chan domain.FeedbackEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewFeedbackService builds a FeedbackService, filling zero config fields
// with defaults. metrics may be nil. Call Start to launch the workers.
func NewFeedbackService(patterns domain.PatternStore, results domain.ResultStore, feedback domain.FeedbackStore, speakerCache *cache.SpeakerCache, cfg FeedbackConfig, logger *zap.Logger, metrics *observe.Metrics) *FeedbackService {
	def := DefaultFeedbackConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DeactivateBelow <= 0 {
		cfg.DeactivateBelow = def.DeactivateBelow
	}
	if cfg.MinSampleSize <= 0 {
		cfg.MinSampleSize = def.MinSampleSize
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedbackService{
		patterns: patterns,
		results:  results,
		feedback: feedback,
		cache:    speakerCache,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		queue:    make(chan domain.FeedbackEvent, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Submit validates and enqueues a feedback event. It never blocks: when the
// queue is full the event is dropped and ErrFeedbackQueueFull returned so the
// caller can surface backpressure. A zero EventID gets a fresh one assigned;
// callers wanting idempotent retries must supply their own.
func (s *FeedbackService) Submit(e domain.FeedbackEvent) error {
	if e.ResultID == uuid.Nil {
		return ErrFeedbackResultMissing
	}
	if e.DecisionID == uuid.Nil {
		return ErrFeedbackDecisionMissing
	}
	if !domain.ValidVerdict(string(e.Verdict)) {
		return ErrFeedbackInvalidVerdict
	}
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = timeNow().UTC()
	}

	select {
	case s.queue <- e:
		if s.metrics != nil {
			s.metrics.FeedbackQueueDepth.Add(context.Background(), 1)
		}
		return nil
	default:
		s.dropped.Add(1)
		s.recordEvent(context.Background(), e.Verdict, "dropped")
		s.logger.Warn("feedback queue full, dropping event",
			zap.String("event_id", e.EventID.String()))
		return ErrFeedbackQueueFull
	}
}

// Start launches the worker pool.
func (s *FeedbackService) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.logger.Info("feedback workers started", zap.Int("workers", s.cfg.Workers))
}

// Stop drains already-queued events and waits for the workers to exit.
func (s *FeedbackService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("feedback workers stopped", zap.Int64("dropped_total", s.dropped.Load()))
}

// Dropped returns the number of events dropped since startup.
func (s *FeedbackService) Dropped() int64 {
	return s.dropped.Load()
}

// QueueDepth returns the number of events waiting to be processed.
func (s *FeedbackService) QueueDepth() int {
	return len(s.queue)
}

func (s *FeedbackService) worker() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.queue:
			s.handle(e)
		case <-s.stopCh:
			for {
				select {
				case e := <-s.queue:
					s.handle(e)
				default:
					return
				}
			}
		}
	}
}

func (s *FeedbackService) handle(e domain.FeedbackEvent) {
	if s.metrics != nil {
		s.metrics.FeedbackQueueDepth.Add(context.Background(), -1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ProcessSync(ctx, e); err != nil {
		s.dropped.Add(1)
		s.recordEvent(ctx, e.Verdict, "dropped")
		s.logger.Warn("feedback event dropped",
			zap.String("event_id", e.EventID.String()),
			zap.Error(err))
	}
}

// ProcessSync applies one feedback event synchronously, retrying store
// outages. Work already done is not repeated across retries: once the event
// is recorded, only the counter update is retried, so a replayed event can
// never double-count.
func (s *FeedbackService) ProcessSync(ctx context.Context, e domain.FeedbackEvent) error {
	recorded := false
	for attempt := 0; ; attempt++ {
		err := s.apply(ctx, &e, &recorded)
		if err == nil || !errors.Is(err, domain.ErrStoreUnavailable) || attempt >= s.cfg.RetryAttempts {
			return err
		}
		s.logger.Debug("retrying feedback event",
			zap.String("event_id", e.EventID.String()),
			zap.Int("attempt", attempt+1))
		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *FeedbackService) apply(ctx context.Context, e *domain.FeedbackEvent, recorded *bool) error {
	if !*recorded {
		decision, err := s.results.GetDecision(ctx, e.ResultID, e.DecisionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.logger.Warn("feedback for unknown decision",
					zap.String("result_id", e.ResultID.String()),
					zap.String("decision_id", e.DecisionID.String()))
				s.recordEvent(ctx, e.Verdict, "unknown")
				return nil
			}
			return err
		}
		// The persisted decision is authoritative for pattern attribution.
		e.PatternID = decision.PatternID

		newly, err := s.feedback.Record(ctx, e)
		if err != nil {
			return err
		}
		if !newly {
			s.recordEvent(ctx, e.Verdict, "duplicate")
			return nil
		}
		*recorded = true
	}

	effect := domain.VerdictEffects[e.Verdict]
	stats, err := s.patterns.UpdateStats(ctx, e.PatternID, effect.UsageDelta, effect.SuccessDelta)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("feedback for missing pattern",
				zap.String("pattern_id", e.PatternID.String()))
			s.recordEvent(ctx, e.Verdict, "orphaned")
			return nil
		}
		return err
	}

	if stats.Active && stats.UsageCount >= s.cfg.MinSampleSize && stats.SuccessRate() < s.cfg.DeactivateBelow {
		if err := s.patterns.Deactivate(ctx, e.PatternID); err != nil {
			// the floor check runs again on the next event for this pattern
			s.logger.Warn("failed to deactivate failing pattern",
				zap.String("pattern_id", e.PatternID.String()),
				zap.Error(err))
		} else {
			s.cache.Invalidate(stats.SpeakerID)
			if s.metrics != nil {
				s.metrics.RecordDeactivation(ctx, "feedback_floor")
			}
			s.logger.Info("pattern deactivated by feedback floor",
				zap.String("pattern_id", e.PatternID.String()),
				zap.Int("usage", stats.UsageCount),
				zap.Float64("success_rate", stats.SuccessRate()))
		}
	}

	s.recordEvent(ctx, e.Verdict, "ok")
	return nil
}

func (s *FeedbackService) recordEvent(ctx context.Context, v domain.Verdict, status string) {
	if s.metrics != nil {
		s.metrics.RecordFeedbackEvent(ctx, string(v), status)
	}
}
