package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/observe"
)

// GuardConfig configures a [GuardedPatternStore].
type GuardConfig struct {
	// QueryTimeout bounds every store call. Default: 2s.
	QueryTimeout time.Duration

	// Breaker configures the shared circuit breaker.
	Breaker CircuitBreakerConfig

	// IsSuccessful classifies errors for breaker accounting. Errors for which
	// it returns true (a not-found row, a failed validation) pass through
	// unchanged and do not count against the breaker. Nil counts every error
	// except context.Canceled as a failure.
	IsSuccessful func(error) bool

	Logger *zap.Logger

	// Metrics, when set, records store call latency and failure counters.
	Metrics *observe.Metrics
}

// GuardedPatternStore wraps a [domain.PatternStore] with a per-call timeout
// and a circuit breaker. Infrastructure failures (timeouts, connection loss,
// an open breaker) surface as [domain.ErrStoreUnavailable] so callers can
// fall back to cached patterns instead of failing the request.
type GuardedPatternStore struct {
	inner        domain.PatternStore
	breaker      *CircuitBreaker
	queryTimeout time.Duration
	isSuccessful func(error) bool
	logger       *zap.Logger
	metrics      *observe.Metrics
}

var _ domain.PatternStore = (*GuardedPatternStore)(nil)

// NewGuardedPatternStore wraps inner with the guard described by cfg.
func NewGuardedPatternStore(inner domain.PatternStore, cfg GuardConfig) *GuardedPatternStore {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "pattern-store"
	}
	if cfg.Breaker.Logger == nil {
		cfg.Breaker.Logger = cfg.Logger
	}
	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return errors.Is(err, context.Canceled) }
	}
	return &GuardedPatternStore{
		inner:        inner,
		breaker:      NewCircuitBreaker(cfg.Breaker),
		queryTimeout: cfg.QueryTimeout,
		isSuccessful: isSuccessful,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// BreakerState reports the breaker's current state for health endpoints.
func (g *GuardedPatternStore) BreakerState() State {
	return g.breaker.State()
}

// run executes fn under the per-call timeout and the breaker. Benign errors
// (per IsSuccessful) pass through unchanged; everything else counts as a
// breaker failure and wraps [domain.ErrStoreUnavailable].
func (g *GuardedPatternStore) run(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.queryTimeout)
	defer cancel()

	start := time.Now()
	var benign error
	err := g.breaker.Execute(func() error {
		err := fn(ctx)
		if err != nil && g.isSuccessful(err) {
			benign = err
			return nil
		}
		return err
	})
	if g.metrics != nil {
		g.metrics.StoreQueryDuration.Record(ctx, time.Since(start).Seconds())
	}
	if benign != nil {
		return benign
	}
	if err == nil {
		return nil
	}
	if g.metrics != nil {
		g.metrics.RecordStoreError(ctx, op)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		g.logger.Warn("pattern store call failed",
			zap.String("op", op),
			zap.Error(err))
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}

func (g *GuardedPatternStore) Upsert(ctx context.Context, p *domain.Pattern) error {
	return g.run(ctx, "upsert", func(ctx context.Context) error {
		return g.inner.Upsert(ctx, p)
	})
}

func (g *GuardedPatternStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Pattern, error) {
	var p *domain.Pattern
	err := g.run(ctx, "get_by_id", func(ctx context.Context) error {
		var err error
		p, err = g.inner.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (g *GuardedPatternStore) Query(ctx context.Context, embedding []float32, opts domain.QueryOpts) ([]domain.PatternWithScore, error) {
	var out []domain.PatternWithScore
	err := g.run(ctx, "query", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Query(ctx, embedding, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GuardedPatternStore) ListActive(ctx context.Context, speakerID *string) ([]domain.Pattern, error) {
	var out []domain.Pattern
	err := g.run(ctx, "list_active", func(ctx context.Context) error {
		var err error
		out, err = g.inner.ListActive(ctx, speakerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GuardedPatternStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	return g.run(ctx, "deactivate", func(ctx context.Context) error {
		return g.inner.Deactivate(ctx, id)
	})
}

func (g *GuardedPatternStore) UpdateStats(ctx context.Context, id uuid.UUID, usageDelta, successDelta int) (domain.PatternStats, error) {
	var stats domain.PatternStats
	err := g.run(ctx, "update_stats", func(ctx context.Context) error {
		var err error
		stats, err = g.inner.UpdateStats(ctx, id, usageDelta, successDelta)
		return err
	})
	if err != nil {
		return domain.PatternStats{}, err
	}
	return stats, nil
}

func (g *GuardedPatternStore) TouchUsed(ctx context.Context, ids []uuid.UUID) error {
	return g.run(ctx, "touch_used", func(ctx context.Context) error {
		return g.inner.TouchUsed(ctx, ids)
	})
}

func (g *GuardedPatternStore) DecayStats(ctx context.Context, idleSince time.Time, factor float64) (int64, error) {
	var n int64
	err := g.run(ctx, "decay_stats", func(ctx context.Context) error {
		var err error
		n, err = g.inner.DecayStats(ctx, idleSince, factor)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (g *GuardedPatternStore) ListDistinctSpeakers(ctx context.Context) ([]string, error) {
	var out []string
	err := g.run(ctx, "list_speakers", func(ctx context.Context) error {
		var err error
		out, err = g.inner.ListDistinctSpeakers(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (g *GuardedPatternStore) SpeakerStats(ctx context.Context, speakerID string) (*domain.SpeakerStats, error) {
	var stats *domain.SpeakerStats
	err := g.run(ctx, "speaker_stats", func(ctx context.Context) error {
		var err error
		stats, err = g.inner.SpeakerStats(ctx, speakerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (g *GuardedPatternStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := g.run(ctx, "count_active", func(ctx context.Context) error {
		var err error
		n, err = g.inner.CountActive(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
