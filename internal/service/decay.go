package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scribelab/corrigenda/internal/cache"
	"github.com/scribelab/corrigenda/internal/domain"
)

// DecayConfig controls background statistics aging.
type DecayConfig struct {
	// Interval between decay cycles. Default: 24h.
	Interval time.Duration
	// IdleAfter is how long a pattern must go unused before its counters
	// are aged. Default: 30 days.
	IdleAfter time.Duration
	// Factor scales both counters each cycle. Default: 0.5.
	Factor float64
}

// DefaultDecayConfig returns the production decay parameters.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Interval:  24 * time.Hour,
		IdleAfter: 30 * 24 * time.Hour,
		Factor:    0.5,
	}
}

// DecayService ages the statistics of idle patterns on a timer so stale
// habits lose scoring weight without being deleted. Scaling both counters by
// the same factor preserves the success rate while shrinking the usage term.
type DecayService struct {
	patterns domain.PatternStore
	cache    *cache.SpeakerCache
	logger   *zap.Logger
	cfg      DecayConfig
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewDecayService builds a DecayService, filling zero config fields with
// defaults. Call Start to begin the cycle.
func NewDecayService(patterns domain.PatternStore, speakerCache *cache.SpeakerCache, cfg DecayConfig, logger *zap.Logger) *DecayService {
	def := DefaultDecayConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.Factor <= 0 || cfg.Factor >= 1 {
		cfg.Factor = def.Factor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DecayService{
		patterns: patterns,
		cache:    speakerCache,
		logger:   logger,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic decay loop.
func (s *DecayService) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("decay service started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("idle_after", s.cfg.IdleAfter))
}

// Stop halts the loop and waits for any in-flight cycle.
func (s *DecayService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("decay service stopped")
}

func (s *DecayService) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := s.RunDecay(ctx); err != nil {
				s.logger.Error("decay cycle failed", zap.Error(err))
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// RunDecay ages every active pattern that has been idle past the cutoff and
// returns how many were touched. It is also invoked directly by the manual
// maintenance endpoint.
func (s *DecayService) RunDecay(ctx context.Context) (int64, error) {
	cutoff := timeNow().Add(-s.cfg.IdleAfter)
	n, err := s.patterns.DecayStats(ctx, cutoff, s.cfg.Factor)
	if err != nil {
		return 0, fmt.Errorf("decay stats: %w", err)
	}
	if n > 0 {
		s.cache.InvalidateAll()
		s.logger.Info("decayed idle pattern statistics",
			zap.Int64("patterns", n),
			zap.Time("idle_since", cutoff))
	}
	return n, nil
}
