package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scribelab/corrigenda/internal/cache"
	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/index"
	"github.com/scribelab/corrigenda/internal/observe"
)

// ConsolidationConfig controls near-duplicate pattern folding.
type ConsolidationConfig struct {
	// Interval between consolidation cycles. Default: 6h.
	Interval time.Duration
	// MinSimilarity is the cosine similarity two same-outcome patterns must
	// reach before they are considered duplicates. Default: 0.98.
	MinSimilarity float64
}

// DefaultConsolidationConfig returns the production consolidation parameters.
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		Interval:      6 * time.Hour,
		MinSimilarity: 0.98,
	}
}

// ConsolidationResult summarizes one consolidation cycle.
type ConsolidationResult struct {
	BucketsScanned int `json:"buckets_scanned"`
	PatternsMerged int `json:"patterns_merged"`
}

// ConsolidationService folds near-duplicate patterns within a speaker's set.
// Repeated registrations of the same habit with slightly different source
// text ("diabetis" vs "diabettis", both correcting to "diabetes") split usage
// history across rows; folding them concentrates the evidence on one pattern
// so its confidence reflects the full history.
type ConsolidationService struct {
	patterns domain.PatternStore
	cache    *cache.SpeakerCache
	logger   *zap.Logger
	metrics  *observe.Metrics
	cfg      ConsolidationConfig
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewConsolidationService builds a ConsolidationService, filling zero config
// fields with defaults. Metrics may be nil.
func NewConsolidationService(patterns domain.PatternStore, speakerCache *cache.SpeakerCache, cfg ConsolidationConfig, logger *zap.Logger, metrics *observe.Metrics) *ConsolidationService {
	def := DefaultConsolidationConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinSimilarity <= 0 || cfg.MinSimilarity > 1 {
		cfg.MinSimilarity = def.MinSimilarity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsolidationService{
		patterns: patterns,
		cache:    speakerCache,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic consolidation loop.
func (s *ConsolidationService) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("consolidation service started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Float64("min_similarity", s.cfg.MinSimilarity))
}

// Stop halts the loop and waits for any in-flight cycle.
func (s *ConsolidationService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("consolidation service stopped")
}

func (s *ConsolidationService) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			if _, err := s.RunConsolidation(ctx); err != nil {
				s.logger.Error("consolidation cycle failed", zap.Error(err))
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// RunConsolidation scans every speaker bucket plus the global set and folds
// near-duplicate patterns. It is also invoked directly by the manual
// maintenance endpoint.
func (s *ConsolidationService) RunConsolidation(ctx context.Context) (*ConsolidationResult, error) {
	speakers, err := s.patterns.ListDistinctSpeakers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list speakers: %w", err)
	}

	buckets := make([]*string, 0, len(speakers)+1)
	buckets = append(buckets, nil)
	for i := range speakers {
		buckets = append(buckets, &speakers[i])
	}

	res := &ConsolidationResult{}
	for _, speakerID := range buckets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		merged, err := s.consolidateBucket(ctx, speakerID)
		if err != nil {
			// One broken bucket should not abort the sweep.
			s.logger.Warn("consolidation skipped bucket",
				zap.Stringp("speaker_id", speakerID),
				zap.Error(err))
			continue
		}
		res.BucketsScanned++
		res.PatternsMerged += merged
	}

	if res.PatternsMerged > 0 {
		s.logger.Info("consolidated near-duplicate patterns",
			zap.Int("buckets", res.BucketsScanned),
			zap.Int("merged", res.PatternsMerged))
	}
	return res, nil
}

func (s *ConsolidationService) consolidateBucket(ctx context.Context, speakerID *string) (int, error) {
	patterns, err := s.patterns.ListActive(ctx, speakerID)
	if err != nil {
		return 0, err
	}
	if len(patterns) < 2 {
		return 0, nil
	}

	// Only patterns producing the same replacement can fold.
	groups := make(map[string][]int)
	for i := range patterns {
		key := strings.ToLower(strings.TrimSpace(patterns[i].CorrectedText))
		groups[key] = append(groups[key], i)
	}

	merged := 0
	for _, idxs := range groups {
		if len(idxs) < 2 {
			continue
		}
		// The most-used pattern survives; ties go to the oldest.
		sort.Slice(idxs, func(a, b int) bool {
			pa, pb := &patterns[idxs[a]], &patterns[idxs[b]]
			if pa.UsageCount != pb.UsageCount {
				return pa.UsageCount > pb.UsageCount
			}
			return pa.CreatedAt.Before(pb.CreatedAt)
		})
		folded := make([]bool, len(idxs))
		for a := 0; a < len(idxs); a++ {
			if folded[a] {
				continue
			}
			survivor := &patterns[idxs[a]]
			for b := a + 1; b < len(idxs); b++ {
				if folded[b] {
					continue
				}
				dup := &patterns[idxs[b]]
				if index.Cosine(survivor.Embedding, dup.Embedding) < s.cfg.MinSimilarity {
					continue
				}
				if err := s.fold(ctx, survivor, dup); err != nil {
					s.logger.Warn("failed to fold duplicate pattern",
						zap.String("survivor_id", survivor.ID.String()),
						zap.String("duplicate_id", dup.ID.String()),
						zap.Error(err))
					continue
				}
				folded[b] = true
				merged++
			}
		}
	}

	if merged > 0 {
		s.cache.Invalidate(speakerID)
	}
	return merged, nil
}

// fold retires the duplicate, then moves its counters onto the survivor.
// Retiring first means a failure between the two steps drops the duplicate's
// counters rather than counting them twice.
func (s *ConsolidationService) fold(ctx context.Context, survivor, dup *domain.Pattern) error {
	if err := s.patterns.Deactivate(ctx, dup.ID); err != nil {
		return fmt.Errorf("deactivate duplicate: %w", err)
	}
	if _, err := s.patterns.UpdateStats(ctx, survivor.ID, dup.UsageCount, dup.SuccessCount); err != nil {
		return fmt.Errorf("merge counters: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordDeactivation(ctx, "consolidation")
	}
	s.logger.Debug("folded duplicate pattern",
		zap.String("survivor_id", survivor.ID.String()),
		zap.String("duplicate_id", dup.ID.String()),
		zap.String("duplicate_text", dup.OriginalText),
		zap.Int("moved_usage", dup.UsageCount))
	return nil
}
