// Package cache holds per-speaker pattern sets in memory so the correction
// hot path does not touch the database on every request.
//
// Each speaker gets one bucket plus a shared speaker-agnostic bucket that is
// merged in at read time. A bucket is fresh for the configured TTL counted
// from load time (the window never slides), then it is reloaded on next use.
// If the reload fails because the store is unavailable, the expired copy is
// served as stale data instead of failing the request.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/observe"
)

// timeNow is stubbed in tests to control freshness windows.
var timeNow = time.Now

// globalKey addresses the speaker-agnostic bucket. Speaker keys carry a
// prefix so a speaker literally named "global" cannot collide with it.
const globalKey = "g"

func speakerKey(speakerID string) string {
	return "s:" + speakerID
}

// bucketEntry is one cached pattern set with its load timestamp.
type bucketEntry struct {
	Patterns []domain.Pattern
	LoadedAt time.Time
}

// Config tunes a SpeakerCache.
type Config struct {
	// TTL is the freshness window counted from load time. Default: 1h.
	TTL time.Duration

	// MaxStale bounds how long an expired bucket remains usable as a stale
	// fallback before it is dropped entirely. Default: 24h.
	MaxStale time.Duration

	// CleanupInterval is how often dropped buckets are swept. Default: 10m.
	CleanupInterval time.Duration

	Logger  *zap.Logger
	Metrics *observe.Metrics
}

// SpeakerCache caches active pattern buckets in front of a PatternStore.
// It is safe for concurrent use.
type SpeakerCache struct {
	store    domain.PatternStore
	data     *gocache.Cache
	group    singleflight.Group
	ttl      time.Duration
	maxStale time.Duration
	logger   *zap.Logger
	metrics  *observe.Metrics

	hits   atomic.Int64
	misses atomic.Int64
	stale  atomic.Int64
}

// New creates a SpeakerCache backed by store. Zero-value config fields are
// replaced with defaults.
func New(store domain.PatternStore, cfg Config) *SpeakerCache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MaxStale <= 0 {
		cfg.MaxStale = 24 * time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &SpeakerCache{
		store: store,
		// go-cache expiry is set to MaxStale, not TTL: buckets past the
		// freshness window must survive in memory to serve as stale
		// fallbacks during store outages.
		data:     gocache.New(cfg.MaxStale, cfg.CleanupInterval),
		ttl:      cfg.TTL,
		maxStale: cfg.MaxStale,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Patterns returns every active pattern visible to the speaker: their own
// bucket merged with the speaker-agnostic one. An empty speakerID returns
// just the speaker-agnostic bucket. The stale flag reports whether any
// portion of the answer came from an expired bucket.
func (c *SpeakerCache) Patterns(ctx context.Context, speakerID string) ([]domain.Pattern, bool, error) {
	global, globalStale, err := c.bucket(ctx, globalKey, nil)
	if err != nil {
		return nil, false, err
	}
	if speakerID == "" {
		return global, globalStale, nil
	}

	own, ownStale, err := c.bucket(ctx, speakerKey(speakerID), &speakerID)
	if err != nil {
		return nil, false, err
	}

	merged := make([]domain.Pattern, 0, len(own)+len(global))
	merged = append(merged, own...)
	merged = append(merged, global...)
	return merged, ownStale || globalStale, nil
}

// bucket returns one bucket, reloading it through singleflight when the
// freshness window has passed.
func (c *SpeakerCache) bucket(ctx context.Context, key string, speakerID *string) ([]domain.Pattern, bool, error) {
	if v, ok := c.data.Get(key); ok {
		entry := v.(bucketEntry)
		if timeNow().Sub(entry.LoadedAt) < c.ttl {
			c.recordLookup(ctx, "hit")
			return entry.Patterns, false, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another waiter on the same flight may have already refreshed it.
		if v, ok := c.data.Get(key); ok {
			entry := v.(bucketEntry)
			if timeNow().Sub(entry.LoadedAt) < c.ttl {
				return entry, nil
			}
		}

		patterns, err := c.store.ListActive(ctx, speakerID)
		if err != nil {
			return nil, err
		}
		entry := bucketEntry{Patterns: patterns, LoadedAt: timeNow()}
		c.data.Set(key, entry, gocache.DefaultExpiration)
		return entry, nil
	})
	if err != nil {
		// Serve the expired copy if one is still around.
		if v, ok := c.data.Get(key); ok {
			entry := v.(bucketEntry)
			c.recordLookup(ctx, "stale")
			c.logger.Warn("serving stale pattern bucket",
				zap.String("bucket", key),
				zap.Duration("age", timeNow().Sub(entry.LoadedAt)),
				zap.Error(err))
			return entry.Patterns, true, nil
		}
		return nil, false, err
	}

	c.recordLookup(ctx, "miss")
	entry := v.(bucketEntry)
	return entry.Patterns, false, nil
}

// Invalidate drops the bucket for the given speaker, or the speaker-agnostic
// bucket when speakerID is nil. The next read reloads from the store.
func (c *SpeakerCache) Invalidate(speakerID *string) {
	if speakerID == nil {
		c.data.Delete(globalKey)
		return
	}
	c.data.Delete(speakerKey(*speakerID))
}

// InvalidateAll drops every bucket.
func (c *SpeakerCache) InvalidateAll() {
	c.data.Flush()
}

// Len reports how many buckets are currently held, stale ones included.
func (c *SpeakerCache) Len() int {
	return c.data.ItemCount()
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Buckets int   `json:"buckets"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Stale   int64 `json:"stale"`
}

// HitRate returns hits over total lookups, 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses + s.Stale
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Snapshot returns the current cache statistics.
func (c *SpeakerCache) Snapshot() Stats {
	return Stats{
		Buckets: c.data.ItemCount(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Stale:   c.stale.Load(),
	}
}

func (c *SpeakerCache) recordLookup(ctx context.Context, outcome string) {
	switch outcome {
	case "hit":
		c.hits.Add(1)
	case "miss":
		c.misses.Add(1)
	case "stale":
		c.stale.Add(1)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, outcome)
	}
}
