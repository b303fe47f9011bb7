package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s" or
// "1h30m" instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Engine is the tuning configuration for the correction engine. Every
// threshold, weight, and budget the pipeline consults lives here so that a
// fixed Engine value makes correction runs reproducible. Zero fields are
// filled from DefaultEngine by Load.
type Engine struct {
	Matcher     MatcherConfig     `yaml:"matcher"`
	Scorer      ScorerConfig      `yaml:"scorer"`
	Applier     ApplierConfig     `yaml:"applier"`
	Cache       CacheConfig       `yaml:"cache"`
	StoreGuard  StoreGuardConfig  `yaml:"store_guard"`
	Feedback    FeedbackConfig    `yaml:"feedback"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// MatcherConfig tunes candidate discovery.
type MatcherConfig struct {
	// MinSegmentRunes is the shortest segment worth matching; shorter
	// segments return no candidates.
	MinSegmentRunes int `yaml:"min_segment_runes"`

	// MinSimilarity excludes candidates below this cosine similarity.
	MinSimilarity float64 `yaml:"min_similarity"`

	// TopN caps candidates returned per segment.
	TopN int `yaml:"top_n"`

	// MaxWindowTokens is the widest token window the transcript scanner
	// slides over the text (windows shrink from this down to 1).
	MaxWindowTokens int `yaml:"max_window_tokens"`

	// PhoneticThreshold is the minimum Jaro-Winkler score for a window that
	// shares a Double Metaphone code with some pattern original.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`

	// FuzzyThreshold is the minimum Jaro-Winkler score for a window with no
	// phonetic code overlap.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	// ScanThreshold is the pattern-set size above which similarity ranking
	// is delegated to the store's vector index instead of a local scan.
	ScanThreshold int `yaml:"scan_threshold"`
}

// ScorerConfig tunes confidence scoring. The four weights are normalized at
// scorer construction when they do not sum to 1.
type ScorerConfig struct {
	WeightSimilarity  float64 `yaml:"weight_similarity"`
	WeightSuccessRate float64 `yaml:"weight_success_rate"`
	WeightUsage       float64 `yaml:"weight_usage"`
	WeightContext     float64 `yaml:"weight_context"`

	// UsageCap is the usage count at which the usage signal saturates.
	UsageCap int `yaml:"usage_cap"`

	// ShortSegmentRunes is the length below which the short-segment
	// demotion applies.
	ShortSegmentRunes int `yaml:"short_segment_runes"`

	// ShortSegmentFactor multiplies confidence for short segments.
	ShortSegmentFactor float64 `yaml:"short_segment_factor"`

	// LowSuccessRate and LowSuccessMinUsage select statistically meaningful
	// underperformers; LowSuccessFactor demotes them.
	LowSuccessRate     float64 `yaml:"low_success_rate"`
	LowSuccessMinUsage int     `yaml:"low_success_min_usage"`
	LowSuccessFactor   float64 `yaml:"low_success_factor"`

	// SpeakerBoost promotes speaker-specific patterns, capped at 1.0.
	SpeakerBoost float64 `yaml:"speaker_boost"`
}

// ApplierConfig tunes the decision state machine.
type ApplierConfig struct {
	// ApplyThreshold is the minimum confidence for auto-application.
	ApplyThreshold float64 `yaml:"apply_threshold"`

	// FlagThreshold is the minimum confidence for surfacing a suggestion.
	FlagThreshold float64 `yaml:"flag_threshold"`

	// MaxCorrections caps applied decisions per request.
	MaxCorrections int `yaml:"max_corrections"`

	// RequestCeiling is the hard per-request deadline.
	RequestCeiling Duration `yaml:"request_ceiling"`

	// SoftBudget is the point at which remaining segments degrade to
	// skipped instead of risking the ceiling.
	SoftBudget Duration `yaml:"soft_budget"`
}

// CacheConfig tunes the per-speaker pattern cache.
type CacheConfig struct {
	// TTL bounds entry freshness from load time; no sliding expiry.
	TTL Duration `yaml:"ttl"`

	// MaxStale is how long an expired entry stays reachable for the
	// degraded fallback path before the janitor evicts it.
	MaxStale Duration `yaml:"max_stale"`

	// CleanupInterval is the janitor period.
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// StoreGuardConfig tunes the resilience wrapper around the pattern store.
type StoreGuardConfig struct {
	// QueryTimeout bounds each store call.
	QueryTimeout Duration `yaml:"query_timeout"`

	// Breaker knobs: consecutive failures to open, cool-down before
	// half-open, probe budget while half-open.
	BreakerMaxFailures  int      `yaml:"breaker_max_failures"`
	BreakerResetTimeout Duration `yaml:"breaker_reset_timeout"`
	BreakerHalfOpenMax  int      `yaml:"breaker_half_open_max"`
}

// FeedbackConfig tunes the asynchronous feedback processor.
type FeedbackConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	// DeactivateBelow is the success-rate floor under which a pattern with
	// at least MinSampleSize usages is deactivated.
	DeactivateBelow float64 `yaml:"deactivate_below"`
	MinSampleSize   int     `yaml:"min_sample_size"`

	// Store-unavailable retries before an event is dropped.
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryDelay    Duration `yaml:"retry_delay"`
}

// MaintenanceConfig tunes the background decay and consolidation workers.
type MaintenanceConfig struct {
	DecayInterval  Duration `yaml:"decay_interval"`
	DecayIdleAfter Duration `yaml:"decay_idle_after"`
	DecayFactor    float64  `yaml:"decay_factor"`

	ConsolidationInterval      Duration `yaml:"consolidation_interval"`
	ConsolidationMinSimilarity float64  `yaml:"consolidation_min_similarity"`
}

// DefaultEngine returns the built-in tuning defaults.
func DefaultEngine() Engine {
	return Engine{
		Matcher: MatcherConfig{
			MinSegmentRunes:   3,
			MinSimilarity:     0.60,
			TopN:              5,
			MaxWindowTokens:   3,
			PhoneticThreshold: 0.70,
			FuzzyThreshold:    0.85,
			ScanThreshold:     2000,
		},
		Scorer: ScorerConfig{
			WeightSimilarity:   0.50,
			WeightSuccessRate:  0.25,
			WeightUsage:        0.15,
			WeightContext:      0.10,
			UsageCap:           100,
			ShortSegmentRunes:  10,
			ShortSegmentFactor: 0.8,
			LowSuccessRate:     0.7,
			LowSuccessMinUsage: 10,
			LowSuccessFactor:   0.9,
			SpeakerBoost:       1.1,
		},
		Applier: ApplierConfig{
			ApplyThreshold: 0.80,
			FlagThreshold:  0.50,
			MaxCorrections: 20,
			RequestCeiling: Duration(5 * time.Second),
			SoftBudget:     Duration(3500 * time.Millisecond),
		},
		Cache: CacheConfig{
			TTL:             Duration(time.Hour),
			MaxStale:        Duration(24 * time.Hour),
			CleanupInterval: Duration(10 * time.Minute),
		},
		StoreGuard: StoreGuardConfig{
			QueryTimeout:        Duration(2 * time.Second),
			BreakerMaxFailures:  5,
			BreakerResetTimeout: Duration(30 * time.Second),
			BreakerHalfOpenMax:  3,
		},
		Feedback: FeedbackConfig{
			Workers:         2,
			QueueSize:       256,
			DeactivateBelow: 0.30,
			MinSampleSize:   5,
			RetryAttempts:   3,
			RetryDelay:      Duration(500 * time.Millisecond),
		},
		Maintenance: MaintenanceConfig{
			DecayInterval:              Duration(24 * time.Hour),
			DecayIdleAfter:             Duration(30 * 24 * time.Hour),
			DecayFactor:                0.5,
			ConsolidationInterval:      Duration(6 * time.Hour),
			ConsolidationMinSimilarity: 0.98,
		},
	}
}

// LoadEngine reads the engine YAML at path. A missing file is not an error;
// the defaults are returned unchanged so a bare checkout runs.
func LoadEngine(path string) (Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultEngine(), nil
		}
		return Engine{}, fmt.Errorf("engine config: open %q: %w", path, err)
	}
	defer f.Close()

	eng, err := LoadEngineFromReader(f)
	if err != nil {
		return Engine{}, fmt.Errorf("engine config: parse %q: %w", path, err)
	}
	return eng, nil
}

// LoadEngineFromReader decodes engine YAML from r, fills unset fields from
// the defaults, and validates the result. Useful in tests where configs are
// built from string literals.
func LoadEngineFromReader(r io.Reader) (Engine, error) {
	eng := DefaultEngine()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&eng); err != nil {
		if errors.Is(err, io.EOF) {
			return DefaultEngine(), nil
		}
		return Engine{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := ValidateEngine(&eng); err != nil {
		return Engine{}, err
	}
	return eng, nil
}

// ValidateEngine checks that eng holds a coherent set of values.
// It returns a joined error listing all validation failures found.
func ValidateEngine(eng *Engine) error {
	var errs []error

	if eng.Matcher.MinSegmentRunes < 1 {
		errs = append(errs, fmt.Errorf("matcher.min_segment_runes %d must be at least 1", eng.Matcher.MinSegmentRunes))
	}
	if eng.Matcher.MinSimilarity < 0 || eng.Matcher.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("matcher.min_similarity %.2f is out of range [0, 1]", eng.Matcher.MinSimilarity))
	}
	if eng.Matcher.TopN < 1 {
		errs = append(errs, fmt.Errorf("matcher.top_n %d must be at least 1", eng.Matcher.TopN))
	}
	if eng.Matcher.MaxWindowTokens < 1 {
		errs = append(errs, fmt.Errorf("matcher.max_window_tokens %d must be at least 1", eng.Matcher.MaxWindowTokens))
	}

	for _, w := range []struct {
		name  string
		value float64
	}{
		{"scorer.weight_similarity", eng.Scorer.WeightSimilarity},
		{"scorer.weight_success_rate", eng.Scorer.WeightSuccessRate},
		{"scorer.weight_usage", eng.Scorer.WeightUsage},
		{"scorer.weight_context", eng.Scorer.WeightContext},
	} {
		if w.value < 0 {
			errs = append(errs, fmt.Errorf("%s %.2f must not be negative", w.name, w.value))
		}
	}
	if sum := eng.Scorer.WeightSimilarity + eng.Scorer.WeightSuccessRate + eng.Scorer.WeightUsage + eng.Scorer.WeightContext; sum <= 0 {
		errs = append(errs, fmt.Errorf("scorer weights sum to %.2f; at least one must be positive", sum))
	}
	if eng.Scorer.UsageCap < 1 {
		errs = append(errs, fmt.Errorf("scorer.usage_cap %d must be at least 1", eng.Scorer.UsageCap))
	}

	if eng.Applier.ApplyThreshold < 0 || eng.Applier.ApplyThreshold > 1 {
		errs = append(errs, fmt.Errorf("applier.apply_threshold %.2f is out of range [0, 1]", eng.Applier.ApplyThreshold))
	}
	if eng.Applier.FlagThreshold < 0 || eng.Applier.FlagThreshold > 1 {
		errs = append(errs, fmt.Errorf("applier.flag_threshold %.2f is out of range [0, 1]", eng.Applier.FlagThreshold))
	}
	if eng.Applier.FlagThreshold > eng.Applier.ApplyThreshold {
		errs = append(errs, fmt.Errorf("applier.flag_threshold %.2f must not exceed applier.apply_threshold %.2f",
			eng.Applier.FlagThreshold, eng.Applier.ApplyThreshold))
	}
	if eng.Applier.SoftBudget > eng.Applier.RequestCeiling {
		errs = append(errs, fmt.Errorf("applier.soft_budget %s must not exceed applier.request_ceiling %s",
			eng.Applier.SoftBudget, eng.Applier.RequestCeiling))
	}

	if eng.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl %s must be positive", eng.Cache.TTL))
	}
	if eng.Cache.MaxStale < eng.Cache.TTL {
		errs = append(errs, fmt.Errorf("cache.max_stale %s must not be shorter than cache.ttl %s",
			eng.Cache.MaxStale, eng.Cache.TTL))
	}

	if eng.StoreGuard.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("store_guard.query_timeout %s must be positive", eng.StoreGuard.QueryTimeout))
	}

	if eng.Feedback.Workers < 1 {
		errs = append(errs, fmt.Errorf("feedback.workers %d must be at least 1", eng.Feedback.Workers))
	}
	if eng.Feedback.DeactivateBelow < 0 || eng.Feedback.DeactivateBelow > 1 {
		errs = append(errs, fmt.Errorf("feedback.deactivate_below %.2f is out of range [0, 1]", eng.Feedback.DeactivateBelow))
	}
	if eng.Feedback.MinSampleSize < 1 {
		errs = append(errs, fmt.Errorf("feedback.min_sample_size %d must be at least 1", eng.Feedback.MinSampleSize))
	}

	if eng.Maintenance.DecayFactor <= 0 || eng.Maintenance.DecayFactor >= 1 {
		errs = append(errs, fmt.Errorf("maintenance.decay_factor %.2f is out of range (0, 1)", eng.Maintenance.DecayFactor))
	}
	if eng.Maintenance.ConsolidationMinSimilarity < 0 || eng.Maintenance.ConsolidationMinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("maintenance.consolidation_min_similarity %.2f is out of range [0, 1]",
			eng.Maintenance.ConsolidationMinSimilarity))
	}

	return errors.Join(errs...)
}
