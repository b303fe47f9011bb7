package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scribelab/corrigenda/internal/cache"
	"github.com/scribelab/corrigenda/internal/domain"
	"github.com/scribelab/corrigenda/internal/index"
)

// MatcherConfig bounds candidate discovery.
type MatcherConfig struct {
	// MinSegmentRunes is the shortest segment worth matching. Default: 3.
	MinSegmentRunes int
	// MinSimilarity is the cosine floor below which candidates are dropped.
	// Default: 0.60.
	MinSimilarity float64
	// TopN is the maximum number of candidates returned per segment.
	// Default: 5.
	TopN int
	// MaxWindowTokens is the widest sliding window, in tokens. Default: 3.
	MaxWindowTokens int
	// PhoneticThreshold is the similarity confirm for windows that share a
	// metaphone code with a stored original. Default: 0.70.
	PhoneticThreshold float64
	// FuzzyThreshold is the stricter similarity bar for windows with no
	// phonetic overlap. Default: 0.85.
	FuzzyThreshold float64
	// ScanThreshold is the cached-set size above which ranking is delegated
	// to the store's vector index instead of scanned locally. Default: 2000.
	ScanThreshold int
}

// DefaultMatcherConfig returns the production matching parameters.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		MinSegmentRunes:   3,
		MinSimilarity:     0.60,
		TopN:              5,
		MaxWindowTokens:   3,
		PhoneticThreshold: 0.70,
		FuzzyThreshold:    0.85,
		ScanThreshold:     2000,
	}
}

// Matcher finds correction candidates for text segments. It embeds segments,
// then ranks a speaker's cached patterns by vector similarity. A phonetic
// prefilter keeps transcript scans from embedding windows that resemble
// nothing the speaker has ever had corrected.
type Matcher struct {
	cache    *cache.SpeakerCache
	store    domain.PatternStore
	embedder domain.EmbeddingClient
	logger   *zap.Logger
	cfg      MatcherConfig
}

// NewMatcher builds a Matcher, filling zero config fields with defaults.
func NewMatcher(speakerCache *cache.SpeakerCache, store domain.PatternStore, embedder domain.EmbeddingClient, cfg MatcherConfig, logger *zap.Logger) *Matcher {
	def := DefaultMatcherConfig()
	if cfg.MinSegmentRunes <= 0 {
		cfg.MinSegmentRunes = def.MinSegmentRunes
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = def.MinSimilarity
	}
	if cfg.TopN <= 0 {
		cfg.TopN = def.TopN
	}
	if cfg.MaxWindowTokens <= 0 {
		cfg.MaxWindowTokens = def.MaxWindowTokens
	}
	if cfg.PhoneticThreshold <= 0 {
		cfg.PhoneticThreshold = def.PhoneticThreshold
	}
	if cfg.FuzzyThreshold <= 0 {
		cfg.FuzzyThreshold = def.FuzzyThreshold
	}
	if cfg.ScanThreshold <= 0 {
		cfg.ScanThreshold = def.ScanThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		cache:    speakerCache,
		store:    store,
		embedder: embedder,
		logger:   logger,
		cfg:      cfg,
	}
}

// FindCandidates returns the top patterns matching a single segment for a
// speaker, ranked by similarity. Segments below the minimum length return no
// candidates and no error.
func (m *Matcher) FindCandidates(ctx context.Context, segment, speakerID string) ([]domain.MatchCandidate, error) {
	seg := strings.TrimSpace(segment)
	if utf8.RuneCountInString(seg) < m.cfg.MinSegmentRunes {
		return nil, nil
	}
	vec, err := m.embedder.Embed(ctx, seg)
	if err != nil {
		return nil, err
	}
	patterns, _, err := m.cache.Patterns(ctx, speakerID)
	if err != nil {
		return nil, err
	}

	storeOK := true
	var out []domain.MatchCandidate
	for _, ps := range m.rank(ctx, patterns, vec, speakerID, &storeOK) {
		out = append(out, domain.MatchCandidate{
			Pattern:    ps.Pattern,
			Segment:    seg,
			Span:       domain.Span{Start: 0, End: len(seg)},
			Similarity: ps.Similarity,
		})
	}
	return out, nil
}

// TranscriptScan is the outcome of scanning one transcript. Candidates may
// overlap each other; the applier resolves overlaps by confidence.
type TranscriptScan struct {
	Candidates []domain.MatchCandidate
	// Stale is set when the pattern set came from an expired cache bucket.
	Stale bool
	// StoreFailed is set when no pattern set could be obtained at all.
	StoreFailed bool
	// DeadlineHit is set when the request deadline expired mid-scan.
	DeadlineHit bool
	// EmbedFailures counts windows that could not be embedded.
	EmbedFailures int
	// WindowsTried counts windows that survived the phonetic prefilter.
	WindowsTried int
}

// ScanTranscript slides token windows over text, keeps the windows that
// phonetically resemble some stored original, embeds the survivors in one
// batch, and ranks each against the speaker's patterns. Wider windows are
// generated first so multi-word patterns get a chance before their fragments.
//
// Embedding failures degrade per window; the scan errors only when not a
// single window could be embedded.
func (m *Matcher) ScanTranscript(ctx context.Context, text, speakerID string) (*TranscriptScan, error) {
	scan := &TranscriptScan{}

	patterns, stale, err := m.cache.Patterns(ctx, speakerID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Any other load failure degrades the scan rather than failing the
		// correction request.
		scan.StoreFailed = true
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			m.logger.Warn("pattern load failed", zap.Error(err))
		}
		return scan, nil
	}
	scan.Stale = stale
	if len(patterns) == 0 {
		return scan, nil
	}

	idx := buildPhoneticIndex(patterns)
	var kept []window
	for _, w := range windows(text, m.cfg.MaxWindowTokens, m.cfg.MinSegmentRunes) {
		if idx.plausible(w.Text, m.cfg.PhoneticThreshold, m.cfg.FuzzyThreshold) {
			kept = append(kept, w)
		}
	}
	scan.WindowsTried = len(kept)
	if len(kept) == 0 {
		return scan, nil
	}

	texts := make([]string, len(kept))
	for i, w := range kept {
		texts[i] = w.Text
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			scan.EmbedFailures = len(kept)
			scan.DeadlineHit = true
			return scan, nil
		}
		// The one batch carried every window, so nothing was embedded.
		return nil, fmt.Errorf("embedding %d windows: %w", len(kept), err)
	}

	type candKey struct {
		id   uuid.UUID
		span domain.Span
	}
	bySpan := make(map[candKey]int)
	storeOK := true
	for i, w := range kept {
		if i >= len(vecs) || len(vecs[i]) == 0 {
			scan.EmbedFailures++
			continue
		}
		for _, ps := range m.rank(ctx, patterns, vecs[i], speakerID, &storeOK) {
			span := refineSpan(text, w, ps.OriginalText)
			key := candKey{id: ps.ID, span: span}
			if j, ok := bySpan[key]; ok {
				if ps.Similarity > scan.Candidates[j].Similarity {
					scan.Candidates[j].Similarity = ps.Similarity
				}
				continue
			}
			bySpan[key] = len(scan.Candidates)
			scan.Candidates = append(scan.Candidates, domain.MatchCandidate{
				Pattern:    ps.Pattern,
				Segment:    text[span.Start:span.End],
				Span:       span,
				Similarity: ps.Similarity,
			})
		}
	}
	if scan.EmbedFailures == len(kept) {
		return nil, fmt.Errorf("embedding %d windows: %w", len(kept),
			&domain.EmbeddingError{Reason: "no vectors returned"})
	}
	return scan, nil
}

// refineSpan narrows a window span to the token run that actually lines up
// with the pattern's original text. Without this, a padded window like
// "has diabetis" matched against the pattern "diabetis" would replace the
// padding too. Refined duplicates then collapse onto the best-scoring window
// for the same pattern and span.
func refineSpan(text string, w window, original string) domain.Span {
	toks := tokenize(w.Text)
	origTokens := len(strings.Fields(original))
	if origTokens == 0 || origTokens >= len(toks) {
		return w.Span
	}

	lowOrig := strings.ToLower(original)
	best := w.Span
	bestScore := -1.0
	for i := 0; i+origTokens <= len(toks); i++ {
		sub := w.Text[toks[i].Start:toks[i+origTokens-1].End]
		if s := jwScore(strings.ToLower(sub), lowOrig); s > bestScore {
			bestScore = s
			best = domain.Span{
				Start: w.Span.Start + toks[i].Start,
				End:   w.Span.Start + toks[i+origTokens-1].End,
			}
		}
	}
	return best
}

// rank orders patterns against a query vector. Small cached sets are scanned
// locally; past ScanThreshold the store's vector index does the work, with a
// local scan as fallback if the store misbehaves.
func (m *Matcher) rank(ctx context.Context, patterns []domain.Pattern, vec []float32, speakerID string, storeOK *bool) []domain.PatternWithScore {
	if *storeOK && len(patterns) > m.cfg.ScanThreshold {
		opts := domain.QueryOpts{
			TopK:          m.cfg.TopN,
			MinSimilarity: m.cfg.MinSimilarity,
			IncludeGlobal: true,
		}
		if speakerID != "" {
			opts.SpeakerID = &speakerID
		}
		res, err := m.store.Query(ctx, vec, opts)
		if err == nil {
			return res
		}
		*storeOK = false
		m.logger.Warn("ranked query failed, falling back to local scan", zap.Error(err))
	}
	return index.Scan(patterns, vec, m.cfg.TopN, m.cfg.MinSimilarity)
}

// token is one whitespace-delimited word with its byte span, trimmed of
// surrounding punctuation so "diabetis," can match a stored "diabetis".
type token struct {
	Text  string
	Start int
	End   int
}

type window struct {
	Text string
	Span domain.Span
}

func tokenize(text string) []token {
	var toks []token
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		s, e := trimPunct(text, start, end)
		if e > s {
			toks = append(toks, token{Text: text[s:e], Start: s, End: e})
		}
		start = -1
	}
	for i, r := range text {
		if unicode.IsSpace(r) {
			flush(i)
		} else if start < 0 {
			start = i
		}
	}
	flush(len(text))
	return toks
}

func trimPunct(text string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			break
		}
		end -= size
	}
	return start, end
}

// windows generates sliding token windows from widest to narrowest. Spans
// cover the original text, including any interior punctuation between tokens.
func windows(text string, maxTokens, minRunes int) []window {
	toks := tokenize(text)
	var out []window
	for n := maxTokens; n >= 1; n-- {
		for i := 0; i+n <= len(toks); i++ {
			sp := domain.Span{Start: toks[i].Start, End: toks[i+n-1].End}
			seg := text[sp.Start:sp.End]
			if utf8.RuneCountInString(seg) < minRunes {
				continue
			}
			out = append(out, window{Text: seg, Span: sp})
		}
	}
	return out
}

// phoneticIndex is a throwaway index over the pattern originals of one scan.
// byCode maps each double metaphone code to the originals containing a token
// with that code.
type phoneticIndex struct {
	originals []string
	byCode    map[string][]int
}

func buildPhoneticIndex(patterns []domain.Pattern) *phoneticIndex {
	idx := &phoneticIndex{byCode: make(map[string][]int)}
	seen := make(map[string]struct{})
	for i := range patterns {
		orig := strings.ToLower(strings.TrimSpace(patterns[i].OriginalText))
		if orig == "" {
			continue
		}
		if _, dup := seen[orig]; dup {
			continue
		}
		seen[orig] = struct{}{}
		n := len(idx.originals)
		idx.originals = append(idx.originals, orig)
		for code := range codesForText(orig) {
			idx.byCode[code] = append(idx.byCode[code], n)
		}
	}
	return idx
}

// codesForText returns the double metaphone codes of every token in text.
func codesForText(text string) map[string]struct{} {
	codes := make(map[string]struct{})
	for _, tok := range strings.Fields(text) {
		primary, secondary := matchr.DoubleMetaphone(tok)
		if primary != "" {
			codes[primary] = struct{}{}
		}
		if secondary != "" {
			codes[secondary] = struct{}{}
		}
	}
	return codes
}

// plausible reports whether a window is worth embedding. Windows sharing a
// metaphone code with a stored original need only a lenient similarity
// confirm; windows with no phonetic overlap must clear the stricter fuzzy
// bar against some original.
func (idx *phoneticIndex) plausible(segment string, phoneticThreshold, fuzzyThreshold float64) bool {
	seg := strings.ToLower(segment)

	checked := make(map[int]struct{})
	for code := range codesForText(seg) {
		for _, i := range idx.byCode[code] {
			if _, dup := checked[i]; dup {
				continue
			}
			checked[i] = struct{}{}
			if jwScore(seg, idx.originals[i]) >= phoneticThreshold {
				return true
			}
		}
	}

	for _, orig := range idx.originals {
		if !jwFeasible(seg, orig) {
			continue
		}
		if jwScore(seg, orig) >= fuzzyThreshold {
			return true
		}
	}
	return false
}

// jwScore is the best Jaro-Winkler similarity across the raw strings and
// their space-stripped forms, so a split like "met forman" can line up with
// "metformin".
func jwScore(a, b string) float64 {
	best := matchr.JaroWinkler(a, b, false)
	ca := strings.ReplaceAll(a, " ", "")
	cb := strings.ReplaceAll(b, " ", "")
	if ca != a || cb != b {
		if s := matchr.JaroWinkler(ca, cb, false); s > best {
			best = s
		}
	}
	return best
}

// jwFeasible rules out pairs whose lengths differ too much to clear the
// fuzzy threshold, saving the distance computation.
func jwFeasible(a, b string) bool {
	la, lb := len(a), len(b)
	if la > lb {
		la, lb = lb, la
	}
	return la*2 >= lb
}
