package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scribelab/corrigenda/internal/domain"
)

// ErrNotFound is returned when a row does not exist. It is a benign outcome,
// not an infrastructure failure.
var ErrNotFound = errors.New("not found")

// patternColumns lists every column of the patterns table except the vectors,
// in scan order.
const patternColumns = `id, speaker_id, category, original_text, corrected_text, context_text,
	usage_count, success_count, active, version, created_at, updated_at, last_used_at`

type PatternStore struct {
	db *pgxpool.Pool
}

func NewPatternStore(db *pgxpool.Pool) *PatternStore {
	return &PatternStore{db: db}
}

func (s *PatternStore) Upsert(ctx context.Context, p *domain.Pattern) error {
	var embedding, contextEmbedding *pgvector.Vector
	if len(p.Embedding) > 0 {
		v := pgvector.NewVector(p.Embedding)
		embedding = &v
	}
	if len(p.ContextEmbedding) > 0 {
		v := pgvector.NewVector(p.ContextEmbedding)
		contextEmbedding = &v
	}

	if p.Category == "" {
		p.Category = domain.CategoryOther
	}

	// The id is a content hash of (speaker, original, corrected), so a
	// conflict means the same correction was registered again. Counters
	// survive the refresh.
	return s.db.QueryRow(ctx,
		`INSERT INTO patterns (id, speaker_id, category, original_text, corrected_text, context_text, embedding, context_embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   category = EXCLUDED.category,
		   context_text = EXCLUDED.context_text,
		   embedding = EXCLUDED.embedding,
		   context_embedding = EXCLUDED.context_embedding,
		   active = TRUE,
		   version = patterns.version + 1,
		   updated_at = NOW()
		 RETURNING usage_count, success_count, active, version, created_at, updated_at`,
		p.ID, p.SpeakerID, p.Category, p.OriginalText, p.CorrectedText, p.ContextText, embedding, contextEmbedding,
	).Scan(&p.UsageCount, &p.SuccessCount, &p.Active, &p.Version, &p.CreatedAt, &p.UpdatedAt)
}

func (s *PatternStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Pattern, error) {
	p := &domain.Pattern{}
	var embedding, contextEmbedding *pgvector.Vector
	err := s.db.QueryRow(ctx,
		`SELECT `+patternColumns+`, embedding, context_embedding
		 FROM patterns WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.SpeakerID, &p.Category, &p.OriginalText, &p.CorrectedText, &p.ContextText,
		&p.UsageCount, &p.SuccessCount, &p.Active, &p.Version, &p.CreatedAt, &p.UpdatedAt, &p.LastUsedAt,
		&embedding, &contextEmbedding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if embedding != nil {
		p.Embedding = embedding.Slice()
	}
	if contextEmbedding != nil {
		p.ContextEmbedding = contextEmbedding.Slice()
	}
	return p, nil
}

func (s *PatternStore) Query(ctx context.Context, embedding []float32, opts domain.QueryOpts) ([]domain.PatternWithScore, error) {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	vec := pgvector.NewVector(embedding)

	var conditions []string
	var args []any

	conditions = append(conditions, "active = TRUE")
	conditions = append(conditions, "embedding IS NOT NULL")

	if opts.SpeakerID != nil {
		if opts.IncludeGlobal {
			conditions = append(conditions, fmt.Sprintf("(speaker_id = $%d OR speaker_id IS NULL)", len(args)+1))
		} else {
			conditions = append(conditions, fmt.Sprintf("speaker_id = $%d", len(args)+1))
		}
		args = append(args, *opts.SpeakerID)
	} else {
		conditions = append(conditions, "speaker_id IS NULL")
	}

	if opts.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)+1))
		args = append(args, opts.Category)
	}

	embeddingParam := len(args) + 1
	args = append(args, vec)

	if opts.MinSimilarity > 0 {
		conditions = append(conditions, fmt.Sprintf("1 - (embedding <=> $%d) >= $%d", embeddingParam, len(args)+1))
		args = append(args, opts.MinSimilarity)
	}

	limitParam := len(args) + 1
	args = append(args, opts.TopK)

	query := fmt.Sprintf(
		`SELECT `+patternColumns+`,
		        1 - (embedding <=> $%d) AS similarity,
		        CASE WHEN usage_count > 0 THEN success_count::double precision / usage_count ELSE 0 END AS success_rate
		 FROM patterns
		 WHERE %s
		 ORDER BY similarity DESC, success_rate DESC, COALESCE(last_used_at, created_at) DESC
		 LIMIT $%d`,
		embeddingParam,
		strings.Join(conditions, " AND "),
		limitParam,
	)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pattern query: %w", err)
	}
	defer rows.Close()

	var results []domain.PatternWithScore
	for rows.Next() {
		var ps domain.PatternWithScore
		var successRate float64
		err := rows.Scan(
			&ps.ID, &ps.SpeakerID, &ps.Category, &ps.OriginalText, &ps.CorrectedText, &ps.ContextText,
			&ps.UsageCount, &ps.SuccessCount, &ps.Active, &ps.Version, &ps.CreatedAt, &ps.UpdatedAt, &ps.LastUsedAt,
			&ps.Similarity, &successRate,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pattern row: %w", err)
		}
		results = append(results, ps)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pattern rows: %w", err)
	}

	return results, nil
}

// ListActive returns one cache bucket: the speaker's own patterns when
// speakerID is set, the speaker-agnostic bucket when it is nil. Vectors are
// included so callers can rank locally.
func (s *PatternStore) ListActive(ctx context.Context, speakerID *string) ([]domain.Pattern, error) {
	var rows pgx.Rows
	var err error
	if speakerID != nil {
		rows, err = s.db.Query(ctx,
			`SELECT `+patternColumns+`, embedding, context_embedding
			 FROM patterns WHERE active = TRUE AND speaker_id = $1
			 ORDER BY created_at ASC`,
			*speakerID,
		)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+patternColumns+`, embedding, context_embedding
			 FROM patterns WHERE active = TRUE AND speaker_id IS NULL
			 ORDER BY created_at ASC`,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list active query: %w", err)
	}
	defer rows.Close()

	var patterns []domain.Pattern
	for rows.Next() {
		var p domain.Pattern
		var embedding, contextEmbedding *pgvector.Vector
		err := rows.Scan(
			&p.ID, &p.SpeakerID, &p.Category, &p.OriginalText, &p.CorrectedText, &p.ContextText,
			&p.UsageCount, &p.SuccessCount, &p.Active, &p.Version, &p.CreatedAt, &p.UpdatedAt, &p.LastUsedAt,
			&embedding, &contextEmbedding,
		)
		if err != nil {
			return nil, fmt.Errorf("scan active pattern: %w", err)
		}
		if embedding != nil {
			p.Embedding = embedding.Slice()
		}
		if contextEmbedding != nil {
			p.ContextEmbedding = contextEmbedding.Slice()
		}
		patterns = append(patterns, p)
	}

	return patterns, rows.Err()
}

func (s *PatternStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE patterns SET active = FALSE, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStats applies relative counter deltas in a single statement so
// concurrent feedback never loses increments. success_count is clamped to
// stay within [0, usage_count].
func (s *PatternStore) UpdateStats(ctx context.Context, id uuid.UUID, usageDelta, successDelta int) (domain.PatternStats, error) {
	var stats domain.PatternStats
	err := s.db.QueryRow(ctx,
		`UPDATE patterns
		 SET usage_count = GREATEST(usage_count + $2, 0),
		     success_count = LEAST(GREATEST(success_count + $3, 0), GREATEST(usage_count + $2, 0)),
		     last_used_at = NOW(),
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING usage_count, success_count, active, speaker_id`,
		id, usageDelta, successDelta,
	).Scan(&stats.UsageCount, &stats.SuccessCount, &stats.Active, &stats.SpeakerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PatternStats{}, ErrNotFound
		}
		return domain.PatternStats{}, err
	}
	return stats, nil
}

func (s *PatternStore) TouchUsed(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`UPDATE patterns SET last_used_at = NOW(), updated_at = NOW() WHERE id = ANY($1)`,
		ids,
	)
	return err
}

// DecayStats scales both counters of patterns idle since the cutoff, keeping
// their success rate while shrinking the evidence behind it.
func (s *PatternStore) DecayStats(ctx context.Context, idleSince time.Time, factor float64) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE patterns
		 SET usage_count = (FLOOR(usage_count * $2))::int,
		     success_count = (FLOOR(success_count * $2))::int,
		     updated_at = NOW()
		 WHERE active = TRUE
		   AND usage_count > 0
		   AND COALESCE(last_used_at, created_at) < $1`,
		idleSince, factor,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PatternStore) ListDistinctSpeakers(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT speaker_id FROM patterns WHERE speaker_id IS NOT NULL ORDER BY speaker_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var speakers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		speakers = append(speakers, id)
	}
	return speakers, rows.Err()
}

func (s *PatternStore) SpeakerStats(ctx context.Context, speakerID string) (*domain.SpeakerStats, error) {
	stats := &domain.SpeakerStats{SpeakerID: speakerID}
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE active),
		        COALESCE(SUM(usage_count), 0),
		        COALESCE(SUM(success_count), 0),
		        COALESCE(AVG(CASE WHEN usage_count > 0 THEN success_count::double precision / usage_count END), 0)
		 FROM patterns WHERE speaker_id = $1`,
		speakerID,
	).Scan(&stats.TotalPatterns, &stats.ActivePatterns, &stats.TotalUsage, &stats.TotalSuccess, &stats.AvgSuccessRate)
	if err != nil {
		return nil, err
	}
	if stats.TotalPatterns == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, original_text, corrected_text, usage_count,
		        CASE WHEN usage_count > 0 THEN success_count::double precision / usage_count ELSE 0 END AS success_rate
		 FROM patterns WHERE speaker_id = $1 AND active = TRUE
		 ORDER BY usage_count DESC
		 LIMIT 5`,
		speakerID,
	)
	if err != nil {
		return nil, fmt.Errorf("top patterns query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u domain.PatternUsage
		if err := rows.Scan(&u.ID, &u.OriginalText, &u.CorrectedText, &u.UsageCount, &u.SuccessRate); err != nil {
			return nil, fmt.Errorf("scan top pattern: %w", err)
		}
		stats.TopPatterns = append(stats.TopPatterns, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *PatternStore) CountActive(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM patterns WHERE active = TRUE`).Scan(&count)
	return count, err
}
