package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scribelab/corrigenda/internal/domain"
)

type ResultStore struct {
	db *pgxpool.Pool
}

func NewResultStore(db *pgxpool.Pool) *ResultStore {
	return &ResultStore{db: db}
}

// Insert writes the result and its decisions in one transaction so feedback
// can never reference a half-persisted result.
func (s *ResultStore) Insert(ctx context.Context, r *domain.CorrectionResult) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin result tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO correction_results (id, speaker_id, original_text, corrected_text, skipped_count, overall_confidence, degraded, degraded_reason, match_millis, total_millis)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		r.ID, r.SpeakerID, r.OriginalText, r.CorrectedText, r.SkippedCount,
		r.OverallConfidence, r.Degraded, r.DegradedReason, r.MatchMillis, r.TotalMillis,
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}

	for i := range r.Decisions {
		d := &r.Decisions[i]
		_, err = tx.Exec(ctx,
			`INSERT INTO correction_decisions (id, result_id, pattern_id, span_start, span_end, original, replacement, state, confidence)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			d.ID, r.ID, d.PatternID, d.Span.Start, d.Span.End, d.Original, d.Replacement, d.State, d.Confidence,
		)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit result: %w", err)
	}
	return nil
}

func (s *ResultStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.CorrectionResult, error) {
	r := &domain.CorrectionResult{}
	err := s.db.QueryRow(ctx,
		`SELECT id, speaker_id, original_text, corrected_text, skipped_count, overall_confidence, degraded, degraded_reason, match_millis, total_millis, created_at
		 FROM correction_results WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.SpeakerID, &r.OriginalText, &r.CorrectedText, &r.SkippedCount,
		&r.OverallConfidence, &r.Degraded, &r.DegradedReason, &r.MatchMillis, &r.TotalMillis, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, pattern_id, span_start, span_end, original, replacement, state, confidence
		 FROM correction_decisions WHERE result_id = $1
		 ORDER BY span_start ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("decisions query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d domain.CorrectionDecision
		if err := rows.Scan(&d.ID, &d.PatternID, &d.Span.Start, &d.Span.End, &d.Original, &d.Replacement, &d.State, &d.Confidence); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		r.Decisions = append(r.Decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return r, nil
}

// GetDecision resolves one decision inside one result, the lookup feedback
// processing uses to find the pattern behind a verdict.
func (s *ResultStore) GetDecision(ctx context.Context, resultID, decisionID uuid.UUID) (*domain.CorrectionDecision, error) {
	d := &domain.CorrectionDecision{}
	err := s.db.QueryRow(ctx,
		`SELECT id, pattern_id, span_start, span_end, original, replacement, state, confidence
		 FROM correction_decisions WHERE id = $1 AND result_id = $2`,
		decisionID, resultID,
	).Scan(&d.ID, &d.PatternID, &d.Span.Start, &d.Span.End, &d.Original, &d.Replacement, &d.State, &d.Confidence)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}
