package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scribelab/corrigenda/internal/domain"
)

type FeedbackStore struct {
	db *pgxpool.Pool
}

func NewFeedbackStore(db *pgxpool.Pool) *FeedbackStore {
	return &FeedbackStore{db: db}
}

// Record inserts the event and reports whether it was new. A duplicate event
// id inserts nothing and returns false, which is what makes reprocessing the
// same feedback a no-op.
func (s *FeedbackStore) Record(ctx context.Context, e *domain.FeedbackEvent) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO feedback_events (event_id, result_id, decision_id, pattern_id, verdict, alternative_text)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.ResultID, e.DecisionID, e.PatternID, e.Verdict, e.AlternativeText,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *FeedbackStore) CountByVerdict(ctx context.Context) (map[domain.Verdict]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT verdict, COUNT(*) FROM feedback_events GROUP BY verdict`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.Verdict]int64)
	for rows.Next() {
		var verdict domain.Verdict
		var count int64
		if err := rows.Scan(&verdict, &count); err != nil {
			return nil, err
		}
		counts[verdict] = count
	}
	return counts, rows.Err()
}
