package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scribelab/corrigenda/internal/domain"
)

var errNoRow = errors.New("row not found")

// stubPatternStore implements domain.PatternStore with canned behaviour so
// guard tests can steer failures without a database.
type stubPatternStore struct {
	err   error
	delay time.Duration
	calls int
}

func (s *stubPatternStore) do(ctx context.Context) error {
	s.calls++
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.err
}

func (s *stubPatternStore) Upsert(ctx context.Context, p *domain.Pattern) error {
	return s.do(ctx)
}

func (s *stubPatternStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Pattern, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return &domain.Pattern{ID: id}, nil
}

func (s *stubPatternStore) Query(ctx context.Context, embedding []float32, opts domain.QueryOpts) ([]domain.PatternWithScore, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return []domain.PatternWithScore{}, nil
}

func (s *stubPatternStore) ListActive(ctx context.Context, speakerID *string) ([]domain.Pattern, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *stubPatternStore) Deactivate(ctx context.Context, id uuid.UUID) error {
	return s.do(ctx)
}

func (s *stubPatternStore) UpdateStats(ctx context.Context, id uuid.UUID, usageDelta, successDelta int) (domain.PatternStats, error) {
	if err := s.do(ctx); err != nil {
		return domain.PatternStats{}, err
	}
	return domain.PatternStats{UsageCount: usageDelta, SuccessCount: successDelta}, nil
}

func (s *stubPatternStore) TouchUsed(ctx context.Context, ids []uuid.UUID) error {
	return s.do(ctx)
}

func (s *stubPatternStore) DecayStats(ctx context.Context, idleSince time.Time, factor float64) (int64, error) {
	if err := s.do(ctx); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *stubPatternStore) ListDistinctSpeakers(ctx context.Context) ([]string, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *stubPatternStore) SpeakerStats(ctx context.Context, speakerID string) (*domain.SpeakerStats, error) {
	if err := s.do(ctx); err != nil {
		return nil, err
	}
	return &domain.SpeakerStats{SpeakerID: speakerID}, nil
}

func (s *stubPatternStore) CountActive(ctx context.Context) (int64, error) {
	if err := s.do(ctx); err != nil {
		return 0, err
	}
	return 0, nil
}

func newTestGuard(inner domain.PatternStore, cfg GuardConfig) *GuardedPatternStore {
	if cfg.IsSuccessful == nil {
		cfg.IsSuccessful = func(err error) bool {
			return errors.Is(err, errNoRow) || errors.Is(err, context.Canceled)
		}
	}
	return NewGuardedPatternStore(inner, cfg)
}

func TestGuard_PassesThroughSuccess(t *testing.T) {
	stub := &stubPatternStore{}
	g := newTestGuard(stub, GuardConfig{})

	p, err := g.GetByID(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected a pattern")
	}
	if stub.calls != 1 {
		t.Errorf("inner calls = %d, want 1", stub.calls)
	}
}

func TestGuard_BenignErrorPassesThrough(t *testing.T) {
	stub := &stubPatternStore{err: errNoRow}
	g := newTestGuard(stub, GuardConfig{
		Breaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for i := 0; i < 5; i++ {
		_, err := g.GetByID(context.Background(), uuid.New())
		if !errors.Is(err, errNoRow) {
			t.Fatalf("call %d: err = %v, want errNoRow", i, err)
		}
		if errors.Is(err, domain.ErrStoreUnavailable) {
			t.Fatalf("benign error must not be wrapped as unavailable: %v", err)
		}
	}

	// Benign errors never trip the breaker.
	if g.BreakerState() != StateClosed {
		t.Errorf("breaker state = %v, want closed", g.BreakerState())
	}
}

func TestGuard_InfrastructureErrorWrapsUnavailable(t *testing.T) {
	stub := &stubPatternStore{err: errors.New("connection refused")}
	g := newTestGuard(stub, GuardConfig{})

	_, err := g.Query(context.Background(), []float32{0.1}, domain.QueryOpts{TopK: 5})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
}

func TestGuard_OpenBreakerFailsFast(t *testing.T) {
	stub := &stubPatternStore{err: errors.New("connection refused")}
	g := newTestGuard(stub, GuardConfig{
		Breaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})

	for i := 0; i < 2; i++ {
		_, _ = g.Query(context.Background(), []float32{0.1}, domain.QueryOpts{})
	}
	if g.BreakerState() != StateOpen {
		t.Fatalf("breaker state = %v, want open", g.BreakerState())
	}

	callsBefore := stub.calls
	_, err := g.Query(context.Background(), []float32{0.1}, domain.QueryOpts{})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if stub.calls != callsBefore {
		t.Errorf("inner called while breaker open (calls %d -> %d)", callsBefore, stub.calls)
	}
}

func TestGuard_TimeoutWrapsUnavailable(t *testing.T) {
	stub := &stubPatternStore{delay: time.Second}
	g := newTestGuard(stub, GuardConfig{QueryTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := g.ListActive(context.Background(), nil)
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("call took %v, timeout did not bound it", elapsed)
	}
}

func TestGuard_CanceledContextDoesNotTrip(t *testing.T) {
	stub := &stubPatternStore{delay: time.Second}
	g := newTestGuard(stub, GuardConfig{
		QueryTimeout: time.Second,
		Breaker:      CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.ListActive(ctx, nil)
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if g.BreakerState() != StateClosed {
		t.Errorf("caller cancellation tripped the breaker: state = %v", g.BreakerState())
	}
}
