package ranking_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"osian-ranking-service/internal/domain"
	"osian-ranking-service/internal/infra/memory"
	"osian-ranking-service/internal/ranking"
)

// brokenAttempts serves attempts normally until setFailing flips it, after
// which every aggregate read errors. Sparkline reads keep working.
type brokenAttempts struct {
	*memory.AttemptStore
	mu      sync.Mutex
	failing bool
}

func (b *brokenAttempts) setFailing(v bool) {
	b.mu.Lock()
	b.failing = v
	b.mu.Unlock()
}

func (b *brokenAttempts) Attempts(ctx context.Context, f ranking.AttemptFilter) ([]domain.AttemptRecord, error) {
	b.mu.Lock()
	failing := b.failing
	b.mu.Unlock()
	if failing {
		return nil, errors.New("attempt store unavailable")
	}
	return b.AttemptStore.Attempts(ctx, f)
}

func newDegradedFixture(t *testing.T) (*brokenAttempts, *ranking.Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	attempts := &brokenAttempts{AttemptStore: memory.NewAttemptStore()}
	directory := memory.NewStaticDirectory(map[string]domain.SubjectProfile{
		"u1": {SubjectID: "u1", DisplayName: "Alice", Cohort: "2026A"},
	})
	svc := ranking.NewServiceWithClock(
		attempts,
		memory.NewLeaderboardStore(),
		memory.NewPageCacheWithClock(time.Minute, clock.Now),
		directory,
		memory.NewBadgeStore(),
		clock.Now,
	)
	return attempts, svc, clock
}

func TestLeaderboardFallsBackToStoredRows(t *testing.T) {
	ctx := context.Background()
	attempts, svc, clock := newDegradedFixture(t)

	_, err := attempts.Record(ctx, domain.AttemptRecord{
		SubjectID:      "u1",
		QuizID:         "quiz-1",
		Score:          8,
		TotalQuestions: 10,
		Status:         domain.AttemptCompleted,
		Passed:         true,
		CompletedAt:    clock.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if err := svc.Rebuild(ctx, globalAll(), "test"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	attempts.setFailing(true)

	page, err := svc.Leaderboard(ctx, globalAll(), 10)
	if err != nil {
		t.Fatalf("expected stored rows despite the failed rebuild, got %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].SubjectID != "u1" {
		t.Fatalf("expected the last stored ranking, got %+v", page.Entries)
	}

	attempts.setFailing(false)
	clock.Advance(2 * time.Minute)
	page, err = svc.Leaderboard(ctx, globalAll(), 10)
	if err != nil || len(page.Entries) != 1 {
		t.Fatalf("expected the read to recover, got %v / %+v", err, page.Entries)
	}
}

func TestLeaderboardErrorsWhenNothingStored(t *testing.T) {
	ctx := context.Background()
	attempts, svc, _ := newDegradedFixture(t)

	attempts.setFailing(true)

	if _, err := svc.Leaderboard(ctx, globalAll(), 10); err == nil {
		t.Fatalf("expected the read to fail when the board was never built")
	}
}
