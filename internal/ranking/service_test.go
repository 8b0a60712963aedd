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

type fixture struct {
	attempts *memory.AttemptStore
	store    *memory.LeaderboardStore
	cache    *memory.PageCache
	svc      *ranking.Service
	clock    *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	attempts := memory.NewAttemptStore()
	store := memory.NewLeaderboardStore()
	cache := memory.NewPageCacheWithClock(time.Minute, clock.Now)
	directory := memory.NewStaticDirectory(map[string]domain.SubjectProfile{
		"u1": {SubjectID: "u1", DisplayName: "Alice", Cohort: "2026A"},
		"u2": {SubjectID: "u2", DisplayName: "Bob", Cohort: "2026A"},
		"u3": {SubjectID: "u3", DisplayName: "Cleo", Cohort: "2026B"},
	})
	svc := ranking.NewServiceWithClock(attempts, store, cache, directory, memory.NewBadgeStore(), clock.Now)
	return &fixture{attempts: attempts, store: store, cache: cache, svc: svc, clock: clock}
}

func (f *fixture) record(t *testing.T, subject, quiz string, score, total int, age time.Duration) {
	t.Helper()
	_, err := f.attempts.Record(context.Background(), domain.AttemptRecord{
		SubjectID:      subject,
		QuizID:         quiz,
		Score:          score,
		TotalQuestions: total,
		Status:         domain.AttemptCompleted,
		Passed:         total > 0 && float64(score)/float64(total) >= 0.5,
		CompletedAt:    f.clock.Now().Add(-age),
	})
	if err != nil {
		t.Fatalf("record attempt: %v", err)
	}
}

func globalAll() domain.ScopeKey {
	return domain.ScopeKey{Scope: domain.ScopeGlobal, Period: domain.PeriodAll}
}

func TestRebuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "u1", "quiz-1", 8, 10, time.Hour)
	f.record(t, "u2", "quiz-1", 6, 10, time.Hour)

	if err := f.svc.Rebuild(ctx, globalAll(), "test"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	first, err := f.store.Ranking(ctx, globalAll())
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}

	if err := f.svc.Rebuild(ctx, globalAll(), "test"); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	second, err := f.store.Ranking(ctx, globalAll())
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 rows both times, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].SubjectID != second[i].SubjectID || first[i].CompositeScore != second[i].CompositeScore {
			t.Fatalf("rebuild not idempotent: %+v vs %+v", first[i], second[i])
		}
	}
}

func TestRebuildRemovesStaleRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	key := domain.ScopeKey{Scope: domain.ScopeGlobal, Period: domain.Period7d}

	f.record(t, "u1", "quiz-1", 8, 10, time.Hour)
	f.record(t, "u2", "quiz-1", 6, 10, 6*24*time.Hour)

	if err := f.svc.Rebuild(ctx, key, "test"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	rows, _ := f.store.Ranking(ctx, key)
	if len(rows) != 2 {
		t.Fatalf("expected both subjects inside the window, got %d", len(rows))
	}

	// Two days later u2's only attempt has left the 7d window.
	f.clock.Advance(48 * time.Hour)
	if err := f.svc.Rebuild(ctx, key, "test"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	rows, _ = f.store.Ranking(ctx, key)
	if len(rows) != 1 || rows[0].SubjectID != "u1" {
		t.Fatalf("expected u2's stale row removed, got %+v", rows)
	}
}

func TestRebuildRejectsInvalidKey(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Rebuild(context.Background(), domain.ScopeKey{Scope: "galaxy", Period: domain.PeriodAll}, "test")
	if !errors.Is(err, domain.ErrInvalidScopeKey) {
		t.Fatalf("expected ErrInvalidScopeKey, got %v", err)
	}
}

func TestBatchScopeRanksCohortOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "u1", "quiz-1", 8, 10, time.Hour)
	f.record(t, "u3", "quiz-1", 9, 10, time.Hour)

	key := domain.ScopeKey{Scope: domain.ScopeBatch, ScopeRef: "2026A", Period: domain.PeriodAll}
	page, err := f.svc.Leaderboard(ctx, key, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].SubjectID != "u1" {
		t.Fatalf("expected only the 2026A cohort, got %+v", page.Entries)
	}
}

func TestBatchScopeEmptyCohort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "u1", "quiz-1", 8, 10, time.Hour)

	key := domain.ScopeKey{Scope: domain.ScopeBatch, ScopeRef: "1999Z", Period: domain.PeriodAll}
	page, err := f.svc.Leaderboard(ctx, key, 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(page.Entries) != 0 {
		t.Fatalf("unknown cohort must produce an empty board, got %+v", page.Entries)
	}
}

func TestLeaderboardServesCachedPage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "u1", "quiz-1", 8, 10, time.Hour)

	first, err := f.svc.Leaderboard(ctx, globalAll(), 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(first.Entries) != 1 {
		t.Fatalf("expected 1 row, got %d", len(first.Entries))
	}

	// New data arrives but no rebuild trigger fires; the cached page wins
	// until the TTL expires.
	f.record(t, "u2", "quiz-1", 9, 10, time.Hour)
	cached, err := f.svc.Leaderboard(ctx, globalAll(), 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(cached.Entries) != 1 {
		t.Fatalf("expected the cached page, got %d rows", len(cached.Entries))
	}

	f.clock.Advance(2 * time.Minute)
	fresh, err := f.svc.Leaderboard(ctx, globalAll(), 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(fresh.Entries) != 2 {
		t.Fatalf("expected a fresh page after expiry, got %d rows", len(fresh.Entries))
	}
}

func TestLeaderboardJoinsProfileAndRank(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(t, "u1", "quiz-1", 8, 10, time.Hour)
	f.record(t, "u2", "quiz-1", 4, 10, time.Hour)

	page, err := f.svc.Leaderboard(ctx, globalAll(), 10)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(page.Entries))
	}
	if page.Entries[0].Rank != 1 || page.Entries[1].Rank != 2 {
		t.Fatalf("ranks must be dense from 1: %+v", page.Entries)
	}
	if page.Entries[0].DisplayName != "Alice" {
		t.Fatalf("expected profile join, got %q", page.Entries[0].DisplayName)
	}
	if len(page.Entries[0].Sparkline) != 1 || page.Entries[0].Sparkline[0] != 80 {
		t.Fatalf("expected sparkline [80], got %v", page.Entries[0].Sparkline)
	}
}

func TestLeaderboardClampsLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 15; i++ {
		f.record(t, string(rune('a'+i))+"-user", "quiz-1", 5+i%5, 10, time.Hour)
	}

	page, err := f.svc.Leaderboard(ctx, globalAll(), 0)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(page.Entries) != 10 {
		t.Fatalf("zero limit must default to 10, got %d", len(page.Entries))
	}
}

func TestOnAttemptCompletedRebuildsInBackground(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.StartWorkers(1)
	defer f.svc.Close()

	att := domain.AttemptRecord{
		ID:             "att-1",
		SubjectID:      "u1",
		QuizID:         "quiz-1",
		Score:          8,
		TotalQuestions: 10,
		Status:         domain.AttemptCompleted,
		Passed:         true,
		CompletedAt:    f.clock.Now(),
	}
	if _, err := f.attempts.Record(ctx, att); err != nil {
		t.Fatalf("record: %v", err)
	}
	f.svc.OnAttemptCompleted(att)

	quizKey := domain.ScopeKey{Scope: domain.ScopeQuiz, QuizID: "quiz-1", Period: domain.PeriodAll}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if ok, _ := f.store.Has(ctx, quizKey); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background rebuild never materialized for %s", quizKey)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ok, _ := f.store.Has(ctx, globalAll()); !ok {
		t.Fatalf("expected the global board rebuilt too")
	}
}

func TestOnAttemptCompletedIgnoresPending(t *testing.T) {
	f := newFixture(t)
	f.svc.StartWorkers(1)
	defer f.svc.Close()

	f.svc.OnAttemptCompleted(domain.AttemptRecord{
		ID:        "att-1",
		SubjectID: "u1",
		QuizID:    "quiz-1",
		Status:    domain.AttemptPending,
	})

	time.Sleep(50 * time.Millisecond)
	if ok, _ := f.store.Has(context.Background(), globalAll()); ok {
		t.Fatalf("pending attempts must not trigger rebuilds")
	}
}

func TestAffectedKeys(t *testing.T) {
	keys := ranking.AffectedKeys("quiz-9")
	if len(keys) != 6 {
		t.Fatalf("expected 6 affected keys, got %d", len(keys))
	}
	var global, quiz int
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			t.Fatalf("invalid affected key %s: %v", k, err)
		}
		switch k.Scope {
		case domain.ScopeGlobal:
			global++
		case domain.ScopeQuiz:
			quiz++
			if k.QuizID != "quiz-9" {
				t.Fatalf("quiz key must carry the quiz id, got %s", k)
			}
		}
	}
	if global != 3 || quiz != 3 {
		t.Fatalf("expected 3 global and 3 quiz keys, got %d and %d", global, quiz)
	}
}
