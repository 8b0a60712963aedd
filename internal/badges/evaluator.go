package badges

import (
	"context"
	"fmt"
	"time"

	"osian-ranking-service/internal/domain"
	"osian-ranking-service/internal/ranking"
)

// Badge codes and thresholds.
const (
	CodeFivePassed   = "five_passed"
	CodeStreak7      = "streak_7"
	CodeTop1PctMonth = "top1pct_monthly"

	passThreshold = 5
	streakTarget  = 7
	topFraction   = 0.01
)

// Catalog returns the default badge catalog. Bootstrap upserts by code, so
// running it on every evaluation or at process start is safe.
func Catalog() []domain.Badge {
	return []domain.Badge{
		{Code: CodeTop1PctMonth, Name: "Top 1% (Monthly)", Description: "Ranked in top 1% this month", Icon: "🏆", Active: true},
		{Code: CodeFivePassed, Name: "5 Quizzes Passed", Description: "Passed 5 quizzes overall", Icon: "✅", Active: true},
		{Code: CodeStreak7, Name: "7-Day Streak", Description: "Completed quizzes 7 days in a row", Icon: "🔥", Active: true},
	}
}

// AttemptStats is the slice of attempt data the evaluator needs.
type AttemptStats interface {
	PassedCount(ctx context.Context, subjectID string) (int, error)
	// HasCompletedBetween reports whether the subject completed at least one
	// attempt in [from, to).
	HasCompletedBetween(ctx context.Context, subjectID string, from, to time.Time) (bool, error)
}

// AwardStore persists the catalog and the earned badges.
type AwardStore interface {
	EnsureCatalog(ctx context.Context, catalog []domain.Badge) error
	// Award upserts by (subject, code); awarding twice is a no-op.
	Award(ctx context.Context, award domain.AwardedBadge) error
	BySubject(ctx context.Context, subjectID string) ([]domain.AwardedBadge, error)
}

// Evaluator runs the three achievement rules for a subject after an attempt
// is recorded. Each rule is independent and idempotent; a failing rule does
// not block the others.
type Evaluator struct {
	attempts AttemptStats
	board    ranking.LeaderboardStore
	awards   AwardStore
	now      func() time.Time
}

func NewEvaluator(attempts AttemptStats, board ranking.LeaderboardStore, awards AwardStore) *Evaluator {
	return NewEvaluatorWithClock(attempts, board, awards, time.Now)
}

// NewEvaluatorWithClock allows deterministic day boundaries in tests.
func NewEvaluatorWithClock(attempts AttemptStats, board ranking.LeaderboardStore, awards AwardStore, now func() time.Time) *Evaluator {
	return &Evaluator{attempts: attempts, board: board, awards: awards, now: now}
}

// Evaluate checks all rules for subjectID and records any newly earned
// badges. Returns the first error encountered after running every rule.
func (e *Evaluator) Evaluate(ctx context.Context, subjectID string) error {
	if err := e.awards.EnsureCatalog(ctx, Catalog()); err != nil {
		return fmt.Errorf("ensure badge catalog: %w", err)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(e.checkFivePassed(ctx, subjectID))
	keep(e.checkStreak(ctx, subjectID))
	keep(e.checkTopPercentile(ctx, subjectID))
	return firstErr
}

func (e *Evaluator) checkFivePassed(ctx context.Context, subjectID string) error {
	count, err := e.attempts.PassedCount(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("passed count: %w", err)
	}
	if count < passThreshold {
		return nil
	}
	return e.awards.Award(ctx, domain.AwardedBadge{
		SubjectID: subjectID,
		BadgeCode: CodeFivePassed,
		EarnedAt:  e.now(),
		Meta:      map[string]any{"passedCount": count},
	})
}

// checkStreak walks backward one calendar day at a time starting today; the
// streak ends at the first day without a completed attempt.
func (e *Evaluator) checkStreak(ctx context.Context, subjectID string) error {
	now := e.now()
	streak := 0
	for d := 0; d < streakTarget; d++ {
		day := now.AddDate(0, 0, -d)
		start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
		end := start.AddDate(0, 0, 1)
		has, err := e.attempts.HasCompletedBetween(ctx, subjectID, start, end)
		if err != nil {
			return fmt.Errorf("streak day %d: %w", d, err)
		}
		if !has {
			break
		}
		streak++
	}
	if streak < streakTarget {
		return nil
	}
	return e.awards.Award(ctx, domain.AwardedBadge{
		SubjectID: subjectID,
		BadgeCode: CodeStreak7,
		EarnedAt:  e.now(),
		Meta:      map[string]any{"streak": streak},
	})
}

// checkTopPercentile awards the monthly top-1% badge when the subject sits in
// the top slice (at least one entry) of the global 30-day ranking. An empty
// ranking skips the check entirely.
func (e *Evaluator) checkTopPercentile(ctx context.Context, subjectID string) error {
	key := domain.ScopeKey{Scope: domain.ScopeGlobal, Period: domain.Period30d}
	entries, err := e.board.Ranking(ctx, key)
	if err != nil {
		return fmt.Errorf("global 30d ranking: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	topN := int(float64(len(entries)) * topFraction)
	if topN < 1 {
		topN = 1
	}
	for _, entry := range entries[:topN] {
		if entry.SubjectID == subjectID {
			return e.awards.Award(ctx, domain.AwardedBadge{
				SubjectID: subjectID,
				BadgeCode: CodeTop1PctMonth,
				EarnedAt:  e.now(),
				Meta:      map[string]any{"total": len(entries)},
			})
		}
	}
	return nil
}

// Earned lists a subject's badges joined with catalog display info, newest
// first.
func (e *Evaluator) Earned(ctx context.Context, subjectID string) ([]EarnedBadge, error) {
	if err := e.awards.EnsureCatalog(ctx, Catalog()); err != nil {
		return nil, fmt.Errorf("ensure badge catalog: %w", err)
	}
	awarded, err := e.awards.BySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	byCode := make(map[string]domain.Badge)
	for _, b := range Catalog() {
		byCode[b.Code] = b
	}
	earned := make([]EarnedBadge, 0, len(awarded))
	for _, a := range awarded {
		b := byCode[a.BadgeCode]
		name := b.Name
		if name == "" {
			name = a.BadgeCode
		}
		earned = append(earned, EarnedBadge{
			Code:        a.BadgeCode,
			Name:        name,
			Description: b.Description,
			Icon:        b.Icon,
			EarnedAt:    a.EarnedAt,
			Meta:        a.Meta,
		})
	}
	return earned, nil
}

// EarnedBadge is the read-API view of an awarded badge.
type EarnedBadge struct {
	Code        string         `json:"code"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Icon        string         `json:"icon"`
	EarnedAt    time.Time      `json:"earnedAt"`
	Meta        map[string]any `json:"meta,omitempty"`
}
