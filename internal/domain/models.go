package domain

import (
	"fmt"
	"time"
)

// Scope is the population partition a ranking applies to.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeBatch  Scope = "batch"
	ScopeQuiz   Scope = "quiz"
)

// Period is the trailing time window a ranking considers.
type Period string

const (
	PeriodAll Period = "all"
	Period30d Period = "30d"
	Period7d  Period = "7d"
)

// Window returns the start of the period relative to now, or the zero time
// for the all-time period.
func (p Period) Window(now time.Time) time.Time {
	switch p {
	case Period7d:
		return now.Add(-7 * 24 * time.Hour)
	case Period30d:
		return now.Add(-30 * 24 * time.Hour)
	default:
		return time.Time{}
	}
}

// ScopeKey identifies one leaderboard: a scope, its optional qualifier and a period.
// Exactly one of ScopeRef (batch) or QuizID (quiz) may be set, matching the scope.
type ScopeKey struct {
	Scope    Scope
	ScopeRef string
	QuizID   string
	Period   Period
}

// Validate rejects malformed keys before any aggregation work happens.
func (k ScopeKey) Validate() error {
	switch k.Scope {
	case ScopeGlobal:
		if k.ScopeRef != "" || k.QuizID != "" {
			return ErrInvalidScopeKey
		}
	case ScopeBatch:
		if k.ScopeRef == "" || k.QuizID != "" {
			return ErrInvalidScopeKey
		}
	case ScopeQuiz:
		if k.QuizID == "" || k.ScopeRef != "" {
			return ErrInvalidScopeKey
		}
	default:
		return ErrInvalidScopeKey
	}
	switch k.Period {
	case PeriodAll, Period30d, Period7d:
		return nil
	default:
		return ErrInvalidScopeKey
	}
}

// String renders a stable identifier used for singleflight grouping and
// the scheduler's tracked-key set.
func (k ScopeKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.Scope, k.Period, orNone(k.QuizID), orNone(k.ScopeRef))
}

// CacheKey is the rendered-page cache key for this leaderboard at a page size.
func (k ScopeKey) CacheKey(limit int) string {
	return fmt.Sprintf("%s%d", k.CachePrefix(), limit)
}

// CachePrefix is the shared prefix of this leaderboard's cache keys across
// all page sizes. Invalidation works on the prefix.
func (k ScopeKey) CachePrefix() string {
	return fmt.Sprintf("lb:%s:%s:%s:%s:", k.Scope, k.Period, orNone(k.QuizID), orNone(k.ScopeRef))
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// AttemptStatus tracks the lifecycle of a quiz attempt.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in-progress"
	AttemptPending    AttemptStatus = "pending"
	AttemptCompleted  AttemptStatus = "completed"
)

// AttemptRecord is a quiz attempt as supplied by the attempt-recording
// collaborator. Only completed attempts participate in ranking; pending
// attempts are held back until released.
type AttemptRecord struct {
	ID             string        `json:"id"`
	SubjectID      string        `json:"subjectId"`
	QuizID         string        `json:"quizId"`
	Score          int           `json:"score"`
	TotalQuestions int           `json:"totalQuestions"`
	Status         AttemptStatus `json:"status"`
	Passed         bool          `json:"passed"`
	CompletedAt    time.Time     `json:"completedAt"`
}

// Percentage is the attempt's score as a percentage, 0 when the attempt has
// no questions.
func (a AttemptRecord) Percentage() float64 {
	if a.TotalQuestions <= 0 {
		return 0
	}
	return float64(a.Score) / float64(a.TotalQuestions) * 100
}

// SubjectSummary is the per-subject aggregate for one ScopeKey. It is derived
// on every rebuild and never persisted on its own.
type SubjectSummary struct {
	SubjectID      string
	Attempts       int
	AvgScorePct    float64
	AccuracyPct    float64
	CompositeScore float64
}

// LeaderboardEntry is one persisted leaderboard row: a subject's summary
// within a ScopeKey. At most one entry exists per (subject, key).
type LeaderboardEntry struct {
	SubjectID      string    `json:"subjectId"`
	Scope          Scope     `json:"scope"`
	ScopeRef       string    `json:"scopeRef,omitempty"`
	QuizID         string    `json:"quizId,omitempty"`
	Period         Period    `json:"period"`
	AvgScorePct    float64   `json:"avgScore"`
	AccuracyPct    float64   `json:"accuracy"`
	Attempts       int       `json:"attempts"`
	CompositeScore float64   `json:"compositeScore"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Key reconstructs the ScopeKey the entry belongs to.
func (e LeaderboardEntry) Key() ScopeKey {
	return ScopeKey{Scope: e.Scope, ScopeRef: e.ScopeRef, QuizID: e.QuizID, Period: e.Period}
}

// Badge is a catalog entry, bootstrapped idempotently by code.
type Badge struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
	Active      bool   `json:"active"`
}

// AwardedBadge records that a subject earned a badge. The (subject, code)
// pair is unique; re-awarding is a no-op, not an error.
type AwardedBadge struct {
	SubjectID string         `json:"subjectId"`
	BadgeCode string         `json:"code"`
	EarnedAt  time.Time      `json:"earnedAt"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// BadgeRef is the lightweight badge view joined onto leaderboard rows.
type BadgeRef struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
}

// SubjectProfile is display info for a subject, supplied by the identity
// collaborator.
type SubjectProfile struct {
	SubjectID   string
	DisplayName string
	AvatarURL   string
	College     string
	Cohort      string
}

// RankedRow is one rendered leaderboard row.
type RankedRow struct {
	Rank           int        `json:"rank"`
	SubjectID      string     `json:"user_id"`
	DisplayName    string     `json:"display_name"`
	AvatarURL      string     `json:"avatar_url"`
	College        string     `json:"college"`
	CompositeScore float64    `json:"composite_score"`
	AvgScorePct    float64    `json:"avg_score"`
	Attempts       int        `json:"attempts"`
	Badges         []BadgeRef `json:"badges"`
	Sparkline      []int      `json:"sparkline"`
}

// RankedPage is a rendered leaderboard page, the unit served to readers and
// pushed to live subscribers.
type RankedPage struct {
	Scope     Scope       `json:"scope"`
	Period    Period      `json:"period"`
	Entries   []RankedRow `json:"leaderboard"`
	UpdatedAt time.Time   `json:"updatedAt"`
}
