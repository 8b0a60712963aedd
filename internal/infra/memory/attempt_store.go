package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"osian-ranking-service/internal/domain"
	"osian-ranking-service/internal/ranking"
)

// AttemptStore is an in-memory attempt record store, useful for demos and
// tests. It implements the read side consumed by the ranking and badge
// packages plus the recording hook used by the transport layer.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts []domain.AttemptRecord
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{}
}

// Record stores an attempt, minting an ID when the collaborator did not
// supply one.
func (s *AttemptStore) Record(_ context.Context, att domain.AttemptRecord) (domain.AttemptRecord, error) {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.attempts = append(s.attempts, att)
	s.mu.Unlock()
	return att, nil
}

// Release flips pending attempts to completed and returns the released
// records so the caller can trigger rebuilds for the affected quizzes.
func (s *AttemptStore) Release(_ context.Context, ids []string) ([]domain.AttemptRecord, error) {
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	released := make([]domain.AttemptRecord, 0)
	for i := range s.attempts {
		if _, ok := wanted[s.attempts[i].ID]; !ok {
			continue
		}
		if s.attempts[i].Status != domain.AttemptPending {
			continue
		}
		s.attempts[i].Status = domain.AttemptCompleted
		released = append(released, s.attempts[i])
	}
	return released, nil
}

// Attempts returns completed attempts matching the filter.
func (s *AttemptStore) Attempts(_ context.Context, f ranking.AttemptFilter) ([]domain.AttemptRecord, error) {
	var subjects map[string]struct{}
	if f.SubjectIDs != nil {
		subjects = make(map[string]struct{}, len(f.SubjectIDs))
		for _, id := range f.SubjectIDs {
			subjects[id] = struct{}{}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]domain.AttemptRecord, 0)
	for _, a := range s.attempts {
		if a.Status != domain.AttemptCompleted {
			continue
		}
		if f.QuizID != "" && a.QuizID != f.QuizID {
			continue
		}
		if !f.Since.IsZero() && a.CompletedAt.Before(f.Since) {
			continue
		}
		if subjects != nil {
			if _, ok := subjects[a.SubjectID]; !ok {
				continue
			}
		}
		matched = append(matched, a)
	}
	return matched, nil
}

// RecentPercentages returns up to max most-recent completed percentages per
// subject, newest first.
func (s *AttemptStore) RecentPercentages(_ context.Context, subjectIDs []string, max int) (map[string][]int, error) {
	wanted := make(map[string]struct{}, len(subjectIDs))
	for _, id := range subjectIDs {
		wanted[id] = struct{}{}
	}

	s.mu.RLock()
	recent := make([]domain.AttemptRecord, 0)
	for _, a := range s.attempts {
		if a.Status != domain.AttemptCompleted {
			continue
		}
		if _, ok := wanted[a.SubjectID]; ok {
			recent = append(recent, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(recent, func(i, j int) bool {
		return recent[i].CompletedAt.After(recent[j].CompletedAt)
	})
	out := make(map[string][]int, len(subjectIDs))
	for _, a := range recent {
		if len(out[a.SubjectID]) >= max {
			continue
		}
		out[a.SubjectID] = append(out[a.SubjectID], int(math.Round(a.Percentage())))
	}
	return out, nil
}

// PassedCount counts the subject's completed and passed attempts.
func (s *AttemptStore) PassedCount(_ context.Context, subjectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, a := range s.attempts {
		if a.SubjectID == subjectID && a.Status == domain.AttemptCompleted && a.Passed {
			count++
		}
	}
	return count, nil
}

// HasCompletedBetween reports whether the subject completed an attempt in
// [from, to).
func (s *AttemptStore) HasCompletedBetween(_ context.Context, subjectID string, from, to time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.attempts {
		if a.SubjectID != subjectID || a.Status != domain.AttemptCompleted {
			continue
		}
		if !a.CompletedAt.Before(from) && a.CompletedAt.Before(to) {
			return true, nil
		}
	}
	return false, nil
}

// Subjects lists every subject that has recorded at least one attempt.
func (s *AttemptStore) Subjects(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	subjects := make([]string, 0)
	for _, a := range s.attempts {
		if _, ok := seen[a.SubjectID]; ok {
			continue
		}
		seen[a.SubjectID] = struct{}{}
		subjects = append(subjects, a.SubjectID)
	}
	sort.Strings(subjects)
	return subjects, nil
}
