package memory

import (
	"context"
	"sort"
	"sync"

	"osian-ranking-service/internal/domain"
)

// BadgeStore keeps the badge catalog and awarded badges in memory. Awards
// are unique per (subject, code); re-awarding is a silent no-op, matching
// the durable store's uniqueness constraint.
type BadgeStore struct {
	mu      sync.RWMutex
	catalog map[string]domain.Badge
	awards  map[string]map[string]domain.AwardedBadge
}

func NewBadgeStore() *BadgeStore {
	return &BadgeStore{
		catalog: make(map[string]domain.Badge),
		awards:  make(map[string]map[string]domain.AwardedBadge),
	}
}

func (s *BadgeStore) EnsureCatalog(_ context.Context, catalog []domain.Badge) error {
	s.mu.Lock()
	for _, b := range catalog {
		s.catalog[b.Code] = b
	}
	s.mu.Unlock()
	return nil
}

func (s *BadgeStore) Award(_ context.Context, award domain.AwardedBadge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySubject, ok := s.awards[award.SubjectID]
	if !ok {
		bySubject = make(map[string]domain.AwardedBadge)
		s.awards[award.SubjectID] = bySubject
	}
	if _, exists := bySubject[award.BadgeCode]; exists {
		return nil
	}
	bySubject[award.BadgeCode] = award
	return nil
}

func (s *BadgeStore) BySubject(_ context.Context, subjectID string) ([]domain.AwardedBadge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	awarded := make([]domain.AwardedBadge, 0, len(s.awards[subjectID]))
	for _, a := range s.awards[subjectID] {
		awarded = append(awarded, a)
	}
	sort.Slice(awarded, func(i, j int) bool {
		if !awarded[i].EarnedAt.Equal(awarded[j].EarnedAt) {
			return awarded[i].EarnedAt.After(awarded[j].EarnedAt)
		}
		return awarded[i].BadgeCode < awarded[j].BadgeCode
	})
	return awarded, nil
}

func (s *BadgeStore) RefsBySubjects(_ context.Context, subjectIDs []string) (map[string][]domain.BadgeRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make(map[string][]domain.BadgeRef, len(subjectIDs))
	for _, subjectID := range subjectIDs {
		codes := make([]string, 0, len(s.awards[subjectID]))
		for code := range s.awards[subjectID] {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			badge := s.catalog[code]
			name := badge.Name
			if name == "" {
				name = code
			}
			refs[subjectID] = append(refs[subjectID], domain.BadgeRef{
				Code:    code,
				Name:    name,
				IconURL: badge.Icon,
			})
		}
	}
	return refs, nil
}
