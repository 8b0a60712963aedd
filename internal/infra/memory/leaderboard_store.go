package memory

import (
	"context"
	"sort"
	"sync"

	"osian-ranking-service/internal/domain"
)

// LeaderboardStore is an in-memory implementation of ranking.LeaderboardStore.
// Entries are bucketed per ScopeKey so a replace for one key never touches
// another key's rows.
type LeaderboardStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]domain.LeaderboardEntry
}

func NewLeaderboardStore() *LeaderboardStore {
	return &LeaderboardStore{
		entries: make(map[string]map[string]domain.LeaderboardEntry),
	}
}

func (s *LeaderboardStore) ReplaceEntries(_ context.Context, key domain.ScopeKey, entries []domain.LeaderboardEntry) error {
	bucket := make(map[string]domain.LeaderboardEntry, len(entries))
	for _, e := range entries {
		bucket[e.SubjectID] = e
	}
	s.mu.Lock()
	if len(bucket) == 0 {
		delete(s.entries, key.String())
	} else {
		s.entries[key.String()] = bucket
	}
	s.mu.Unlock()
	return nil
}

func (s *LeaderboardStore) TopN(ctx context.Context, key domain.ScopeKey, limit int) ([]domain.LeaderboardEntry, error) {
	ordered, err := s.Ranking(ctx, key)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

func (s *LeaderboardStore) Ranking(_ context.Context, key domain.ScopeKey) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	bucket := s.entries[key.String()]
	ordered := make([]domain.LeaderboardEntry, 0, len(bucket))
	for _, e := range bucket {
		ordered = append(ordered, e)
	}
	s.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].CompositeScore != ordered[j].CompositeScore {
			return ordered[i].CompositeScore > ordered[j].CompositeScore
		}
		return ordered[i].SubjectID < ordered[j].SubjectID
	})
	return ordered, nil
}

func (s *LeaderboardStore) Has(_ context.Context, key domain.ScopeKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[key.String()]) > 0, nil
}
