package ranking

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"osian-ranking-service/internal/domain"
)

// AttemptSource reads attempt records owned by the attempt-recording
// collaborator. Implementations return completed attempts only.
type AttemptSource interface {
	Attempts(ctx context.Context, f AttemptFilter) ([]domain.AttemptRecord, error)
	// RecentPercentages returns up to max most-recent completed percentages
	// per subject, newest first, rounded to integers (the row sparkline).
	RecentPercentages(ctx context.Context, subjectIDs []string, max int) (map[string][]int, error)
}

// LeaderboardStore is the durable table of leaderboard entries.
type LeaderboardStore interface {
	// ReplaceEntries atomically makes entries the complete row set for key:
	// rows for subjects no longer present are deleted, the rest upserted.
	ReplaceEntries(ctx context.Context, key domain.ScopeKey, entries []domain.LeaderboardEntry) error
	TopN(ctx context.Context, key domain.ScopeKey, limit int) ([]domain.LeaderboardEntry, error)
	// Ranking returns the full ordered ranking for key.
	Ranking(ctx context.Context, key domain.ScopeKey) ([]domain.LeaderboardEntry, error)
	Has(ctx context.Context, key domain.ScopeKey) (bool, error)
}

// PageCache memoizes rendered pages between rebuilds. It is an optimization
// only; a cache that never hits must not change results.
type PageCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Put(ctx context.Context, key string, payload []byte)
	// Invalidate drops every cached page whose key starts with prefix.
	Invalidate(ctx context.Context, prefix string)
}

// SubjectDirectory is the identity/cohort collaborator.
type SubjectDirectory interface {
	Profiles(ctx context.Context, subjectIDs []string) (map[string]domain.SubjectProfile, error)
	CohortMembers(ctx context.Context, cohort string) ([]string, error)
}

// AwardReader joins earned badges onto leaderboard rows.
type AwardReader interface {
	RefsBySubjects(ctx context.Context, subjectIDs []string) (map[string][]domain.BadgeRef, error)
}

// BadgeEvaluator re-checks a subject's badge eligibility after an attempt.
type BadgeEvaluator interface {
	Evaluate(ctx context.Context, subjectID string) error
}

// PushNotifier lets the live fan-out push affected pages ahead of its timer.
type PushNotifier interface {
	Notify(keys []domain.ScopeKey)
}

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
	sparklinePoints  = 12
	jobQueueSize     = 64
	jobTimeout       = 30 * time.Second
)

// Service owns the rebuild pipeline: aggregate attempts, replace stored
// entries, render and cache pages, and dispatch post-submission work.
type Service struct {
	attempts  AttemptSource
	store     LeaderboardStore
	cache     PageCache
	directory SubjectDirectory
	awards    AwardReader

	evaluator BadgeEvaluator
	notifier  PushNotifier

	sf   singleflight.Group
	now  func() time.Time
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup
}

type job struct {
	name string
	run  func(ctx context.Context)
}

func NewService(attempts AttemptSource, store LeaderboardStore, cache PageCache, directory SubjectDirectory, awards AwardReader) *Service {
	return NewServiceWithClock(attempts, store, cache, directory, awards, time.Now)
}

// NewServiceWithClock allows deterministic timestamps in tests.
func NewServiceWithClock(attempts AttemptSource, store LeaderboardStore, cache PageCache, directory SubjectDirectory, awards AwardReader, now func() time.Time) *Service {
	return &Service{
		attempts:  attempts,
		store:     store,
		cache:     cache,
		directory: directory,
		awards:    awards,
		now:       now,
		jobs:      make(chan job, jobQueueSize),
		quit:      make(chan struct{}),
	}
}

// SetBadgeEvaluator wires the achievement check run after each attempt.
func (s *Service) SetBadgeEvaluator(ev BadgeEvaluator) { s.evaluator = ev }

// SetNotifier wires the live fan-out for push-on-attempt delivery.
func (s *Service) SetNotifier(n PushNotifier) { s.notifier = n }

// StartWorkers launches n background workers for fire-and-forget jobs.
func (s *Service) StartWorkers(n int) {
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case j := <-s.jobs:
					ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
					j.run(ctx)
					cancel()
				case <-s.quit:
					return
				}
			}
		}()
	}
}

// Close stops the background workers. Queued jobs may be abandoned; the
// interval sweep self-heals anything missed.
func (s *Service) Close() {
	close(s.quit)
	s.wg.Wait()
}

// Rebuild recomputes every leaderboard entry for key from current attempt
// data and replaces the stored row set. Concurrent rebuilds of the same key
// are collapsed; racing rebuilds are safe because each is a pure
// recomputation and the replace is keyed.
func (s *Service) Rebuild(ctx context.Context, key domain.ScopeKey, trigger string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err, _ := s.sf.Do("rebuild:"+key.String(), func() (interface{}, error) {
		return nil, s.rebuild(ctx, key, trigger)
	})
	return err
}

func (s *Service) rebuild(ctx context.Context, key domain.ScopeKey, trigger string) error {
	start := time.Now()

	filter := AttemptFilter{QuizID: key.QuizID, Since: key.Period.Window(s.now())}
	if key.Scope == domain.ScopeBatch {
		members, err := s.directory.CohortMembers(ctx, key.ScopeRef)
		if err != nil {
			return fmt.Errorf("resolve cohort %q: %w", key.ScopeRef, err)
		}
		if len(members) == 0 {
			if err := s.store.ReplaceEntries(ctx, key, nil); err != nil {
				return err
			}
			s.cache.Invalidate(ctx, key.CachePrefix())
			return nil
		}
		filter.SubjectIDs = members
	}

	attempts, err := s.attempts.Attempts(ctx, filter)
	if err != nil {
		return fmt.Errorf("load attempts: %w", err)
	}

	updatedAt := s.now()
	summaries := Aggregate(attempts)
	entries := make([]domain.LeaderboardEntry, 0, len(summaries))
	for _, sum := range summaries {
		entries = append(entries, domain.LeaderboardEntry{
			SubjectID:      sum.SubjectID,
			Scope:          key.Scope,
			ScopeRef:       key.ScopeRef,
			QuizID:         key.QuizID,
			Period:         key.Period,
			AvgScorePct:    sum.AvgScorePct,
			AccuracyPct:    sum.AccuracyPct,
			Attempts:       sum.Attempts,
			CompositeScore: sum.CompositeScore,
			UpdatedAt:      updatedAt,
		})
	}
	if err := s.store.ReplaceEntries(ctx, key, entries); err != nil {
		return fmt.Errorf("replace entries: %w", err)
	}
	s.cache.Invalidate(ctx, key.CachePrefix())

	rebuildsTotal.WithLabelValues(string(key.Scope), string(key.Period), trigger).Inc()
	rebuildDuration.WithLabelValues(string(key.Scope), string(key.Period)).Observe(time.Since(start).Seconds())
	return nil
}

// Leaderboard serves one rendered page: cached copy if fresh, otherwise a
// synchronous rebuild followed by a store read. A failed rebuild degrades to
// the last stored rows rather than failing the read.
func (s *Service) Leaderboard(ctx context.Context, key domain.ScopeKey, limit int) (domain.RankedPage, error) {
	if err := key.Validate(); err != nil {
		return domain.RankedPage{}, err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	cacheKey := key.CacheKey(limit)
	if payload, ok := s.cache.Get(ctx, cacheKey); ok {
		var page domain.RankedPage
		if err := json.Unmarshal(payload, &page); err == nil {
			pageCacheHits.WithLabelValues("hit").Inc()
			return page, nil
		}
	}
	pageCacheHits.WithLabelValues("miss").Inc()

	if err := s.Rebuild(ctx, key, "read"); err != nil {
		// Serve the last stored rows if there are any; the next trigger retries.
		log.Printf("rebuild %s failed, falling back to stored rows: %v", key, err)
		if ok, hasErr := s.store.Has(ctx, key); hasErr != nil || !ok {
			return domain.RankedPage{}, err
		}
	}

	entries, err := s.store.TopN(ctx, key, limit)
	if err != nil {
		return domain.RankedPage{}, fmt.Errorf("read leaderboard: %w", err)
	}

	page, err := s.renderPage(ctx, key, entries)
	if err != nil {
		return domain.RankedPage{}, err
	}
	if payload, err := json.Marshal(page); err == nil {
		s.cache.Put(ctx, cacheKey, payload)
	}
	return page, nil
}

// renderPage joins display info, badges and sparklines onto stored entries.
// The joins are cosmetic; their failure degrades the page, never the read.
func (s *Service) renderPage(ctx context.Context, key domain.ScopeKey, entries []domain.LeaderboardEntry) (domain.RankedPage, error) {
	subjectIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		subjectIDs = append(subjectIDs, e.SubjectID)
	}

	profiles := map[string]domain.SubjectProfile{}
	badges := map[string][]domain.BadgeRef{}
	sparks := map[string][]int{}
	if len(subjectIDs) > 0 {
		var err error
		if profiles, err = s.directory.Profiles(ctx, subjectIDs); err != nil {
			log.Printf("leaderboard %s: profile join failed: %v", key, err)
			profiles = map[string]domain.SubjectProfile{}
		}
		if badges, err = s.awards.RefsBySubjects(ctx, subjectIDs); err != nil {
			log.Printf("leaderboard %s: badge join failed: %v", key, err)
			badges = map[string][]domain.BadgeRef{}
		}
		if sparks, err = s.attempts.RecentPercentages(ctx, subjectIDs, sparklinePoints); err != nil {
			log.Printf("leaderboard %s: sparkline join failed: %v", key, err)
			sparks = map[string][]int{}
		}
	}

	rows := make([]domain.RankedRow, 0, len(entries))
	for i, e := range entries {
		profile := profiles[e.SubjectID]
		displayName := profile.DisplayName
		if displayName == "" {
			displayName = e.SubjectID
		}
		rowBadges := badges[e.SubjectID]
		if rowBadges == nil {
			rowBadges = []domain.BadgeRef{}
		}
		spark := sparks[e.SubjectID]
		if spark == nil {
			spark = []int{}
		}
		rows = append(rows, domain.RankedRow{
			Rank:           i + 1,
			SubjectID:      e.SubjectID,
			DisplayName:    displayName,
			AvatarURL:      profile.AvatarURL,
			College:        profile.College,
			CompositeScore: e.CompositeScore,
			AvgScorePct:    e.AvgScorePct,
			Attempts:       e.Attempts,
			Badges:         rowBadges,
			Sparkline:      spark,
		})
	}
	return domain.RankedPage{
		Scope:     key.Scope,
		Period:    key.Period,
		Entries:   rows,
		UpdatedAt: s.now(),
	}, nil
}

// AffectedKeys lists the ScopeKeys an attempt on quizID dirties. Batch keys
// are excluded: cohort membership is unknown to the submission path, so batch
// boards rebuild lazily on their next read.
func AffectedKeys(quizID string) []domain.ScopeKey {
	periods := []domain.Period{domain.PeriodAll, domain.Period30d, domain.Period7d}
	keys := make([]domain.ScopeKey, 0, 2*len(periods))
	for _, p := range periods {
		keys = append(keys, domain.ScopeKey{Scope: domain.ScopeGlobal, Period: p})
	}
	for _, p := range periods {
		keys = append(keys, domain.ScopeKey{Scope: domain.ScopeQuiz, QuizID: quizID, Period: p})
	}
	return keys
}

// OnAttemptCompleted is the hook the submission path invokes. It returns
// immediately; rebuilds of the affected keys, badge evaluation, and live
// pushes run on the background workers. Failures are logged and left to the
// next trigger to self-heal.
func (s *Service) OnAttemptCompleted(att domain.AttemptRecord) {
	if att.Status != domain.AttemptCompleted {
		return
	}
	keys := AffectedKeys(att.QuizID)
	s.enqueue(job{
		name: "post-attempt " + att.ID,
		run: func(ctx context.Context) {
			for _, key := range keys {
				if err := s.Rebuild(ctx, key, "attempt"); err != nil {
					log.Printf("post-attempt rebuild %s failed: %v", key, err)
				}
			}
			if s.evaluator != nil {
				if err := s.evaluator.Evaluate(ctx, att.SubjectID); err != nil {
					log.Printf("badge evaluation for %s failed: %v", att.SubjectID, err)
				}
			}
			if s.notifier != nil {
				s.notifier.Notify(keys)
			}
		},
	})
}

func (s *Service) enqueue(j job) {
	select {
	case s.jobs <- j:
	default:
		backgroundDrops.Inc()
		log.Printf("background queue full, dropping job %q", j.name)
	}
}
