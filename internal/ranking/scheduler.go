package ranking

import (
	"context"
	"log"
	"sync"
	"time"

	"osian-ranking-service/internal/domain"
)

// Scheduler sweeps all known ScopeKeys on a fixed interval so live viewers
// see fresh data without read traffic and missed post-attempt rebuilds
// self-heal. Keys are registered as reads and subscriptions encounter them;
// the global boards are always tracked.
type Scheduler struct {
	svc      *Service
	interval time.Duration

	mu   sync.Mutex
	keys map[string]domain.ScopeKey
}

func NewScheduler(svc *Service, interval time.Duration) *Scheduler {
	s := &Scheduler{
		svc:      svc,
		interval: interval,
		keys:     make(map[string]domain.ScopeKey),
	}
	for _, p := range []domain.Period{domain.PeriodAll, domain.Period30d, domain.Period7d} {
		s.Track(domain.ScopeKey{Scope: domain.ScopeGlobal, Period: p})
	}
	return s
}

// Track adds a key to the sweep set. Invalid keys are ignored.
func (s *Scheduler) Track(key domain.ScopeKey) {
	if key.Validate() != nil {
		return
	}
	s.mu.Lock()
	s.keys[key.String()] = key
	s.mu.Unlock()
}

// Tracked returns a snapshot of the sweep set.
func (s *Scheduler) Tracked() []domain.ScopeKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]domain.ScopeKey, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	return keys
}

// Run sweeps until ctx is canceled. A failed rebuild is logged and retried
// on the next pass.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	for _, key := range s.Tracked() {
		if err := s.svc.Rebuild(ctx, key, "sweep"); err != nil {
			log.Printf("sweep rebuild %s failed: %v", key, err)
		}
	}
}
