package ranking

import (
	"context"
	"sync"
	"time"

	"osian-ranking-service/internal/domain"
)

// Tick is one delivery to a live subscriber: either a fresh page or a
// transient failure the transport reports in-band without closing the stream.
type Tick struct {
	Page domain.RankedPage
	Err  error
}

// Hub fans rendered pages out to live subscribers grouped by (ScopeKey, page
// size). Every subscriber gets the current page immediately on subscribe,
// then again on each push interval and whenever an attempt dirties its key.
// Delivery is at-most-once per tick: a slow subscriber's pending tick is
// overwritten by the next one, never queued behind it.
type Hub struct {
	svc      *Service
	interval time.Duration

	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	key   domain.ScopeKey
	limit int
	subs  map[*Subscriber]struct{}
}

// Subscriber receives ticks on C until its cancel function runs.
type Subscriber struct {
	C chan Tick
}

func NewHub(svc *Service, interval time.Duration) *Hub {
	return &Hub{
		svc:      svc,
		interval: interval,
		topics:   make(map[string]*topic),
	}
}

// Subscribe registers a live viewer for key at the given page size and kicks
// off an immediate delivery. The caller must invoke cancel on disconnect.
func (h *Hub) Subscribe(key domain.ScopeKey, limit int) (*Subscriber, func(), error) {
	if err := key.Validate(); err != nil {
		return nil, nil, err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	sub := &Subscriber{C: make(chan Tick, 1)}
	id := key.CacheKey(limit)

	h.mu.Lock()
	t, ok := h.topics[id]
	if !ok {
		t = &topic{key: key, limit: limit, subs: make(map[*Subscriber]struct{})}
		h.topics[id] = t
	}
	t.subs[sub] = struct{}{}
	h.mu.Unlock()
	liveSubscribers.Inc()

	go h.pushTopic(id)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if t, ok := h.topics[id]; ok {
				delete(t.subs, sub)
				if len(t.subs) == 0 {
					delete(h.topics, id)
				}
			}
			h.mu.Unlock()
			liveSubscribers.Dec()
		})
	}
	return sub, cancel, nil
}

// Notify pushes fresh pages to every topic matching one of keys, ahead of
// the regular push interval.
func (h *Hub) Notify(keys []domain.ScopeKey) {
	h.mu.Lock()
	ids := make([]string, 0)
	for id, t := range h.topics {
		for _, k := range keys {
			if t.key == k {
				ids = append(ids, id)
				break
			}
		}
	}
	h.mu.Unlock()
	for _, id := range ids {
		go h.pushTopic(id)
	}
}

// Run pushes the current page to every active topic on the hub interval
// until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			ids := make([]string, 0, len(h.topics))
			for id := range h.topics {
				ids = append(ids, id)
			}
			h.mu.Unlock()
			for _, id := range ids {
				h.pushTopic(id)
			}
		case <-ctx.Done():
			return
		}
	}
}

// pushTopic renders the topic's page once and offers it to each subscriber,
// replacing any tick they have not consumed yet.
func (h *Hub) pushTopic(id string) {
	h.mu.Lock()
	t, ok := h.topics[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	key, limit := t.key, t.limit
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	page, err := h.svc.Leaderboard(ctx, key, limit)
	cancel()
	tick := Tick{Page: page, Err: err}

	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok = h.topics[id]
	if !ok {
		return
	}
	for sub := range t.subs {
		select {
		case sub.C <- tick:
		default:
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- tick:
			default:
			}
		}
	}
}

var _ PushNotifier = (*Hub)(nil)

// Interval reports the hub's push cadence.
func (h *Hub) Interval() time.Duration { return h.interval }
