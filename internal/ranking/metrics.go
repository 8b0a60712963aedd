package ranking

import "github.com/prometheus/client_golang/prometheus"

var (
	rebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_rebuilds_total",
			Help: "Leaderboard rebuilds by scope, period and trigger",
		},
		[]string{"scope", "period", "trigger"},
	)
	rebuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaderboard_rebuild_duration_seconds",
			Help:    "Duration of leaderboard rebuilds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scope", "period"},
	)
	pageCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_page_cache_total",
			Help: "Rendered page cache lookups by outcome",
		},
		[]string{"outcome"},
	)
	liveSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leaderboard_live_subscribers",
			Help: "Currently connected live leaderboard subscribers",
		},
	)
	backgroundDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leaderboard_background_jobs_dropped_total",
			Help: "Background ranking jobs dropped because the queue was full",
		},
	)
)

// InitMetrics registers the ranking collectors. Call once from main.
func InitMetrics() {
	prometheus.MustRegister(rebuildsTotal)
	prometheus.MustRegister(rebuildDuration)
	prometheus.MustRegister(pageCacheHits)
	prometheus.MustRegister(liveSubscribers)
	prometheus.MustRegister(backgroundDrops)
}
