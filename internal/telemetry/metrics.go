package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TurnsTotal       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "assistant_turns_total", Help: "Turns finished by trigger and terminal status"}, []string{"trigger", "status"})
	ActionsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "assistant_actions_total", Help: "Actions finalized by type and status"}, []string{"type", "status"})
	PolicyOutcomes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "assistant_policy_outcomes_total", Help: "Resolved autonomy levels by source"}, []string{"level", "source"})
	RelevanceModes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "assistant_relevance_modes_total", Help: "Proactive modes derived from relevance scoring"}, []string{"mode"})
	ProviderLatency  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "assistant_provider_seconds", Help: "Provider round-trip latency", Buckets: prometheus.ExponentialBuckets(0.05, 2, 10)})
	TurnsEnqueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "assistant_turns_enqueued_total", Help: "Turns placed on the async queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "assistant_rate_limit_rejects_total", Help: "Turn requests rejected by rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "assistant_queue_depth", Help: "Ready turn queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "assistant_turns_inflight", Help: "Turns currently leased by workers"})
	RealtimeDropped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "assistant_realtime_dropped_total", Help: "Realtime events dropped for slow subscribers"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TurnsTotal,
			ActionsTotal,
			PolicyOutcomes,
			RelevanceModes,
			ProviderLatency,
			TurnsEnqueued,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			RealtimeDropped,
		)
	})
	return promhttp.Handler()
}
