// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Tracking sessions initialized.",
	})
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Tracking sessions currently live.",
	})
	RiskAssessments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "risk_assessments_total",
		Help:      "Snapshots scored, by resulting level.",
	}, []string{"level"})
	SecurityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "security_events_total",
		Help:      "Security events emitted, by type.",
	}, []string{"type"})
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Failed persistence writes, by operation.",
	}, []string{"op"})
	SpoolReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spool_replayed_total",
		Help:      "Spooled writes successfully replayed.",
	})
	SpoolDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spool_dead_lettered_total",
		Help:      "Spooled writes given up on, by operation.",
	}, []string{"op"})
	BlacklistActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blacklist_actions_total",
		Help:      "Blacklist changes, by action.",
	}, []string{"action"})
	GeoLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "geo_lookup_duration_seconds",
		Help:      "Duration of geolocation lookups.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
