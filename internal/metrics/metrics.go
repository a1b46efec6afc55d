// Package metrics registers the Prometheus collectors for the policy
// engine. A process-wide singleton keeps registration idempotent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	instance *Metrics
	once     sync.Once
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	// Connection metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionErrors  prometheus.Counter

	// Policy metrics
	Dispositions   *prometheus.CounterVec // phase, check, action
	NaughtyMarks   prometheus.Counter
	NaughtyCleared prometheus.Counter
	Disposals      *prometheus.CounterVec // phase

	// DNSBL metrics
	DNSBLQueries  *prometheus.CounterVec // zone, outcome
	DNSBLDuration prometheus.Histogram

	// Proxy metrics
	ProxyAccepted prometheus.Counter
	ProxyRejected prometheus.Counter

	// Authentication metrics
	AuthAttempts  prometheus.Counter
	AuthSuccesses prometheus.Counter
	AuthFailures  prometheus.Counter

	// Greylist metrics
	GreylistOutcomes *prometheus.CounterVec // outcome
}

// Get returns the singleton metrics instance, registering the collectors
// on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guardpost_connections_total",
			Help: "Total number of inbound connections",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guardpost_connections_active",
			Help: "Number of active connections",
		}),
		ConnectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guardpost_connection_errors_total",
			Help: "Total number of connection handling errors",
		}),
		Dispositions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guardpost_check_dispositions_total",
			Help: "Check dispositions by phase, check and action",
		}, []string{"phase", "check", "action"}),
		NaughtyMarks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guardpost_naughty_marks_total",
			Help: "Total number of connections marked for deferred rejection",
		}),
		NaughtyCleared: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guardpost_naughty_cleared_total",
			Help: "Total number of naughty marks cleared by authentication",
		}),
		Disposals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guardpost_naughty_disposals_total",
			Help: "Deferred rejections emitted, by phase",
		}, []string{"phase"}),
		DNSBLQueries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guardpost_dnsbl_queries_total",
			Help: "DNSBL queries by zone and outcome",
		}, []string{"zone", "outcome"}),
		DNSBLDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "guardpost_dnsbl_query_duration_seconds",
			Help:    "Duration of DNSBL queries",
			Buckets: prometheus.DefBuckets,
		}),
		ProxyAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guardpost_proxy_accepted_total",
			Help: "Accepted proxy declarations",
		}),
		ProxyRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guardpost_proxy_rejected_total",
			Help: "Rejected proxy declarations",
		}),
		AuthAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guardpost_auth_attempts_total",
			Help: "Total authentication attempts",
		}),
		AuthSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guardpost_auth_successes_total",
			Help: "Successful authentications",
		}),
		AuthFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guardpost_auth_failures_total",
			Help: "Failed authentications",
		}),
		GreylistOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guardpost_greylist_outcomes_total",
			Help: "Greylist check outcomes",
		}, []string{"outcome"}),
	}
}
