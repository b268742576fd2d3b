package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netgate_decisions_total",
		Help: "Total number of evaluated requests by verdict and decision source",
	}, []string{"decision", "source"})
	pendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netgate_pending_requests",
		Help: "Number of requests currently waiting for a decision",
	})
	pendingWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netgate_pending_wait_seconds",
		Help:    "Time a pending request waited before it was resolved",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})
	enforcementSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netgate_enforcement_sessions",
		Help: "Number of active enforcement sessions",
	})
	ledgerDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netgate_ledger_dropped_total",
		Help: "Total number of access records not written to disk because the writer was saturated",
	})
	notifyFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netgate_notify_failures_total",
		Help: "Total number of failed external notifications",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		decisionsTotal,
		pendingRequests,
		pendingWaitSeconds,
		enforcementSessions,
		ledgerDroppedTotal,
		notifyFailuresTotal,
	)
}

// IncDecision counts one verdict.
func IncDecision(decision, source string) { decisionsTotal.WithLabelValues(decision, source).Inc() }

// SetPending sets the number of in-flight pending requests.
func SetPending(n int) { pendingRequests.Set(float64(n)) }

// ObservePendingWait records how long a pending request waited, in seconds.
func ObservePendingWait(seconds float64) { pendingWaitSeconds.Observe(seconds) }

// SetEnforcementSessions sets the number of active enforcement sessions.
func SetEnforcementSessions(n int) { enforcementSessions.Set(float64(n)) }

// IncLedgerDropped increments the dropped access records counter.
func IncLedgerDropped() { ledgerDroppedTotal.Inc() }

// IncNotifyFailure increments the failed external notifications counter.
func IncNotifyFailure() { notifyFailuresTotal.Inc() }
