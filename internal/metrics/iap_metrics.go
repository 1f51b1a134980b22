// Package metrics holds the Prometheus instrumentation for purchase
// verification, restoration and entitlement checks.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pulse_iap"

// Metrics groups every IAP collector. A nil *Metrics is a no-op recorder.
type Metrics struct {
	verificationsTotal *prometheus.CounterVec
	restorePassesTotal *prometheus.CounterVec
	restoreTxTotal     *prometheus.CounterVec
	restoreDuration    *prometheus.HistogramVec
	purchasesTotal     *prometheus.CounterVec
	entitlementChecks  *prometheus.CounterVec
	thresholdAlerts    *prometheus.CounterVec
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the metrics registered with prometheus.DefaultRegisterer.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New registers the collectors with registerer, reusing collectors that are
// already registered under the same name.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		verificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "receipt",
				Name:      "verifications_total",
				Help:      "Receipt verifications by platform and outcome code",
			},
			[]string{"platform", "outcome"},
		),
		restorePassesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "restore",
				Name:      "passes_total",
				Help:      "Restoration passes by platform and outcome",
			},
			[]string{"platform", "outcome"},
		),
		restoreTxTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "restore",
				Name:      "transactions_total",
				Help:      "Transactions seen by restoration passes, by classification",
			},
			[]string{"platform", "result"},
		),
		restoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "restore",
				Name:      "duration_seconds",
				Help:      "Restoration pass duration",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"platform"},
		),
		purchasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "purchase",
				Name:      "attempts_total",
				Help:      "Purchase flow attempts by platform and outcome code",
			},
			[]string{"platform", "outcome"},
		),
		entitlementChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "entitlement",
				Name:      "checks_total",
				Help:      "Feature access checks by decision source",
			},
			[]string{"source", "granted"},
		),
		thresholdAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "threshold_alerts_total",
				Help:      "Threshold breaches by threshold name",
			},
			[]string{"name"},
		),
	}

	m.verificationsTotal = registerCounterVec(registerer, m.verificationsTotal)
	m.restorePassesTotal = registerCounterVec(registerer, m.restorePassesTotal)
	m.restoreTxTotal = registerCounterVec(registerer, m.restoreTxTotal)
	m.purchasesTotal = registerCounterVec(registerer, m.purchasesTotal)
	m.entitlementChecks = registerCounterVec(registerer, m.entitlementChecks)
	m.thresholdAlerts = registerCounterVec(registerer, m.thresholdAlerts)

	if err := registerer.Register(m.restoreDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.restoreDuration = existing
			}
		} else {
			panic(err)
		}
	}

	return m
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return counter
}

func label(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

// RecordVerification counts one receipt verification. outcome is "ok" or an
// error code.
func (m *Metrics) RecordVerification(platform, outcome string) {
	if m == nil {
		return
	}
	m.verificationsTotal.WithLabelValues(label(platform), label(outcome)).Inc()
}

// RecordRestorePass counts a finished pass and observes its duration.
func (m *Metrics) RecordRestorePass(platform, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.restorePassesTotal.WithLabelValues(label(platform), label(outcome)).Inc()
	m.restoreDuration.WithLabelValues(label(platform)).Observe(elapsed.Seconds())
}

// RecordRestoreTransactions adds n transactions with the given classification
// (new, updated, invalid, failed, excluded).
func (m *Metrics) RecordRestoreTransactions(platform, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.restoreTxTotal.WithLabelValues(label(platform), label(result)).Add(float64(n))
}

// RecordPurchase counts a purchase attempt.
func (m *Metrics) RecordPurchase(platform, outcome string) {
	if m == nil {
		return
	}
	m.purchasesTotal.WithLabelValues(label(platform), label(outcome)).Inc()
}

// RecordEntitlementCheck counts an access decision.
func (m *Metrics) RecordEntitlementCheck(source string, granted bool) {
	if m == nil {
		return
	}
	g := "false"
	if granted {
		g = "true"
	}
	m.entitlementChecks.WithLabelValues(label(source), g).Inc()
}

// RecordThresholdAlert counts a threshold breach.
func (m *Metrics) RecordThresholdAlert(name string) {
	if m == nil {
		return
	}
	m.thresholdAlerts.WithLabelValues(label(name)).Inc()
}
