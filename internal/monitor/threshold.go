// Package monitor raises alerts when an observed value passes a limit.
package monitor

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-iap/internal/metrics"
)

// Threshold is a named upper limit. Values equal to Limit are within bounds.
type Threshold struct {
	Name  string  `json:"name"`
	Limit float64 `json:"limit"`
	Unit  string  `json:"unit,omitempty"`
}

// Alert describes one threshold breach.
type Alert struct {
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	Limit      float64   `json:"limit"`
	ExceededBy float64   `json:"exceeded_by"`
	Unit       string    `json:"unit,omitempty"`
	At         time.Time `json:"at"`
}

var nowFn = time.Now

// Check returns an alert only when value is strictly greater than Limit.
func (t Threshold) Check(value float64) (Alert, bool) {
	if value <= t.Limit {
		return Alert{}, false
	}
	return Alert{
		Name:       t.Name,
		Value:      value,
		Limit:      t.Limit,
		ExceededBy: value - t.Limit,
		Unit:       t.Unit,
		At:         nowFn(),
	}, true
}

// DurationThreshold builds a threshold measured in milliseconds.
func DurationThreshold(name string, limit time.Duration) Threshold {
	return Threshold{Name: name, Limit: float64(limit.Milliseconds()), Unit: "ms"}
}

// Monitor logs and counts alerts.
type Monitor struct {
	metrics *metrics.Metrics
	onAlert func(Alert)
}

// New returns a Monitor. m may be nil.
func New(m *metrics.Metrics) *Monitor {
	return &Monitor{metrics: m}
}

// OnAlert registers a callback run for every alert.
func (m *Monitor) OnAlert(fn func(Alert)) {
	m.onAlert = fn
}

// Observe checks value against t and reports a breach. A nil Monitor or a
// zero limit disables the check.
func (m *Monitor) Observe(t Threshold, value float64) (Alert, bool) {
	if m == nil || t.Limit <= 0 {
		return Alert{}, false
	}
	alert, fired := t.Check(value)
	if !fired {
		return Alert{}, false
	}

	log.Warn().
		Str("component", "monitor").
		Str("threshold", alert.Name).
		Float64("value", alert.Value).
		Float64("limit", alert.Limit).
		Float64("exceeded_by", alert.ExceededBy).
		Str("unit", alert.Unit).
		Msg("Threshold exceeded")
	m.metrics.RecordThresholdAlert(alert.Name)
	if m.onAlert != nil {
		m.onAlert(alert)
	}
	return alert, true
}

// ObserveDuration is Observe for a millisecond threshold.
func (m *Monitor) ObserveDuration(t Threshold, elapsed time.Duration) (Alert, bool) {
	return m.Observe(t, float64(elapsed.Milliseconds()))
}
