package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-iap/internal/metrics"
)

func TestThreshold_Check(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	orig := nowFn
	nowFn = func() time.Time { return fixed }
	t.Cleanup(func() { nowFn = orig })

	th := Threshold{Name: "restore_duration_ms", Limit: 100}

	tests := []struct {
		value    float64
		fired    bool
		exceeded float64
	}{
		{value: 0},
		{value: 99.5},
		{value: 100},
		{value: 101, fired: true, exceeded: 1},
		{value: 250, fired: true, exceeded: 150},
	}
	for _, tt := range tests {
		alert, fired := th.Check(tt.value)
		assert.Equal(t, tt.fired, fired, "value %v", tt.value)
		if tt.fired {
			assert.Equal(t, tt.exceeded, alert.ExceededBy)
			assert.Equal(t, fixed, alert.At)
			assert.Equal(t, "restore_duration_ms", alert.Name)
		}
	}
}

func TestDurationThreshold(t *testing.T) {
	th := DurationThreshold("slow", 2*time.Second)
	assert.Equal(t, 2000.0, th.Limit)
	assert.Equal(t, "ms", th.Unit)
}

func TestMonitor_Observe(t *testing.T) {
	registry := prometheus.NewRegistry()
	mon := New(metrics.New(registry))

	var seen []Alert
	mon.OnAlert(func(a Alert) { seen = append(seen, a) })

	th := DurationThreshold("restore_duration_ms", time.Second)
	_, fired := mon.ObserveDuration(th, time.Second)
	assert.False(t, fired)
	alert, fired := mon.ObserveDuration(th, 1001*time.Millisecond)
	require.True(t, fired)
	assert.Equal(t, 1.0, alert.ExceededBy)
	require.Len(t, seen, 1)

	families, err := registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() == "pulse_iap_monitor_threshold_alerts_total" {
			for _, m := range mf.GetMetric() {
				total += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, total)
}

func TestMonitor_Disabled(t *testing.T) {
	var nilMonitor *Monitor
	_, fired := nilMonitor.Observe(Threshold{Limit: 1}, 5)
	assert.False(t, fired)

	_, fired = New(nil).Observe(Threshold{Name: "off"}, 5)
	assert.False(t, fired)
}
