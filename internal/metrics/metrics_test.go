package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncJob("completed", time.Second)
		m.IncPage("ok")
		m.ObserveModelCall("gemini", "single", nil, time.Second)
		m.IncEscalation(true)
		m.IncPartyResolution("supplier", "resolved")
	})
}

func TestMetrics_Record(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.IncJob("completed", 2*time.Second)
	m.IncJob("failed", time.Second)
	m.IncJob("completed", time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("failed")))

	m.ObserveModelCall("gemini", "batch", nil, time.Second)
	m.ObserveModelCall("gemini", "batch", errors.New("boom"), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelCalls.WithLabelValues("gemini", "batch", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelCalls.WithLabelValues("gemini", "batch", "error")))

	m.IncEscalation(false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Escalations.WithLabelValues("false")))

	m.IncPage("needs_rescan")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PagesTotal.WithLabelValues("needs_rescan")))

	m.IncPartyResolution("buyer", "skipped")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PartyResolutions.WithLabelValues("buyer", "skipped")))
}

func TestNewWithRegistry_Independent(t *testing.T) {
	assert.NotPanics(t, func() {
		NewWithRegistry(prometheus.NewRegistry())
		NewWithRegistry(prometheus.NewRegistry())
	})
}
