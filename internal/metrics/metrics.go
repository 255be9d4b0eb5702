// Package metrics exposes Prometheus instrumentation for jobs, pages and
// model calls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the extraction pipeline.
type Metrics struct {
	// Jobs finished, by terminal status
	JobsTotal *prometheus.CounterVec

	// Wall time of a whole job
	JobDuration prometheus.Histogram

	// Pages persisted, by outcome ("ok", "needs_rescan", "low_readability")
	PagesTotal *prometheus.CounterVec

	// Model calls by provider, kind ("single", "batch", "retry_zoom") and result
	ModelCalls *prometheus.CounterVec

	// Model call latency by provider and kind
	ModelLatency *prometheus.HistogramVec

	// Escalations by whether the retry attempt won
	Escalations *prometheus.CounterVec

	// Party resolutions by type and outcome ("resolved", "skipped", "error")
	PartyResolutions *prometheus.CounterVec
}

// New creates Metrics registered on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates Metrics registered on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_jobs_total",
			Help: "Total document jobs finished by terminal status",
		}, []string{"status"}),

		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoice_job_duration_seconds",
			Help:    "Duration of document jobs from start to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),

		PagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_pages_total",
			Help: "Total pages persisted by outcome",
		}, []string{"outcome"}),

		ModelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_model_calls_total",
			Help: "Total vision model calls by provider, kind and result",
		}, []string{"provider", "kind", "result"}),

		ModelLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoice_model_call_duration_seconds",
			Help:    "Duration of vision model calls including retries",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		}, []string{"provider", "kind"}),

		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_render_escalations_total",
			Help: "Total render-retry escalations by whether the retry won",
		}, []string{"retry_won"}),

		PartyResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_party_resolutions_total",
			Help: "Total party resolutions by party type and outcome",
		}, []string{"party_type", "outcome"}),
	}
}

// IncJob records a job reaching a terminal status.
func (m *Metrics) IncJob(status string, d time.Duration) {
	if m != nil {
		m.JobsTotal.WithLabelValues(status).Inc()
		m.JobDuration.Observe(d.Seconds())
	}
}

// IncPage records one persisted page.
func (m *Metrics) IncPage(outcome string) {
	if m != nil {
		m.PagesTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveModelCall records one model call and its latency.
func (m *Metrics) ObserveModelCall(provider, kind string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ModelCalls.WithLabelValues(provider, kind, result).Inc()
	m.ModelLatency.WithLabelValues(provider, kind).Observe(d.Seconds())
}

// IncEscalation records a render retry.
func (m *Metrics) IncEscalation(retryWon bool) {
	if m == nil {
		return
	}
	label := "false"
	if retryWon {
		label = "true"
	}
	m.Escalations.WithLabelValues(label).Inc()
}

// IncPartyResolution records one party resolution attempt.
func (m *Metrics) IncPartyResolution(partyType, outcome string) {
	if m != nil {
		m.PartyResolutions.WithLabelValues(partyType, outcome).Inc()
	}
}
