package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the application's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Submissions        *prometheus.CounterVec
	SubmissionDuration *prometheus.HistogramVec
	AuthAttempts       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reunite_submissions_total",
			Help: "Settled identification submissions by capture path and outcome",
		}, []string{"source", "outcome"}),
		SubmissionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reunite_submission_duration_seconds",
			Help:    "Time from assembly to a settled result",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source"}),
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "reunite_auth_attempts_total",
			Help: "Login and sign up attempts by intent and outcome",
		}, []string{"intent", "outcome"}),
	}
}

// Submission records one settled submission.
func (m *Metrics) Submission(source, outcome string, elapsed time.Duration) {
	m.Submissions.WithLabelValues(source, outcome).Inc()
	m.SubmissionDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

func (m *Metrics) AuthAttempt(intent, outcome string) {
	m.AuthAttempts.WithLabelValues(intent, outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
