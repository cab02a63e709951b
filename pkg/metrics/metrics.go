package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Supervisor metrics
	ProjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portreeve_projects_total",
			Help: "Total number of projects by status",
		},
		[]string{"status"},
	)

	ProjectRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portreeve_project_restarts_total",
			Help: "Total number of automatic project restarts after a crash",
		},
		[]string{"project"},
	)

	ProjectStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "portreeve_project_start_duration_seconds",
			Help:    "Time from spawn to socket-ready for a project",
			Buckets: prometheus.DefBuckets,
		},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portreeve_health_checks_total",
			Help: "Total number of supervisor health check probes by outcome",
		},
		[]string{"outcome"},
	)

	// Router metrics
	RouterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portreeve_router_requests_total",
			Help: "Total number of proxied requests by hostname and response status",
		},
		[]string{"hostname", "status"},
	)

	RouterRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portreeve_router_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"hostname"},
	)

	// TLS metrics
	CertIssuanceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portreeve_cert_issuance_total",
			Help: "Total number of ACME certificate issuance attempts by outcome",
		},
		[]string{"outcome"},
	)

	CertRenewalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portreeve_cert_renewal_total",
			Help: "Total number of ACME certificate renewal attempts by outcome",
		},
		[]string{"outcome"},
	)

	CertExpirySeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portreeve_cert_expiry_seconds",
			Help: "Seconds until certificate expiry by hostname",
		},
		[]string{"hostname"},
	)
)

func init() {
	prometheus.MustRegister(ProjectsTotal)
	prometheus.MustRegister(ProjectRestartsTotal)
	prometheus.MustRegister(ProjectStartDuration)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(RouterRequestsTotal)
	prometheus.MustRegister(RouterRequestDuration)
	prometheus.MustRegister(CertIssuanceTotal)
	prometheus.MustRegister(CertRenewalTotal)
	prometheus.MustRegister(CertExpirySeconds)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
