// Package perfmetrics exposes Prometheus collectors for the BITS upload
// server.
package perfmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks server performance counters.
type Metrics struct {
	registry *prometheus.Registry

	SessionsCreated   prometheus.Counter
	SessionsReleased  prometheus.Counter
	ActiveSessions    prometheus.Gauge
	FragmentsAccepted prometheus.Counter
	FragmentsRejected *prometheus.CounterVec
	UploadBytes       prometheus.Counter
	UploadsCompleted  prometheus.Counter
	RequestsTotal     *prometheus.CounterVec
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "bits_sessions_created_total",
			Help: "Total number of upload sessions created.",
		}),
		SessionsReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "bits_sessions_released_total",
			Help: "Total number of upload sessions released by Close-Session or Cancel-Session.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bits_active_sessions",
			Help: "Number of currently registered upload sessions.",
		}),
		FragmentsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bits_fragments_accepted_total",
			Help: "Total number of accepted fragments.",
		}),
		FragmentsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bits_fragments_rejected_total",
			Help: "Total number of rejected fragments by reason.",
		}, []string{"reason"}),
		UploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "bits_upload_bytes_total",
			Help: "Total fragment payload bytes accepted.",
		}),
		UploadsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "bits_uploads_completed_total",
			Help: "Total number of uploads written to disk.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bits_requests_total",
			Help: "Total number of BITS packets processed by packet type.",
		}, []string{"packet_type"}),
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
