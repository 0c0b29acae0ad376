package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the recorder. Methods on
// a nil *Metrics are no-ops, so instrumentation stays optional.
type Metrics struct {
	registry                *prometheus.Registry
	roomChecksTotal         prometheus.Counter
	recordingsStartedTotal  prometheus.Counter
	segmentsDownloadedTotal prometheus.Counter
	bytesWrittenTotal       prometheus.Counter
	webhookFailuresTotal    prometheus.Counter
	apiRequestsTotal        prometheus.Counter
	activeRecordings        prometheus.Gauge
	cookieDeath             prometheus.Gauge
}

// New creates and registers Prometheus metrics for the recorder.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	roomChecksTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_room_checks_total",
		Help: "Total number of room liveness checks performed",
	})
	recordingsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_recordings_started_total",
		Help: "Total number of recordings started",
	})
	segmentsDownloadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_segments_downloaded_total",
		Help: "Total number of media segments downloaded",
	})
	bytesWrittenTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_bytes_written_total",
		Help: "Total number of bytes written to output files",
	})
	webhookFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_webhook_failures_total",
		Help: "Total number of webhook deliveries that failed",
	})
	apiRequestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recorder_api_requests_total",
		Help: "Total number of HTTP requests served by the status API",
	})
	activeRecordings := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_active_recordings",
		Help: "Number of recordings currently running",
	})
	cookieDeath := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "recorder_cookie_death",
		Help: "1 while the monitor considers the session cookies dead, 0 otherwise",
	})

	registry.MustRegister(
		roomChecksTotal,
		recordingsStartedTotal,
		segmentsDownloadedTotal,
		bytesWrittenTotal,
		webhookFailuresTotal,
		apiRequestsTotal,
		activeRecordings,
		cookieDeath,
	)

	return &Metrics{
		registry:                registry,
		roomChecksTotal:         roomChecksTotal,
		recordingsStartedTotal:  recordingsStartedTotal,
		segmentsDownloadedTotal: segmentsDownloadedTotal,
		bytesWrittenTotal:       bytesWrittenTotal,
		webhookFailuresTotal:    webhookFailuresTotal,
		apiRequestsTotal:        apiRequestsTotal,
		activeRecordings:        activeRecordings,
		cookieDeath:             cookieDeath,
	}
}

// IncRoomChecks increments the room check counter.
func (m *Metrics) IncRoomChecks() {
	if m == nil {
		return
	}
	m.roomChecksTotal.Inc()
}

// IncRecordingsStarted increments the recordings started counter.
func (m *Metrics) IncRecordingsStarted() {
	if m == nil {
		return
	}
	m.recordingsStartedTotal.Inc()
}

// AddSegmentsDownloaded adds n to the downloaded segment counter.
func (m *Metrics) AddSegmentsDownloaded(n int) {
	if m == nil {
		return
	}
	m.segmentsDownloadedTotal.Add(float64(n))
}

// AddBytesWritten adds n to the bytes written counter.
func (m *Metrics) AddBytesWritten(n int64) {
	if m == nil {
		return
	}
	m.bytesWrittenTotal.Add(float64(n))
}

// IncWebhookFailures increments the webhook failure counter.
func (m *Metrics) IncWebhookFailures() {
	if m == nil {
		return
	}
	m.webhookFailuresTotal.Inc()
}

// IncAPIRequests increments the status API request counter.
func (m *Metrics) IncAPIRequests() {
	if m == nil {
		return
	}
	m.apiRequestsTotal.Inc()
}

// SetActiveRecordings sets the active recordings gauge.
func (m *Metrics) SetActiveRecordings(n int) {
	if m == nil {
		return
	}
	m.activeRecordings.Set(float64(n))
}

// SetCookieDeath sets the cookie death gauge.
func (m *Metrics) SetCookieDeath(active bool) {
	if m == nil {
		return
	}
	if active {
		m.cookieDeath.Set(1)
	} else {
		m.cookieDeath.Set(0)
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g.
// active recordings).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
