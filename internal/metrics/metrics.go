// Package metrics defines the Prometheus collectors exported by racefeed.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A zero registry is not supported; use New.
type Metrics struct {
	registry *prometheus.Registry

	Windows        *prometheus.CounterVec
	WindowDuration prometheus.Histogram
	Entries        *prometheus.CounterVec
	Cursor         prometheus.Gauge
	Head           prometheus.Gauge

	Connections   prometheus.Gauge
	Pushes        prometheus.Counter
	PushedRecords prometheus.Counter

	Published *prometheus.CounterVec
	Archived  prometheus.Counter

	OpenGaps     prometheus.Gauge
	LateArrivals prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Windows: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "racefeed_ingest_windows_total", Help: "Block windows fetched, by outcome"},
			[]string{"status"},
		),
		WindowDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "racefeed_ingest_window_duration_seconds", Help: "Time to fetch and commit one block window", Buckets: prometheus.DefBuckets},
		),
		Entries: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "racefeed_ingest_entries_total", Help: "Log entries processed, by result"},
			[]string{"result"},
		),
		Cursor: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "racefeed_ingest_cursor_block", Help: "Next block to scan"},
		),
		Head: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "racefeed_ingest_target_block", Help: "Chain head targeted by the last catch-up"},
		),
		Connections: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "racefeed_fanout_connections", Help: "Open fan-out connections"},
		),
		Pushes: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "racefeed_fanout_pushes_total", Help: "Messages pushed to fan-out clients"},
		),
		PushedRecords: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "racefeed_fanout_records_total", Help: "Race results pushed to fan-out clients"},
		),
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "racefeed_relay_published_total", Help: "Results published by the relay, by sink"},
			[]string{"sink"},
		),
		Archived: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "racefeed_archive_records_total", Help: "Results written to the archive"},
		),
		OpenGaps: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "racefeed_race_gap_missing", Help: "Race ids missing below the highest stored race"},
		),
		LateArrivals: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "racefeed_race_late_arrivals_total", Help: "Races stored after a higher race id"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
			[]string{"path", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets},
			[]string{"path"},
		),
	}

	m.registry.MustRegister(
		m.Windows, m.WindowDuration, m.Entries, m.Cursor, m.Head,
		m.Connections, m.Pushes, m.PushedRecords,
		m.Published, m.Archived,
		m.OpenGaps, m.LateArrivals,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through instrumented handlers.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Instrument records request count and latency under path.
func (m *Metrics) Instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.HTTPRequests.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
		m.HTTPDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}
