package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the traffic pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	framesTotal         *prometheus.CounterVec
	detectorFailures    *prometheus.CounterVec
	recoveriesTotal     *prometheus.CounterVec
	controlOpsTotal     *prometheus.CounterVec
	snapshotsTotal      prometheus.Counter
	subscribersDropped  prometheus.Counter
	liveSources         prometheus.Gauge
	connectedSubscriber prometheus.Gauge
}

// New creates and registers Prometheus metrics for the pipeline.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traffic_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traffic_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	framesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traffic_frames_processed_total",
		Help: "Frames run through detection and counting, per road",
	}, []string{"road_id"})
	detectorFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traffic_detector_failures_total",
		Help: "Detector calls that failed and counted zero detections, per road",
	}, []string{"road_id"})
	recoveriesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traffic_source_recoveries_total",
		Help: "Reads that hit end of stream or failed and triggered a rewind, per road",
	}, []string{"road_id"})
	controlOpsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "traffic_control_operations_total",
		Help: "Successful control-surface operations, per operation",
	}, []string{"op"})
	snapshotsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traffic_snapshots_total",
		Help: "Snapshots built by the aggregator",
	})
	subscribersDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "traffic_subscribers_dropped_total",
		Help: "Subscribers dropped because they fell behind or disconnected",
	})
	liveSources := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "traffic_live_sources",
		Help: "Number of running sources",
	})
	connectedSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "traffic_subscribers",
		Help: "Number of connected snapshot subscribers",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		framesTotal,
		detectorFailures,
		recoveriesTotal,
		controlOpsTotal,
		snapshotsTotal,
		subscribersDropped,
		liveSources,
		connectedSubscribers,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		framesTotal:         framesTotal,
		detectorFailures:    detectorFailures,
		recoveriesTotal:     recoveriesTotal,
		controlOpsTotal:     controlOpsTotal,
		snapshotsTotal:      snapshotsTotal,
		subscribersDropped:  subscribersDropped,
		liveSources:         liveSources,
		connectedSubscriber: connectedSubscribers,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncFramesProcessed counts one processed frame for road.
func (m *Metrics) IncFramesProcessed(road string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(road).Inc()
}

// IncDetectorFailures counts one failed detector call for road.
func (m *Metrics) IncDetectorFailures(road string) {
	if m == nil {
		return
	}
	m.detectorFailures.WithLabelValues(road).Inc()
}

// IncRecoveries counts one end-of-stream recovery for road.
func (m *Metrics) IncRecoveries(road string) {
	if m == nil {
		return
	}
	m.recoveriesTotal.WithLabelValues(road).Inc()
}

// IncControlOps counts one successful control operation.
func (m *Metrics) IncControlOps(op string) {
	if m == nil {
		return
	}
	m.controlOpsTotal.WithLabelValues(op).Inc()
}

// IncSnapshots increments the snapshot counter.
func (m *Metrics) IncSnapshots() {
	if m == nil {
		return
	}
	m.snapshotsTotal.Inc()
}

// IncSubscribersDropped increments the dropped subscriber counter.
func (m *Metrics) IncSubscribersDropped() {
	if m == nil {
		return
	}
	m.subscribersDropped.Inc()
}

// SetLiveSources sets the live sources gauge.
func (m *Metrics) SetLiveSources(n int) {
	if m == nil {
		return
	}
	m.liveSources.Set(float64(n))
}

// SetSubscribers sets the connected subscribers gauge.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.connectedSubscriber.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. live sources).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
