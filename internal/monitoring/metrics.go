package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	// Lifecycle metrics
	Transitions    *prometheus.CounterVec
	ActiveMeetings prometheus.Gauge

	// Supervisor metrics
	BotsRequested  *prometheus.CounterVec
	LaunchRetries  prometheus.Counter
	LaunchDuration prometheus.Histogram
	WatchdogReaps  prometheus.Counter

	// Allocator metrics
	Allocations   *prometheus.CounterVec
	WorkersRanked prometheus.Gauge

	// API metrics
	RequestDuration *prometheus.HistogramVec
	APIErrors       *prometheus.CounterVec

	// Event fan-out metrics
	EventsPublished *prometheus.CounterVec
	WSConnections   prometheus.Gauge
	WSSubscriptions prometheus.Gauge
	WSDropped       prometheus.Counter

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmanager_status_transitions_total",
				Help: "Status transitions recorded by the lifecycle engine",
			},
			[]string{"from", "to", "source"},
		),

		ActiveMeetings: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "botmanager_active_meetings",
				Help: "Meetings currently in a non-terminal status",
			},
		),

		BotsRequested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmanager_bots_requested_total",
				Help: "Bot requests admitted per platform",
			},
			[]string{"platform"},
		),

		LaunchRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmanager_launch_retries_total",
				Help: "Container launch attempts beyond the first",
			},
		),

		LaunchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "botmanager_launch_duration_seconds",
				Help:    "Time from admission to a running bot container",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		),

		WatchdogReaps: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmanager_watchdog_reaps_total",
				Help: "Meetings failed by the container watchdog",
			},
		),

		Allocations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmanager_allocator_ops_total",
				Help: "Allocator operations by op and outcome",
			},
			[]string{"op", "outcome"}, // op: allocate, release, failover; outcome: ok, none, error
		),

		WorkersRanked: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "botmanager_workers_ranked",
				Help: "Transcription workers present in the rank set",
			},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botmanager_request_duration_seconds",
				Help:    "REST request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "code"},
		),

		APIErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmanager_api_errors_total",
				Help: "API errors by kind",
			},
			[]string{"kind"},
		),

		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmanager_events_published_total",
				Help: "Events published on the bus by type",
			},
			[]string{"type"},
		),

		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "botmanager_ws_connections",
				Help: "Open streaming connections",
			},
		),

		WSSubscriptions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "botmanager_ws_subscriptions",
				Help: "Active meeting subscriptions across connections",
			},
		),

		WSDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "botmanager_ws_dropped_total",
				Help: "Frames dropped on slow subscriber queues",
			},
		),

		WebhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botmanager_webhook_deliveries_total",
				Help: "Post-meeting webhook deliveries by result",
			},
			[]string{"result"}, // result: ok, failed, dropped
		),
	}
}

// RecordTransition counts one lifecycle transition.
func (m *Metrics) RecordTransition(from, to, source string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to, source).Inc()
}

// RecordBotRequested counts an admitted bot request.
func (m *Metrics) RecordBotRequested(platform string) {
	if m == nil {
		return
	}
	m.BotsRequested.WithLabelValues(platform).Inc()
}

// RecordLaunchRetry counts a launch attempt beyond the first.
func (m *Metrics) RecordLaunchRetry() {
	if m == nil {
		return
	}
	m.LaunchRetries.Inc()
}

// ObserveLaunch records the admission-to-running latency.
func (m *Metrics) ObserveLaunch(seconds float64) {
	if m == nil {
		return
	}
	m.LaunchDuration.Observe(seconds)
}

// RecordWatchdogReap counts a watchdog-initiated failure.
func (m *Metrics) RecordWatchdogReap() {
	if m == nil {
		return
	}
	m.WatchdogReaps.Inc()
}

// RecordAllocatorOp counts an allocator operation outcome.
func (m *Metrics) RecordAllocatorOp(op, outcome string) {
	if m == nil {
		return
	}
	m.Allocations.WithLabelValues(op, outcome).Inc()
}

// SetWorkersRanked updates the rank-set size gauge.
func (m *Metrics) SetWorkersRanked(n int) {
	if m == nil {
		return
	}
	m.WorkersRanked.Set(float64(n))
}

// ObserveRequest records one REST request.
func (m *Metrics) ObserveRequest(route, method, code string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route, method, code).Observe(seconds)
}

// RecordAPIError counts an API error by kind.
func (m *Metrics) RecordAPIError(kind string) {
	if m == nil {
		return
	}
	m.APIErrors.WithLabelValues(kind).Inc()
}

// RecordEventPublished counts a published event by type.
func (m *Metrics) RecordEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// AddWSConnections moves the open-connection gauge.
func (m *Metrics) AddWSConnections(delta int) {
	if m == nil {
		return
	}
	m.WSConnections.Add(float64(delta))
}

// AddWSSubscriptions moves the subscription gauge.
func (m *Metrics) AddWSSubscriptions(delta int) {
	if m == nil {
		return
	}
	m.WSSubscriptions.Add(float64(delta))
}

// RecordWSDropped counts a dropped frame on a slow subscriber.
func (m *Metrics) RecordWSDropped() {
	if m == nil {
		return
	}
	m.WSDropped.Inc()
}

// SetActiveMeetings updates the non-terminal meeting gauge.
func (m *Metrics) SetActiveMeetings(n int) {
	if m == nil {
		return
	}
	m.ActiveMeetings.Set(float64(n))
}

// RecordWebhookDelivery counts one delivery result.
func (m *Metrics) RecordWebhookDelivery(result string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}
