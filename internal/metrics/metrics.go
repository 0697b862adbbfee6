// Package metrics defines the agent's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so managers can be built without it in tests.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	sessionRefresh  *prometheus.CounterVec
	otpVerify       *prometheus.CounterVec
	otpRequest      *prometheus.CounterVec
	syncRecords     *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	queueItems      *prometheus.GaugeVec
	badge           prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	websocketClient prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg gets a
// private registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		sessionRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_session_refresh_total",
			Help: "Token refresh exchanges by result",
		}, []string{"result"}), // result: ok|rejected|network|shared
		otpVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_otp_verify_total",
			Help: "OTP verification attempts by result",
		}, []string{"purpose", "result"}),
		otpRequest: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_otp_request_total",
			Help: "OTP delivery requests by result",
		}, []string{"purpose", "result"}),
		syncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_notification_sync_records_total",
			Help: "Notification records processed by sync passes",
		}, []string{"priority", "result"}), // result: sent|failed
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifeline_notification_sync_duration_seconds",
			Help:    "Duration of notification sync passes",
			Buckets: prometheus.DefBuckets,
		}),
		queueItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lifeline_notification_queue_items",
			Help: "Queued notification records by status",
		}, []string{"status"}),
		badge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifeline_notification_badge",
			Help: "Current badge count",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_http_requests_total",
			Help: "Local API requests",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifeline_http_request_duration_seconds",
			Help:    "Local API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		websocketClient: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lifeline_websocket_clients",
			Help: "Connected UI websocket clients",
		}),
	}

	collectors := []prometheus.Collector{
		m.sessionRefresh, m.otpVerify, m.otpRequest, m.syncRecords, m.syncDuration,
		m.queueItems, m.badge, m.httpRequests, m.httpDuration, m.websocketClient,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RefreshResult(result string) {
	if m == nil {
		return
	}
	m.sessionRefresh.WithLabelValues(result).Inc()
}

func (m *Metrics) OTPVerify(purpose, result string) {
	if m == nil {
		return
	}
	m.otpVerify.WithLabelValues(purpose, result).Inc()
}

func (m *Metrics) OTPRequest(purpose, result string) {
	if m == nil {
		return
	}
	m.otpRequest.WithLabelValues(purpose, result).Inc()
}

func (m *Metrics) SyncRecord(priority, result string) {
	if m == nil {
		return
	}
	m.syncRecords.WithLabelValues(priority, result).Inc()
}

func (m *Metrics) SyncDuration(seconds float64) {
	if m == nil {
		return
	}
	m.syncDuration.Observe(seconds)
}

// QueueItems sets the per-status gauge from a status→count map.
func (m *Metrics) QueueItems(byStatus map[string]int) {
	if m == nil {
		return
	}
	for status, n := range byStatus {
		m.queueItems.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) Badge(n int) {
	if m == nil {
		return
	}
	m.badge.Set(float64(n))
}

func (m *Metrics) HTTPRequest(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(seconds)
}

func (m *Metrics) WebsocketClients(delta float64) {
	if m == nil {
		return
	}
	m.websocketClient.Add(delta)
}
