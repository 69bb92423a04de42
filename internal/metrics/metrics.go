// Package metrics exposes relay metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gmail_relay"

// Metrics holds the relay's collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	sends            *prometheus.CounterVec
	sendDuration     *prometheus.HistogramVec
	oauthExchanges   *prometheus.CounterVec
	credentialsReady prometheus.Gauge
}

// New registers the relay collectors, plus the Go and process collectors,
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the relay collectors on reg and serves them from
// gatherer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Send attempts by provider and result.",
		}, []string{"provider", "result"}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Provider send latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		oauthExchanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_exchanges_total",
			Help:      "Authorization code exchanges by result.",
		}, []string{"result"}),
		credentialsReady: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credentials_ready",
			Help:      "1 when a credential is available for sending.",
		}),
	}
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(route, method string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// ObserveSend records one send attempt. result is "success" or a failure
// kind.
func (m *Metrics) ObserveSend(provider, result string, d time.Duration) {
	m.sends.WithLabelValues(provider, result).Inc()
	m.sendDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveExchange records one authorization code exchange.
func (m *Metrics) ObserveExchange(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.oauthExchanges.WithLabelValues(result).Inc()
}

// SetReady sets the credentials_ready gauge.
func (m *Metrics) SetReady(ready bool) {
	if ready {
		m.credentialsReady.Set(1)
		return
	}
	m.credentialsReady.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
