// Package metrics owns the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "membersite"

type Metrics struct {
	registry *prometheus.Registry

	sessions      *prometheus.CounterVec
	codesIssued   *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	mail          *prometheus.CounterVec
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New builds a registry holding the service collectors plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Session lifecycle events by kind (created, evicted, expired).",
		}, []string{"event"}),
		codesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "codes_issued_total",
			Help:      "One-time codes issued per workflow.",
		}, []string{"workflow"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "confirmations_total",
			Help:      "Code confirmations per workflow and result (ok, mismatch).",
		}, []string{"workflow", "result"}),
		mail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mail",
			Name:      "messages_total",
			Help:      "Outbound messages by result (sent, failed, dropped).",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions,
		m.codesIssued,
		m.confirmations,
		m.mail,
		m.requests,
		m.latency,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionCreated() { m.sessions.WithLabelValues("created").Inc() }
func (m *Metrics) SessionEvicted() { m.sessions.WithLabelValues("evicted").Inc() }
func (m *Metrics) SessionExpired() { m.sessions.WithLabelValues("expired").Inc() }

func (m *Metrics) CodeIssued(workflow string) {
	m.codesIssued.WithLabelValues(workflow).Inc()
}

func (m *Metrics) CodeConfirmed(workflow string, ok bool) {
	result := "ok"
	if !ok {
		result = "mismatch"
	}
	m.confirmations.WithLabelValues(workflow, result).Inc()
}

func (m *Metrics) MailSent()    { m.mail.WithLabelValues("sent").Inc() }
func (m *Metrics) MailFailed()  { m.mail.WithLabelValues("failed").Inc() }
func (m *Metrics) MailDropped() { m.mail.WithLabelValues("dropped").Inc() }

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
}
