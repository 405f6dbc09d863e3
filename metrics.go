package mcp

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by the SessionManager and the Dispatcher.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsOpened   prometheus.Counter
	sessionsClosed   prometheus.Counter
	openSessions     prometheus.Gauge
	requestsTotal    *prometheus.CounterVec
	rejectedTotal    *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	handlerDuration  *prometheus.HistogramVec
}

const defaultMetricsNamespace = "mcpsse"

// Outcome labels of the requests counter.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// NewMetrics creates the collectors and registers them on reg. An empty namespace defaults to
// "mcpsse".
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = defaultMetricsNamespace
	}

	m := &Metrics{
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Total number of sessions opened.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Total number of sessions closed.",
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "open",
			Help:      "Number of sessions currently open.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Total number of accepted requests by method and outcome.",
		}, []string{"method", "outcome"}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "rejected_total",
			Help:      "Total number of requests rejected on the request channel by error kind.",
		}, []string{"kind"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "delivery_failures_total",
			Help:      "Total number of responses that could not be delivered on the push channel.",
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "handler_duration_seconds",
			Help:      "Time spent producing a response, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	collectors := []prometheus.Collector{
		m.sessionsOpened,
		m.sessionsClosed,
		m.openSessions,
		m.requestsTotal,
		m.rejectedTotal,
		m.deliveryFailures,
		m.handlerDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.openSessions.Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.sessionsClosed.Inc()
	m.openSessions.Dec()
}

func (m *Metrics) requestCompleted(method string, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	if failed {
		outcome = outcomeFailure
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.handlerDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) requestRejected(kind ErrorKind) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) deliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}
