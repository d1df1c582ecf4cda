package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups every metric the service exports. A nil *Collector is
// valid and records nothing.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	CasesCreatedTotal    prometheus.Counter
	CaseTransitionsTotal *prometheus.CounterVec
	ProcessingDuration   prometheus.Histogram

	AnalysisCallsTotal   *prometheus.CounterVec
	AnalysisCallDuration *prometheus.HistogramVec

	ReportsGeneratedTotal *prometheus.CounterVec
	ChatMessagesTotal     prometheus.Counter

	AuditEntriesTotal  prometheus.Counter
	AuditBufferDropped prometheus.Counter

	EventsPublishFailed prometheus.Counter
}

// NewCollector registers the metrics on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh prometheus.NewRegistry() in tests.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		CasesCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cases",
			Name:      "created_total",
			Help:      "Total number of cases submitted by patients.",
		}),

		CaseTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cases",
			Name:      "transitions_total",
			Help:      "Case status transitions by target status.",
		}, []string{"status"}),

		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cases",
			Name:      "processing_duration_seconds",
			Help:      "Wall time of one full analysis run over a case.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		AnalysisCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "calls_total",
			Help:      "Analysis provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),

		AnalysisCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "call_duration_seconds",
			Help:      "Analysis provider call latency.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),

		ReportsGeneratedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reports",
			Name:      "generated_total",
			Help:      "Reports generated by variant.",
		}, []string{"variant"}),

		ChatMessagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "messages_total",
			Help:      "Chat messages appended to cases.",
		}),

		AuditEntriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "entries_total",
			Help:      "Total audit log entries written.",
		}),

		AuditBufferDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "buffer_dropped_total",
			Help:      "Audit entries dropped due to full buffer. Alert if non-zero.",
		}),

		EventsPublishFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_failed_total",
			Help:      "Domain events that could not be published.",
		}),
	}
}

func (c *Collector) ObserveAnalysisCall(provider, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.AnalysisCallsTotal.WithLabelValues(provider, outcome).Inc()
	c.AnalysisCallDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (c *Collector) ObserveProcessing(d time.Duration) {
	if c == nil {
		return
	}
	c.ProcessingDuration.Observe(d.Seconds())
}

func (c *Collector) CaseCreated() {
	if c == nil {
		return
	}
	c.CasesCreatedTotal.Inc()
}

func (c *Collector) CaseTransitioned(status string) {
	if c == nil {
		return
	}
	c.CaseTransitionsTotal.WithLabelValues(status).Inc()
}

func (c *Collector) ReportGenerated(variant string) {
	if c == nil {
		return
	}
	c.ReportsGeneratedTotal.WithLabelValues(variant).Inc()
}

func (c *Collector) ChatMessageAppended() {
	if c == nil {
		return
	}
	c.ChatMessagesTotal.Inc()
}

func (c *Collector) AuditWritten() {
	if c == nil {
		return
	}
	c.AuditEntriesTotal.Inc()
}

func (c *Collector) AuditDropped() {
	if c == nil {
		return
	}
	c.AuditBufferDropped.Inc()
}

func (c *Collector) EventPublishFailed() {
	if c == nil {
		return
	}
	c.EventsPublishFailed.Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
