package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/iamwavecut/ngguard"

// Metrics holds the moderation core collectors. A nil *Metrics records nothing.
type Metrics struct {
	decisionsTotal            *prometheus.CounterVec
	rateDenialsTotal          *prometheus.CounterVec
	spamSignalsTotal          *prometheus.CounterVec
	snapshotsTotal            *prometheus.CounterVec
	snapshotsSkippedTotal     prometheus.Counter
	messageProcessingDuration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moderation_decisions_total",
				Help: "Moderation decisions by resulting action",
			},
			[]string{"action"},
		),
		rateDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_denials_total",
				Help: "Actions denied by the rate limiter",
			},
			[]string{"kind"},
		),
		spamSignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spam_messages_total",
				Help: "Total number of spam signals detected",
			},
			[]string{"type"},
		),
		snapshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshots_total",
				Help: "Snapshot attempts by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		snapshotsSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "snapshots_skipped_total",
				Help: "Scheduled snapshots skipped because another one was in flight",
			},
		),
		messageProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "message_processing_duration_seconds",
				Help:    "Time spent processing messages",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.decisionsTotal,
			m.rateDenialsTotal,
			m.spamSignalsTotal,
			m.snapshotsTotal,
			m.snapshotsSkippedTotal,
			m.messageProcessingDuration,
		)
	}
	return m
}

func (m *Metrics) RecordDecision(action string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordRateDenial(kind string) {
	if m == nil {
		return
	}
	m.rateDenialsTotal.WithLabelValues(kind).Inc()
}

// RecordSpamDetection records a spam signal firing.
func (m *Metrics) RecordSpamDetection(spamType string) {
	if m == nil {
		return
	}
	m.spamSignalsTotal.WithLabelValues(spamType).Inc()
}

func (m *Metrics) RecordSnapshot(trigger string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.snapshotsTotal.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) RecordSkippedSnapshot() {
	if m == nil {
		return
	}
	m.snapshotsSkippedTotal.Inc()
}

// StartMessageProcessing returns a function to record message processing duration
func (m *Metrics) StartMessageProcessing() func(status string) {
	start := time.Now()
	return func(status string) {
		if m == nil {
			return
		}
		m.messageProcessingDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}

// InitTracing installs the global tracer provider. Call the returned func on shutdown.
func InitTracing() func(context.Context) error {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
