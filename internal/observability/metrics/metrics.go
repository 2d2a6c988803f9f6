package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/audit"
	"github.com/CurtisStartsCoding/radscheduler-sub000/internal/conversation"
)

// SchedulingMetrics exposes counters/histograms for the scheduling flows.
type SchedulingMetrics struct {
	intakeTotal      *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	outboundTotal    *prometheus.CounterVec
	webhookLatency   *prometheus.HistogramVec
	stuckRetries     prometheus.Counter
	expiredTotal     prometheus.Counter
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		intakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radscheduler",
			Subsystem: "scheduling",
			Name:      "order_intake_total",
			Help:      "Total intake webhooks by coalescing outcome",
		}, []string{"coalesced"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radscheduler",
			Subsystem: "scheduling",
			Name:      "session_transitions_total",
			Help:      "Total session state transitions",
		}, []string{"from", "to"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "radscheduler",
			Subsystem: "scheduling",
			Name:      "outbound_sms_total",
			Help:      "Total outbound SMS by message type and result",
		}, []string{"message_type", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "radscheduler",
			Subsystem: "scheduling",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of inbound webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"webhook"}),
		stuckRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "radscheduler",
			Subsystem: "scheduling",
			Name:      "stuck_retries_total",
			Help:      "Total slot request retries issued by the monitor",
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "radscheduler",
			Subsystem: "scheduling",
			Name:      "sessions_expired_total",
			Help:      "Total sessions expired by the sweeper",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.intakeTotal, m.transitionsTotal, m.outboundTotal, m.webhookLatency, m.stuckRetries, m.expiredTotal)
	return m
}

var _ conversation.Metrics = (*SchedulingMetrics)(nil)

func (m *SchedulingMetrics) ObserveIntake(coalesced bool) {
	if m == nil {
		return
	}
	label := "false"
	if coalesced {
		label = "true"
	}
	m.intakeTotal.WithLabelValues(label).Inc()
}

func (m *SchedulingMetrics) ObserveTransition(from, to conversation.State) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *SchedulingMetrics) ObserveOutbound(messageType audit.MessageType, success bool) {
	if m == nil {
		return
	}
	status := "failed"
	if success {
		status = "sent"
	}
	m.outboundTotal.WithLabelValues(string(messageType), status).Inc()
}

func (m *SchedulingMetrics) ObserveWebhookLatency(webhook string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(webhook).Observe(seconds)
}

func (m *SchedulingMetrics) ObserveStuckRetry() {
	if m == nil {
		return
	}
	m.stuckRetries.Inc()
}

func (m *SchedulingMetrics) ObserveExpired(count int) {
	if m == nil {
		return
	}
	m.expiredTotal.Add(float64(count))
}
