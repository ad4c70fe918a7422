package monitoring

import (
	"strconv"
	"time"

	"peerlink/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder.
type PrometheusCollector struct {
	heartbeatsTotal     *prometheus.CounterVec
	storeErrorsTotal    *prometheus.CounterVec
	pollsTotal          *prometheus.CounterVec
	stateTransitions    *prometheus.CounterVec
	negotiationsTotal   *prometheus.CounterVec
	negotiationDuration *prometheus.HistogramVec
	candidatesTotal     *prometheus.CounterVec
	rtcpFeedbackTotal   *prometheus.CounterVec

	// Relay side
	httpRequestsTotal *prometheus.CounterVec
	wsStreamsActive   prometheus.Gauge
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers every metric with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		heartbeatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_heartbeats_total",
			Help: "Presence heartbeats by result",
		}, []string{"result"}),

		storeErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_store_errors_total",
			Help: "Store operations that failed after retries",
		}, []string{"op"}),

		pollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_mailbox_polls_total",
			Help: "Mailbox polls by slot and whether the slot changed",
		}, []string{"slot", "changed"}),

		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_negotiation_transitions_total",
			Help: "Negotiation state transitions",
		}, []string{"role", "state"}),

		negotiationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_negotiations_total",
			Help: "Finished negotiation attempts by outcome",
		}, []string{"role", "outcome"}),

		negotiationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peerlink_negotiation_duration_seconds",
			Help:    "Lifetime of negotiation attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"role", "outcome"}),

		candidatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_remote_candidates_total",
			Help: "Remote candidates by disposition",
		}, []string{"role", "disposition"}),

		rtcpFeedbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_rtcp_feedback_total",
			Help: "RTCP feedback packets received",
		}, []string{"kind"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_relay_http_requests_total",
			Help: "Relay HTTP requests by route and status class",
		}, []string{"route", "status"}),

		wsStreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peerlink_relay_ws_streams_active",
			Help: "Open websocket slot streams",
		}),
	}
}

func (p *PrometheusCollector) HeartbeatSent(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	p.heartbeatsTotal.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) StoreError(op string) {
	p.storeErrorsTotal.WithLabelValues(op).Inc()
}

func (p *PrometheusCollector) PollCompleted(slot string, changed bool) {
	label := "false"
	if changed {
		label = "true"
	}
	p.pollsTotal.WithLabelValues(slot, label).Inc()
}

func (p *PrometheusCollector) StateTransition(role, state string) {
	p.stateTransitions.WithLabelValues(role, state).Inc()
}

func (p *PrometheusCollector) NegotiationFinished(role, outcome string, elapsed time.Duration) {
	p.negotiationsTotal.WithLabelValues(role, outcome).Inc()
	p.negotiationDuration.WithLabelValues(role, outcome).Observe(elapsed.Seconds())
}

func (p *PrometheusCollector) CandidateQueued(role string) {
	p.candidatesTotal.WithLabelValues(role, "queued").Inc()
}

func (p *PrometheusCollector) CandidateApplied(role string) {
	p.candidatesTotal.WithLabelValues(role, "applied").Inc()
}

func (p *PrometheusCollector) CandidateDuplicate(role string) {
	p.candidatesTotal.WithLabelValues(role, "duplicate").Inc()
}

func (p *PrometheusCollector) RTCPFeedback(kind string) {
	p.rtcpFeedbackTotal.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest counts one relay request. status is collapsed to its
// class (2xx, 4xx, ...).
func (p *PrometheusCollector) RecordHTTPRequest(route string, status int) {
	class := strconv.Itoa(status/100) + "xx"
	p.httpRequestsTotal.WithLabelValues(route, class).Inc()
}

func (p *PrometheusCollector) StreamOpened() { p.wsStreamsActive.Inc() }

func (p *PrometheusCollector) StreamClosed() { p.wsStreamsActive.Dec() }
