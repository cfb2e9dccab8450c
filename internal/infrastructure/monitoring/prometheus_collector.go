package monitoring

import (
	"strconv"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the client transport metrics and the
// development backend metrics. Collectors are registered on the registerer
// passed to NewPrometheusCollector so tests can use a private registry.
type PrometheusCollector struct {
	// Channel
	connectsTotal      *prometheus.CounterVec
	connectDuration    prometheus.Histogram
	reconnectAttempts  *prometheus.CounterVec
	fatalErrorsTotal   *prometheus.CounterVec
	queueEvictions     prometheus.Counter
	queueDepth         prometheus.Gauge
	framesTotal        *prometheus.CounterVec
	batchFlushSize     prometheus.Histogram
	heartbeatsTotal    *prometheus.CounterVec
	pollDuration       *prometheus.HistogramVec
	teardownsTotal     *prometheus.CounterVec
	sessionOpsTotal    *prometheus.CounterVec
	liveSessions       prometheus.Gauge
	channelConnections prometheus.Gauge
}

var (
	_ ports.TransportMetrics = (*PrometheusCollector)(nil)
	_ ports.BackendMetrics   = (*PrometheusCollector)(nil)
)

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_channel_connects_total",
			Help: "Channel connection attempts by outcome",
		}, []string{"outcome"}),

		connectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livesync_channel_connect_duration_seconds",
			Help:    "Duration of channel handshakes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),

		reconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_channel_reconnect_attempts_total",
			Help: "Reconnect attempts by attempt number",
		}, []string{"attempt"}),

		fatalErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_channel_fatal_errors_total",
			Help: "Fatal channel errors by code",
		}, []string{"code"}),

		queueEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "livesync_outbound_queue_evictions_total",
			Help: "Outbound messages dropped because the queue was full",
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livesync_outbound_queue_depth",
			Help: "Messages waiting in the outbound queue",
		}),

		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_inbound_frames_total",
			Help: "Inbound channel frames by type",
		}, []string{"type"}),

		batchFlushSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "livesync_batch_flush_size",
			Help:    "Events delivered per batch flush",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		}),

		heartbeatsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_heartbeats_total",
			Help: "Liveness heartbeats by outcome",
		}, []string{"outcome"}),

		pollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livesync_poll_duration_seconds",
			Help:    "Duration of fallback poll ticks",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"outcome"}),

		teardownsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_session_teardowns_total",
			Help: "Session teardowns by winning trigger",
		}, []string{"trigger"}),

		sessionOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livesync_backend_session_ops_total",
			Help: "Backend session operations by outcome",
		}, []string{"op", "outcome"}),

		liveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livesync_backend_live_sessions",
			Help: "Sessions currently live on the backend",
		}),

		channelConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livesync_backend_channel_connections",
			Help: "Open channel connections on the backend",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (p *PrometheusCollector) RecordConnect(success bool, duration time.Duration) {
	if success {
		p.connectsTotal.WithLabelValues("ok").Inc()
		p.connectDuration.Observe(duration.Seconds())
		return
	}
	p.connectsTotal.WithLabelValues("error").Inc()
}

func (p *PrometheusCollector) RecordReconnectAttempt(attempt int) {
	p.reconnectAttempts.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

func (p *PrometheusCollector) RecordFatal(code string) {
	p.fatalErrorsTotal.WithLabelValues(code).Inc()
}

func (p *PrometheusCollector) RecordQueueEviction() {
	p.queueEvictions.Inc()
}

func (p *PrometheusCollector) SetQueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

func (p *PrometheusCollector) RecordFrame(eventType domain.EventType) {
	p.framesTotal.WithLabelValues(string(eventType)).Inc()
}

func (p *PrometheusCollector) RecordBatchFlush(size int) {
	p.batchFlushSize.Observe(float64(size))
}

func (p *PrometheusCollector) RecordHeartbeat(outcome string) {
	p.heartbeatsTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) RecordPoll(duration time.Duration, err error) {
	p.pollDuration.WithLabelValues(outcome(err)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordTeardown(trigger string) {
	p.teardownsTotal.WithLabelValues(trigger).Inc()
}

func (p *PrometheusCollector) RecordSessionOp(op string, err error) {
	p.sessionOpsTotal.WithLabelValues(op, outcome(err)).Inc()
}

func (p *PrometheusCollector) SetLiveSessions(n int) {
	p.liveSessions.Set(float64(n))
}

func (p *PrometheusCollector) SetChannelConnections(n int) {
	p.channelConnections.Set(float64(n))
}
