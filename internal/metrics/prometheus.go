// Package metrics exposes the gateway's Prometheus instrumentation. Init
// must run once at startup; the package-level record functions are no-ops
// until then so components never need a nil check.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	sendsTotal       *prometheus.CounterVec
	pacerRejections  *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	inboundTotal     *prometheus.CounterVec
	reconnectsTotal  *prometheus.CounterVec
	retryServedTotal *prometheus.CounterVec

	sendDuration     prometheus.Histogram
	deliveryDuration prometheus.Histogram

	activeRuntimes prometheus.Gauge
	readyRuntimes  prometheus.Gauge
	uptime         prometheus.GaugeFunc
}

// Default latency buckets in seconds.
var defaultBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30}

var instance *Metrics

// Init initializes the metrics subsystem.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	start := time.Now()
	m := &Metrics{
		registry: registry,

		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Total outbound message sends by result",
		}, []string{"result"}),

		pacerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pacer_rejections_total",
			Help:      "Send admissions rejected by the pacer, by kind",
		}, []string{"kind"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome",
		}, []string{"outcome"}),

		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound protocol messages by normalized type",
		}, []string{"type"}),

		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Runtime reconnect attempts by close cause",
		}, []string{"cause"}),

		retryServedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_frames_total",
			Help:      "Resend callback results",
		}, []string{"result"}),

		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Outbound send latency including pacing delay",
			Buckets:   defaultBuckets,
		}),

		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Webhook POST latency",
			Buckets:   defaultBuckets,
		}),

		activeRuntimes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runtimes",
			Help:      "Account runtimes currently managed",
		}),

		readyRuntimes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_runtimes",
			Help:      "Account runtimes in the ready state",
		}),

		uptime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime",
		}, func() float64 { return time.Since(start).Seconds() }),
	}

	registry.MustRegister(
		m.sendsTotal, m.pacerRejections, m.deliveriesTotal, m.inboundTotal,
		m.reconnectsTotal, m.retryServedTotal,
		m.sendDuration, m.deliveryDuration,
		m.activeRuntimes, m.readyRuntimes, m.uptime,
	)
	instance = m
}

// Handler returns the /metrics HTTP handler, or a 404 handler before Init.
func Handler() http.Handler {
	if instance == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(instance.registry, promhttp.HandlerOpts{})
}

func SendCompleted(result string) {
	if instance != nil {
		instance.sendsTotal.WithLabelValues(result).Inc()
	}
}

func PacerRejected(kind string) {
	if instance != nil {
		instance.pacerRejections.WithLabelValues(kind).Inc()
	}
}

func DeliveryCompleted(outcome string) {
	if instance != nil {
		instance.deliveriesTotal.WithLabelValues(outcome).Inc()
	}
}

func InboundMessage(msgType string) {
	if instance != nil {
		instance.inboundTotal.WithLabelValues(msgType).Inc()
	}
}

func ReconnectAttempt(cause string) {
	if instance != nil {
		instance.reconnectsTotal.WithLabelValues(cause).Inc()
	}
}

func RetryFrameServed(result string) {
	if instance != nil {
		instance.retryServedTotal.WithLabelValues(result).Inc()
	}
}

func SendDuration(d time.Duration) {
	if instance != nil {
		instance.sendDuration.Observe(d.Seconds())
	}
}

func DeliveryDuration(d time.Duration) {
	if instance != nil {
		instance.deliveryDuration.Observe(d.Seconds())
	}
}

func SetActiveRuntimes(n int) {
	if instance != nil {
		instance.activeRuntimes.Set(float64(n))
	}
}

func SetReadyRuntimes(n int) {
	if instance != nil {
		instance.readyRuntimes.Set(float64(n))
	}
}
