package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors. It implements messaging.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent          *prometheus.CounterVec
	denormalizationFailed prometheus.Counter
	unreadFanoutFailed    prometheus.Counter
	activeSubscriptions   *prometheus.GaugeVec
	httpRequests          *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_messages_sent_total",
			Help: "Messages accepted by the messaging service.",
		}, []string{"mode"}),
		denormalizationFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_denormalization_failures_total",
			Help: "Conversation summary writes that failed after a message was stored.",
		}),
		unreadFanoutFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_unread_fanout_failures_total",
			Help: "Per-participant unread counter increments that failed.",
		}),
		activeSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "huddle_active_subscriptions",
			Help: "Live messaging subscriptions by kind.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "huddle_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.messagesSent,
		m.denormalizationFailed,
		m.unreadFanoutFailed,
		m.activeSubscriptions,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) MessageSent(mode string)        { m.messagesSent.WithLabelValues(mode).Inc() }
func (m *Metrics) DenormalizationFailed()         { m.denormalizationFailed.Inc() }
func (m *Metrics) UnreadFanoutFailed(n int)       { m.unreadFanoutFailed.Add(float64(n)) }
func (m *Metrics) SubscriptionOpened(kind string) { m.activeSubscriptions.WithLabelValues(kind).Inc() }
func (m *Metrics) SubscriptionClosed(kind string) { m.activeSubscriptions.WithLabelValues(kind).Dec() }

func (m *Metrics) observeRequest(method, route string, status int, took time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(took.Seconds())
}

// Registry exposes the collectors, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Status(http.StatusMethodNotAllowed)
			return
		}
		h.ServeHTTP(c.Writer, c.Request)
	}
}
