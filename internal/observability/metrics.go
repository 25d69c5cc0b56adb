package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the real (non-nop) Prometheus registration read by the
// /metrics route via prometheus.DefaultGatherer: counters, histograms,
// and gauges covering HTTP traffic, ingestion, delivery outcomes, retry
// attempts, rate-limit rejections, and queue depth.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	NotificationsIngestedTotal *prometheus.CounterVec
	NotificationsSentTotal     *prometheus.CounterVec
	NotificationsFailedTotal   *prometheus.CounterVec
	RetryAttemptsTotal         *prometheus.CounterVec
	RateLimitRejectedTotal     *prometheus.CounterVec
	QueueDepth                 prometheus.Gauge
	ProviderSendLatency        prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests handled by the ingestion surface.",
		}, []string{"method", "path", "status", "tenant"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		NotificationsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_ingested_total",
			Help: "Notifications accepted at ingestion.",
		}, []string{"tenant", "priority"}),
		NotificationsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Notifications successfully sent to the provider.",
		}, []string{"tenant"}),
		NotificationsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Notifications that reached a terminal failed state.",
		}, []string{"tenant", "reason"}),
		RetryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Retry attempts scheduled by the processor.",
		}, []string{"tenant"}),
		RateLimitRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_rejected_total",
			Help: "Admission requests rejected by the rate limiter.",
		}, []string{"stage"}), // stage = ingestion | processing
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Approximate number of in-flight items the worker pool is tracking.",
		}),
		ProviderSendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "provider_send_latency_seconds",
			Help:    "Latency of outbound calls to the messaging API.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.NotificationsIngestedTotal,
		m.NotificationsSentTotal,
		m.NotificationsFailedTotal,
		m.RetryAttemptsTotal,
		m.RateLimitRejectedTotal,
		m.QueueDepth,
		m.ProviderSendLatency,
	)

	return m
}
