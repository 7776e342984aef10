package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "email_delivery_submitted_total",
		Help: "Total number of emails accepted for delivery",
	})
	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "email_delivery_rate_limited_total",
		Help: "Total number of submissions denied by the rate limiter",
	})
	AttemptsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "email_delivery_attempts_total",
		Help: "Total number of send attempts started",
	})
	Delivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "email_delivery_delivered_total",
		Help: "Total number of emails delivered successfully",
	})
	AttemptsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "email_delivery_attempt_failures_total",
		Help: "Total number of send attempts that failed",
	})
	DeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "email_delivery_dead_lettered_total",
		Help: "Total number of emails routed to the dead letter queue",
	})
	OrphansRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "email_delivery_orphans_recovered_total",
		Help: "Total number of orphaned queued emails re-enqueued by the sweep",
	})
	StuckRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "email_delivery_stuck_recovered_total",
		Help: "Total number of stuck in-flight emails recovered by the sweep",
	})
	SendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "email_delivery_send_duration_seconds",
		Help:    "Duration of SMTP send attempts",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "email_delivery_queue_depth",
		Help: "Number of entries waiting in the delivery queue",
	})
)

func init() {
	prometheus.MustRegister(
		EmailsSubmitted,
		RateLimited,
		AttemptsStarted,
		Delivered,
		AttemptsFailed,
		DeadLettered,
		OrphansRecovered,
		StuckRecovered,
		SendDuration,
		QueueDepth,
	)
}
