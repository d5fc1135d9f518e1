package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "pegbridge"

var (
	RateLimitBlockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit blocks.",
		},
		[]string{"service", "route", "reason"},
	)

	CBRejectTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_reject_total",
			Help:      "Total number of circuit breaker rejections.",
		},
		[]string{"service", "resource", "reason"},
	)

	CBState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0/1).",
		},
		[]string{"service", "resource", "state"}, // state: closed/open/half-open
	)

	// 订单阶段流转
	StageTransitionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_stage_transition_total",
			Help:      "Order status transitions by stage and resulting status.",
		},
		[]string{"order_type", "stage", "status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Order job processing latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 18), // 50ms ~ 3.6h
		},
		[]string{"job", "result"},
	)

	ChainRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_rpc_duration_seconds",
			Help:      "Chain adapter call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"chain", "method", "result"},
	)

	WatcherResultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_result_total",
			Help:      "Chain watcher outcomes per strategy.",
		},
		[]string{"chain", "strategy", "result"},
	)

	QueueJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Queue job lifecycle events.",
		},
		[]string{"queue", "event"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		RateLimitBlockTotal, CBRejectTotal, CBState,
		StageTransitionTotal, JobDuration, ChainRPCDuration, WatcherResultTotal, QueueJobsTotal,
	)
}
