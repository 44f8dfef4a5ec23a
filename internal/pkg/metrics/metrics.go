package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal 按路由与状态码统计请求数。
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codeverse_http_requests_total",
		Help: "Total HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration 请求耗时分布。
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codeverse_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// IdentityOperationsTotal 身份操作结果（kind 为空表示成功）。
	IdentityOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codeverse_identity_operations_total",
		Help: "Identity operations by operation and outcome kind.",
	}, []string{"operation", "outcome"})

	// NotificationsTotal 验证码投递结果。
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codeverse_notifications_total",
		Help: "Verification code deliveries by channel and outcome.",
	}, []string{"channel", "outcome"})

	// RateLimitRejectedTotal 被限流拒绝的请求数。
	RateLimitRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codeverse_ratelimit_rejected_total",
		Help: "Requests rejected by the rate limiter by scope.",
	}, []string{"scope"})

	// RateLimitWaitDuration 阻塞等待令牌的耗时。
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "codeverse_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a rate limiter token.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "codeverse_ratelimit_timeout_total",
		Help: "Rate limiter waits that ended because the context was done.",
	})

	// MailQueueAutoClaimTotal 被重新认领的邮件消息数。
	MailQueueAutoClaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "codeverse_mailqueue_autoclaim_total",
		Help: "Mail stream messages reclaimed from idle consumers.",
	})

	// MailQueueDLQTotal 进入死信队列的邮件消息数。
	MailQueueDLQTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "codeverse_mailqueue_dlq_total",
		Help: "Mail stream messages moved to the dead letter stream.",
	})

	// WorkerPoolSize 通知 worker 数量。
	WorkerPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codeverse_worker_pool_size",
		Help: "Configured notification worker pool size.",
	})

	// QueueDepth 通知队列中等待的任务数。
	QueueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "codeverse_notify_queue_depth",
		Help: "Jobs waiting in the notification queue.",
	}, func() float64 {
		depthMu.RLock()
		defer depthMu.RUnlock()
		if depthFn == nil {
			return 0
		}
		return float64(depthFn())
	})

	// MailStreamLength 验证邮件 Stream 中的消息数。
	MailStreamLength = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "codeverse_mail_stream_length",
		Help: "Messages in the verification mail stream.",
	}, func() float64 {
		depthMu.RLock()
		defer depthMu.RUnlock()
		if streamFn == nil {
			return 0
		}
		return float64(streamFn())
	})
)

var (
	initOnce sync.Once
	depthMu  sync.RWMutex
	depthFn  func() int
	streamFn func() int
)

// InitMetrics 注册所有指标（只执行一次）。
func InitMetrics(workers int) {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			IdentityOperationsTotal,
			NotificationsTotal,
			RateLimitRejectedTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			MailQueueAutoClaimTotal,
			MailQueueDLQTotal,
			WorkerPoolSize,
			QueueDepth,
			MailStreamLength,
		)
	})
	WorkerPoolSize.Set(float64(workers))
}

// ObserveQueueDepth 设置队列深度的取值函数。
func ObserveQueueDepth(fn func() int) {
	depthMu.Lock()
	defer depthMu.Unlock()
	depthFn = fn
}

// ObserveMailStream 设置验证邮件 Stream 长度的取值函数。
func ObserveMailStream(fn func() int) {
	depthMu.Lock()
	defer depthMu.Unlock()
	streamFn = fn
}
