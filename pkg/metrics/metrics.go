package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "status"},
	)

	// LLM 调用延迟（毫秒）
	LLMCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_latency_ms",
			Help:    "LLM call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"operation", "status"},
	)

	// 邮件服务商 API 调用延迟（毫秒）
	ProviderCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_latency_ms",
			Help:    "Mail provider API call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		},
		[]string{"provider", "operation", "status"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of slow database queries",
		},
		[]string{"sql"},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow database queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
	)

	// 规则选择结果
	RuleSelectionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_selection_count",
			Help: "Rule selection outcomes",
		},
		[]string{"outcome"}, // matched, no_match, needs_info, invalid
	)

	// 动作执行结果
	ActionExecutedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "action_executed_count",
			Help: "Executed actions by type and status",
		},
		[]string{"type", "status"},
	)

	// webhook 事件处理结果
	WebhookEventCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_event_count",
			Help: "Webhook events by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// 延迟动作状态流转
	ScheduledActionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_action_count",
			Help: "Scheduled action transitions",
		},
		[]string{"status"},
	)

	// 熔断器状态变更
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, status string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, status).Observe(float64(duration.Milliseconds()))
}

// RecordLLMCallLatency 记录 LLM 调用延迟
func RecordLLMCallLatency(operation, status string, duration time.Duration) {
	LLMCallLatency.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

// RecordProviderCall 记录邮件服务商调用延迟
func RecordProviderCall(provider, operation, status string, duration time.Duration) {
	ProviderCallLatency.WithLabelValues(provider, operation, status).Observe(float64(duration.Milliseconds()))
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录一次慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

func IncrementRuleSelection(outcome string) {
	RuleSelectionCount.WithLabelValues(outcome).Inc()
}

func IncrementActionExecuted(actionType, status string) {
	ActionExecutedCount.WithLabelValues(actionType, status).Inc()
}

func IncrementWebhookEvent(provider, outcome string) {
	WebhookEventCount.WithLabelValues(provider, outcome).Inc()
}

func IncrementScheduledAction(status string) {
	ScheduledActionCount.WithLabelValues(status).Inc()
}

func IncrementCircuitBreakerTransition(name, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, to).Inc()
}
