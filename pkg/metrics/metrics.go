package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 同步运行次数（按结果）
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of finished sync runs",
		},
		[]string{"outcome", "direction"}, // outcome: succeeded, partial, failed, cancelled
	)

	// 同步运行耗时（秒）
	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
		[]string{"direction"},
	)

	// 同步条目计数
	SyncItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_items_total",
			Help: "Total number of work items handled by sync runs",
		},
		[]string{"result"}, // result: processed, error
	)

	// 冲突检测计数
	ConflictsDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_conflicts_detected_total",
			Help: "Total number of persisted sync conflicts",
		},
		[]string{"type"},
	)

	// Outbox 投递计数
	OutboxEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_total",
			Help: "Outbox events handled by the dispatcher",
		},
		[]string{"event_type", "status"}, // status: processed, failed, skipped
	)

	OutboxPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_events_purged_total",
			Help: "Processed outbox events removed after the retention window",
		},
	)

	// 远程系统调用延迟（毫秒）
	TrackerCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracker_call_latency_ms",
			Help:    "Remote tracker call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~20s
		},
		[]string{"tracker", "operation", "status"},
	)

	// 熔断器状态：0 closed, 1 open, 2 half-open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	// 慢查询计数
	SlowQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Number of queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// MQ 转入死信的消息数
	MQDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_dead_lettered_total",
			Help: "Messages moved to the dead letter exchange after too many failed deliveries",
		},
		[]string{"routing_key", "queue"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordSyncRun 记录一次结束的同步运行
func RecordSyncRun(outcome, direction string, duration time.Duration) {
	SyncRunsTotal.WithLabelValues(outcome, direction).Inc()
	SyncRunDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// AddSyncItems 增加同步条目计数
func AddSyncItems(result string, n int) {
	if n <= 0 {
		return
	}
	SyncItemsTotal.WithLabelValues(result).Add(float64(n))
}

// IncrementConflict 增加冲突计数
func IncrementConflict(conflictType string) {
	ConflictsDetectedTotal.WithLabelValues(conflictType).Inc()
}

// IncrementOutboxEvent 增加 outbox 投递计数
func IncrementOutboxEvent(eventType, status string) {
	OutboxEventsTotal.WithLabelValues(eventType, status).Inc()
}

// AddOutboxPurged 记录清理数量
func AddOutboxPurged(n int64) {
	OutboxPurgedTotal.Add(float64(n))
}

// RecordTrackerCall 记录远程调用延迟
func RecordTrackerCall(tracker, operation, status string, duration time.Duration) {
	TrackerCallLatency.WithLabelValues(tracker, operation, status).Observe(float64(duration.Milliseconds()))
}

// SetCircuitBreakerState 更新熔断器状态
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// IncrementSlowQuery 记录慢查询，标签只取语句的第一个关键字，避免高基数
func IncrementSlowQuery(sql string, duration time.Duration) {
	statement := "unknown"
	if fields := strings.Fields(sql); len(fields) > 0 {
		statement = strings.ToUpper(fields[0])
	}
	SlowQueryTotal.WithLabelValues(statement).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

func IncrementMQDeadLettered(routingKey, queue string) {
	MQDeadLettered.WithLabelValues(routingKey, queue).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
