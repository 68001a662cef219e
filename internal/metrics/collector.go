// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 交接指标
	handoffsTotal     *prometheus.CounterVec
	handoffAckLatency *prometheus.HistogramVec
	handoffRetries    *prometheus.CounterVec

	// 上下文存储指标
	contextVersions *prometheus.CounterVec
	contextMerges   *prometheus.CounterVec
	pendingWrites   *prometheus.GaugeVec

	// 冲突指标
	conflictsDetected *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec

	// 决策指标
	decisionsTotal *prometheus.CounterVec
	votesTotal     *prometheus.CounterVec

	// 工具仲裁指标
	toolGrants     *prometheus.CounterVec
	toolReleases   *prometheus.CounterVec
	toolQueueDepth *prometheus.GaugeVec
	toolWait       *prometheus.HistogramVec
	deadlocks      *prometheus.CounterVec

	// 通用状态转换
	stateTransitions *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 交接指标
	c.handoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of handoffs by type and terminal status",
		},
		[]string{"type", "status"},
	)

	c.handoffAckLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_ack_latency_seconds",
			Help:      "Latency between handoff transmission and acknowledgment",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"target"},
	)

	c.handoffRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_retries_total",
			Help:      "Total number of handoff transmission retries",
		},
		[]string{"target"},
	)

	// 上下文存储指标
	c.contextVersions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_versions_total",
			Help:      "Total number of context versions created",
		},
		[]string{"context_id", "kind"}, // kind: write, merge, resolution
	)

	c.contextMerges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_merges_total",
			Help:      "Total number of automatic three-way merges",
		},
		[]string{"context_id"},
	)

	c.pendingWrites = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_pending_writes",
			Help:      "Writes held pending conflict resolution",
		},
		[]string{"context_id"},
	)

	// 冲突指标
	c.conflictsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Total number of detected conflicts",
		},
		[]string{"category", "severity"},
	)

	c.conflictsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Total number of resolved conflicts by strategy and outcome",
		},
		[]string{"category", "strategy", "status"},
	)

	// 决策指标
	c.decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total number of decided collaborative decisions",
		},
		[]string{"type", "method"},
	)

	c.votesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_votes_total",
			Help:      "Total number of votes cast",
		},
		[]string{"type"},
	)

	// 工具仲裁指标
	c.toolGrants = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_grants_total",
			Help:      "Total number of tool lock grants",
		},
		[]string{"tool_id", "mode"}, // mode: immediate, queued
	)

	c.toolReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_releases_total",
			Help:      "Total number of tool lock releases",
		},
		[]string{"tool_id", "reason"}, // reason: released, expired, aborted
	)

	c.toolQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tool_queue_depth",
			Help:      "Number of requests waiting for a tool",
		},
		[]string{"tool_id"},
	)

	c.toolWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_wait_seconds",
			Help:      "Time a request waited in queue before grant",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
		[]string{"tool_id"},
	)

	c.deadlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_deadlocks_total",
			Help:      "Total number of detected wait-for cycles",
		},
		[]string{},
	)

	c.stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of state transitions reported to the monitoring sink",
		},
		[]string{"component", "event_type"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🤝 交接指标记录
// =============================================================================

// RecordHandoff 记录交接终态
func (c *Collector) RecordHandoff(handoffType, status string) {
	c.handoffsTotal.WithLabelValues(handoffType, status).Inc()
}

// RecordHandoffAck 记录确认延迟
func (c *Collector) RecordHandoffAck(target string, latency time.Duration) {
	c.handoffAckLatency.WithLabelValues(target).Observe(latency.Seconds())
}

// RecordHandoffRetry 记录一次重试
func (c *Collector) RecordHandoffRetry(target string) {
	c.handoffRetries.WithLabelValues(target).Inc()
}

// =============================================================================
// 🗂️ 上下文存储指标记录
// =============================================================================

// RecordContextVersion 记录新版本
func (c *Collector) RecordContextVersion(contextID, kind string) {
	c.contextVersions.WithLabelValues(contextID, kind).Inc()
	if kind == "merge" {
		c.contextMerges.WithLabelValues(contextID).Inc()
	}
}

// SetPendingWrites 设置挂起写入数
func (c *Collector) SetPendingWrites(contextID string, n int) {
	c.pendingWrites.WithLabelValues(contextID).Set(float64(n))
}

// =============================================================================
// ⚔️ 冲突与决策指标记录
// =============================================================================

// RecordConflictDetected 记录检测到的冲突
func (c *Collector) RecordConflictDetected(category, severity string) {
	c.conflictsDetected.WithLabelValues(category, severity).Inc()
}

// RecordConflictResolved 记录冲突处理结果
func (c *Collector) RecordConflictResolved(category, strategy, status string) {
	c.conflictsResolved.WithLabelValues(category, strategy, status).Inc()
}

// RecordDecision 记录决策结果
func (c *Collector) RecordDecision(decisionType, method string) {
	c.decisionsTotal.WithLabelValues(decisionType, method).Inc()
}

// RecordVote 记录投票
func (c *Collector) RecordVote(decisionType string) {
	c.votesTotal.WithLabelValues(decisionType).Inc()
}

// =============================================================================
// 🔧 工具仲裁指标记录
// =============================================================================

// RecordToolGrant 记录授予
func (c *Collector) RecordToolGrant(toolID, mode string, waited time.Duration) {
	c.toolGrants.WithLabelValues(toolID, mode).Inc()
	if mode == "queued" {
		c.toolWait.WithLabelValues(toolID).Observe(waited.Seconds())
	}
}

// RecordToolRelease 记录释放
func (c *Collector) RecordToolRelease(toolID, reason string) {
	c.toolReleases.WithLabelValues(toolID, reason).Inc()
}

// SetToolQueueDepth 设置排队深度
func (c *Collector) SetToolQueueDepth(toolID string, depth int) {
	c.toolQueueDepth.WithLabelValues(toolID).Set(float64(depth))
}

// RecordDeadlock 记录死锁
func (c *Collector) RecordDeadlock() {
	c.deadlocks.WithLabelValues().Inc()
}

// RecordTransition 记录任意组件的状态转换
func (c *Collector) RecordTransition(component, eventType string) {
	c.stateTransitions.WithLabelValues(component, eventType).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// TransitionsVec exposes the state transition counter for scraping in tests.
func (c *Collector) TransitionsVec() *prometheus.CounterVec {
	return c.stateTransitions
}
