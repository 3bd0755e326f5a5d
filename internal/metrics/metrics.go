// ============================================================================
// docflow Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務管線的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter, 以 kind 分類)：
//      - docflow_tasks_submitted_total
//      - docflow_tasks_dequeued_total
//      - docflow_tasks_completed_total
//      - docflow_tasks_failed_total{kind, code}
//
//   2. 性能指標 (Histogram)：
//      - docflow_task_latency_seconds{kind}: processing -> terminal 的耗時
//
//   3. 狀態指標 (Gauge)：
//      - docflow_queue_depth{kind}: 佇列中等待的任務數
//      - docflow_workers_busy: 執行中的 worker 數
//
//   4. 快取 (Counter)：
//      - docflow_cache_requests_total{namespace, result=hit|miss}
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(docflow_tasks_failed_total[5m]) / rate(docflow_tasks_dequeued_total[5m])
//
//   # LLM 快取命中率
//   rate(docflow_cache_requests_total{namespace="llm",result="hit"}[5m])
//     / rate(docflow_cache_requests_total{namespace="llm"}[5m])
//
// 所有 Record 方法在 nil *Collector 上是 no-op，元件可以不帶 metrics 運作。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	tasksSubmitted *prometheus.CounterVec
	tasksDequeued  *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec

	// 效能指標
	taskLatency *prometheus.HistogramVec

	// 狀態指標
	queueDepth  *prometheus.GaugeVec
	workersBusy prometheus.Gauge

	// 快取指標
	cacheRequests *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_tasks_submitted_total",
			Help: "Total number of tasks accepted by the task manager",
		}, []string{"kind"}),
		tasksDequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_tasks_dequeued_total",
			Help: "Total number of tasks claimed by workers",
		}, []string{"kind"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}, []string{"kind"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_tasks_failed_total",
			Help: "Total number of tasks failed, by failure code",
		}, []string{"kind", "code"}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docflow_task_latency_seconds",
			Help:    "Task execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docflow_queue_depth",
			Help: "Current number of tasks waiting per queue",
		}, []string{"kind"}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docflow_workers_busy",
			Help: "Current number of workers executing a task",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_cache_requests_total",
			Help: "Cache lookups by namespace and result",
		}, []string{"namespace", "result"}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.tasksSubmitted)
	prometheus.MustRegister(c.tasksDequeued)
	prometheus.MustRegister(c.tasksCompleted)
	prometheus.MustRegister(c.tasksFailed)
	prometheus.MustRegister(c.taskLatency)
	prometheus.MustRegister(c.queueDepth)
	prometheus.MustRegister(c.workersBusy)
	prometheus.MustRegister(c.cacheRequests)

	return c
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted(kind string) {
	if c == nil {
		return
	}
	c.tasksSubmitted.WithLabelValues(kind).Inc()
}

// RecordDequeued 記錄任務被 worker 取走
func (c *Collector) RecordDequeued(kind string) {
	if c == nil {
		return
	}
	c.tasksDequeued.WithLabelValues(kind).Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(kind string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.tasksCompleted.WithLabelValues(kind).Inc()
	c.taskLatency.WithLabelValues(kind).Observe(latencySeconds)
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(kind, code string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.tasksFailed.WithLabelValues(kind, code).Inc()
	c.taskLatency.WithLabelValues(kind).Observe(latencySeconds)
}

// SetQueueDepth 更新佇列深度
func (c *Collector) SetQueueDepth(kind string, depth int64) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(kind).Set(float64(depth))
}

// WorkerBusy / WorkerIdle 追蹤執行中的 worker 數
func (c *Collector) WorkerBusy() {
	if c == nil {
		return
	}
	c.workersBusy.Inc()
}

func (c *Collector) WorkerIdle() {
	if c == nil {
		return
	}
	c.workersBusy.Dec()
}

// RecordCacheHit / RecordCacheMiss 記錄快取查詢結果
func (c *Collector) RecordCacheHit(namespace string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(namespace, "hit").Inc()
}

func (c *Collector) RecordCacheMiss(namespace string) {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues(namespace, "miss").Inc()
}

// Handler 返回 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
