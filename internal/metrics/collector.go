// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义网关关键指标（流量交换、转发、记录、脚本执行、数据保留），便于在各模块复用并保持标签一致。
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装网关运行时指标集合。
// 所有字段均为 Prometheus 指标类型，通过辅助方法更新指标值。
// 辅助方法允许 nil 接收者，未启用指标时调用方无需判空。
//
// 指标分类:
//   - 流量指标: 跟踪拦截交换的数量、耗时、转发错误与记录失败
//   - 脚本指标: 跟踪脚本数量、执行次数、耗时与并发
//   - 保留指标: 统计定时清理删除的记录数
type Metrics struct {
	// ========== 流量相关指标 ==========

	// ExchangesTotal 完成的交换总次数
	// 标签: origin (forwarded/injected), status_class (2xx/4xx/...)
	ExchangesTotal *prometheus.CounterVec

	// ExchangeDuration 交换耗时直方图（单位：毫秒）
	// 标签: origin
	// 桶边界: 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000 ms
	ExchangeDuration *prometheus.HistogramVec

	// ForwardErrors 转发失败计数器
	// 标签: kind (timeout/network)
	ForwardErrors *prometheus.CounterVec

	// RecordFailures 流量记录持久化失败次数
	RecordFailures prometheus.Counter

	// TrafficRecords 当前存储中的流量记录数
	TrafficRecords prometheus.Gauge

	// ========== 脚本相关指标 ==========

	// ScriptsTotal 注册的脚本总数
	ScriptsTotal prometheus.Gauge

	// ExecutionsTotal 脚本执行次数
	// 标签: runtime, state (succeeded/timed_out/faulted)
	ExecutionsTotal *prometheus.CounterVec

	// ExecutionDuration 脚本执行耗时直方图（单位：毫秒）
	// 标签: runtime
	ExecutionDuration *prometheus.HistogramVec

	// ExecutionsInFlight 正在运行的脚本数量
	ExecutionsInFlight prometheus.Gauge

	// ========== 保留相关指标 ==========

	// RetentionPurged 定时清理删除的记录总数
	RetentionPurged prometheus.Counter
}

// NewMetrics 创建并在默认注册表中注册一组 Prometheus 指标。
// namespace 用于作为所有指标名前缀，便于在同一 Prometheus 中区分不同应用。
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry 在指定注册表中注册指标，测试中使用独立注册表避免重复注册
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExchangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Total number of completed intercepted exchanges",
			},
			[]string{"origin", "status_class"},
		),
		ExchangeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exchange_duration_ms",
				Help:      "Exchange pipeline duration in milliseconds",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"origin"},
		),
		ForwardErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forward_errors_total",
				Help:      "Total number of forwarding failures",
			},
			[]string{"kind"},
		),
		RecordFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "record_failures_total",
				Help:      "Total number of traffic records that failed to persist",
			},
		),
		TrafficRecords: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "traffic_records",
				Help:      "Number of stored traffic records",
			},
		),
		ScriptsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scripts_total",
				Help:      "Number of registered scripts",
			},
		),
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of script executions",
			},
			[]string{"runtime", "state"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_ms",
				Help:      "Script execution duration in milliseconds",
				Buckets:   []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"runtime"},
		),
		ExecutionsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_in_flight",
				Help:      "Number of scripts currently executing",
			},
		),
		RetentionPurged: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_purged_total",
				Help:      "Total number of traffic records removed by retention",
			},
		),
	}
}

// RecordExchange 记录一次完成的交换
func (m *Metrics) RecordExchange(origin string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.ExchangesTotal.WithLabelValues(origin, statusClass(statusCode)).Inc()
	m.ExchangeDuration.WithLabelValues(origin).Observe(durationMs)
}

// RecordForwardError 记录一次转发失败
func (m *Metrics) RecordForwardError(timeout bool) {
	if m == nil {
		return
	}
	kind := "network"
	if timeout {
		kind = "timeout"
	}
	m.ForwardErrors.WithLabelValues(kind).Inc()
}

// RecordPersistFailure 记录一次流量持久化失败
func (m *Metrics) RecordPersistFailure() {
	if m == nil {
		return
	}
	m.RecordFailures.Inc()
}

// SetTrafficRecords 更新存储中的记录数
func (m *Metrics) SetTrafficRecords(n int64) {
	if m == nil {
		return
	}
	m.TrafficRecords.Set(float64(n))
}

// SetScripts 更新脚本总数
func (m *Metrics) SetScripts(n int) {
	if m == nil {
		return
	}
	m.ScriptsTotal.Set(float64(n))
}

// ExecutionStarted 增加运行中的执行数
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ExecutionsInFlight.Inc()
}

// RecordExecution 记录一次执行结束
func (m *Metrics) RecordExecution(runtime, state string, durationMs float64) {
	if m == nil {
		return
	}
	m.ExecutionsInFlight.Dec()
	m.ExecutionsTotal.WithLabelValues(runtime, state).Inc()
	m.ExecutionDuration.WithLabelValues(runtime).Observe(durationMs)
}

// RecordRetentionPurge 记录定时清理删除的数量
func (m *Metrics) RecordRetentionPurge(n int64) {
	if m == nil {
		return
	}
	m.RetentionPurged.Add(float64(n))
}

// statusClass 将状态码归类为 "2xx" 这类标签值
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
