package telemetry

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// LogrusHook 将追踪上下文（trace_id、span_id）注入到带有 Context 的日志条目中。
//
// 使用示例：
//
//	logger := logrus.New()
//	logger.AddHook(telemetry.NewLogrusHook())
//	logger.WithContext(ctx).Info("exchange recorded")
type LogrusHook struct{}

// NewLogrusHook 创建一个新的 LogrusHook 实例
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 在所有日志级别触发
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 在日志条目的上下文包含有效 Span 时添加追踪字段
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}
	spanCtx := trace.SpanFromContext(entry.Context).SpanContext()
	if !spanCtx.IsValid() {
		return nil
	}

	entry.Data["trace_id"] = spanCtx.TraceID().String()
	entry.Data["span_id"] = spanCtx.SpanID().String()
	if spanCtx.IsSampled() {
		entry.Data["trace_sampled"] = true
	}
	return nil
}

// EntryWithTraceContext 向现有日志条目添加追踪上下文字段。
// 与 Hook 不同，它不依赖 entry.Context，适合在未挂载 Hook 的 logger 上使用。
func EntryWithTraceContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return entry
	}
	return entry.WithFields(logrus.Fields{
		"trace_id": spanCtx.TraceID().String(),
		"span_id":  spanCtx.SpanID().String(),
	})
}
