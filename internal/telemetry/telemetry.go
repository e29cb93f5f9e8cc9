// Package telemetry 提供 OpenTelemetry 分布式追踪功能的封装。
// 网关的管理 API、拦截流水线、转发器和沙箱执行器都通过该包创建 Span，
// 追踪数据经 OTLP gRPC 导出到兼容后端（如 Tempo、Jaeger 等）。
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// tracerName 是网关内部 Span 使用的追踪器名称
const tracerName = "github.com/oriys/interceptor"

// Config 定义遥测配置结构体。
type Config struct {
	// Enabled 控制是否启用遥测功能，设为 false 时使用全局空操作追踪器
	Enabled bool
	// Endpoint 指定 OTLP 接收器的 gRPC 端点地址，例如 "tempo:4317"
	Endpoint string
	// ServiceName 标识当前服务的名称
	ServiceName string
	// SampleRate 采样率，取值范围 0.0 到 1.0
	SampleRate float64
	// Environment 标识当前运行环境
	Environment string
}

// Telemetry 持有追踪提供者，负责追踪数据的生命周期。
type Telemetry struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
}

// New 根据给定配置创建 Telemetry 实例。
// 启用时建立到 OTLP 接收器的 gRPC 连接，并设置全局追踪提供者和 W3C 传播器。
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{config: cfg}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "interceptor-gateway"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 0.1
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "tempo:4317"
	}

	// 限制 gRPC 连接建立时间为 10 秒
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		// 基于 TraceID 的比率采样，同一追踪的所有 Span 采样决策一致
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{config: cfg, tracerProvider: tp}, nil
}

// Shutdown 刷新待发送的追踪数据并释放资源
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// IsEnabled 返回遥测功能是否已启用
func (t *Telemetry) IsEnabled() bool {
	return t.config.Enabled
}

// TraceIDFromContext 从上下文中提取 Trace ID，上下文无效时返回空字符串
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// StartSpan 创建一个新 Span，自动成为上下文中当前 Span 的子 Span。
// 使用完毕后需调用 End()。
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// AddSpanAttributes 向当前 Span 添加属性
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// RecordError 在当前 Span 上记录错误并把状态置为 Error
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
