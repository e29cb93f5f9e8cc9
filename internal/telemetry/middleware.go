package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware 返回为入站请求创建服务端 Span 的中间件。
// 管理 API 与拦截监听器各自使用不同的 serviceName，便于在追踪后端区分。
//
// 使用示例：
//
//	r := chi.NewRouter()
//	r.Use(telemetry.HTTPMiddleware("interceptor-admin"))
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
			otelhttp.WithSpanOptions(
				trace.WithAttributes(attribute.String("service.name", serviceName)),
			),
			// Span 名称格式：HTTP方法 + 路径（如 "POST /inject"）
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}

// HTTPClientTransport 返回带追踪功能的 http.RoundTripper，
// 为出站请求创建客户端 Span 并把追踪上下文注入请求头。
// base 为 nil 时使用 http.DefaultTransport。
func HTTPClientTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}

// InstrumentedHTTPClient 返回使用追踪传输层、带超时的 HTTP 客户端
func InstrumentedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: HTTPClientTransport(nil),
		Timeout:   timeout,
	}
}
