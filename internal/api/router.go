package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/interceptor/internal/auth"
	"github.com/oriys/interceptor/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// requestTimeout 需要覆盖最长执行预算
const requestTimeout = 90 * time.Second

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler API处理器
	Handler *Handler
	// AuthHandler 认证处理器（可选）
	AuthHandler *AuthHandler
	// Auth 认证闸门（可选，为 nil 时不做认证）
	Auth *auth.Middleware
	// MetricsHandler 指标端点处理器（可选，默认使用 promhttp.Handler）
	MetricsHandler http.Handler
	// ServiceName 用于追踪的服务名
	ServiceName string
	// Logger 日志记录器
	Logger *logrus.Logger
}

// NewRouter 创建并配置HTTP路由器。
//
// 路由结构：
//
//	/health              - 基本健康检查
//	/health/ready        - 就绪探针
//	/health/live         - 存活探针
//	/metrics             - Prometheus指标端点
//	/config              - 代理配置（认证）
//	/traffic             - 流量记录查询与清理（认证）
//	/traffic/stream      - 流量实时推送 websocket（认证）
//	/modify/*            - 请求/响应修改（认证）
//	/inject              - 响应注入（认证）
//	/scripts             - 脚本管理与执行（认证）
//	/auth/*              - 令牌签发（认证）
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "interceptor-gateway"
	}

	r := chi.NewRouter()

	// 遥测中间件：记录HTTP请求的追踪信息
	r.Use(telemetry.HTTPMiddleware(serviceName))
	// RequestID中间件：为每个请求生成唯一ID，便于日志追踪
	r.Use(middleware.RequestID)
	// RealIP中间件：从X-Forwarded-For等头部获取真实客户端IP
	r.Use(middleware.RealIP)
	// 请求日志写入 logrus
	if cfg.Logger != nil {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: cfg.Logger, NoColor: true}))
	}
	// Recoverer中间件：捕获panic并返回500错误
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/live", h.Live)

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	r.Group(func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(cfg.Auth.Authenticate)
		}

		// websocket 连接是长连接，不受请求超时约束
		r.Get("/traffic/stream", h.StreamTraffic)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/config", h.GetConfig)
			r.Put("/config", h.UpdateConfig)

			r.Get("/traffic", h.ListTraffic)
			r.Delete("/traffic", h.PurgeTraffic)

			r.Post("/modify/request", h.ModifyRequest)
			r.Post("/modify/response", h.ModifyResponse)
			r.Post("/inject", h.Inject)

			r.Get("/stats", h.Stats)

			r.Route("/scripts", func(r chi.Router) {
				r.Post("/", h.CreateScript)
				r.Get("/", h.ListScripts)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.GetScript)
					r.Put("/", h.UpdateScript)
					r.Delete("/", h.DeleteScript)
					r.Post("/execute", h.ExecuteScript)
				})
			})

			if cfg.AuthHandler != nil {
				r.Post("/auth/token", cfg.AuthHandler.IssueToken)
				r.Get("/auth/whoami", cfg.AuthHandler.WhoAmI)
			}
		})
	})

	return r
}

// corsMiddleware 处理跨域请求，预检请求直接返回
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
