// Package main 是拦截网关服务的入口点。
// 网关同时运行两个监听器：管理 API（配置、流量、脚本）和拦截端口（修改-转发-记录流水线）。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/interceptor/internal/api"
	"github.com/oriys/interceptor/internal/auth"
	"github.com/oriys/interceptor/internal/config"
	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/events"
	"github.com/oriys/interceptor/internal/forwarder"
	"github.com/oriys/interceptor/internal/metrics"
	"github.com/oriys/interceptor/internal/modifier"
	"github.com/oriys/interceptor/internal/proxy"
	"github.com/oriys/interceptor/internal/recorder"
	"github.com/oriys/interceptor/internal/registry"
	"github.com/oriys/interceptor/internal/sandbox"
	"github.com/oriys/interceptor/internal/scheduler"
	"github.com/oriys/interceptor/internal/storage"
	"github.com/oriys/interceptor/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// main 是网关服务的主函数
// 它负责初始化所有依赖组件并启动 HTTP 服务器
func main() {
	// 解析命令行参数，获取配置文件路径
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// 加载配置文件，路径为空时只使用默认值与环境变量
	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize logger")
	}

	logger.WithFields(logrus.Fields{
		"storage":    cfg.Storage.Driver,
		"http_port":  cfg.Server.HTTPPort,
		"proxy_port": cfg.Server.ProxyPort,
	}).Info("Starting Interceptor Gateway")

	// 配置文件变更时热更新日志级别
	if *configPath != "" {
		watcher, err := config.Watch(*configPath, logger, func(next *config.Config) {
			logger.SetLevel(config.ParseLevel(next.Logging.Level))
			logger.WithField("level", next.Logging.Level).Info("Log level reloaded")
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to watch config file, hot reload disabled")
		} else {
			defer watcher.Close()
		}
	}

	// 初始化遥测系统 (OpenTelemetry)
	if cfg.Telemetry.Enabled {
		tel, err := telemetry.New(context.Background(), telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRate:  cfg.Telemetry.SampleRate,
			Environment: cfg.Telemetry.Environment,
		})
		if err != nil {
			// 遥测初始化失败不影响主服务运行，仅记录警告
			logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
		} else {
			defer tel.Shutdown(context.Background())
			logger.AddHook(telemetry.NewLogrusHook())
			logger.WithFields(logrus.Fields{
				"endpoint":    cfg.Telemetry.Endpoint,
				"sample_rate": cfg.Telemetry.SampleRate,
			}).Info("Telemetry initialized")
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open storage")
	}
	defer store.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
	}

	// 可选的 NATS 事件总线
	var bus *events.EventBus
	if cfg.Events.NatsURL != "" {
		bus, err = events.NewEventBus(cfg.Events.NatsURL, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to NATS, events disabled")
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := recorder.NewHub(logger)
	go hub.Run(hubCtx)

	recOpts := []recorder.Option{recorder.WithBroadcaster(hub), recorder.WithMetrics(m)}
	regOpts := []registry.Option{registry.WithMetrics(m)}
	execOpts := []sandbox.Option{sandbox.WithMetrics(m)}
	if bus != nil {
		recOpts = append(recOpts, recorder.WithPublisher(bus))
		regOpts = append(regOpts, registry.WithPublisher(bus))
		execOpts = append(execOpts, sandbox.WithPublisher(bus))
	}

	// 可选的 Redis 脚本缓存
	if cfg.Storage.Redis.Address != "" {
		cache, err := storage.NewRedisStore(cfg.Storage.Redis)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to Redis, script cache disabled")
		} else {
			defer cache.Close()
			regOpts = append(regOpts, registry.WithCache(cache))
		}
	}

	rec := recorder.New(store, logger, recOpts...)
	reg := registry.New(store, logger, regOpts...)
	exec := sandbox.New(reg, sandbox.Config{
		Budget:          cfg.Sandbox.Budget,
		MaxBudget:       cfg.Sandbox.MaxBudget,
		MaxConcurrency:  cfg.Sandbox.MaxConcurrency,
		WasmMemoryPages: cfg.Sandbox.WasmMemoryPages,
		JSHeapLimit:     cfg.Sandbox.JSHeapLimit,
	}, logger, execOpts...)
	defer exec.Close(context.Background())

	configs := proxy.NewConfigManager(store, &domain.ProxyConfiguration{
		TargetHostname:        cfg.Proxy.TargetHostname,
		TargetPort:            cfg.Proxy.TargetPort,
		RequestModifications:  domain.Rules{},
		ResponseModifications: domain.Rules{},
	}, logger)
	if err := configs.Seed(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to seed proxy configuration")
	}

	fwd := forwarder.New(forwarder.Config{
		Timeout:      cfg.Forwarder.Timeout,
		MaxBodyBytes: cfg.Forwarder.MaxBodyBytes,
	})
	pipeline := proxy.NewPipeline(configs, modifier.New(), fwd, rec, m, logger)

	// 流量记录保留任务
	cronMgr := scheduler.NewCronManager(logger)
	if cfg.Retention.Enabled {
		job := scheduler.NewRetentionJob(rec, cfg.Retention.MaxAge, logger)
		if err := scheduler.ScheduleRetention(cronMgr, cfg.Retention.Schedule, job); err != nil {
			logger.WithError(err).Error("Failed to schedule traffic retention")
		}
	}
	cronMgr.Start()

	jwtMgr := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)
	authMw := auth.NewMiddleware(jwtMgr, cfg.Auth.APIKeyHeader, auth.NewStaticKeyValidator(cfg.Auth.APIKeys), cfg.Auth.Enabled)
	if !cfg.Auth.Enabled {
		logger.Warn("Authentication disabled, all admin requests are admitted")
	}

	handler := api.NewHandler(api.Services{
		Pipeline: pipeline,
		Recorder: rec,
		Registry: reg,
		Executor: exec,
		Store:    store,
		Hub:      hub,
		Logger:   logger,
	})
	router := api.NewRouter(&api.RouterConfig{
		Handler:     handler,
		AuthHandler: api.NewAuthHandler(jwtMgr),
		Auth:        authMw,
		ServiceName: cfg.Telemetry.ServiceName,
		Logger:      logger,
	})

	// 如果指标端口与主服务端口不同，单独启动指标服务器
	var metricsServer *http.Server
	if cfg.Metrics.Enabled && cfg.Server.MetricsPort != cfg.Server.HTTPPort {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go serve(logger, "metrics", metricsServer)
	}

	// 管理 API 服务器；websocket 推送是长连接，不设置写超时
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go serve(logger, "admin", server)

	// 拦截监听器：所有请求经过修改-转发-记录流水线
	proxyServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.ProxyPort),
		Handler:      telemetry.HTTPMiddleware("interceptor-proxy")(proxy.NewListener(pipeline, cfg.Forwarder.MaxBodyBytes, logger)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: fwd.Timeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go serve(logger, "proxy", proxyServer)

	// 等待关闭信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	for name, srv := range map[string]*http.Server{"admin": server, "proxy": proxyServer, "metrics": metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).WithField("server", name).Error("Server shutdown error")
		}
	}
	cronMgr.Stop(ctx)
	stopHub()

	logger.Info("Server stopped")
}

// openStore 根据存储驱动创建文档存储
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "postgres":
		return storage.NewPostgresStore(cfg.Storage.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// serve 在后台运行 HTTP 服务器，异常退出时终止进程
func serve(logger *logrus.Logger, name string, srv *http.Server) {
	logger.WithFields(logrus.Fields{"server": name, "addr": srv.Addr}).Info("Starting HTTP server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).WithField("server", name).Fatal("HTTP server failed")
	}
}
