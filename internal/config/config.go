// Package config 提供了流量拦截网关的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过 .env 文件和环境变量覆盖敏感配置项（如密码和密钥）。
// 配置包含了服务器、认证、存储、事件、日志、指标、遥测、转发、沙箱和数据保留等多个方面的设置。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 是环境变量覆盖使用的前缀
const EnvPrefix = "INTERCEPTOR_"

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Server 服务器配置，包括管理 API 端口、拦截端口等
	Server ServerConfig `yaml:"server"`
	// Auth 认证配置，包括 JWT 和 API Key 相关设置
	Auth AuthConfig `yaml:"auth"`
	// Storage 存储配置，包括存储驱动、PostgreSQL 和 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置，包括日志级别、格式和滚动文件
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
	// Forwarder 转发器配置
	Forwarder ForwarderConfig `yaml:"forwarder"`
	// Sandbox 脚本沙箱配置
	Sandbox SandboxConfig `yaml:"sandbox"`
	// Retention 流量记录保留策略
	Retention RetentionConfig `yaml:"retention"`
	// Proxy 初始代理目标（仅在存储中没有配置时使用）
	Proxy ProxyConfig `yaml:"proxy"`
}

// ServerConfig 服务器配置结构体。
// 定义了各种服务端口和超时设置。
type ServerConfig struct {
	// HTTPPort 管理 API 服务端口
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// ProxyPort 拦截监听端口，所有请求经过修改-转发-记录流水线
	// 默认值：8081
	ProxyPort int `yaml:"proxy_port"`
	// MetricsPort 指标服务端口，用于 Prometheus 指标暴露
	// 默认值：9090
	MetricsPort int `yaml:"metrics_port"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig 认证配置结构体。
// 定义了 JWT 和 API Key 认证相关的设置。
type AuthConfig struct {
	// Enabled 是否启用认证
	Enabled bool `yaml:"enabled"`
	// JWTSecret JWT 签名密钥，可通过环境变量 INTERCEPTOR_AUTH_JWT_SECRET 或
	// INTERCEPTOR_AUTH_JWT_SECRET_FILE（文件路径）覆盖
	JWTSecret string `yaml:"jwt_secret"`
	// JWTExpiration JWT 令牌过期时间
	// 默认值：24 小时
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	// APIKeyHeader API Key 请求头名称
	// 默认值：X-API-Key
	APIKeyHeader string `yaml:"api_key_header"`
	// APIKeys 静态 API Key 列表，可通过 INTERCEPTOR_AUTH_API_KEYS（逗号分隔）覆盖
	APIKeys []string `yaml:"api_keys"`
}

// StorageConfig 存储配置结构体。
// 包含各种数据存储后端的配置。
type StorageConfig struct {
	// Driver 存储驱动，可选值：memory、postgres
	// 默认值：memory
	Driver string `yaml:"driver"`
	// Postgres PostgreSQL 数据库配置
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 脚本缓存配置，Address 为空时不启用缓存
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
// 定义了数据库连接的相关参数。
type PostgresConfig struct {
	// Host 数据库主机地址
	Host string `yaml:"host"`
	// Port 数据库端口号
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 INTERCEPTOR_POSTGRES_PASSWORD 或
	// INTERCEPTOR_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// SSLMode 连接的 sslmode 参数
	// 默认值：disable
	SSLMode string `yaml:"sslmode"`
	// MaxConnections 最大连接数
	MaxConnections int `yaml:"max_connections"`
}

// RedisConfig Redis 缓存配置结构体。
// 定义了 Redis 连接的相关参数。
type RedisConfig struct {
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 INTERCEPTOR_REDIS_PASSWORD 或
	// INTERCEPTOR_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
	// CacheTTL 脚本缓存过期时间
	// 默认值：5 分钟
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// EventsConfig 事件配置结构体。
// 定义了事件消息队列的连接信息。
type EventsConfig struct {
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"，为空时不发布事件
	NatsURL string `yaml:"nats_url"`
}

// LoggingConfig 日志配置结构体。
// 定义了日志输出的级别、格式和滚动文件参数。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
	// File 滚动日志文件路径，为空时只输出到标准输出
	File string `yaml:"file"`
	// MaxSizeMB 单个日志文件最大大小（MB）
	// 默认值：25
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups 保留的旧日志文件数量
	// 默认值：10
	MaxBackups int `yaml:"max_backups"`
	// MaxAgeDays 旧日志文件保留天数
	// 默认值：14
	MaxAgeDays int `yaml:"max_age_days"`
}

// MetricsConfig 指标配置结构体。
// 定义了 Prometheus 指标收集的相关设置。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址（如 "tempo:4317"）
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：interceptor-gateway
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、staging、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// ForwarderConfig 转发器配置结构体。
type ForwarderConfig struct {
	// Timeout 单次转发超时
	// 默认值：10 秒
	Timeout time.Duration `yaml:"timeout"`
	// MaxBodyBytes 目标响应体读取上限
	// 默认值：10MB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// SandboxConfig 脚本沙箱配置结构体。
type SandboxConfig struct {
	// Budget 默认执行时间预算
	// 默认值：5000 毫秒
	Budget time.Duration `yaml:"budget"`
	// MaxBudget 单次执行可请求的预算上限
	// 默认值：60 秒
	MaxBudget time.Duration `yaml:"max_budget"`
	// MaxConcurrency 同时运行的脚本数量上限
	// 默认值：16
	MaxConcurrency int `yaml:"max_concurrency"`
	// WasmMemoryPages wasm 模块可用的最大内存页数（每页 64KB）
	// 默认值：256（16MB）
	WasmMemoryPages uint32 `yaml:"wasm_memory_pages"`
	// JSHeapLimit JavaScript 执行期间允许增长的堆字节数，超出即中断
	// 默认值：256MB
	JSHeapLimit uint64 `yaml:"js_heap_limit"`
}

// RetentionConfig 流量记录保留配置结构体。
type RetentionConfig struct {
	// Enabled 是否启用定时清理
	Enabled bool `yaml:"enabled"`
	// Schedule cron 表达式
	// 默认值：@hourly
	Schedule string `yaml:"schedule"`
	// MaxAge 流量记录最长保留时间
	// 默认值：7 天
	MaxAge time.Duration `yaml:"max_age"`
}

// ProxyConfig 初始代理目标配置结构体。
type ProxyConfig struct {
	// TargetHostname 初始目标主机名
	// 默认值：localhost
	TargetHostname string `yaml:"target_hostname"`
	// TargetPort 初始目标端口
	// 默认值：80
	TargetPort int `yaml:"target_port"`
}

// Load 从指定路径加载配置文件。
// 该函数会先加载工作目录下的 .env 文件（若存在），再读取 YAML 配置文件，
// 应用默认值，并处理环境变量覆盖。path 为空时只使用默认值与环境变量。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	// .env 是可选的，不存在时忽略
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Default 返回只应用了默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyEnvOverrides 应用环境变量覆盖。
// 该方法允许通过环境变量覆盖敏感配置项，支持两种方式：
// 1. 直接设置环境变量（如 INTERCEPTOR_POSTGRES_PASSWORD）
// 2. 通过 _FILE 后缀指定包含密钥的文件路径（如 INTERCEPTOR_POSTGRES_PASSWORD_FILE）
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFile(EnvPrefix + "POSTGRES_PASSWORD"); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFile(EnvPrefix + "REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFile(EnvPrefix + "AUTH_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := readEnvOrFile(EnvPrefix + "AUTH_API_KEYS"); v != "" {
		c.Auth.APIKeys = splitList(v)
	}

	// 非敏感的运维参数只支持直接环境变量
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "STORAGE_DRIVER")); v != "" {
		c.Storage.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "NATS_URL")); v != "" {
		c.Events.NatsURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "PROXY_TARGET_HOSTNAME")); v != "" {
		c.Proxy.TargetHostname = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "PROXY_TARGET_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Proxy.TargetPort = port
		}
	}
}

// readEnvOrFile 从环境变量或文件读取配置值。
// 优先从 key_FILE 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 key 环境变量读取。
func readEnvOrFile(key string) string {
	if filePath := strings.TrimSpace(os.Getenv(key + "_FILE")); filePath != "" {
		if b, err := os.ReadFile(filePath); err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return strings.TrimSpace(os.Getenv(key))
}

// splitList 将逗号分隔的字符串拆分为非空项列表
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// applyDefaults 应用默认配置值。
// 该方法为未设置的配置项填充合理的默认值，确保应用可以正常运行。
func (c *Config) applyDefaults() {
	// 管理 API 端口默认为 8080
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	// 拦截端口默认为 8081
	if c.Server.ProxyPort == 0 {
		c.Server.ProxyPort = 8081
	}
	// 指标端口默认为 9090
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	// 优雅关闭超时默认为 30 秒
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	// JWT 过期时间默认为 24 小时
	if c.Auth.JWTExpiration == 0 {
		c.Auth.JWTExpiration = 24 * time.Hour
	}
	// API Key 请求头默认为 X-API-Key
	if c.Auth.APIKeyHeader == "" {
		c.Auth.APIKeyHeader = "X-API-Key"
	}
	// 存储驱动默认为内存
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	if c.Storage.Postgres.MaxConnections == 0 {
		c.Storage.Postgres.MaxConnections = 20
	}
	// 脚本缓存过期时间默认为 5 分钟
	if c.Storage.Redis.CacheTTL == 0 {
		c.Storage.Redis.CacheTTL = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 25
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 10
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 14
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "interceptor"
	}
	// 遥测服务名称默认为 interceptor-gateway
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "interceptor-gateway"
	}
	// OTLP 端点默认为 tempo:4317
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	// 环境标识默认为 development
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
	// 转发超时默认为 10 秒
	if c.Forwarder.Timeout == 0 {
		c.Forwarder.Timeout = 10 * time.Second
	}
	if c.Forwarder.MaxBodyBytes == 0 {
		c.Forwarder.MaxBodyBytes = 10 << 20
	}
	// 沙箱预算默认为 5000 毫秒
	if c.Sandbox.Budget == 0 {
		c.Sandbox.Budget = 5000 * time.Millisecond
	}
	if c.Sandbox.MaxBudget == 0 {
		c.Sandbox.MaxBudget = 60 * time.Second
	}
	if c.Sandbox.MaxBudget < c.Sandbox.Budget {
		c.Sandbox.MaxBudget = c.Sandbox.Budget
	}
	if c.Sandbox.MaxConcurrency == 0 {
		c.Sandbox.MaxConcurrency = 16
	}
	if c.Sandbox.WasmMemoryPages == 0 {
		c.Sandbox.WasmMemoryPages = 256
	}
	if c.Sandbox.JSHeapLimit == 0 {
		c.Sandbox.JSHeapLimit = 256 << 20
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "@hourly"
	}
	// 流量记录默认保留 7 天
	if c.Retention.MaxAge == 0 {
		c.Retention.MaxAge = 7 * 24 * time.Hour
	}
	if c.Proxy.TargetHostname == "" {
		c.Proxy.TargetHostname = "localhost"
	}
	if c.Proxy.TargetPort == 0 {
		c.Proxy.TargetPort = 80
	}
}
