// Package storage 提供文档存储的实现：内存存储、PostgreSQL 存储以及 Redis 脚本缓存。
// 所有实现都满足 过滤 + 排序 + 跳过 + 限制 的查询约定，并在存储层保证脚本名称唯一性的原子检查。
package storage

import (
	"context"
	"time"

	"github.com/oriys/interceptor/internal/domain"
)

// ScriptStore 定义脚本定义的持久化接口。
// CreateScript 与 UpdateScript 必须原子地检查名称唯一性，冲突时返回 domain.ErrScriptExists。
type ScriptStore interface {
	CreateScript(ctx context.Context, s *domain.Script) error
	GetScript(ctx context.Context, id string) (*domain.Script, error)
	GetScriptByName(ctx context.Context, name string) (*domain.Script, error)
	UpdateScript(ctx context.Context, s *domain.Script) error
	DeleteScript(ctx context.Context, id string) error
	// ListScripts 按更新时间倒序返回脚本及总数
	ListScripts(ctx context.Context, offset, limit int) ([]*domain.Script, int, error)
}

// TrafficStore 定义流量记录的持久化接口。记录只追加，不修改。
type TrafficStore interface {
	InsertTraffic(ctx context.Context, rec *domain.TrafficRecord) error
	// QueryTraffic 按创建时间倒序（相同时间按插入顺序倒序）返回满足条件的一页记录
	QueryTraffic(ctx context.Context, q *domain.TrafficQuery) ([]*domain.TrafficRecord, error)
	// DeleteTrafficBefore 删除创建时间早于 before 的记录，返回删除数量
	DeleteTrafficBefore(ctx context.Context, before time.Time) (int64, error)
	CountTraffic(ctx context.Context) (int64, error)
}

// ConfigStore 定义单例代理配置的持久化接口。
type ConfigStore interface {
	// GetProxyConfig 返回当前配置，尚未保存过时返回 domain.ErrConfigNotFound
	GetProxyConfig(ctx context.Context) (*domain.ProxyConfiguration, error)
	SaveProxyConfig(ctx context.Context, cfg *domain.ProxyConfiguration) error
}

// Store 聚合所有存储接口以及健康检查
type Store interface {
	ScriptStore
	TrafficStore
	ConfigStore
	Ping(ctx context.Context) error
	Close() error
}
