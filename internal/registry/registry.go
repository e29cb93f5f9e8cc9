// Package registry 实现脚本注册表：命名脚本定义的创建、查询、更新、删除与列表。
// 名称唯一性由存储层原子保证，可选的 Redis 缓存只加速按 ID 读取。
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/events"
	"github.com/oriys/interceptor/internal/metrics"
	"github.com/oriys/interceptor/internal/storage"
	"github.com/sirupsen/logrus"
)

// Cache 是按 ID 读取脚本的旁路缓存。未命中时 GetScript 返回 (nil, nil)。
type Cache interface {
	GetScript(ctx context.Context, id string) (*domain.Script, error)
	SetScript(ctx context.Context, s *domain.Script) error
	InvalidateScript(ctx context.Context, id string) error
}

// Publisher 发布脚本生命周期事件
type Publisher interface {
	PublishScriptChanged(ctx context.Context, eventType string, s *domain.Script) error
}

// Registry 管理脚本定义
type Registry struct {
	store   storage.ScriptStore
	cache   Cache
	events  Publisher
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time

	// cacheMu 串行化缓存回填与失效；writes 在每次更新或删除后递增
	cacheMu sync.Mutex
	writes  uint64
}

// Option 配置 Registry 的可选依赖
type Option func(*Registry)

// WithCache 启用读取缓存
func WithCache(c Cache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithPublisher 设置事件发布器
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.events = p }
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New 创建脚本注册表
func New(store storage.ScriptStore, logger *logrus.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create 校验名称字符集并创建脚本。
// 名称已被占用时返回 domain.ErrScriptExists。
func (r *Registry) Create(ctx context.Context, req *domain.CreateScriptRequest) (*domain.Script, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	s := &domain.Script{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Code:        req.Code,
		Runtime:     req.Runtime,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateScript(ctx, s); err != nil {
		return nil, domain.Persistence("create script", err)
	}

	r.logger.WithFields(logrus.Fields{
		"script_id": s.ID,
		"name":      s.Name,
		"runtime":   s.Runtime,
	}).Info("Script created")
	r.publish(ctx, events.TypeScriptCreated, s)
	r.refreshGauge(ctx)
	return s.Clone(), nil
}

// Get 按 ID 返回脚本，不存在时返回 domain.ErrScriptNotFound。
// 缓存故障时直接回退到存储。
func (r *Registry) Get(ctx context.Context, id string) (*domain.Script, error) {
	if id == "" {
		return nil, domain.Invalid("id", "required")
	}
	if r.cache != nil {
		if s, err := r.cache.GetScript(ctx, id); err != nil {
			r.logger.WithError(err).WithField("script_id", id).Debug("Script cache read failed")
		} else if s != nil {
			return s, nil
		}
	}

	seen := r.writeCount()
	s, err := r.store.GetScript(ctx, id)
	if err != nil {
		return nil, domain.Persistence("get script", err)
	}
	r.fill(ctx, s, seen)
	return s, nil
}

// Update 应用部分更新，名称变化时重新校验字符集与唯一性
func (r *Registry) Update(ctx context.Context, id string, req *domain.UpdateScriptRequest) (*domain.Script, error) {
	if req.IsEmpty() {
		return nil, domain.Invalid("", "no fields to update")
	}
	current, err := r.store.GetScript(ctx, id)
	if err != nil {
		return nil, domain.Persistence("get script", err)
	}

	next, err := req.Apply(current)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateScript(ctx, next); err != nil {
		return nil, domain.Persistence("update script", err)
	}
	r.invalidate(ctx, id)

	r.logger.WithFields(logrus.Fields{
		"script_id": id,
		"name":      next.Name,
	}).Info("Script updated")
	r.publish(ctx, events.TypeScriptUpdated, next)
	return next.Clone(), nil
}

// Delete 永久删除脚本，不存在时返回 domain.ErrScriptNotFound
func (r *Registry) Delete(ctx context.Context, id string) error {
	current, err := r.store.GetScript(ctx, id)
	if err != nil {
		return domain.Persistence("get script", err)
	}
	if err := r.store.DeleteScript(ctx, id); err != nil {
		return domain.Persistence("delete script", err)
	}
	r.invalidate(ctx, id)

	r.logger.WithField("script_id", id).Info("Script deleted")
	r.publish(ctx, events.TypeScriptDeleted, current)
	r.refreshGauge(ctx)
	return nil
}

// List 按更新时间倒序分页返回脚本及总数
func (r *Registry) List(ctx context.Context, page, limit int) ([]*domain.Script, int, error) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = domain.DefaultPageSize
	}
	if page < 1 {
		return nil, 0, domain.Invalid("page", "must be >= 1")
	}
	if limit < 1 || limit > domain.MaxPageSize {
		return nil, 0, domain.Invalid("limit", "must be between 1 and 100")
	}
	if err := domain.ValidatePage(page, limit); err != nil {
		return nil, 0, err
	}

	scripts, total, err := r.store.ListScripts(ctx, (page-1)*limit, limit)
	if err != nil {
		return nil, 0, domain.Persistence("list scripts", err)
	}
	if scripts == nil {
		scripts = []*domain.Script{}
	}
	return scripts, total, nil
}

func (r *Registry) writeCount() uint64 {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return r.writes
}

// fill 回填缓存。读取存储之后若发生过更新或删除，则放弃回填。
func (r *Registry) fill(ctx context.Context, s *domain.Script, seen uint64) {
	if r.cache == nil {
		return
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if r.writes != seen {
		return
	}
	if err := r.cache.SetScript(ctx, s); err != nil {
		r.logger.WithError(err).WithField("script_id", s.ID).Debug("Script cache write failed")
	}
}

func (r *Registry) invalidate(ctx context.Context, id string) {
	r.cacheMu.Lock()
	r.writes++
	r.cacheMu.Unlock()
	if r.cache == nil {
		return
	}
	if err := r.cache.InvalidateScript(ctx, id); err != nil {
		r.logger.WithError(err).WithField("script_id", id).Warn("Failed to invalidate script cache")
	}
}

func (r *Registry) publish(ctx context.Context, eventType string, s *domain.Script) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishScriptChanged(ctx, eventType, s); err != nil {
		r.logger.WithError(err).WithField("script_id", s.ID).Warn("Failed to publish script event")
	}
}

// refreshGauge 同步脚本总数指标
func (r *Registry) refreshGauge(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	if _, total, err := r.store.ListScripts(ctx, 0, 1); err == nil {
		r.metrics.SetScripts(total)
	}
}
