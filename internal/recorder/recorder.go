// Package recorder 实现流量记录器：为每次完成的交换（转发或注入）追加一条不可变记录，
// 并提供按时间范围、URL、方法过滤的分页查询以及过期记录清理。
package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/metrics"
	"github.com/oriys/interceptor/internal/storage"
	"github.com/oriys/interceptor/internal/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Publisher 发布流量已记录事件
type Publisher interface {
	PublishTrafficRecorded(ctx context.Context, rec *domain.TrafficRecord) error
}

// Broadcaster 向实时订阅者推送新记录
type Broadcaster interface {
	Broadcast(rec *domain.TrafficRecord)
}

// Recorder 是流量记录的唯一写入者。
type Recorder struct {
	store   storage.TrafficStore
	events  Publisher
	hub     Broadcaster
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

// Option 配置 Recorder 的可选依赖
type Option func(*Recorder)

// WithPublisher 设置事件发布器
func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.events = p }
}

// WithBroadcaster 设置实时推送中心
func WithBroadcaster(b Broadcaster) Option {
	return func(r *Recorder) { r.hub = b }
}

// WithMetrics 设置指标收集器
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// New 创建流量记录器
func New(store storage.TrafficStore, logger *logrus.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record 追加一条记录并分配 ID 与创建时间。
// 存储失败以 PersistenceError 返回，由调用方决定是否仍将响应交付给客户端。
// 事件发布与实时推送是尽力而为的，失败只记日志。
func (r *Recorder) Record(ctx context.Context, req *domain.HTTPRequest, resp *domain.HTTPResponse, origin domain.Origin) (*domain.TrafficRecord, error) {
	if !origin.IsValid() {
		return nil, domain.Invalid("origin", "must be forwarded or injected")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "recorder.record")
	defer span.End()

	rec := domain.NewTrafficRecord(req, resp, origin)
	rec.ID = uuid.New().String()
	rec.CreatedAt = r.now().UTC()
	span.SetAttributes(
		attribute.String("traffic.id", rec.ID),
		attribute.String("traffic.origin", string(origin)),
	)

	if err := r.store.InsertTraffic(ctx, rec); err != nil {
		telemetry.RecordError(ctx, err)
		r.metrics.RecordPersistFailure()
		return nil, domain.Persistence("insert traffic", err)
	}

	if r.events != nil {
		if err := r.events.PublishTrafficRecorded(ctx, rec); err != nil {
			r.logger.WithFields(logrus.Fields{
				"traffic_id": rec.ID,
				"error":      err,
			}).Warn("Failed to publish traffic event")
		}
	}
	if r.hub != nil {
		r.hub.Broadcast(rec)
	}

	r.logger.WithFields(logrus.Fields{
		"traffic_id": rec.ID,
		"method":     rec.Method,
		"url":        rec.URL,
		"status":     rec.StatusCode,
		"origin":     rec.Origin,
	}).Debug("Traffic recorded")

	return rec.Clone(), nil
}

// Query 返回满足过滤条件的一页记录，按创建时间倒序
func (r *Recorder) Query(ctx context.Context, q *domain.TrafficQuery) ([]*domain.TrafficRecord, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	records, err := r.store.QueryTraffic(ctx, q)
	if err != nil {
		return nil, domain.Persistence("query traffic", err)
	}
	if records == nil {
		records = []*domain.TrafficRecord{}
	}
	return records, nil
}

// Purge 删除创建时间早于 before 的记录
func (r *Recorder) Purge(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, domain.Invalid("before", "required")
	}
	n, err := r.store.DeleteTrafficBefore(ctx, before)
	if err != nil {
		return 0, domain.Persistence("purge traffic", err)
	}
	r.metrics.RecordRetentionPurge(n)
	r.refreshGauge(ctx)

	r.logger.WithFields(logrus.Fields{
		"before":  before.Format(time.RFC3339),
		"deleted": n,
	}).Info("Traffic purged")
	return n, nil
}

// refreshGauge 同步记录总数指标
func (r *Recorder) refreshGauge(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	if n, err := r.store.CountTraffic(ctx); err == nil {
		r.metrics.SetTrafficRecords(n)
	}
}
