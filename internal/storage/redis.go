package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/interceptor/internal/config"
	"github.com/oriys/interceptor/internal/domain"
)

// scriptKeyPrefix 是脚本缓存键的前缀
const scriptKeyPrefix = "interceptor:script:"

// RedisStore 是脚本定义的读穿透缓存。
// 缓存只是加速层，任何 Redis 故障都由调用方降级为直接读取存储。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore 连接 Redis 并验证连通性
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisStoreWithClient 使用已有客户端创建缓存
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func scriptKey(id string) string {
	return scriptKeyPrefix + id
}

// GetScript 从缓存读取脚本，未命中时返回 (nil, nil)
func (r *RedisStore) GetScript(ctx context.Context, id string) (*domain.Script, error) {
	data, err := r.client.Get(ctx, scriptKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s domain.Script
	if err := json.Unmarshal(data, &s); err != nil {
		// 损坏的条目直接删除
		r.client.Del(ctx, scriptKey(id))
		return nil, nil
	}
	return &s, nil
}

// SetScript 写入脚本缓存
func (r *RedisStore) SetScript(ctx context.Context, s *domain.Script) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, scriptKey(s.ID), data, r.ttl).Err()
}

// InvalidateScript 删除脚本缓存
func (r *RedisStore) InvalidateScript(ctx context.Context, id string) error {
	return r.client.Del(ctx, scriptKey(id)).Err()
}

// Ping 检查 Redis 连接
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭 Redis 客户端
func (r *RedisStore) Close() error {
	return r.client.Close()
}
