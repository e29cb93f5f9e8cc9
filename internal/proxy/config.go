// Package proxy 实现流量拦截管道：请求修改 → 转发或注入 → 响应修改 → 记录，
// 以及单例代理配置的管理和拦截监听器。
package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/modifier"
	"github.com/oriys/interceptor/internal/storage"
	"github.com/sirupsen/logrus"
)

// ConfigManager 管理单例代理配置。
// 所有校验都在写入存储之前完成，校验失败不会产生任何写入。
type ConfigManager struct {
	store   storage.ConfigStore
	initial *domain.ProxyConfiguration
	logger  *logrus.Logger
}

// NewConfigManager 创建配置管理器。
// initial 是存储中尚无配置时使用的初始配置，可以为 nil。
func NewConfigManager(store storage.ConfigStore, initial *domain.ProxyConfiguration, logger *logrus.Logger) *ConfigManager {
	return &ConfigManager{
		store:   store,
		initial: initial.Clone(),
		logger:  logger,
	}
}

// Seed 在存储中没有配置时写入初始配置
func (m *ConfigManager) Seed(ctx context.Context) error {
	_, err := m.store.GetProxyConfig(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrConfigNotFound) {
		return domain.Persistence("get proxy config", err)
	}
	if m.initial == nil {
		return nil
	}
	if err := m.Update(ctx, m.initial.Clone()); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"target_hostname": m.initial.TargetHostname,
		"target_port":     m.initial.TargetPort,
	}).Info("Proxy configuration seeded")
	return nil
}

// Get 返回当前配置。存储为空时回退到初始配置，二者都没有时返回 domain.ErrConfigNotFound。
func (m *ConfigManager) Get(ctx context.Context) (*domain.ProxyConfiguration, error) {
	cfg, err := m.store.GetProxyConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, domain.ErrConfigNotFound) && m.initial != nil {
		return m.initial.Clone(), nil
	}
	return nil, domain.Persistence("get proxy config", err)
}

// Update 校验主机名、端口和两组修改规则后整体替换配置
func (m *ConfigManager) Update(ctx context.Context, cfg *domain.ProxyConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := modifier.ValidateRequestRules(cfg.RequestModifications); err != nil {
		return err
	}
	if err := modifier.ValidateResponseRules(cfg.ResponseModifications); err != nil {
		return err
	}

	next := cfg.Clone()
	next.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveProxyConfig(ctx, next); err != nil {
		return domain.Persistence("save proxy config", err)
	}

	m.logger.WithFields(logrus.Fields{
		"target_hostname": next.TargetHostname,
		"target_port":     next.TargetPort,
		"request_rules":   len(next.RequestModifications),
		"response_rules":  len(next.ResponseModifications),
	}).Info("Proxy configuration updated")
	return nil
}
