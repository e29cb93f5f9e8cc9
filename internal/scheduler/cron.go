// Package scheduler 提供基于 cron 表达式的后台任务调度，
// 目前承载流量记录的定期清理。
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// JobFunc 是一次定时任务的执行体
type JobFunc func(ctx context.Context) error

// CronManager 管理具名的定时任务
type CronManager struct {
	cron    *cron.Cron
	logger  *logrus.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID // jobName -> cronEntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCronManager 创建一个新的 CronManager。
// 表达式支持秒级字段（6 段）以及 @hourly、@every 1h 这类描述符。
func NewCronManager(logger *logrus.Logger) *CronManager {
	cronLogger := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &CronManager{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动调度器
func (cm *CronManager) Start() {
	cm.cron.Start()
	cm.logger.WithField("jobs", len(cm.entries)).Info("Cron manager started")
}

// AddOrUpdateJob 添加或替换具名任务
func (cm *CronManager) AddOrUpdateJob(name, spec string, job JobFunc) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	entryID, err := cm.cron.AddFunc(spec, func() {
		entry := cm.logger.WithFields(logrus.Fields{
			"job":  name,
			"cron": spec,
		})
		entry.Debug("Running cron job")
		if err := job(cm.ctx); err != nil {
			entry.WithError(err).Error("Cron job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for job %s: %w", spec, name, err)
	}

	// 新任务注册成功后再移除旧任务
	if old, ok := cm.entries[name]; ok {
		cm.cron.Remove(old)
	}
	cm.entries[name] = entryID
	return nil
}

// RemoveJob 移除具名任务
func (cm *CronManager) RemoveJob(name string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if entryID, ok := cm.entries[name]; ok {
		cm.cron.Remove(entryID)
		delete(cm.entries, name)
	}
}

// Jobs 返回已注册的任务名
func (cm *CronManager) Jobs() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	names := make([]string, 0, len(cm.entries))
	for name := range cm.entries {
		names = append(names, name)
	}
	return names
}

// Stop 停止调度器并等待正在运行的任务结束，ctx 到期后取消任务
func (cm *CronManager) Stop(ctx context.Context) {
	done := cm.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	cm.cancel()
	cm.logger.Info("Cron manager stopped")
}
