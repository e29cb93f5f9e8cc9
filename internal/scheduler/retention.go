package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RetentionJobName 是流量清理任务的名称
const RetentionJobName = "traffic-retention"

// Purger 删除早于指定时间的流量记录
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// RetentionJob 定期删除超过保留期的流量记录
type RetentionJob struct {
	purger Purger
	maxAge time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

// NewRetentionJob 创建清理任务
func NewRetentionJob(purger Purger, maxAge time.Duration, logger *logrus.Logger) *RetentionJob {
	return &RetentionJob{
		purger: purger,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
	}
}

// Run 执行一次清理
func (j *RetentionJob) Run(ctx context.Context) error {
	if j.maxAge <= 0 {
		return fmt.Errorf("retention max age must be positive, got %s", j.maxAge)
	}
	cutoff := j.now().Add(-j.maxAge)
	n, err := j.purger.Purge(ctx, cutoff)
	if err != nil {
		return err
	}
	j.logger.WithFields(logrus.Fields{
		"cutoff":  cutoff.Format(time.RFC3339),
		"deleted": n,
	}).Info("Traffic retention completed")
	return nil
}

// ScheduleRetention 按 spec 注册清理任务
func ScheduleRetention(cm *CronManager, spec string, job *RetentionJob) error {
	return cm.AddOrUpdateJob(RetentionJobName, spec, job.Run)
}
