package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakePurger struct {
	before time.Time
	calls  int32
	err    error
}

func (p *fakePurger) Purge(ctx context.Context, before time.Time) (int64, error) {
	atomic.AddInt32(&p.calls, 1)
	p.before = before
	return 3, p.err
}

func TestRetentionJob_Run(t *testing.T) {
	p := &fakePurger{}
	job := NewRetentionJob(p, 24*time.Hour, newTestLogger())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !p.before.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("cutoff = %v", p.before)
	}

	p.err = errors.New("db down")
	if err := job.Run(context.Background()); err == nil {
		t.Error("expected purge error to propagate")
	}

	if err := NewRetentionJob(p, 0, newTestLogger()).Run(context.Background()); err == nil {
		t.Error("expected error for zero max age")
	}
}

func TestCronManager_Jobs(t *testing.T) {
	cm := NewCronManager(newTestLogger())

	tests := []struct {
		name    string
		spec    string
		wantErr bool
	}{
		{"descriptor", "@hourly", false},
		{"every", "@every 5m", false},
		{"six fields", "0 */5 * * * *", false},
		{"garbage", "not a cron", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cm.AddOrUpdateJob("job-"+tt.name, tt.spec, func(ctx context.Context) error { return nil })
			if (err != nil) != tt.wantErr {
				t.Errorf("AddOrUpdateJob(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			}
		})
	}
	if got := len(cm.Jobs()); got != 3 {
		t.Errorf("Jobs() = %d, want 3", got)
	}

	// 替换同名任务不增加数量
	cm.AddOrUpdateJob("job-descriptor", "@daily", func(ctx context.Context) error { return nil })
	if got := len(cm.Jobs()); got != 3 {
		t.Errorf("after replace Jobs() = %d, want 3", got)
	}
	cm.RemoveJob("job-every")
	if got := len(cm.Jobs()); got != 2 {
		t.Errorf("after remove Jobs() = %d, want 2", got)
	}
}

func TestCronManager_RunsRetention(t *testing.T) {
	cm := NewCronManager(newTestLogger())
	p := &fakePurger{}
	if err := ScheduleRetention(cm, "@every 1s", NewRetentionJob(p, time.Hour, newTestLogger())); err != nil {
		t.Fatal(err)
	}
	cm.Start()

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&p.calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cm.Stop(ctx)

	if atomic.LoadInt32(&p.calls) == 0 {
		t.Error("retention job never ran")
	}
}
