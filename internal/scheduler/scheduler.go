// Package scheduler 按 cron 表达式或固定间隔触发周期性工作（死亡清理、决策周期投递）。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"Survival-Chain/pkg/logger"
)

const defaultJobTimeout = 5 * time.Minute

// Job 是一项周期性工作。
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler 包装 cron，同一任务的上一次执行未结束时跳过本次触发。
type Scheduler struct {
	cron    *cron.Cron
	log     *slog.Logger
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	entries map[string]cron.EntryID
	onError func(ctx context.Context, name string, err error)
}

// Option 定义调度器可选配置。
type Option func(*Scheduler)

// WithErrorHook 在任务返回错误时回调 fn。
func WithErrorHook(fn func(ctx context.Context, name string, err error)) Option {
	return func(s *Scheduler) {
		s.onError = fn
	}
}

// New 创建调度器。
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     logger.Named("scheduler"),
		entries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Add 注册任务。Schedule 可以是五段 cron 表达式、@every 描述符或时长字符串。
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("任务 %q 未提供执行函数", job.Name)
	}
	schedule, err := Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("任务 %q 的调度表达式不合法: %w", job.Name, err)
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("任务 %q 已注册", job.Name)
	}
	s.entries[job.Name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.run(job, timeout)
	}))
	s.log.Info("任务已注册", slog.String("name", job.Name), slog.String("schedule", job.Schedule))
	return nil
}

func (s *Scheduler) run(job Job, timeout time.Duration) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(jobCtx); err != nil {
		s.log.Warn("定时任务失败",
			slog.String("name", job.Name),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err),
		)
		if s.onError != nil {
			s.onError(jobCtx, job.Name, err)
		}
		return
	}
	s.log.Debug("定时任务完成", slog.String("name", job.Name), slog.Duration("duration", time.Since(start)))
}

// Start 启动调度。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop 停止调度并等待正在执行的任务结束。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// Next 返回任务的下一次触发时间。
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	return entry.Next, entry.ID != 0
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse 先按 cron 表达式解析，失败时按时长解析。
func Parse(expr string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("调度表达式为空")
	}
	if schedule, err := parser.Parse(expr); err == nil {
		return schedule, nil
	}
	d, err := time.ParseDuration(expr)
	if err != nil {
		return nil, fmt.Errorf("既不是 cron 表达式也不是时长: %q", expr)
	}
	if d <= 0 {
		return nil, fmt.Errorf("时长必须为正: %q", expr)
	}
	return cron.Every(d), nil
}
