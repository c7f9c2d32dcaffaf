package cycle

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/observability/alerting"
	"Survival-Chain/pkg/logger"
)

// Executor 定义了处理器所需的周期执行能力。
type Executor interface {
	Execute(ctx context.Context, agentID string) (*Result, error)
}

// Processor 负责从队列消费作业并交给 Runner 执行，已在执行中的智能体会被跳过。
type Processor struct {
	executor    Executor
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerts      alerting.Dispatcher

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlerts 在周期失败且错误码需要告警时通知 d。
func WithAlerts(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerts = d
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		consumer:    consumer,
		workerCount: 1,
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Named("cycle-processor")
	}
	return p
}

// Start 启动作业处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置周期作业消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// InFlight 返回正在执行周期的智能体数量。
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

func (p *Processor) claim(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[agentID]; busy {
		return false
	}
	p.inFlight[agentID] = struct{}{}
	return true
}

func (p *Processor) release(agentID string) {
	p.mu.Lock()
	delete(p.inFlight, agentID)
	p.mu.Unlock()
}

func (p *Processor) handle(ctx context.Context, agentID string) error {
	if p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	if !p.claim(agentID) {
		p.logger.Debug("智能体周期执行中，跳过", slog.String("agent_id", agentID))
		return nil
	}
	defer p.release(agentID)

	result, err := p.executor.Execute(ctx, agentID)
	if err != nil {
		if stdErrors.Is(err, ErrNotEligible) {
			p.logger.Debug("智能体不参与周期", slog.String("agent_id", agentID))
			return nil
		}
		p.logger.Warn("周期执行失败",
			slog.String("agent_id", agentID),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		alerting.Raise(ctx, p.alerts, "cycle", agentID, err)
		return err
	}
	logger.Audit().Info("周期执行成功",
		slog.String("agent_id", agentID),
		slog.Int("requests", len(result.Requests)),
		slog.Int("dropped", result.Dropped),
	)
	return nil
}
