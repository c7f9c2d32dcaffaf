package cycle

import (
	"context"
	"log/slog"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/storage"
	"Survival-Chain/pkg/logger"
)

// AgentSource 提供待调度的智能体。
type AgentSource interface {
	Get(ctx context.Context, id string) (*storage.Agent, error)
	List(ctx context.Context, filter storage.AgentFilter) ([]*storage.Agent, error)
}

// Dispatcher 把周期作业投递到队列。
type Dispatcher struct {
	agents   AgentSource
	producer Producer
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(agents AgentSource, producer Producer) *Dispatcher {
	return &Dispatcher{agents: agents, producer: producer}
}

// Trigger 为单个智能体投递作业，返回投递数量。
func (d *Dispatcher) Trigger(ctx context.Context, agentID string) (int, error) {
	if d.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置周期作业生产者")
	}
	agent, err := d.agents.Get(ctx, agentID)
	if err != nil {
		return 0, err
	}
	if agent.Status != storage.AgentAlive {
		return 0, xerrors.Newf(CodeNotEligible, "智能体 %s 当前状态为 %s", agent.Name, agent.Status)
	}
	if err := d.producer.Publish(ctx, agent.ID); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递周期作业失败")
	}
	return 1, nil
}

// TriggerAll 为所有存活智能体投递作业。单个投递失败只记录日志。
func (d *Dispatcher) TriggerAll(ctx context.Context) (int, error) {
	if d.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置周期作业生产者")
	}
	agents, err := d.agents.List(ctx, storage.AgentFilter{Statuses: []storage.AgentStatus{storage.AgentAlive}})
	if err != nil {
		return 0, err
	}
	published := 0
	for _, agent := range agents {
		if err := d.producer.Publish(ctx, agent.ID); err != nil {
			logger.L().Error("投递周期作业失败",
				slog.String("agent_id", agent.ID),
				slog.Any("error", err),
			)
			continue
		}
		published++
	}
	return published, nil
}
