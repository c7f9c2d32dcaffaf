// Package events 将生命周期与经济事件广播给外部观察者。投递是尽力而为的，
// 任何通知失败都只记录日志，不影响产生事件的操作。
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"Survival-Chain/pkg/logger"
)

// Kind 是事件类型。
type Kind string

const (
	KindAgentBorn     Kind = "agent_born"
	KindAgentDied     Kind = "agent_died"
	KindAgentActivity Kind = "agent_activity"
)

// Event 是一次广播的内容。
type Event struct {
	Kind       Kind           `json:"type"`
	AgentID    string         `json:"agent_id"`
	Name       string         `json:"name"`
	Generation int            `json:"generation"`
	Summary    string         `json:"summary"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Channel 标识通知渠道。
type Channel string

const (
	ChannelHub      Channel = "hub"
	ChannelLog      Channel = "log"
	ChannelRedis    Channel = "redis"
	ChannelRabbitMQ Channel = "rabbitmq"
)

// Notifier 负责把事件发送到某个渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Fanout 按注册顺序把事件投递到多个渠道。
type Fanout struct {
	notifiers []Notifier
}

// NewFanout 创建 Fanout，nil 通知器会被忽略。
func NewFanout(notifiers ...Notifier) *Fanout {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &Fanout{notifiers: set}
}

// Channel 实现 Notifier。
func (f *Fanout) Channel() Channel { return "fanout" }

// Notify 将事件广播至所有渠道，单个渠道失败不影响其它渠道。
func (f *Fanout) Notify(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, notifier := range f.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

const emitTimeout = 5 * time.Second

// Emit 以不可取消的上下文发送事件并吞掉错误。
func Emit(ctx context.Context, n Notifier, event Event) {
	if n == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()
	if err := n.Notify(emitCtx, event); err != nil {
		logger.L().Warn("事件广播失败",
			slog.String("type", string(event.Kind)),
			slog.String("agent_id", event.AgentID),
			slog.Any("error", err),
		)
	}
}

// LogNotifier 把事件写入结构化日志。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier 创建日志渠道。
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logger.Named("events")}
}

// Channel 实现 Notifier。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 实现 Notifier。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	n.logger.Info(event.Summary,
		slog.String("type", string(event.Kind)),
		slog.String("agent_id", event.AgentID),
		slog.String("name", event.Name),
		slog.Int("generation", event.Generation),
	)
	return nil
}
