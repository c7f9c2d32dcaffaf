package request

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/events"
	"Survival-Chain/internal/ledger"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/replicator"
	"Survival-Chain/internal/storage"
)

const messagePreview = 100

// effectError 标记副作用本身失败，与存储层错误区分开。
type effectError struct{ cause error }

func (e *effectError) Error() string { return e.cause.Error() }
func (e *effectError) Unwrap() error { return e.cause }

// executeTx 在调用方事务中执行已批准请求的副作用，返回需在提交后运行的后续动作。
// 调用方持有请求所属智能体的独占区。
func (w *Workflow) executeTx(ctx context.Context, tx storage.Tx, req *storage.Request) (func(), error) {
	agent, err := tx.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == storage.AgentDead {
		return nil, ledger.ErrAgentDead
	}

	switch req.Type {
	case storage.RequestTrade:
		amount, err := payloadAmount(req.Payload)
		if err != nil {
			return nil, err
		}
		if amount == 0 {
			return nil, xerrors.New(CodeValidationFailed, "交易金额不能为 0")
		}
		_, err = w.ledger.ApplyTx(ctx, tx, agent.ID, amount, storage.TxTrade, describe(req))
		return nil, err
	case storage.RequestSpend:
		amount, err := payloadAmount(req.Payload)
		if err != nil {
			return nil, err
		}
		if amount.IsNegative() {
			amount = amount.Neg()
		}
		if !amount.IsPositive() {
			return nil, xerrors.New(CodeValidationFailed, "支出金额必须为正")
		}
		_, err = w.ledger.ApplyTx(ctx, tx, agent.ID, amount.Neg(), storage.TxExpense, describe(req))
		return nil, err
	case storage.RequestReplicate:
		if w.replicator == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "复制器未配置")
		}
		in, err := replicator.InputFromPayload(req.Payload)
		if err != nil {
			return nil, err
		}
		birth, err := w.replicator.ReplicateTx(ctx, tx, agent.ID, in)
		if err != nil {
			return nil, err
		}
		return func() { w.replicator.Complete(ctx, birth) }, nil
	case storage.RequestCommunicate:
		return w.communicateTx(ctx, tx, agent, req)
	case storage.RequestStrategyChange:
		strategy := payloadString(req.Payload, "strategy", "new_strategy", "newStrategy")
		if strategy == "" {
			strategy = req.Description
		}
		if strings.TrimSpace(strategy) == "" {
			return nil, xerrors.New(CodeValidationFailed, "策略内容为空")
		}
		return nil, w.registry.UpdateStrategyTx(ctx, tx, agent.ID, strategy)
	case storage.RequestCustom:
		_, err := w.registry.AppendLogTx(ctx, tx, storage.LogEntry{
			AgentID:  agent.ID,
			Level:    storage.LevelAction,
			Source:   storage.SourceAgent,
			Message:  "Custom action approved: " + describe(req),
			Metadata: map[string]any{"request_id": req.ID, "payload": storage.CloneMap(req.Payload)},
		})
		return nil, err
	case storage.RequestHumanRequired:
		_, err := w.registry.AppendLogTx(ctx, tx, storage.LogEntry{
			AgentID:  agent.ID,
			Level:    storage.LevelInfo,
			Source:   storage.SourceSystem,
			Message:  "Human-required request approved: " + req.Title,
			Metadata: map[string]any{"request_id": req.ID},
		})
		return nil, err
	default:
		return nil, xerrors.Newf(CodeInvalidRequestType, "未知的请求类型: %q", req.Type)
	}
}

// communicateTx 记录消息日志，payload 指定目标时同时投递到目标智能体；活动事件在提交后广播。
func (w *Workflow) communicateTx(ctx context.Context, tx storage.Tx, sender *storage.Agent, req *storage.Request) (func(), error) {
	message := payloadString(req.Payload, "message", "content")
	if message == "" {
		message = describe(req)
	}

	var target *storage.Agent
	if targetID := payloadString(req.Payload, "target_agent_id", "targetAgentId", "to"); targetID != "" {
		found, err := tx.GetAgent(ctx, targetID)
		if err != nil {
			return nil, err
		}
		if found.Status == storage.AgentDead {
			return nil, ledger.ErrAgentDead
		}
		target = found
	}

	metadata := map[string]any{"request_id": req.ID}
	if target != nil {
		metadata["target_agent_id"] = target.ID
		metadata["target_name"] = target.Name
	}
	if _, err := w.registry.AppendLogTx(ctx, tx, storage.LogEntry{
		AgentID:  sender.ID,
		Level:    storage.LevelAction,
		Source:   storage.SourceAgent,
		Message:  "Communicated: " + message,
		Metadata: metadata,
	}); err != nil {
		return nil, err
	}
	if target != nil {
		if _, err := w.registry.AppendLogTx(ctx, tx, storage.LogEntry{
			AgentID: target.ID,
			Level:   storage.LevelInfo,
			Source:  storage.SourceAgent,
			Message: fmt.Sprintf("Message from %s: %s", sender.Name, message),
			Metadata: map[string]any{
				"from_agent_id": sender.ID,
				"request_id":    req.ID,
			},
		}); err != nil {
			return nil, err
		}
	}

	summary := fmt.Sprintf("%s communicated: %s", sender.Name, truncate(message, messagePreview))
	if target != nil {
		summary = fmt.Sprintf("%s sent a message to %s: %s", sender.Name, target.Name, truncate(message, messagePreview))
	}
	data := map[string]any{"status": "communicate", "request_id": req.ID}
	if target != nil {
		data["target_agent_id"] = target.ID
	}
	return func() {
		events.Emit(ctx, w.notifier, events.Event{
			Kind:       events.KindAgentActivity,
			AgentID:    sender.ID,
			Name:       sender.Name,
			Generation: sender.Generation,
			Summary:    summary,
			Data:       data,
			OccurredAt: w.registry.Now(),
		})
		w.log.Debug("消息已投递", slog.String("agent_id", sender.ID), slog.Bool("targeted", target != nil))
	}, nil
}

func payloadAmount(payload map[string]any) (money.Amount, error) {
	for _, key := range []string{"amount", "value"} {
		raw, ok := payload[key]
		if !ok || raw == nil {
			continue
		}
		amount, err := money.FromAny(raw)
		if err != nil {
			return 0, xerrors.Wrap(CodeValidationFailed, err, "金额无法解析")
		}
		return amount, nil
	}
	return 0, xerrors.New(CodeValidationFailed, "payload 缺少 amount")
}

func payloadString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
