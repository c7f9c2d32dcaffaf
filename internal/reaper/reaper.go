// Package reaper 终结已过截止时间且余额非正的智能体。判定条件是合取的：
// 只过截止时间但仍有余额的智能体会一直存活。
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"Survival-Chain/internal/events"
	"Survival-Chain/internal/ledger"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/observability/metrics"
	"Survival-Chain/internal/registry"
	"Survival-Chain/internal/storage"
	"Survival-Chain/pkg/logger"
)

// StrandedAfter 是 pending 智能体在没有工作区结果时被直接激活前的等待时长。
const StrandedAfter = 15 * time.Minute

// errSpared 表示复核时智能体已不满足死亡条件。
var errSpared = errors.New("agent no longer eligible")

// Reaper 是无状态的周期清理器。
type Reaper struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	notifier events.Notifier
	log      *slog.Logger
}

// New 创建 Reaper。
func New(reg *registry.Registry, l *ledger.Ledger, notifier events.Notifier) *Reaper {
	return &Reaper{registry: reg, ledger: l, notifier: notifier, log: logger.Named("reaper")}
}

// Eligible 判断智能体在 now 时刻是否应被终结。
func Eligible(agent *storage.Agent, now time.Time) bool {
	return agent.Status == storage.AgentAlive &&
		!agent.DiesAt.After(now) &&
		!agent.CryptoBalance.IsPositive()
}

// Stranded 判断 pending 智能体是否已滞留：工作区结果已写入但激活失败，
// 或出生超过 StrandedAfter 仍无结果。
func Stranded(agent *storage.Agent, now time.Time) bool {
	if agent.Status != storage.AgentPending {
		return false
	}
	if _, ok := agent.Metadata["workspace"]; ok {
		return true
	}
	return !agent.BornAt.After(now.Add(-StrandedAfter))
}

// Sweep 执行一次清理并返回终结数量，随后激活滞留的 pending 智能体。
// 单个智能体失败只记录日志，不中断其余处理。
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.registry.Now()
	zero := int64(0)
	candidates, err := r.registry.List(ctx, storage.AgentFilter{
		Statuses:   []storage.AgentStatus{storage.AgentAlive},
		DiesBefore: now,
		MaxBalance: &zero,
	})
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		agent, err := r.reap(ctx, candidate.ID, now)
		if err != nil {
			if errors.Is(err, errSpared) {
				continue
			}
			r.log.Error("终结智能体失败",
				slog.String("agent_id", candidate.ID),
				slog.String("name", candidate.Name),
				slog.Any("error", err),
			)
			continue
		}
		reaped++
		r.announce(ctx, agent, now)
	}

	metrics.ObserveReaped(reaped)
	if reaped > 0 {
		r.log.Info("清理完成", slog.Int("reaped", reaped), slog.Int("candidates", len(candidates)))
	}
	if err := r.activateStranded(ctx, now); err != nil {
		return reaped, err
	}
	return reaped, nil
}

func (r *Reaper) activateStranded(ctx context.Context, now time.Time) error {
	pending, err := r.registry.List(ctx, storage.AgentFilter{
		Statuses: []storage.AgentStatus{storage.AgentPending},
	})
	if err != nil {
		return err
	}
	for _, candidate := range pending {
		if !Stranded(candidate, now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.activate(ctx, candidate.ID, now); err != nil {
			if errors.Is(err, errSpared) {
				continue
			}
			r.log.Error("激活滞留智能体失败",
				slog.String("agent_id", candidate.ID),
				slog.String("name", candidate.Name),
				slog.Any("error", err),
			)
			continue
		}
		r.log.Warn("滞留智能体已激活",
			slog.String("agent_id", candidate.ID),
			slog.String("name", candidate.Name),
			slog.Time("born_at", candidate.BornAt),
		)
	}
	return nil
}

// activate 在独占区内复核滞留条件并推进为 alive。没有工作区结果时记为 timeout。
func (r *Reaper) activate(ctx context.Context, agentID string, now time.Time) error {
	return r.ledger.Exclusive(ctx, agentID, func(tx storage.Tx) error {
		agent, err := tx.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if !Stranded(agent, now) {
			return errSpared
		}
		if _, ok := agent.Metadata["workspace"]; !ok {
			if err := tx.MergeMetadata(ctx, agentID, map[string]any{"workspace": "timeout"}, now); err != nil {
				return err
			}
		}
		if _, err := r.registry.TransitionTx(ctx, tx, agentID, storage.AgentAlive); err != nil {
			return err
		}
		_, err = r.registry.AppendLogTx(ctx, tx, storage.LogEntry{
			AgentID:   agentID,
			Level:     storage.LevelWarning,
			Source:    storage.SourceSystem,
			Message:   fmt.Sprintf("Agent %s activated by the sweeper after provisioning stalled.", agent.Name),
			CreatedAt: now,
		})
		return err
	})
}

// reap 在智能体的独占区内复核条件、标记死亡并记录日志。
func (r *Reaper) reap(ctx context.Context, agentID string, now time.Time) (*storage.Agent, error) {
	var final *storage.Agent
	err := r.ledger.Exclusive(ctx, agentID, func(tx storage.Tx) error {
		agent, err := tx.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if !Eligible(agent, now) {
			return errSpared
		}
		if _, err := r.registry.TransitionTx(ctx, tx, agentID, storage.AgentDead); err != nil {
			return err
		}
		_, err = r.registry.AppendLogTx(ctx, tx, storage.LogEntry{
			AgentID: agentID,
			Level:   storage.LevelInfo,
			Source:  storage.SourceSystem,
			Message: deathMessage(agent),
			Metadata: map[string]any{
				"final_crypto_balance": agent.CryptoBalance.String(),
				"dies_at":              agent.DiesAt.Format(time.RFC3339),
				"generation":           agent.Generation,
			},
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		final = agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	final.Status = storage.AgentDead
	return final, nil
}

func (r *Reaper) announce(ctx context.Context, agent *storage.Agent, now time.Time) {
	logger.Audit().Info("智能体死亡",
		slog.String("agent_id", agent.ID),
		slog.String("name", agent.Name),
		slog.Int("generation", agent.Generation),
		slog.String("final_balance", agent.CryptoBalance.String()),
	)
	events.Emit(ctx, r.notifier, events.Event{
		Kind:       events.KindAgentDied,
		AgentID:    agent.ID,
		Name:       agent.Name,
		Generation: agent.Generation,
		Summary:    fmt.Sprintf("%s died with balance %s", agent.Name, agent.CryptoBalance),
		Data:       map[string]any{"final_crypto_balance": agent.CryptoBalance.String()},
		OccurredAt: now,
	})
}

func deathMessage(agent *storage.Agent) string {
	balance := agent.CryptoBalance
	if balance.IsNegative() {
		balance = money.FromUnits(0)
	}
	return fmt.Sprintf("Agent %s has died. Crypto: %s. Deadline passed with no crypto balance.", agent.Name, balance)
}
