package cycle

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Survival-Chain/internal/contextbuilder"
	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/events"
	"Survival-Chain/internal/llm"
	"Survival-Chain/internal/observability/metrics"
	"Survival-Chain/internal/registry"
	"Survival-Chain/internal/request"
	"Survival-Chain/internal/storage"
	"Survival-Chain/pkg/logger"
)

// CodeNotEligible 表示智能体当前不参与决策周期。
const CodeNotEligible xerrors.Code = "CYCLE_NOT_ELIGIBLE"

// ErrNotEligible 在智能体不是 alive 状态时返回。
var ErrNotEligible = xerrors.New(CodeNotEligible, "agent is not eligible for a cycle")

func init() {
	xerrors.Register(CodeNotEligible, xerrors.Attributes{
		Message:    "agent is not eligible for a cycle",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
}

const (
	defaultOracleTimeout = 90 * time.Second
	thoughtPreview       = 150
)

// Result 汇总一次周期实际应用的内容。
type Result struct {
	AgentID         string             `json:"agent_id"`
	Thought         string             `json:"thought"`
	StrategyUpdated bool               `json:"strategy_updated"`
	Requests        []*storage.Request `json:"requests"`
	Dropped         int                `json:"dropped"`
}

// Option 定义可选的 Runner 配置。
type Option func(*Runner)

// WithOracleTimeout 设置调用预言机的超时时间。
func WithOracleTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		if timeout > 0 {
			r.oracleTimeout = timeout
		}
	}
}

// WithMaxRequests 设置每个周期采纳的请求上限。
func WithMaxRequests(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxRequests = n
		}
	}
}

// WithNotifier 指定活动事件的通知器。
func WithNotifier(n events.Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// Runner 协调上下文构建、预言机与请求工作流，是周期的业务核心。
type Runner struct {
	registry      *registry.Registry
	builder       *contextbuilder.Builder
	oracle        llm.Oracle
	workflow      *request.Workflow
	notifier      events.Notifier
	oracleTimeout time.Duration
	maxRequests   int
	log           *slog.Logger
}

// NewRunner 创建 Runner。
func NewRunner(reg *registry.Registry, builder *contextbuilder.Builder, oracle llm.Oracle, workflow *request.Workflow, opts ...Option) *Runner {
	r := &Runner{
		registry:      reg,
		builder:       builder,
		oracle:        oracle,
		workflow:      workflow,
		oracleTimeout: defaultOracleTimeout,
		maxRequests:   llm.MaxRequestsPerCycle,
		log:           logger.Named("cycle"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Execute 为单个智能体执行一次完整周期。预言机超时或失败时不应用任何输出。
func (r *Runner) Execute(ctx context.Context, agentID string) (*Result, error) {
	if r.oracle == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置决策预言机")
	}
	agent, err := r.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != storage.AgentAlive {
		metrics.ObserveCycle("skipped")
		return nil, ErrNotEligible
	}

	document, err := r.builder.Build(ctx, agentID)
	if err != nil {
		metrics.ObserveCycle("failed")
		return nil, err
	}

	decision, err := r.decide(ctx, document)
	if err != nil {
		metrics.ObserveCycle("oracle_failed")
		r.log.Warn("预言机调用失败，放弃本轮周期",
			slog.String("agent_id", agentID),
			slog.String("name", agent.Name),
			slog.Any("error", err),
		)
		return nil, err
	}

	accepted, dropped := r.screen(agent, decision.Requests)

	result, err := r.apply(ctx, agent, decision, accepted)
	if err != nil {
		if stdErrors.Is(err, ErrNotEligible) {
			metrics.ObserveCycle("skipped")
			return nil, err
		}
		metrics.ObserveCycle("failed")
		return nil, err
	}
	result.Dropped = dropped
	metrics.ObserveCycle("completed")
	return result, nil
}

func (r *Runner) decide(ctx context.Context, document string) (*llm.Decision, error) {
	oracleCtx, cancel := context.WithTimeout(ctx, r.oracleTimeout)
	defer cancel()

	decision, err := r.oracle.Decide(oracleCtx, document)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(oracleCtx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "预言机推理超时")
		}
		return nil, err
	}
	if oracleCtx.Err() != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, oracleCtx.Err(), "预言机推理超时")
	}
	if decision == nil {
		return nil, xerrors.New(llm.CodeMalformedDecision, "预言机返回空决策")
	}
	return decision, nil
}

// screen 在应用之前校验请求：不合法的与超出上限的请求被丢弃并记录警告。
func (r *Runner) screen(agent *storage.Agent, proposals []llm.ProposedRequest) ([]request.SubmitInput, int) {
	accepted := make([]request.SubmitInput, 0, len(proposals))
	dropped := 0
	for _, proposal := range proposals {
		in := request.SubmitInput{
			AgentID:     agent.ID,
			Type:        proposal.Type,
			Title:       proposal.Title,
			Description: proposal.Description,
			Payload:     proposal.Payload,
			Priority:    proposal.Priority,
		}
		if err := in.Validate(); err != nil {
			dropped++
			r.log.Warn("丢弃不合法的请求提案",
				slog.String("agent_id", agent.ID),
				slog.String("type", string(proposal.Type)),
				slog.Any("error", err),
			)
			continue
		}
		if len(accepted) >= r.maxRequests {
			dropped++
			r.log.Warn("请求提案超过每周期上限，已丢弃",
				slog.String("agent_id", agent.ID),
				slog.String("title", proposal.Title),
				slog.Int("limit", r.maxRequests),
			)
			continue
		}
		accepted = append(accepted, in)
	}
	return accepted, dropped
}

// apply 在单个事务中写入思考、策略更新与全部请求，任何一项失败都放弃整个周期；
// 提交后再按审批策略处理新请求。
func (r *Runner) apply(ctx context.Context, agent *storage.Agent, decision *llm.Decision, inputs []request.SubmitInput) (*Result, error) {
	result := &Result{AgentID: agent.ID, Thought: decision.Thought}

	var submitted []*storage.Request
	err := r.registry.Atomic(ctx, func(tx storage.Tx) error {
		submitted = submitted[:0]
		result.StrategyUpdated = false

		// 预言机调用期间智能体可能已经死亡。
		current, err := tx.GetAgent(ctx, agent.ID)
		if err != nil {
			return err
		}
		if current.Status != storage.AgentAlive {
			return ErrNotEligible
		}
		if decision.Thought != "" {
			if _, err := r.registry.AppendLogTx(ctx, tx, storage.LogEntry{
				AgentID: agent.ID,
				Level:   storage.LevelThought,
				Source:  storage.SourceAgent,
				Message: decision.Thought,
			}); err != nil {
				return err
			}
		}
		if decision.StrategyUpdate != nil {
			if err := r.registry.UpdateStrategyTx(ctx, tx, agent.ID, *decision.StrategyUpdate); err != nil {
				return err
			}
			result.StrategyUpdated = true
		}
		for _, in := range inputs {
			req, err := r.workflow.SubmitTx(ctx, tx, in)
			if err != nil {
				return err
			}
			submitted = append(submitted, req)
		}
		return nil
	})
	if err != nil {
		if !stdErrors.Is(err, ErrNotEligible) {
			r.log.Warn("应用预言机输出失败，放弃本轮周期",
				slog.String("agent_id", agent.ID),
				slog.Int("requests", len(inputs)),
				slog.Any("error", err),
			)
		}
		return nil, err
	}

	for _, req := range submitted {
		settled, err := r.workflow.Settle(ctx, req)
		if err != nil {
			r.log.Warn("自动审批失败，请求保持待处理",
				slog.String("agent_id", agent.ID),
				slog.String("request_id", req.ID),
				slog.Any("error", err),
			)
			settled = req
		}
		result.Requests = append(result.Requests, settled)
	}

	events.Emit(ctx, r.notifier, events.Event{
		Kind:       events.KindAgentActivity,
		AgentID:    agent.ID,
		Name:       agent.Name,
		Generation: agent.Generation,
		Summary:    activitySummary(agent, decision.Thought, len(result.Requests)),
		Data: map[string]any{
			"status":           "thinking",
			"requests":         len(result.Requests),
			"strategy_updated": result.StrategyUpdated,
		},
		OccurredAt: r.registry.Now(),
	})
	r.log.Info("周期完成",
		slog.String("agent_id", agent.ID),
		slog.Int("requests", len(result.Requests)),
		slog.Bool("strategy_updated", result.StrategyUpdated),
	)
	return result, nil
}

func activitySummary(agent *storage.Agent, thought string, requests int) string {
	preview := strings.TrimSpace(thought)
	if runes := []rune(preview); len(runes) > thoughtPreview {
		preview = string(runes[:thoughtPreview]) + "..."
	}
	if preview == "" {
		preview = "(no thought)"
	}
	return fmt.Sprintf("%s thought: %s (%d requests)", agent.Name, preview, requests)
}
