// Package request 实现智能体动作请求的提交与审批。请求只能被解决一次，
// 批准后按类型路由到账本、复制器或注册表执行副作用。
package request

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/events"
	"Survival-Chain/internal/ids"
	"Survival-Chain/internal/ledger"
	"Survival-Chain/internal/lock"
	"Survival-Chain/internal/observability/metrics"
	"Survival-Chain/internal/registry"
	"Survival-Chain/internal/replicator"
	"Survival-Chain/internal/storage"
	"Survival-Chain/pkg/logger"
)

const (
	CodeInvalidRequestType xerrors.Code = "INVALID_REQUEST_TYPE"
	CodeValidationFailed   xerrors.Code = "VALIDATION_FAILED"
)

var (
	// ErrInvalidRequestType 表示类型不在固定枚举中。
	ErrInvalidRequestType = xerrors.New(CodeInvalidRequestType, "invalid request type")
	// ErrValidationFailed 表示提交内容不合法。
	ErrValidationFailed = xerrors.New(CodeValidationFailed, "request validation failed")
	// ErrAlreadyResolved 表示请求已被解决过。
	ErrAlreadyResolved = storage.ErrRequestResolved
)

func init() {
	xerrors.Register(CodeInvalidRequestType, xerrors.Attributes{
		Message:    "invalid request type",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeValidationFailed, xerrors.Attributes{
		Message:    "request validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
}

// MaxTitleLength 是标题允许的最大字符数。
const MaxTitleLength = 100

// ResolverSystem 标识自动审批。
const ResolverSystem = "system"

// ControllerResolver 返回人工审批者的标识。
func ControllerResolver(name string) string {
	return "controller:" + strings.TrimSpace(name)
}

func resolverKind(resolver string) string {
	if strings.HasPrefix(resolver, "controller:") {
		return "controller"
	}
	return ResolverSystem
}

// Decision 是审批结论。
type Decision = storage.RequestStatus

const (
	Approve = storage.RequestApproved
	Deny    = storage.RequestDenied
)

// SubmitInput 描述一次请求提交。
type SubmitInput struct {
	AgentID     string              `json:"agent_id"`
	Type        storage.RequestType `json:"type"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Payload     map[string]any      `json:"payload,omitempty"`
	Priority    storage.Priority    `json:"priority,omitempty"`
}

// Validate 检查类型、标题与优先级。
func (in SubmitInput) Validate() error {
	if !in.Type.IsValid() {
		return xerrors.Newf(CodeInvalidRequestType, "未知的请求类型: %q", in.Type)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return xerrors.New(CodeValidationFailed, "标题不能为空")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return xerrors.Newf(CodeValidationFailed, "标题超过 %d 个字符", MaxTitleLength)
	}
	if in.Priority != "" && !in.Priority.IsValid() {
		return xerrors.Newf(CodeValidationFailed, "未知的优先级: %q", in.Priority)
	}
	return nil
}

// Option 自定义 Workflow。
type Option func(*Workflow)

// WithLocker 指定请求级互斥使用的锁。
func WithLocker(locker lock.Locker) Option {
	return func(w *Workflow) {
		if locker != nil {
			w.locker = locker
		}
	}
}

// WithNotifier 指定事件通知器。
func WithNotifier(n events.Notifier) Option {
	return func(w *Workflow) { w.notifier = n }
}

// Workflow 是无状态的请求处理器，共享状态全部位于存储与策略中。
type Workflow struct {
	store      storage.Store
	registry   *registry.Registry
	ledger     *ledger.Ledger
	replicator *replicator.Replicator
	policy     *Policy
	locker     lock.Locker
	notifier   events.Notifier
	log        *slog.Logger
}

// New 创建 Workflow。policy 为 nil 时等价于关闭自动审批。
func New(store storage.Store, reg *registry.Registry, l *ledger.Ledger, rep *replicator.Replicator, policy *Policy, opts ...Option) *Workflow {
	if policy == nil {
		policy = NewPolicy(false)
	}
	w := &Workflow{
		store:      store,
		registry:   reg,
		ledger:     l,
		replicator: rep,
		policy:     policy,
		locker:     lock.NewMemory(),
		log:        logger.Named("request"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Policy 返回注入的自动审批策略。
func (w *Workflow) Policy() *Policy { return w.policy }

// Submit 校验并持久化请求。自动审批开启且类型不是 human_required 时立即由系统批准；
// 副作用失败时请求被记为 denied，返回该请求而不返回错误。
func (w *Workflow) Submit(ctx context.Context, in SubmitInput) (*storage.Request, error) {
	var req *storage.Request
	err := w.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		req, err = w.SubmitTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w.Settle(ctx, req)
}

// SubmitTx 在调用方事务中校验并写入 pending 请求，不触发自动审批。
// 事务提交后应对返回的请求调用 Settle。
func (w *Workflow) SubmitTx(ctx context.Context, tx storage.Tx, in SubmitInput) (*storage.Request, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	agent, err := tx.GetAgent(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == storage.AgentDead {
		return nil, ledger.ErrAgentDead
	}
	priority := in.Priority
	if priority == "" {
		priority = storage.PriorityMedium
	}

	req := &storage.Request{
		ID:          ids.NewEntityID(),
		AgentID:     agent.ID,
		Type:        in.Type,
		Title:       strings.TrimSpace(in.Title),
		Description: strings.TrimSpace(in.Description),
		Payload:     storage.CloneMap(in.Payload),
		Priority:    priority,
		Status:      storage.RequestPending,
		CreatedAt:   w.registry.Now(),
	}
	if err := tx.InsertRequest(ctx, req); err != nil {
		return nil, err
	}
	w.log.Info("请求已提交",
		slog.String("request_id", req.ID),
		slog.String("agent_id", req.AgentID),
		slog.String("type", string(req.Type)),
	)
	return req, nil
}

// Settle 按当前策略处理刚提交的请求：human_required 或自动审批关闭时原样返回。
func (w *Workflow) Settle(ctx context.Context, req *storage.Request) (*storage.Request, error) {
	if req.Type == storage.RequestHumanRequired || !w.policy.AutoApprove() {
		return req, nil
	}
	resolved, err := w.Resolve(ctx, req.ID, Approve, ResolverSystem, "")
	if err != nil {
		if resolved != nil {
			w.log.Warn("自动审批的副作用执行失败",
				slog.String("request_id", req.ID),
				slog.Any("error", err),
			)
			return resolved, nil
		}
		return nil, err
	}
	return resolved, nil
}

// Resolve 以 decision 解决请求，每个请求只能成功解决一次。批准时副作用与结果在请求所属
// 智能体的独占区内同一事务提交；副作用失败时事务回滚，请求被记为 denied，失败原因写入
// response，并返回该请求与错误。
func (w *Workflow) Resolve(ctx context.Context, id string, decision Decision, resolver, response string) (*storage.Request, error) {
	if decision != Approve && decision != Deny {
		return nil, xerrors.Newf(CodeValidationFailed, "未知的审批结论: %q", decision)
	}
	resolver = strings.TrimSpace(resolver)
	if resolver == "" {
		resolver = ResolverSystem
	}

	unlock, err := w.locker.Acquire(ctx, "request:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	req, err := w.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != storage.RequestPending {
		return nil, alreadyResolved(req)
	}

	text := strings.TrimSpace(response)
	now := w.registry.Now()
	if decision == Deny {
		if err := w.store.ResolveRequest(ctx, id, Deny, resolver, text, now); err != nil {
			return nil, err
		}
		return w.record(req, Deny, resolver, text, now), nil
	}

	var after func()
	err = w.ledger.Exclusive(ctx, req.AgentID, func(tx storage.Tx) error {
		after = nil
		hook, err := w.executeTx(ctx, tx, req)
		if err != nil {
			// 存储故障与余额冲突不是副作用的结论，请求保持 pending。
			if stdErrors.Is(err, storage.ErrBalanceConflict) || xerrors.CodeOf(err) == xerrors.CodeStorageFailure {
				return err
			}
			return &effectError{cause: err}
		}
		if err := tx.ResolveRequest(ctx, id, Approve, resolver, text, now); err != nil {
			return err
		}
		after = hook
		return nil
	})

	var failed *effectError
	switch {
	case err == nil:
		w.record(req, Approve, resolver, text, now)
		if after != nil {
			after()
		}
		return req, nil
	case stdErrors.As(err, &failed):
		text = "side effect failed: " + failed.cause.Error()
		if err := w.store.ResolveRequest(ctx, id, Deny, resolver, text, now); err != nil {
			return nil, err
		}
		return w.record(req, Deny, resolver, text, now), failed.cause
	default:
		return nil, err
	}
}

func alreadyResolved(req *storage.Request) error {
	return xerrors.Newf(storage.CodeRequestResolved, "请求 %s 已被解决为 %s", req.ID, req.Status)
}

// record 把已提交的结果写回 req 并记录审计与指标。
func (w *Workflow) record(req *storage.Request, status storage.RequestStatus, resolver, text string, at time.Time) *storage.Request {
	req.Status = status
	req.ResolvedBy = resolver
	req.Response = text
	req.ResolvedAt = &at

	metrics.ObserveResolution(string(req.Type), string(status), resolverKind(resolver))
	logger.Audit().Info("请求已解决",
		slog.String("request_id", req.ID),
		slog.String("agent_id", req.AgentID),
		slog.String("type", string(req.Type)),
		slog.String("decision", string(status)),
		slog.String("resolved_by", resolver),
	)
	return req
}

// Get 返回单个请求。
func (w *Workflow) Get(ctx context.Context, id string) (*storage.Request, error) {
	return w.store.GetRequest(ctx, id)
}

// Pending 返回智能体全部待处理请求，按创建时间正序。
func (w *Workflow) Pending(ctx context.Context, agentID string) ([]*storage.Request, error) {
	return w.store.ListRequests(ctx, storage.RequestFilter{
		AgentID:  agentID,
		Statuses: []storage.RequestStatus{storage.RequestPending},
		Order:    storage.OldestFirst,
		Limit:    500,
	})
}

// Resolved 返回最近解决的请求，按解决时间倒序。
func (w *Workflow) Resolved(ctx context.Context, agentID string, limit int) ([]*storage.Request, error) {
	return w.store.ListRequests(ctx, storage.RequestFilter{
		AgentID:      agentID,
		Statuses:     []storage.RequestStatus{storage.RequestApproved, storage.RequestDenied},
		ByResolution: true,
		Limit:        limit,
	})
}

// List 按过滤条件返回请求。
func (w *Workflow) List(ctx context.Context, filter storage.RequestFilter) ([]*storage.Request, error) {
	return w.store.ListRequests(ctx, filter)
}

func describe(req *storage.Request) string {
	if req.Description == "" {
		return req.Title
	}
	return fmt.Sprintf("%s: %s", req.Title, req.Description)
}
