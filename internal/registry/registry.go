// Package registry 是智能体记录及其生命周期状态的唯一所有者。
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/events"
	"Survival-Chain/internal/ids"
	"Survival-Chain/internal/ledger"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/observability/metrics"
	"Survival-Chain/internal/storage"
	"Survival-Chain/internal/wallet"
	"Survival-Chain/pkg/logger"
)

// GracePeriod 是出生到截止时间之间的固定时长。
const GracePeriod = 7 * 24 * time.Hour

// CodeInvalidTransition 表示违反单调性的状态迁移。
const CodeInvalidTransition xerrors.Code = "INVALID_TRANSITION"

// ErrInvalidTransition 在状态迁移不合法时返回。
var ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid status transition")

func init() {
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:    "invalid status transition",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
}

var namePrefixes = []string{
	"Alpha", "Beta", "Gamma", "Delta", "Epsilon", "Zeta", "Eta", "Theta",
	"Iota", "Kappa", "Lambda", "Mu", "Nu", "Xi", "Omicron", "Pi", "Rho",
	"Sigma", "Tau", "Upsilon",
}

// Option 自定义 Registry。
type Option func(*Registry)

// WithWalletGenerator 替换默认的 EVM 密钥生成器。
func WithWalletGenerator(gen wallet.Generator) Option {
	return func(r *Registry) {
		if gen != nil {
			r.wallets = gen
		}
	}
}

// WithNotifier 设置事件渠道。
func WithNotifier(n events.Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithRand 注入名称生成使用的随机源。
func WithRand(rng *rand.Rand) Option {
	return func(r *Registry) {
		if rng != nil {
			r.rng = rng
		}
	}
}

// Registry 管理智能体的创建、查询与状态迁移。
type Registry struct {
	store    storage.Store
	ledger   *ledger.Ledger
	wallets  wallet.Generator
	notifier events.Notifier
	rngMu    sync.Mutex
	rng      *rand.Rand
}

// New 创建 Registry。时间源与账本保持一致。
func New(store storage.Store, l *ledger.Ledger, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		ledger:  l,
		wallets: wallet.EVM{},
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Now 返回当前时间。
func (r *Registry) Now() time.Time { return r.ledger.Now() }

// GenerateWallet 生成新钱包。
func (r *Registry) GenerateWallet() (wallet.Wallet, error) {
	w, err := r.wallets.Generate()
	if err != nil {
		return wallet.Wallet{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "生成钱包失败")
	}
	return w, nil
}

// ChildName 生成 "前缀-代数-编号" 形式的名称。
func (r *Registry) ChildName(generation int) string {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	prefix := namePrefixes[r.rng.IntN(len(namePrefixes))]
	return fmt.Sprintf("%s-%d-%d", prefix, generation, r.rng.IntN(999))
}

// GenesisInput 描述根智能体。
type GenesisInput struct {
	Name           string         `json:"name"`
	SystemPrompt   string         `json:"system_prompt"`
	Strategy       *string        `json:"strategy,omitempty"`
	InitialBalance money.Amount   `json:"initial_balance"`
	APIBudget      money.Amount   `json:"api_budget"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CreateGenesis 创建第 0 代智能体，初始余额以 income 流水入账。
func (r *Registry) CreateGenesis(ctx context.Context, input GenesisInput) (*storage.Agent, error) {
	prompt := strings.TrimSpace(input.SystemPrompt)
	if prompt == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "system_prompt 不能为空")
	}
	if input.InitialBalance.IsNegative() || input.APIBudget.IsNegative() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "初始余额不能为负")
	}
	w, err := r.GenerateWallet()
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = r.ChildName(0)
	}

	now := r.Now()
	agent := &storage.Agent{
		ID:               ids.NewEntityID(),
		Name:             name,
		Generation:       0,
		Status:           storage.AgentAlive,
		BornAt:           now,
		DiesAt:           now.Add(GracePeriod),
		APIBudget:        input.APIBudget,
		SystemPrompt:     prompt,
		Strategy:         input.Strategy,
		Metadata:         storage.CloneMap(input.Metadata),
		WalletAddress:    w.Address,
		WalletPrivateKey: w.PrivateKey,
		UpdatedAt:        now,
	}
	err = r.store.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.InsertAgent(ctx, agent); err != nil {
			return err
		}
		if input.InitialBalance.IsPositive() {
			if _, err := r.ledger.ApplyTx(ctx, tx, agent.ID, input.InitialBalance, storage.TxIncome, "创世资金"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	agent.CryptoBalance = input.InitialBalance

	metrics.ObserveBirth("genesis")
	logger.Audit().Info("创世智能体已创建",
		slog.String("agent_id", agent.ID),
		slog.String("name", agent.Name),
		slog.String("balance", agent.CryptoBalance.String()),
	)
	events.Emit(ctx, r.notifier, events.Event{
		Kind:       events.KindAgentBorn,
		AgentID:    agent.ID,
		Name:       agent.Name,
		Generation: agent.Generation,
		Summary:    fmt.Sprintf("Genesis agent %s was born", agent.Name),
		Data:       map[string]any{"initial_balance": agent.CryptoBalance.String()},
		OccurredAt: now,
	})
	return agent, nil
}

// Get 返回指定智能体。
func (r *Registry) Get(ctx context.Context, id string) (*storage.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// List 返回符合过滤条件的智能体。
func (r *Registry) List(ctx context.Context, filter storage.AgentFilter) ([]*storage.Agent, error) {
	return r.store.ListAgents(ctx, filter)
}

// Children 返回直接子代。
func (r *Registry) Children(ctx context.Context, parentID string) ([]*storage.Agent, error) {
	return r.store.ListAgents(ctx, storage.AgentFilter{ParentID: &parentID})
}

// Parent 返回父代。父代引用是弱引用，缺失时返回 nil 而非错误。
func (r *Registry) Parent(ctx context.Context, agent *storage.Agent) (*storage.Agent, error) {
	if agent == nil || agent.ParentID == nil {
		return nil, nil
	}
	parent, err := r.store.GetAgent(ctx, *agent.ParentID)
	if err != nil {
		if xerrors.CodeOf(err) == storage.CodeAgentNotFound {
			return nil, nil
		}
		return nil, err
	}
	return parent, nil
}

// UpdateStrategy 更新可变策略文本，空串视为清除。
func (r *Registry) UpdateStrategy(ctx context.Context, id string, strategy string) error {
	return r.store.Atomic(ctx, func(tx storage.Tx) error {
		return r.UpdateStrategyTx(ctx, tx, id, strategy)
	})
}

// UpdateStrategyTx 在调用方事务中更新策略。
func (r *Registry) UpdateStrategyTx(ctx context.Context, tx storage.Tx, id string, strategy string) error {
	agent, err := tx.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.Status == storage.AgentDead {
		return ledger.ErrAgentDead
	}
	var value *string
	if trimmed := strings.TrimSpace(strategy); trimmed != "" {
		value = &trimmed
	}
	return tx.UpdateStrategy(ctx, id, value, r.Now())
}

// Atomic 在单个存储事务中执行 fn，供需要组合多项写入的调用方使用。
func (r *Registry) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	return r.store.Atomic(ctx, fn)
}

// MergeMetadata 合并元数据。
func (r *Registry) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	return r.store.MergeMetadata(ctx, id, patch, r.Now())
}

// Activate 将 pending 智能体推进为 alive。
func (r *Registry) Activate(ctx context.Context, id string) error {
	return r.Transition(ctx, id, storage.AgentAlive)
}

// Transition 执行经过单调性校验的状态迁移。
func (r *Registry) Transition(ctx context.Context, id string, to storage.AgentStatus) error {
	return r.store.Atomic(ctx, func(tx storage.Tx) error {
		_, err := r.TransitionTx(ctx, tx, id, to)
		return err
	})
}

// TransitionTx 在调用方事务中迁移状态，返回迁移前的记录。
func (r *Registry) TransitionTx(ctx context.Context, tx storage.Tx, id string, to storage.AgentStatus) (*storage.Agent, error) {
	agent, err := tx.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !agent.Status.CanTransition(to) {
		return nil, xerrors.Newf(CodeInvalidTransition, "不允许的状态迁移: %s → %s", agent.Status, to)
	}
	if err := tx.TransitionStatus(ctx, id, agent.Status, to, r.Now()); err != nil {
		return nil, err
	}
	return agent, nil
}

// AppendLog 追加一条日志，拒绝写入不存在的智能体。
func (r *Registry) AppendLog(ctx context.Context, entry storage.LogEntry) (*storage.LogEntry, error) {
	var written *storage.LogEntry
	err := r.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		written, err = r.AppendLogTx(ctx, tx, entry)
		return err
	})
	return written, err
}

// AppendLogTx 在调用方事务中追加日志，补齐 ID、时间与默认来源。
func (r *Registry) AppendLogTx(ctx context.Context, tx storage.Tx, entry storage.LogEntry) (*storage.LogEntry, error) {
	if !entry.Level.IsValid() {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的日志级别: %s", entry.Level)
	}
	if entry.Source == "" {
		entry.Source = storage.SourceSystem
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.Now()
	}
	if entry.ID == "" {
		entry.ID = ids.NewSequentialID(entry.CreatedAt)
	}
	if err := tx.InsertLog(ctx, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
