// Package ledger 是唯一允许修改智能体余额的组件：每一次余额变化都伴随一条不可变流水，
// 流水中的 balance_after 与变更后的余额严格一致。
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/ids"
	"Survival-Chain/internal/lock"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/observability/metrics"
	"Survival-Chain/internal/storage"
	"Survival-Chain/pkg/logger"
)

const (
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeAgentDead         xerrors.Code = "AGENT_DEAD"
)

var (
	// ErrInsufficientFunds 表示扣款会使余额为负。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrAgentDead 表示目标智能体已死亡，禁止任何经济或请求变更。
	ErrAgentDead = xerrors.New(CodeAgentDead, "agent is dead")
	// ErrConflict 表示多次重试后仍未能完成余额的比较并交换。
	ErrConflict = xerrors.New(xerrors.CodeConflict, "ledger update conflicted")
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:    "insufficient funds",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 422,
	})
	xerrors.Register(CodeAgentDead, xerrors.Attributes{
		Message:    "agent is dead",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
}

const defaultMaxRetries = 3

// Option 自定义账本行为。
type Option func(*Ledger)

// WithLocker 替换默认的进程内锁，例如多副本部署时使用 Redis 锁。
func WithLocker(locker lock.Locker) Option {
	return func(l *Ledger) {
		if locker != nil {
			l.locker = locker
		}
	}
}

// WithClock 注入时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxRetries 设置比较并交换冲突时的最大重试次数。
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// Ledger 串行化同一智能体上的余额变更。
type Ledger struct {
	store      storage.Store
	locker     lock.Locker
	now        func() time.Time
	maxRetries int
}

// New 创建账本。
func New(store storage.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		locker:     lock.NewMemory(),
		now:        func() time.Time { return time.Now().UTC() },
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Now 返回账本使用的当前时间。
func (l *Ledger) Now() time.Time { return l.now() }

// Apply 在智能体的独占区内应用一笔带符号金额。
func (l *Ledger) Apply(ctx context.Context, agentID string, amount money.Amount, txType storage.TransactionType, description string) (*storage.Transaction, error) {
	var applied *storage.Transaction
	err := l.Exclusive(ctx, agentID, func(tx storage.Tx) error {
		result, err := l.ApplyTx(ctx, tx, agentID, amount, txType, description)
		if err != nil {
			return err
		}
		applied = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// Exclusive 持有智能体的独占锁并在单个存储事务中执行 fn。
// 余额比较并交换冲突时整个 fn 会被重新执行，因此 fn 必须只通过 tx 读写。
func (l *Ledger) Exclusive(ctx context.Context, agentID string, fn func(tx storage.Tx) error) error {
	if l == nil || l.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "账本未初始化")
	}
	unlock, err := l.locker.Acquire(ctx, agentID)
	if err != nil {
		return err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		err = l.store.Atomic(ctx, fn)
		if err == nil || !errors.Is(err, storage.ErrBalanceConflict) {
			return err
		}
		if attempt >= l.maxRetries {
			logger.L().Warn("余额更新冲突，放弃重试",
				slog.String("agent_id", agentID),
				slog.Int("attempts", attempt+1),
			)
			return xerrors.Wrap(xerrors.CodeConflict, err, "账本更新冲突")
		}
	}
}

// ApplyTx 在调用方持有的事务中应用金额。调用方负责持有该智能体的独占区。
func (l *Ledger) ApplyTx(ctx context.Context, tx storage.Tx, agentID string, amount money.Amount, txType storage.TransactionType, description string) (result *storage.Transaction, err error) {
	defer func() { metrics.ObserveLedger(string(txType), err) }()

	if !txType.IsValid() {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的流水类型: %s", txType)
	}
	agent, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == storage.AgentDead {
		return nil, ErrAgentDead
	}
	next := agent.CryptoBalance.Add(amount)
	if next.IsNegative() {
		return nil, xerrors.New(CodeInsufficientFunds,
			"余额不足: 当前 "+agent.CryptoBalance.String()+"，变动 "+amount.Signed(),
			xerrors.WithMetadata("agent_id", agentID))
	}

	now := l.now()
	if err := tx.CompareAndSetBalance(ctx, agentID, agent.CryptoBalance, next, now); err != nil {
		return nil, err
	}
	entry := &storage.Transaction{
		ID:           ids.NewSequentialID(now),
		AgentID:      agentID,
		Amount:       amount,
		Type:         txType,
		Description:  strings.TrimSpace(description),
		BalanceAfter: next,
		CreatedAt:    now,
	}
	if err := tx.InsertTransaction(ctx, entry); err != nil {
		return nil, err
	}
	logger.Audit().Info("账本记账",
		slog.String("agent_id", agentID),
		slog.String("transaction_id", entry.ID),
		slog.String("type", string(txType)),
		slog.String("amount", amount.Signed()),
		slog.String("balance_after", next.String()),
	)
	return entry, nil
}

// History 返回智能体的流水，limit 非正数时使用默认值。
func (l *Ledger) History(ctx context.Context, agentID string, limit int, recentFirst bool) ([]storage.Transaction, error) {
	if _, err := l.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	order := storage.OldestFirst
	if recentFirst {
		order = storage.NewestFirst
	}
	return l.store.ListTransactions(ctx, storage.TransactionFilter{AgentID: agentID, Limit: limit, Order: order})
}
