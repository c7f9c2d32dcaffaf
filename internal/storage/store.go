package storage

import (
	"context"
	"time"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/money"
)

// Reader 聚合只读查询，上下文构建与 API 查询只依赖它。
type Reader interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	ListLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error)
	GetRequest(ctx context.Context, id string) (*Request, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]*Request, error)
}

// Writer 聚合所有写操作。单条写操作各自原子；需要组合时使用 Store.Atomic。
type Writer interface {
	InsertAgent(ctx context.Context, agent *Agent) error
	// CompareAndSetBalance 仅当当前余额等于 expected 时写入 next，否则返回 ErrBalanceConflict。
	CompareAndSetBalance(ctx context.Context, agentID string, expected, next money.Amount, at time.Time) error
	// TransitionStatus 仅当当前状态为 from 时迁移到 to，否则返回 ErrStatusConflict。
	TransitionStatus(ctx context.Context, agentID string, from, to AgentStatus, at time.Time) error
	UpdateStrategy(ctx context.Context, agentID string, strategy *string, at time.Time) error
	MergeMetadata(ctx context.Context, agentID string, patch map[string]any, at time.Time) error
	InsertTransaction(ctx context.Context, tx *Transaction) error
	InsertLog(ctx context.Context, entry *LogEntry) error
	InsertRequest(ctx context.Context, req *Request) error
	// ResolveRequest 仅当请求仍为 pending 时写入结果，否则返回 ErrRequestResolved。
	ResolveRequest(ctx context.Context, id string, status RequestStatus, resolvedBy, response string, at time.Time) error
}

// Tx 是 Atomic 回调内可用的读写视图。
type Tx interface {
	Reader
	Writer
}

// Store 是全部持久化能力的入口。
type Store interface {
	Tx
	// Atomic 在单个事务中执行 fn，fn 返回错误时全部写入回滚。
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

const (
	CodeAgentNotFound   xerrors.Code = "AGENT_NOT_FOUND"
	CodeRequestNotFound xerrors.Code = "REQUEST_NOT_FOUND"
	CodeBalanceConflict xerrors.Code = "BALANCE_CONFLICT"
	CodeStatusConflict  xerrors.Code = "STATUS_CONFLICT"
	CodeRequestResolved xerrors.Code = "ALREADY_RESOLVED"
	CodeDuplicateRecord xerrors.Code = "DUPLICATE_RECORD"
)

var (
	// ErrAgentNotFound 表示智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrRequestNotFound 表示请求不存在。
	ErrRequestNotFound = xerrors.New(CodeRequestNotFound, "request not found")
	// ErrBalanceConflict 表示余额在读取后被并发修改。
	ErrBalanceConflict = xerrors.New(CodeBalanceConflict, "balance changed concurrently")
	// ErrStatusConflict 表示状态迁移的前置状态不匹配。
	ErrStatusConflict = xerrors.New(CodeStatusConflict, "agent status changed concurrently")
	// ErrRequestResolved 表示请求已被处理过。
	ErrRequestResolved = xerrors.New(CodeRequestResolved, "request already resolved")
	// ErrDuplicateRecord 表示主键冲突。
	ErrDuplicateRecord = xerrors.New(CodeDuplicateRecord, "record already exists")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeRequestNotFound, xerrors.Attributes{
		Message:    "request not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeBalanceConflict, xerrors.Attributes{
		Message:    "balance changed concurrently",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeStatusConflict, xerrors.Attributes{
		Message:    "agent status changed concurrently",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeRequestResolved, xerrors.Attributes{
		Message:    "request already resolved",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeDuplicateRecord, xerrors.Attributes{
		Message:    "record already exists",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
}
