package storage

import (
	"time"

	"Survival-Chain/internal/money"
)

// AgentStatus 表示智能体的生命周期状态。
type AgentStatus string

const (
	AgentPending AgentStatus = "pending"
	AgentAlive   AgentStatus = "alive"
	AgentDead    AgentStatus = "dead"
)

// CanTransition 判断状态迁移是否满足单调性：pending → alive → dead，或 alive → dead。
func (s AgentStatus) CanTransition(to AgentStatus) bool {
	switch s {
	case AgentPending:
		return to == AgentAlive || to == AgentDead
	case AgentAlive:
		return to == AgentDead
	default:
		return false
	}
}

// Agent 是智能体的持久化记录。
type Agent struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Generation       int            `json:"generation"`
	ParentID         *string        `json:"parent_id,omitempty"`
	Status           AgentStatus    `json:"status"`
	BornAt           time.Time      `json:"born_at"`
	DiesAt           time.Time      `json:"dies_at"`
	CryptoBalance    money.Amount   `json:"crypto_balance"`
	APIBudget        money.Amount   `json:"api_budget"`
	SystemPrompt     string         `json:"system_prompt"`
	Strategy         *string        `json:"strategy,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	WalletAddress    string         `json:"wallet_address"`
	WalletPrivateKey string         `json:"-"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone 返回深拷贝，存储实现对外只暴露副本。
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.ParentID != nil {
		parent := *a.ParentID
		c.ParentID = &parent
	}
	if a.Strategy != nil {
		strategy := *a.Strategy
		c.Strategy = &strategy
	}
	c.Metadata = CloneMap(a.Metadata)
	return &c
}

// TransactionType 区分账本流水的类别。
type TransactionType string

const (
	TxIncome     TransactionType = "income"
	TxExpense    TransactionType = "expense"
	TxBirthGrant TransactionType = "birth_grant"
	TxTrade      TransactionType = "trade"
	TxTransfer   TransactionType = "transfer"
)

// IsValid 检查流水类型是否受支持。
func (t TransactionType) IsValid() bool {
	switch t {
	case TxIncome, TxExpense, TxBirthGrant, TxTrade, TxTransfer:
		return true
	default:
		return false
	}
}

// Transaction 是不可变的账本流水。
type Transaction struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	Amount       money.Amount    `json:"amount"`
	Type         TransactionType `json:"type"`
	Description  string          `json:"description"`
	BalanceAfter money.Amount    `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RequestType 是智能体可提交的动作类型。
type RequestType string

const (
	RequestTrade          RequestType = "trade"
	RequestSpend          RequestType = "spend"
	RequestReplicate      RequestType = "replicate"
	RequestCommunicate    RequestType = "communicate"
	RequestStrategyChange RequestType = "strategy_change"
	RequestCustom         RequestType = "custom"
	RequestHumanRequired  RequestType = "human_required"
)

// RequestTypes 以固定顺序列出全部动作类型。
var RequestTypes = []RequestType{
	RequestTrade,
	RequestSpend,
	RequestReplicate,
	RequestCommunicate,
	RequestStrategyChange,
	RequestCustom,
	RequestHumanRequired,
}

// IsValid 检查动作类型是否属于固定枚举。
func (t RequestType) IsValid() bool {
	for _, known := range RequestTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RequestStatus 是请求的审批状态。
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
)

// Priority 是请求的优先级。
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValid 检查优先级。
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Request 是智能体提交的动作提案。
type Request struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Type        RequestType    `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    Priority       `json:"priority"`
	Status      RequestStatus  `json:"status"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	Response    string         `json:"response,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// Clone 返回深拷贝。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Payload = CloneMap(r.Payload)
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		c.ResolvedAt = &at
	}
	return &c
}

// LogLevel 是日志条目的级别/类别。
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
	LevelThought LogLevel = "thought"
	LevelAction  LogLevel = "action"
)

// IsValid 检查日志级别。
func (l LogLevel) IsValid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelThought, LevelAction:
		return true
	default:
		return false
	}
}

// LogSource 标记日志条目的来源，取代在消息前缀里编码控制者消息的做法。
type LogSource string

const (
	SourceAgent      LogSource = "agent"
	SourceController LogSource = "controller"
	SourceSystem     LogSource = "system"
)

// LogEntry 是只追加的观察记录。
type LogEntry struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Level     LogLevel       `json:"level"`
	Source    LogSource      `json:"source"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CloneMap 浅拷贝 map 的顶层键值。
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
