package storage

import "time"

// Order 控制列表结果的时间顺序。
type Order int

const (
	// NewestFirst 按时间倒序（默认）。
	NewestFirst Order = iota
	// OldestFirst 按时间正序。
	OldestFirst
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// ClampLimit 把查询上限约束在 (0, 500]，非正数使用默认值 100。
func ClampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// AgentFilter 描述智能体列表的过滤条件。
type AgentFilter struct {
	ParentID *string
	Statuses []AgentStatus
	// DiesBefore 非零时仅返回 dies_at <= DiesBefore 的智能体。
	DiesBefore time.Time
	// MaxBalance 非空时仅返回余额 <= 该值的智能体。
	MaxBalance *int64
	Limit      int
}

// TransactionFilter 描述流水查询条件。
type TransactionFilter struct {
	AgentID string
	Limit   int
	Order   Order
}

// LogFilter 描述日志查询条件，AgentID 为空表示全部智能体。
type LogFilter struct {
	AgentID string
	Levels  []LogLevel
	Sources []LogSource
	Limit   int
}

// RequestFilter 描述请求查询条件。
type RequestFilter struct {
	AgentID  string
	Statuses []RequestStatus
	Limit    int
	// ByResolution 为 true 时按 resolved_at 倒序，否则按 created_at 排序。
	ByResolution bool
	Order        Order
}
