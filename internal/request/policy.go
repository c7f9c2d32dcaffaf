package request

import "sync/atomic"

// Policy 是进程级的自动审批开关。它在每次解决时读取，切换只影响之后的请求。
type Policy struct {
	autoApprove atomic.Bool
}

// NewPolicy 以初始值创建策略。
func NewPolicy(autoApprove bool) *Policy {
	p := &Policy{}
	p.autoApprove.Store(autoApprove)
	return p
}

// AutoApprove 返回当前是否自动审批。
func (p *Policy) AutoApprove() bool {
	if p == nil {
		return false
	}
	return p.autoApprove.Load()
}

// SetAutoApprove 切换自动审批并返回旧值。
func (p *Policy) SetAutoApprove(enabled bool) bool {
	return p.autoApprove.Swap(enabled)
}
