// Package memory 提供基于内存的 storage.Store 实现，适用于测试与单机演示。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/storage"
)

// Store 将全部记录保存在进程内存中。
type Store struct {
	mu           sync.Mutex
	agents       map[string]*storage.Agent
	transactions []storage.Transaction
	logs         []storage.LogEntry
	requests     map[string]*storage.Request
	requestOrder []string
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建空的内存存储。
func NewStore() *Store {
	return &Store{
		agents:   make(map[string]*storage.Agent),
		requests: make(map[string]*storage.Request),
	}
}

// Atomic 在持有全局锁的情况下执行 fn，失败时按逆序回放撤销日志。
func (s *Store) Atomic(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	view := &txView{store: s}
	if err := fn(view); err != nil {
		for i := len(view.undo) - 1; i >= 0; i-- {
			view.undo[i]()
		}
		return err
	}
	return nil
}

// Close 对内存存储无操作。
func (s *Store) Close() error { return nil }

func (s *Store) GetAgent(_ context.Context, id string) (*storage.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAgent(id)
}

func (s *Store) ListAgents(_ context.Context, filter storage.AgentFilter) ([]*storage.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listAgents(filter), nil
}

func (s *Store) ListTransactions(_ context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTransactions(filter), nil
}

func (s *Store) ListLogs(_ context.Context, filter storage.LogFilter) ([]storage.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLogs(filter), nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*storage.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRequest(id)
}

func (s *Store) ListRequests(_ context.Context, filter storage.RequestFilter) ([]*storage.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRequests(filter), nil
}

func (s *Store) InsertAgent(_ context.Context, agent *storage.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertAgent(agent)
	return err
}

func (s *Store) CompareAndSetBalance(_ context.Context, agentID string, expected, next money.Amount, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.compareAndSetBalance(agentID, expected, next, at)
	return err
}

func (s *Store) TransitionStatus(_ context.Context, agentID string, from, to storage.AgentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.transitionStatus(agentID, from, to, at)
	return err
}

func (s *Store) UpdateStrategy(_ context.Context, agentID string, strategy *string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.updateStrategy(agentID, strategy, at)
	return err
}

func (s *Store) MergeMetadata(_ context.Context, agentID string, patch map[string]any, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.mergeMetadata(agentID, patch, at)
	return err
}

func (s *Store) InsertTransaction(_ context.Context, tx *storage.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertTransaction(tx)
	return err
}

func (s *Store) InsertLog(_ context.Context, entry *storage.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertLog(entry)
	return err
}

func (s *Store) InsertRequest(_ context.Context, req *storage.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.insertRequest(req)
	return err
}

func (s *Store) ResolveRequest(_ context.Context, id string, status storage.RequestStatus, resolvedBy, response string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.resolveRequest(id, status, resolvedBy, response, at)
	return err
}

// 以下方法要求调用方已持有 s.mu。写方法返回撤销函数供 Atomic 回滚使用。

func (s *Store) getAgent(id string) (*storage.Agent, error) {
	agent, ok := s.agents[id]
	if !ok {
		return nil, storage.ErrAgentNotFound
	}
	return agent.Clone(), nil
}

func (s *Store) listAgents(filter storage.AgentFilter) []*storage.Agent {
	result := make([]*storage.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if !matchAgent(agent, filter) {
			continue
		}
		result = append(result, agent.Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].BornAt.Equal(result[j].BornAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].BornAt.Before(result[j].BornAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func matchAgent(agent *storage.Agent, filter storage.AgentFilter) bool {
	if filter.ParentID != nil {
		if agent.ParentID == nil || *agent.ParentID != *filter.ParentID {
			return false
		}
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, status := range filter.Statuses {
			if agent.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !filter.DiesBefore.IsZero() && agent.DiesAt.After(filter.DiesBefore) {
		return false
	}
	if filter.MaxBalance != nil && agent.CryptoBalance.Units() > *filter.MaxBalance {
		return false
	}
	return true
}

func (s *Store) listTransactions(filter storage.TransactionFilter) []storage.Transaction {
	limit := storage.ClampLimit(filter.Limit)
	result := make([]storage.Transaction, 0, limit)
	if filter.Order == storage.OldestFirst {
		for i := 0; i < len(s.transactions) && len(result) < limit; i++ {
			if filter.AgentID == "" || s.transactions[i].AgentID == filter.AgentID {
				result = append(result, s.transactions[i])
			}
		}
		return result
	}
	for i := len(s.transactions) - 1; i >= 0 && len(result) < limit; i-- {
		if filter.AgentID == "" || s.transactions[i].AgentID == filter.AgentID {
			result = append(result, s.transactions[i])
		}
	}
	return result
}

func (s *Store) listLogs(filter storage.LogFilter) []storage.LogEntry {
	limit := storage.ClampLimit(filter.Limit)
	result := make([]storage.LogEntry, 0, limit)
	for i := len(s.logs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.logs[i]
		if filter.AgentID != "" && entry.AgentID != filter.AgentID {
			continue
		}
		if len(filter.Levels) > 0 && !containsLevel(filter.Levels, entry.Level) {
			continue
		}
		if len(filter.Sources) > 0 && !containsSource(filter.Sources, entry.Source) {
			continue
		}
		entry.Metadata = storage.CloneMap(entry.Metadata)
		result = append(result, entry)
	}
	return result
}

func containsLevel(levels []storage.LogLevel, level storage.LogLevel) bool {
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

func containsSource(sources []storage.LogSource, source storage.LogSource) bool {
	for _, s := range sources {
		if s == source {
			return true
		}
	}
	return false
}

func (s *Store) getRequest(id string) (*storage.Request, error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, storage.ErrRequestNotFound
	}
	return req.Clone(), nil
}

func (s *Store) listRequests(filter storage.RequestFilter) []*storage.Request {
	result := make([]*storage.Request, 0)
	for _, id := range s.requestOrder {
		req := s.requests[id]
		if filter.AgentID != "" && req.AgentID != filter.AgentID {
			continue
		}
		if len(filter.Statuses) > 0 {
			found := false
			for _, status := range filter.Statuses {
				if req.Status == status {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		result = append(result, req.Clone())
	}
	if filter.ByResolution {
		sort.SliceStable(result, func(i, j int) bool {
			a, b := result[i], result[j]
			if ra, rb := resolvedAt(a), resolvedAt(b); !ra.Equal(rb) {
				return ra.After(rb)
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID > b.ID
		})
	} else if filter.Order == storage.NewestFirst {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	limit := storage.ClampLimit(filter.Limit)
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func resolvedAt(req *storage.Request) time.Time {
	if req.ResolvedAt == nil {
		return time.Time{}
	}
	return *req.ResolvedAt
}

func (s *Store) insertAgent(agent *storage.Agent) (func(), error) {
	if agent == nil || agent.ID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	if _, exists := s.agents[agent.ID]; exists {
		return nil, storage.ErrDuplicateRecord
	}
	s.agents[agent.ID] = agent.Clone()
	id := agent.ID
	return func() { delete(s.agents, id) }, nil
}

func (s *Store) mutateAgent(agentID string, mutate func(a *storage.Agent) error) (func(), error) {
	agent, ok := s.agents[agentID]
	if !ok {
		return nil, storage.ErrAgentNotFound
	}
	before := agent.Clone()
	if err := mutate(agent); err != nil {
		return nil, err
	}
	return func() { s.agents[agentID] = before }, nil
}

func (s *Store) compareAndSetBalance(agentID string, expected, next money.Amount, at time.Time) (func(), error) {
	return s.mutateAgent(agentID, func(a *storage.Agent) error {
		if a.CryptoBalance != expected {
			return storage.ErrBalanceConflict
		}
		a.CryptoBalance = next
		a.UpdatedAt = at
		return nil
	})
}

func (s *Store) transitionStatus(agentID string, from, to storage.AgentStatus, at time.Time) (func(), error) {
	return s.mutateAgent(agentID, func(a *storage.Agent) error {
		if a.Status != from {
			return storage.ErrStatusConflict
		}
		a.Status = to
		a.UpdatedAt = at
		return nil
	})
}

func (s *Store) updateStrategy(agentID string, strategy *string, at time.Time) (func(), error) {
	return s.mutateAgent(agentID, func(a *storage.Agent) error {
		if strategy == nil {
			a.Strategy = nil
		} else {
			value := *strategy
			a.Strategy = &value
		}
		a.UpdatedAt = at
		return nil
	})
}

func (s *Store) mergeMetadata(agentID string, patch map[string]any, at time.Time) (func(), error) {
	return s.mutateAgent(agentID, func(a *storage.Agent) error {
		if a.Metadata == nil {
			a.Metadata = make(map[string]any, len(patch))
		}
		for k, v := range patch {
			a.Metadata[k] = v
		}
		a.UpdatedAt = at
		return nil
	})
}

func (s *Store) insertTransaction(tx *storage.Transaction) (func(), error) {
	if _, ok := s.agents[tx.AgentID]; !ok {
		return nil, storage.ErrAgentNotFound
	}
	s.transactions = append(s.transactions, *tx)
	n := len(s.transactions) - 1
	return func() { s.transactions = s.transactions[:n] }, nil
}

func (s *Store) insertLog(entry *storage.LogEntry) (func(), error) {
	if _, ok := s.agents[entry.AgentID]; !ok {
		return nil, storage.ErrAgentNotFound
	}
	copied := *entry
	copied.Metadata = storage.CloneMap(entry.Metadata)
	s.logs = append(s.logs, copied)
	n := len(s.logs) - 1
	return func() { s.logs = s.logs[:n] }, nil
}

func (s *Store) insertRequest(req *storage.Request) (func(), error) {
	if _, ok := s.agents[req.AgentID]; !ok {
		return nil, storage.ErrAgentNotFound
	}
	if _, exists := s.requests[req.ID]; exists {
		return nil, storage.ErrDuplicateRecord
	}
	s.requests[req.ID] = req.Clone()
	s.requestOrder = append(s.requestOrder, req.ID)
	id := req.ID
	n := len(s.requestOrder) - 1
	return func() {
		delete(s.requests, id)
		s.requestOrder = s.requestOrder[:n]
	}, nil
}

func (s *Store) resolveRequest(id string, status storage.RequestStatus, resolvedBy, response string, at time.Time) (func(), error) {
	req, ok := s.requests[id]
	if !ok {
		return nil, storage.ErrRequestNotFound
	}
	if req.Status != storage.RequestPending {
		return nil, storage.ErrRequestResolved
	}
	before := req.Clone()
	req.Status = status
	req.ResolvedBy = resolvedBy
	req.Response = response
	resolved := at
	req.ResolvedAt = &resolved
	return func() { s.requests[id] = before }, nil
}
