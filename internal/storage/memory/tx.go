package memory

import (
	"context"
	"time"

	"Survival-Chain/internal/money"
	"Survival-Chain/internal/storage"
)

// txView 是 Atomic 回调内使用的视图，调用期间 store.mu 已被持有。
type txView struct {
	store *Store
	undo  []func()
}

var _ storage.Tx = (*txView)(nil)

func (t *txView) record(undo func(), err error) error {
	if err != nil {
		return err
	}
	if undo != nil {
		t.undo = append(t.undo, undo)
	}
	return nil
}

func (t *txView) GetAgent(_ context.Context, id string) (*storage.Agent, error) {
	return t.store.getAgent(id)
}

func (t *txView) ListAgents(_ context.Context, filter storage.AgentFilter) ([]*storage.Agent, error) {
	return t.store.listAgents(filter), nil
}

func (t *txView) ListTransactions(_ context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	return t.store.listTransactions(filter), nil
}

func (t *txView) ListLogs(_ context.Context, filter storage.LogFilter) ([]storage.LogEntry, error) {
	return t.store.listLogs(filter), nil
}

func (t *txView) GetRequest(_ context.Context, id string) (*storage.Request, error) {
	return t.store.getRequest(id)
}

func (t *txView) ListRequests(_ context.Context, filter storage.RequestFilter) ([]*storage.Request, error) {
	return t.store.listRequests(filter), nil
}

func (t *txView) InsertAgent(_ context.Context, agent *storage.Agent) error {
	return t.record(t.store.insertAgent(agent))
}

func (t *txView) CompareAndSetBalance(_ context.Context, agentID string, expected, next money.Amount, at time.Time) error {
	return t.record(t.store.compareAndSetBalance(agentID, expected, next, at))
}

func (t *txView) TransitionStatus(_ context.Context, agentID string, from, to storage.AgentStatus, at time.Time) error {
	return t.record(t.store.transitionStatus(agentID, from, to, at))
}

func (t *txView) UpdateStrategy(_ context.Context, agentID string, strategy *string, at time.Time) error {
	return t.record(t.store.updateStrategy(agentID, strategy, at))
}

func (t *txView) MergeMetadata(_ context.Context, agentID string, patch map[string]any, at time.Time) error {
	return t.record(t.store.mergeMetadata(agentID, patch, at))
}

func (t *txView) InsertTransaction(_ context.Context, tx *storage.Transaction) error {
	return t.record(t.store.insertTransaction(tx))
}

func (t *txView) InsertLog(_ context.Context, entry *storage.LogEntry) error {
	return t.record(t.store.insertLog(entry))
}

func (t *txView) InsertRequest(_ context.Context, req *storage.Request) error {
	return t.record(t.store.insertRequest(req))
}

func (t *txView) ResolveRequest(_ context.Context, id string, status storage.RequestStatus, resolvedBy, response string, at time.Time) error {
	return t.record(t.store.resolveRequest(id, status, resolvedBy, response, at))
}
