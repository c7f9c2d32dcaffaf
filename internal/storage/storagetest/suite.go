// Package storagetest 提供 storage.Store 实现共享的行为测试。
package storagetest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Survival-Chain/internal/ids"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/storage"
)

// Factory 为每个子测试创建一个全新的存储实例。
type Factory func(t *testing.T) storage.Store

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// NewAgent 构造一个用于测试的存活智能体。
func NewAgent(name string, balance money.Amount) *storage.Agent {
	return &storage.Agent{
		ID:               ids.NewEntityID(),
		Name:             name,
		Generation:       1,
		Status:           storage.AgentAlive,
		BornAt:           epoch,
		DiesAt:           epoch.Add(7 * 24 * time.Hour),
		CryptoBalance:    balance,
		APIBudget:        money.MustParse("10"),
		SystemPrompt:     "survive",
		WalletAddress:    "0x0000000000000000000000000000000000000001",
		WalletPrivateKey: "0xkey",
		UpdatedAt:        epoch,
	}
}

// Run 执行全部共享用例。
func Run(t *testing.T, newStore Factory) {
	t.Run("AgentRoundTrip", func(t *testing.T) { testAgentRoundTrip(t, newStore(t)) })
	t.Run("AgentFilters", func(t *testing.T) { testAgentFilters(t, newStore(t)) })
	t.Run("CompareAndSetBalance", func(t *testing.T) { testCompareAndSetBalance(t, newStore(t)) })
	t.Run("TransitionStatus", func(t *testing.T) { testTransitionStatus(t, newStore(t)) })
	t.Run("MetadataAndStrategy", func(t *testing.T) { testMetadataAndStrategy(t, newStore(t)) })
	t.Run("TransactionsOrdering", func(t *testing.T) { testTransactionsOrdering(t, newStore(t)) })
	t.Run("LogsFilter", func(t *testing.T) { testLogsFilter(t, newStore(t)) })
	t.Run("RequestsResolveOnce", func(t *testing.T) { testRequestsResolveOnce(t, newStore(t)) })
	t.Run("ResolvedRequestsTieOrder", func(t *testing.T) { testResolvedRequestsTieOrder(t, newStore(t)) })
	t.Run("AtomicRollback", func(t *testing.T) { testAtomicRollback(t, newStore(t)) })
	t.Run("AtomicCommit", func(t *testing.T) { testAtomicCommit(t, newStore(t)) })
}

func testAgentRoundTrip(t *testing.T, store storage.Store) {
	ctx := context.Background()
	parent := NewAgent("Genesis-1", money.MustParse("100"))
	require.NoError(t, store.InsertAgent(ctx, parent))

	child := NewAgent("Alpha-Gen2-7", money.MustParse("50"))
	child.Generation = 2
	child.ParentID = &parent.ID
	strategy := "hoard"
	child.Strategy = &strategy
	child.Metadata = map[string]any{"note": "hello"}
	require.NoError(t, store.InsertAgent(ctx, child))

	got, err := store.GetAgent(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, child.Name, got.Name)
	assert.Equal(t, 2, got.Generation)
	require.NotNil(t, got.ParentID)
	assert.Equal(t, parent.ID, *got.ParentID)
	require.NotNil(t, got.Strategy)
	assert.Equal(t, "hoard", *got.Strategy)
	assert.Equal(t, "hello", got.Metadata["note"])
	assert.Equal(t, money.MustParse("50"), got.CryptoBalance)
	assert.True(t, got.DiesAt.Equal(child.DiesAt))
	assert.Equal(t, "0xkey", got.WalletPrivateKey)

	_, err = store.GetAgent(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrAgentNotFound))

	err = store.InsertAgent(ctx, child)
	assert.True(t, errors.Is(err, storage.ErrDuplicateRecord))
}

func testAgentFilters(t *testing.T, store storage.Store) {
	ctx := context.Background()
	parent := NewAgent("P", money.MustParse("5"))
	require.NoError(t, store.InsertAgent(ctx, parent))

	poor := NewAgent("Poor", money.MustParse("-1"))
	poor.ParentID = &parent.ID
	poor.BornAt = epoch.Add(time.Second)
	require.NoError(t, store.InsertAgent(ctx, poor))

	old := NewAgent("Old", money.MustParse("3"))
	old.DiesAt = epoch.Add(time.Hour)
	old.BornAt = epoch.Add(2 * time.Second)
	require.NoError(t, store.InsertAgent(ctx, old))

	dead := NewAgent("Dead", money.MustParse("0"))
	dead.Status = storage.AgentDead
	dead.BornAt = epoch.Add(3 * time.Second)
	require.NoError(t, store.InsertAgent(ctx, dead))

	children, err := store.ListAgents(ctx, storage.AgentFilter{ParentID: &parent.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "Poor", children[0].Name)

	alive, err := store.ListAgents(ctx, storage.AgentFilter{Statuses: []storage.AgentStatus{storage.AgentAlive}})
	require.NoError(t, err)
	assert.Len(t, alive, 3)
	assert.Equal(t, "P", alive[0].Name)

	expired, err := store.ListAgents(ctx, storage.AgentFilter{
		Statuses:   []storage.AgentStatus{storage.AgentAlive},
		DiesBefore: epoch.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "Old", expired[0].Name)

	zero := int64(0)
	broke, err := store.ListAgents(ctx, storage.AgentFilter{
		Statuses:   []storage.AgentStatus{storage.AgentAlive},
		MaxBalance: &zero,
	})
	require.NoError(t, err)
	require.Len(t, broke, 1)
	assert.Equal(t, "Poor", broke[0].Name)

	limited, err := store.ListAgents(ctx, storage.AgentFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func testCompareAndSetBalance(t *testing.T, store storage.Store) {
	ctx := context.Background()
	agent := NewAgent("A", money.MustParse("10"))
	require.NoError(t, store.InsertAgent(ctx, agent))

	next := money.MustParse("7.5")
	require.NoError(t, store.CompareAndSetBalance(ctx, agent.ID, money.MustParse("10"), next, epoch.Add(time.Minute)))

	err := store.CompareAndSetBalance(ctx, agent.ID, money.MustParse("10"), money.MustParse("1"), epoch)
	assert.True(t, errors.Is(err, storage.ErrBalanceConflict))

	err = store.CompareAndSetBalance(ctx, "missing", 0, 1, epoch)
	assert.True(t, errors.Is(err, storage.ErrAgentNotFound))

	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, next, got.CryptoBalance)
}

func testTransitionStatus(t *testing.T, store storage.Store) {
	ctx := context.Background()
	agent := NewAgent("A", money.MustParse("1"))
	agent.Status = storage.AgentPending
	require.NoError(t, store.InsertAgent(ctx, agent))

	require.NoError(t, store.TransitionStatus(ctx, agent.ID, storage.AgentPending, storage.AgentAlive, epoch))
	err := store.TransitionStatus(ctx, agent.ID, storage.AgentPending, storage.AgentAlive, epoch)
	assert.True(t, errors.Is(err, storage.ErrStatusConflict))
	require.NoError(t, store.TransitionStatus(ctx, agent.ID, storage.AgentAlive, storage.AgentDead, epoch))

	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AgentDead, got.Status)
}

func testMetadataAndStrategy(t *testing.T, store storage.Store) {
	ctx := context.Background()
	agent := NewAgent("A", money.MustParse("1"))
	agent.Metadata = map[string]any{"keep": "yes"}
	require.NoError(t, store.InsertAgent(ctx, agent))

	require.NoError(t, store.MergeMetadata(ctx, agent.ID, map[string]any{"workspace": "ws-1"}, epoch))
	strategy := "trade more"
	require.NoError(t, store.UpdateStrategy(ctx, agent.ID, &strategy, epoch))

	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "yes", got.Metadata["keep"])
	assert.Equal(t, "ws-1", got.Metadata["workspace"])
	require.NotNil(t, got.Strategy)
	assert.Equal(t, strategy, *got.Strategy)

	err = store.UpdateStrategy(ctx, "missing", &strategy, epoch)
	assert.True(t, errors.Is(err, storage.ErrAgentNotFound))
}

func testTransactionsOrdering(t *testing.T, store storage.Store) {
	ctx := context.Background()
	agent := NewAgent("A", money.MustParse("0"))
	other := NewAgent("B", money.MustParse("0"))
	require.NoError(t, store.InsertAgent(ctx, agent))
	require.NoError(t, store.InsertAgent(ctx, other))

	for i := 1; i <= 3; i++ {
		at := epoch.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.InsertTransaction(ctx, &storage.Transaction{
			ID:           ids.NewSequentialID(at),
			AgentID:      agent.ID,
			Amount:       money.FromUnits(int64(i)),
			Type:         storage.TxIncome,
			Description:  "tick",
			BalanceAfter: money.FromUnits(int64(i)),
			CreatedAt:    at,
		}))
	}
	require.NoError(t, store.InsertTransaction(ctx, &storage.Transaction{
		ID: ids.NewSequentialID(epoch), AgentID: other.ID, Amount: 1, Type: storage.TxIncome, CreatedAt: epoch,
	}))

	newest, err := store.ListTransactions(ctx, storage.TransactionFilter{AgentID: agent.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, money.FromUnits(3), newest[0].Amount)
	assert.Equal(t, money.FromUnits(2), newest[1].Amount)

	oldest, err := store.ListTransactions(ctx, storage.TransactionFilter{AgentID: agent.ID, Order: storage.OldestFirst})
	require.NoError(t, err)
	require.Len(t, oldest, 3)
	assert.Equal(t, money.FromUnits(1), oldest[0].Amount)
	assert.Equal(t, storage.TxIncome, oldest[0].Type)
}

func testLogsFilter(t *testing.T, store storage.Store) {
	ctx := context.Background()
	agent := NewAgent("A", money.MustParse("0"))
	require.NoError(t, store.InsertAgent(ctx, agent))

	entries := []storage.LogEntry{
		{Level: storage.LevelThought, Source: storage.SourceAgent, Message: "thinking"},
		{Level: storage.LevelInfo, Source: storage.SourceController, Message: "hello agent"},
		{Level: storage.LevelAction, Source: storage.SourceSystem, Message: "did it", Metadata: map[string]any{"k": "v"}},
	}
	for i := range entries {
		at := epoch.Add(time.Duration(i) * time.Second)
		entries[i].ID = ids.NewSequentialID(at)
		entries[i].AgentID = agent.ID
		entries[i].CreatedAt = at
		require.NoError(t, store.InsertLog(ctx, &entries[i]))
	}

	all, err := store.ListLogs(ctx, storage.LogFilter{AgentID: agent.ID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "did it", all[0].Message)
	assert.Equal(t, "v", all[0].Metadata["k"])

	thoughts, err := store.ListLogs(ctx, storage.LogFilter{Levels: []storage.LogLevel{storage.LevelThought}})
	require.NoError(t, err)
	require.Len(t, thoughts, 1)
	assert.Equal(t, "thinking", thoughts[0].Message)

	controller, err := store.ListLogs(ctx, storage.LogFilter{AgentID: agent.ID, Sources: []storage.LogSource{storage.SourceController}})
	require.NoError(t, err)
	require.Len(t, controller, 1)
	assert.Equal(t, storage.LevelInfo, controller[0].Level)

	err = store.InsertLog(ctx, &storage.LogEntry{ID: ids.NewSequentialID(epoch), AgentID: "missing", Level: storage.LevelInfo, Source: storage.SourceSystem, CreatedAt: epoch})
	assert.Error(t, err)
}

func testRequestsResolveOnce(t *testing.T, store storage.Store) {
	ctx := context.Background()
	agent := NewAgent("A", money.MustParse("0"))
	require.NoError(t, store.InsertAgent(ctx, agent))

	first := &storage.Request{
		ID: ids.NewEntityID(), AgentID: agent.ID, Type: storage.RequestSpend, Title: "buy", Description: "d",
		Payload: map[string]any{"amount": "1.5"}, Priority: storage.PriorityHigh, Status: storage.RequestPending, CreatedAt: epoch,
	}
	second := &storage.Request{
		ID: ids.NewEntityID(), AgentID: agent.ID, Type: storage.RequestCustom, Title: "other", Description: "d",
		Priority: storage.PriorityLow, Status: storage.RequestPending, CreatedAt: epoch.Add(time.Second),
	}
	require.NoError(t, store.InsertRequest(ctx, first))
	require.NoError(t, store.InsertRequest(ctx, second))

	pending, err := store.ListRequests(ctx, storage.RequestFilter{AgentID: agent.ID, Statuses: []storage.RequestStatus{storage.RequestPending}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, second.ID, pending[0].ID)

	resolvedAt := epoch.Add(time.Minute)
	require.NoError(t, store.ResolveRequest(ctx, first.ID, storage.RequestApproved, "controller:ops", "ok", resolvedAt))
	err = store.ResolveRequest(ctx, first.ID, storage.RequestDenied, "controller:ops", "late", resolvedAt)
	assert.True(t, errors.Is(err, storage.ErrRequestResolved))
	err = store.ResolveRequest(ctx, "missing", storage.RequestDenied, "x", "", resolvedAt)
	assert.True(t, errors.Is(err, storage.ErrRequestNotFound))

	got, err := store.GetRequest(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RequestApproved, got.Status)
	assert.Equal(t, "controller:ops", got.ResolvedBy)
	assert.Equal(t, "ok", got.Response)
	assert.Equal(t, "1.5", got.Payload["amount"])
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(resolvedAt))

	resolved, err := store.ListRequests(ctx, storage.RequestFilter{
		AgentID:      agent.ID,
		Statuses:     []storage.RequestStatus{storage.RequestApproved, storage.RequestDenied},
		ByResolution: true,
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, first.ID, resolved[0].ID)
}

func testResolvedRequestsTieOrder(t *testing.T, store storage.Store) {
	ctx := context.Background()
	agent := NewAgent("A", money.MustParse("0"))
	require.NoError(t, store.InsertAgent(ctx, agent))

	// 同一时刻创建并解决的请求按 id 倒序排列。
	resolvedAt := epoch.Add(time.Minute)
	var want []string
	for i := 0; i < 4; i++ {
		req := &storage.Request{
			ID: ids.NewEntityID(), AgentID: agent.ID, Type: storage.RequestCustom, Title: "same", Description: "d",
			Priority: storage.PriorityMedium, Status: storage.RequestPending, CreatedAt: epoch,
		}
		require.NoError(t, store.InsertRequest(ctx, req))
		require.NoError(t, store.ResolveRequest(ctx, req.ID, storage.RequestDenied, "system", "", resolvedAt))
		want = append(want, req.ID)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(want)))

	for round := 0; round < 3; round++ {
		resolved, err := store.ListRequests(ctx, storage.RequestFilter{
			AgentID:      agent.ID,
			Statuses:     []storage.RequestStatus{storage.RequestDenied},
			ByResolution: true,
		})
		require.NoError(t, err)
		got := make([]string, 0, len(resolved))
		for _, req := range resolved {
			got = append(got, req.ID)
		}
		assert.Equal(t, want, got)
	}
}

func testAtomicRollback(t *testing.T, store storage.Store) {
	ctx := context.Background()
	agent := NewAgent("A", money.MustParse("10"))
	require.NoError(t, store.InsertAgent(ctx, agent))

	boom := errors.New("boom")
	err := store.Atomic(ctx, func(tx storage.Tx) error {
		if err := tx.CompareAndSetBalance(ctx, agent.ID, money.MustParse("10"), money.MustParse("4"), epoch); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &storage.Transaction{
			ID: ids.NewSequentialID(epoch), AgentID: agent.ID, Amount: money.MustParse("-6"),
			Type: storage.TxExpense, BalanceAfter: money.MustParse("4"), CreatedAt: epoch,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10"), got.CryptoBalance)
	history, err := store.ListTransactions(ctx, storage.TransactionFilter{AgentID: agent.ID})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testAtomicCommit(t *testing.T, store storage.Store) {
	ctx := context.Background()
	agent := NewAgent("A", money.MustParse("10"))
	require.NoError(t, store.InsertAgent(ctx, agent))

	err := store.Atomic(ctx, func(tx storage.Tx) error {
		current, err := tx.GetAgent(ctx, agent.ID)
		if err != nil {
			return err
		}
		next := current.CryptoBalance.Add(money.MustParse("2"))
		if err := tx.CompareAndSetBalance(ctx, agent.ID, current.CryptoBalance, next, epoch); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &storage.Transaction{
			ID: ids.NewSequentialID(epoch), AgentID: agent.ID, Amount: money.MustParse("2"),
			Type: storage.TxIncome, BalanceAfter: next, CreatedAt: epoch,
		})
	})
	require.NoError(t, err)

	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("12"), got.CryptoBalance)
	history, err := store.ListTransactions(ctx, storage.TransactionFilter{AgentID: agent.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, got.CryptoBalance, history[0].BalanceAfter)
}
