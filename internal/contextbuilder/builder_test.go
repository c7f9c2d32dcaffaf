package contextbuilder

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Survival-Chain/internal/ids"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/storage"
	"Survival-Chain/internal/storage/memory"
	"Survival-Chain/internal/storage/storagetest"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type configured struct{}

func (configured) Configured() bool                            { return true }
func (configured) Setup(context.Context, string, string) error { return nil }

func seed(t *testing.T) (*memory.Store, *storage.Agent) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	parent := storagetest.NewAgent("Alpha", money.MustParse("3"))
	parent.Generation = 0
	require.NoError(t, store.InsertAgent(ctx, parent))

	agent := storagetest.NewAgent("Beta-1-42", money.MustParse("2.5"))
	agent.ParentID = &parent.ID
	agent.BornAt = parent.BornAt.Add(time.Second)
	agent.SystemPrompt = "Maximise profit."
	require.NoError(t, store.InsertAgent(ctx, agent))

	balance := money.FromUnits(0)
	for i := 1; i <= 8; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		amount := money.FromUnits(int64(i) * 1_000_000)
		balance = balance.Add(amount)
		require.NoError(t, store.InsertTransaction(ctx, &storage.Transaction{
			ID:           ids.NewSequentialID(at),
			AgentID:      agent.ID,
			Amount:       amount,
			Type:         storage.TxIncome,
			Description:  fmt.Sprintf("payment %d", i),
			BalanceAfter: balance,
			CreatedAt:    at,
		}))
	}
	for i := 1; i <= 5; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.InsertLog(ctx, &storage.LogEntry{
			ID:        ids.NewSequentialID(at),
			AgentID:   agent.ID,
			Level:     storage.LevelThought,
			Source:    storage.SourceAgent,
			Message:   fmt.Sprintf("thought %d", i),
			CreatedAt: at,
		}))
	}
	at := base.Add(10 * time.Hour)
	require.NoError(t, store.InsertLog(ctx, &storage.LogEntry{
		ID:        ids.NewSequentialID(at),
		AgentID:   agent.ID,
		Level:     storage.LevelInfo,
		Source:    storage.SourceController,
		Message:   "Focus on arbitrage",
		CreatedAt: at,
	}))
	require.NoError(t, store.InsertLog(ctx, &storage.LogEntry{
		ID:        ids.NewSequentialID(at.Add(time.Second)),
		AgentID:   agent.ID,
		Level:     storage.LevelInfo,
		Source:    storage.SourceSystem,
		Message:   "system notice",
		CreatedAt: at.Add(time.Second),
	}))

	require.NoError(t, store.InsertRequest(ctx, &storage.Request{
		ID: ids.NewEntityID(), AgentID: agent.ID, Type: storage.RequestHumanRequired,
		Title: "Open exchange account", Priority: storage.PriorityHigh,
		Status: storage.RequestPending, CreatedAt: at,
	}))
	resolved := &storage.Request{
		ID: ids.NewEntityID(), AgentID: agent.ID, Type: storage.RequestSpend,
		Title: "Buy data", Priority: storage.PriorityLow,
		Status: storage.RequestPending, CreatedAt: at,
	}
	require.NoError(t, store.InsertRequest(ctx, resolved))
	require.NoError(t, store.ResolveRequest(ctx, resolved.ID, storage.RequestDenied, "controller:ana", "too pricey", at.Add(time.Minute)))
	return store, agent
}

func TestBuildNotFound(t *testing.T) {
	b := New(memory.NewStore())
	_, err := b.Build(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrAgentNotFound)
}

func TestBuildBoundsAndSections(t *testing.T) {
	store, agent := seed(t)
	b := New(store, WithClock(func() time.Time { return agent.DiesAt.Add(-36 * time.Hour) }))

	doc, err := b.Build(context.Background(), agent.ID)
	require.NoError(t, err)

	assert.Contains(t, doc, "You are Beta-1-42, an autonomous AI agent (generation 1)")
	assert.Contains(t, doc, "Maximise profit.")
	assert.Contains(t, doc, "WALLET: 2.50000000")
	assert.Contains(t, doc, "TIME: 36.0h remaining")
	assert.Contains(t, doc, "Parent: Alpha(Gen0)")
	assert.Contains(t, doc, "Children: none")

	assert.Contains(t, doc, "CONTROLLER MESSAGES:\n>> Focus on arbitrage\n")
	assert.NotContains(t, doc, "system notice")

	assert.Contains(t, doc, "payment 8")
	assert.Contains(t, doc, "payment 4")
	assert.NotContains(t, doc, "payment 3 ")
	assert.Less(t, strings.Index(doc, "payment 8"), strings.Index(doc, "payment 4"))

	assert.Contains(t, doc, "thought 5")
	assert.Contains(t, doc, "thought 3")
	assert.NotContains(t, doc, "thought 2")

	assert.Contains(t, doc, `spend: "Buy data" -> DENIED by controller:ana | "too pricey"`)
	assert.Contains(t, doc, `human_required: "Open exchange account" (pending)`)
	assert.Contains(t, doc, "STRATEGY: No strategy yet. Develop one.")
	assert.Contains(t, doc, "trade|spend|replicate|communicate|strategy_change|custom|human_required")
	assert.NotContains(t, doc, "WORKSPACE:")
}

func TestBuildIsDeterministicExceptRemainingTime(t *testing.T) {
	store, agent := seed(t)
	now := base
	b := New(store, WithClock(func() time.Time { return now }))

	first, err := b.Build(context.Background(), agent.ID)
	require.NoError(t, err)
	now = now.Add(90 * time.Minute)
	second, err := b.Build(context.Background(), agent.ID)
	require.NoError(t, err)

	a, c := strings.Split(first, "\n"), strings.Split(second, "\n")
	require.Equal(t, len(a), len(c))
	var diffs []string
	for i := range a {
		if a[i] != c[i] {
			diffs = append(diffs, a[i])
		}
	}
	require.Len(t, diffs, 1)
	assert.True(t, strings.HasPrefix(diffs[0], "TIME: "))
}

func TestBuildTruncatesItemsAndClampsTime(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	agent := storagetest.NewAgent("Solo", 0)
	require.NoError(t, store.InsertAgent(ctx, agent))
	long := strings.Repeat("界", MaxItemRunes+50)
	require.NoError(t, store.InsertLog(ctx, &storage.LogEntry{
		ID: ids.NewSequentialID(base), AgentID: agent.ID, Level: storage.LevelThought,
		Source: storage.SourceAgent, Message: long, CreatedAt: base,
	}))
	strategy := "hold"
	require.NoError(t, store.UpdateStrategy(ctx, agent.ID, &strategy, base))

	b := New(store, WithClock(func() time.Time { return agent.DiesAt.Add(time.Hour) }), WithWorkspace(configured{}))
	doc, err := b.Build(ctx, agent.ID)
	require.NoError(t, err)

	assert.Contains(t, doc, strings.Repeat("界", MaxItemRunes)+"\n")
	assert.NotContains(t, doc, strings.Repeat("界", MaxItemRunes+1))
	assert.Contains(t, doc, "TIME: 0.0h remaining")
	assert.Contains(t, doc, "Parent: none (genesis)")
	assert.Contains(t, doc, "STRATEGY: hold")
	assert.Contains(t, doc, "WORKSPACE:")
}

func TestBuildListsChildren(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	parent := storagetest.NewAgent("Alpha", money.MustParse("1"))
	require.NoError(t, store.InsertAgent(ctx, parent))
	child := storagetest.NewAgent("Beta-1-7", money.MustParse("0.5"))
	child.ParentID = &parent.ID
	child.Status = storage.AgentPending
	require.NoError(t, store.InsertAgent(ctx, child))

	doc, err := New(store).Build(ctx, parent.ID)
	require.NoError(t, err)
	assert.Contains(t, doc, "Children: Beta-1-7(pending,0.50000000)")
}

func TestBuildCountsPendingBeyondCap(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	agent := storagetest.NewAgent("Alpha", money.MustParse("1"))
	require.NoError(t, store.InsertAgent(ctx, agent))
	for i := 0; i < MaxPending+7; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.InsertRequest(ctx, &storage.Request{
			ID: ids.NewEntityID(), AgentID: agent.ID, Type: storage.RequestCustom,
			Title: fmt.Sprintf("task %03d", i), Priority: storage.PriorityLow,
			Status: storage.RequestPending, CreatedAt: at,
		}))
	}

	doc, err := New(store).Build(ctx, agent.ID)
	require.NoError(t, err)
	assert.Contains(t, doc, `custom: "task 000" (pending)`)
	assert.Contains(t, doc, fmt.Sprintf(`custom: "task %03d" (pending)`, MaxPending-1))
	assert.NotContains(t, doc, fmt.Sprintf(`"task %03d"`, MaxPending))
	assert.Contains(t, doc, "(+7 more pending)\n")
	assert.Equal(t, MaxPending, strings.Count(doc, "(pending)\n"))
}
