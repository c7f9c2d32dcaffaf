package registry

import (
	"context"
	"errors"
	"math/rand/v2"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Survival-Chain/internal/events"
	"Survival-Chain/internal/ledger"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/storage"
	"Survival-Chain/internal/storage/memory"
	"Survival-Chain/internal/wallet"
)

type captureNotifier struct{ events []events.Event }

func (c *captureNotifier) Channel() events.Channel { return "capture" }

func (c *captureNotifier) Notify(_ context.Context, e events.Event) error {
	c.events = append(c.events, e)
	return nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRegistry(t *testing.T) (*Registry, storage.Store, *captureNotifier) {
	t.Helper()
	store := memory.NewStore()
	l := ledger.New(store, ledger.WithClock(func() time.Time { return fixedNow }))
	notifier := &captureNotifier{}
	gen := wallet.GeneratorFunc(func() (wallet.Wallet, error) {
		return wallet.Wallet{Address: "0xabc", PrivateKey: "0xkey"}, nil
	})
	r := New(store, l, WithWalletGenerator(gen), WithNotifier(notifier), WithRand(rand.New(rand.NewPCG(1, 2))))
	return r, store, notifier
}

func TestCreateGenesisRecordsIncome(t *testing.T) {
	r, store, notifier := newRegistry(t)
	ctx := context.Background()

	agent, err := r.CreateGenesis(ctx, GenesisInput{
		Name:           "Genesis",
		SystemPrompt:   "survive at all costs",
		InitialBalance: money.MustParse("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, agent.Generation)
	assert.Equal(t, storage.AgentAlive, agent.Status)
	assert.True(t, agent.DiesAt.Equal(fixedNow.Add(GracePeriod)))
	assert.Equal(t, "0xabc", agent.WalletAddress)

	stored, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("10"), stored.CryptoBalance)

	history, err := store.ListTransactions(ctx, storage.TransactionFilter{AgentID: agent.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, storage.TxIncome, history[0].Type)
	assert.Equal(t, money.MustParse("10"), history[0].BalanceAfter)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, events.KindAgentBorn, notifier.events[0].Kind)
}

func TestCreateGenesisValidation(t *testing.T) {
	r, _, _ := newRegistry(t)
	_, err := r.CreateGenesis(context.Background(), GenesisInput{})
	assert.Error(t, err)
	_, err = r.CreateGenesis(context.Background(), GenesisInput{SystemPrompt: "x", InitialBalance: money.MustParse("-1")})
	assert.Error(t, err)
}

func TestChildNameFormat(t *testing.T) {
	r, _, _ := newRegistry(t)
	pattern := regexp.MustCompile(`^[A-Z][a-z]+-3-\d{1,3}$`)
	for i := 0; i < 50; i++ {
		assert.Regexp(t, pattern, r.ChildName(3))
	}
}

func TestTransitionsAreMonotone(t *testing.T) {
	r, store, _ := newRegistry(t)
	ctx := context.Background()
	agent, err := r.CreateGenesis(ctx, GenesisInput{SystemPrompt: "x"})
	require.NoError(t, err)

	err = r.Activate(ctx, agent.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	require.NoError(t, r.Transition(ctx, agent.ID, storage.AgentDead))
	err = r.Transition(ctx, agent.ID, storage.AgentAlive)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AgentDead, got.Status)

	err = r.UpdateStrategy(ctx, agent.ID, "new plan")
	assert.True(t, errors.Is(err, ledger.ErrAgentDead))
}

func TestLineageLookups(t *testing.T) {
	r, store, _ := newRegistry(t)
	ctx := context.Background()
	root, err := r.CreateGenesis(ctx, GenesisInput{Name: "Root", SystemPrompt: "x"})
	require.NoError(t, err)

	child := &storage.Agent{
		ID: "child-1", Name: "Alpha-1-1", Generation: 1, ParentID: &root.ID, Status: storage.AgentAlive,
		BornAt: fixedNow, DiesAt: fixedNow.Add(GracePeriod), SystemPrompt: "x", UpdatedAt: fixedNow,
	}
	require.NoError(t, store.InsertAgent(ctx, child))

	children, err := r.Children(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "child-1", children[0].ID)

	parent, err := r.Parent(ctx, child)
	require.NoError(t, err)
	require.NotNil(t, parent)
	assert.Equal(t, "Root", parent.Name)

	orphanParent := "gone"
	orphan := &storage.Agent{ParentID: &orphanParent}
	parent, err = r.Parent(ctx, orphan)
	require.NoError(t, err)
	assert.Nil(t, parent)
}

func TestStrategyAndLogs(t *testing.T) {
	r, store, _ := newRegistry(t)
	ctx := context.Background()
	agent, err := r.CreateGenesis(ctx, GenesisInput{SystemPrompt: "x"})
	require.NoError(t, err)

	require.NoError(t, r.UpdateStrategy(ctx, agent.ID, "  buy low  "))
	got, err := store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Strategy)
	assert.Equal(t, "buy low", *got.Strategy)

	entry, err := r.AppendLog(ctx, storage.LogEntry{AgentID: agent.ID, Level: storage.LevelThought, Message: "hmm"})
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, storage.SourceSystem, entry.Source)

	_, err = r.AppendLog(ctx, storage.LogEntry{AgentID: agent.ID, Level: "loud"})
	assert.Error(t, err)
}
