package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/storage"
)

func TestParseDecision(t *testing.T) {
	decision, err := ParseDecision(`Sure! {"thought":" plan ","strategy_update":null,"requests":[{"type":"spend","title":"VPS","payload":{"amount":1}}]} done`)
	require.NoError(t, err)
	assert.Equal(t, "plan", decision.Thought)
	assert.Nil(t, decision.StrategyUpdate)
	require.Len(t, decision.Requests, 1)
	assert.Equal(t, storage.RequestSpend, decision.Requests[0].Type)
}

func TestParseDecisionStrategyLiteralNull(t *testing.T) {
	decision, err := ParseDecision(`{"thought":"x","strategy_update":"null"}`)
	require.NoError(t, err)
	assert.Nil(t, decision.StrategyUpdate)

	decision, err = ParseDecision(`{"thought":"x","strategy_update":"  scalp  "}`)
	require.NoError(t, err)
	require.NotNil(t, decision.StrategyUpdate)
	assert.Equal(t, "scalp", *decision.StrategyUpdate)
}

func TestParseDecisionRejectsGarbage(t *testing.T) {
	for _, content := range []string{"no json here", `{"thought": 1`, `{"strategy_update": 42}`} {
		_, err := ParseDecision(content)
		assert.Equal(t, CodeMalformedDecision, xerrors.CodeOf(err), content)
	}
}

func TestGuardedOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	inner := OracleFunc(func(context.Context, string) (*Decision, error) {
		calls.Add(1)
		return nil, errors.New("provider down")
	})
	g := NewGuarded(inner, GuardConfig{MaxFailures: 2, OpenTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := g.Decide(context.Background(), "doc")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	_, err := g.Decide(context.Background(), "doc")
	assert.Equal(t, CodeOracleUnavailable, xerrors.CodeOf(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGuardedPassesThrough(t *testing.T) {
	want := &Decision{Thought: "ok"}
	g := NewGuarded(OracleFunc(func(context.Context, string) (*Decision, error) { return want, nil }),
		GuardConfig{RequestsPerSecond: 100, Burst: 1})

	got, err := g.Decide(context.Background(), "doc")
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestGuardedRateLimitHonoursContext(t *testing.T) {
	g := NewGuarded(OracleFunc(func(context.Context, string) (*Decision, error) { return &Decision{}, nil }),
		GuardConfig{RequestsPerSecond: 0.001, Burst: 1})
	_, err := g.Decide(context.Background(), "doc")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Decide(ctx, "doc")
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}
