package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/internal/observability/alerting"
	"Survival-Chain/internal/storage"
	"Survival-Chain/internal/storage/memory"
	"Survival-Chain/internal/storage/storagetest"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	block     chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, agentID string) (*Result, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	return &Result{AgentID: agentID}, nil
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}
	processor := NewProcessor(executor, queue, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	total := 200
	for i := 0; i < total; i++ {
		if err := queue.Publish(ctx, fmt.Sprintf("agent-%d", i)); err != nil {
			t.Fatalf("投递作业失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(executor.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("作业未能及时处理，已完成 %d", executor.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exited: %v", err)
	}
}

func TestProcessorSkipsAgentInFlight(t *testing.T) {
	executor := &fakeExecutor{block: make(chan struct{})}
	processor := NewProcessor(executor, NewMemoryQueue(1))
	ctx := context.Background()

	finished := make(chan struct{})
	go func() {
		_ = processor.handle(ctx, "alpha")
		close(finished)
	}()
	for processor.InFlight() != 1 {
		time.Sleep(time.Millisecond)
	}

	if err := processor.handle(ctx, "alpha"); err != nil {
		t.Fatalf("duplicate job should be skipped silently: %v", err)
	}
	close(executor.block)
	<-finished

	if got := executor.processed.Load(); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
	if processor.InFlight() != 0 {
		t.Fatalf("in-flight set should be empty after completion")
	}
}

type failingExecutor struct{ err error }

func (f failingExecutor) Execute(context.Context, string) (*Result, error) { return nil, f.err }

type alertRecorder struct{ events []alerting.Event }

func (r *alertRecorder) Notify(_ context.Context, event alerting.Event) error {
	r.events = append(r.events, event)
	return nil
}

func TestProcessorRaisesAlertOnFailure(t *testing.T) {
	rec := &alertRecorder{}
	ctx := context.Background()

	upstream := NewProcessor(failingExecutor{err: xerrors.New(xerrors.CodeUpstreamFailure, "oracle down")}, NewMemoryQueue(1), WithAlerts(rec))
	if err := upstream.handle(ctx, "alpha"); err == nil {
		t.Fatal("expected executor error to surface")
	}
	skipped := NewProcessor(failingExecutor{err: ErrNotEligible}, NewMemoryQueue(1), WithAlerts(rec))
	if err := skipped.handle(ctx, "beta"); err != nil {
		t.Fatalf("ineligible agent should be skipped: %v", err)
	}

	if len(rec.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(rec.events))
	}
	if got := rec.events[0]; got.AgentID != "alpha" || got.Component != "cycle" || got.Code != xerrors.CodeUpstreamFailure {
		t.Fatalf("unexpected alert: %+v", got)
	}
}

type agentSource struct{ store *memory.Store }

func (s agentSource) Get(ctx context.Context, id string) (*storage.Agent, error) {
	return s.store.GetAgent(ctx, id)
}

func (s agentSource) List(ctx context.Context, filter storage.AgentFilter) ([]*storage.Agent, error) {
	return s.store.ListAgents(ctx, filter)
}

func TestDispatcherTriggersAliveAgentsOnly(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	alive := storagetest.NewAgent("alive", 0)
	dead := storagetest.NewAgent("dead", 0)
	dead.Status = storage.AgentDead
	for _, agent := range []*storage.Agent{alive, dead} {
		if err := store.InsertAgent(ctx, agent); err != nil {
			t.Fatalf("insert agent: %v", err)
		}
	}

	queue := NewMemoryQueue(8)
	dispatcher := NewDispatcher(agentSource{store}, queue)

	n, err := dispatcher.TriggerAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("TriggerAll = %d, %v", n, err)
	}
	if _, err := dispatcher.Trigger(ctx, dead.ID); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected not eligible for dead agent, got %v", err)
	}
	if _, err := dispatcher.Trigger(ctx, "missing"); !errors.Is(err, storage.ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if n, err := dispatcher.Trigger(ctx, alive.ID); err != nil || n != 1 {
		t.Fatalf("Trigger = %d, %v", n, err)
	}
	if queue.Len() != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", queue.Len())
	}
}
