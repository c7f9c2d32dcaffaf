package main

import (
	"context"
	"path/filepath"
	"testing"

	"Survival-Chain/internal/config"
	"Survival-Chain/internal/cycle"
	"Survival-Chain/internal/lock"
	"Survival-Chain/internal/storage/memory"
)

func TestDefaultWiring(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default(t.TempDir())
	res := &resources{}
	defer res.close()

	store, err := openStore(ctx, cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	locker, err := buildLocker(ctx, cfg, res)
	if err != nil {
		t.Fatalf("build locker: %v", err)
	}
	if _, ok := locker.(*lock.Memory); !ok {
		t.Fatalf("expected memory locker, got %T", locker)
	}

	notifier, hub, err := buildNotifier(ctx, cfg, res)
	if err != nil || notifier == nil || hub == nil {
		t.Fatalf("build notifier: %v", err)
	}

	queue, err := buildQueue(ctx, cfg, res)
	if err != nil {
		t.Fatalf("build queue: %v", err)
	}
	if _, ok := queue.(*cycle.MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", queue)
	}
}

func TestSQLiteStoreWiring(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQL.Driver = "sqlite"
	cfg.Storage.SQL.DSN = filepath.Join(t.TempDir(), "wiring.db")

	store, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
}

func TestUnknownDrivers(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default(t.TempDir())
	res := &resources{}
	defer res.close()

	cfg.Storage.Driver = "mongo"
	if _, err := openStore(ctx, cfg); err == nil {
		t.Fatal("expected error for unknown storage driver")
	}
	cfg.Lock.Driver = "zookeeper"
	if _, err := buildLocker(ctx, cfg, res); err == nil {
		t.Fatal("expected error for unknown lock driver")
	}
	cfg.Cycle.Queue = "kafka"
	if _, err := buildQueue(ctx, cfg, res); err == nil {
		t.Fatal("expected error for unknown queue driver")
	}
	cfg.LLM.Provider = "mystery"
	if _, err := buildOracle(cfg); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.OpenAI.APIKey = ""
	if _, err := buildOracle(cfg); err == nil {
		t.Fatal("expected error without api key")
	}
}
