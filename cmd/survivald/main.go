package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"Survival-Chain/internal/api"
	"Survival-Chain/internal/auth"
	"Survival-Chain/internal/config"
	"Survival-Chain/internal/contextbuilder"
	"Survival-Chain/internal/cycle"
	"Survival-Chain/internal/events"
	"Survival-Chain/internal/ledger"
	"Survival-Chain/internal/money"
	"Survival-Chain/internal/observability/alerting"
	"Survival-Chain/internal/observability/metrics"
	"Survival-Chain/internal/reaper"
	"Survival-Chain/internal/registry"
	"Survival-Chain/internal/replicator"
	"Survival-Chain/internal/request"
	"Survival-Chain/internal/scheduler"
	"Survival-Chain/internal/wallet"
	"Survival-Chain/internal/workspace"
	"Survival-Chain/pkg/logger"
)

// main 是 survivald 守护进程的入口。
func main() {
	configPath := flag.String("config", "", "配置文件路径，未指定时读取 SURVIVAL_CONFIG")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Path(*configPath)); err != nil {
		logger.L().Error("survivald 运行失败", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	genesisGrant, err := money.Parse(cfg.Economy.GenesisGrant)
	if err != nil {
		return fmt.Errorf("解析 economy.genesis_grant 失败: %w", err)
	}

	res := &resources{}
	defer res.close()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	res.add("store", store.Close)

	locker, err := buildLocker(ctx, cfg, res)
	if err != nil {
		return err
	}
	notifier, hub, err := buildNotifier(ctx, cfg, res)
	if err != nil {
		return err
	}

	l := ledger.New(store, ledger.WithLocker(locker))
	reg := registry.New(store, l, registry.WithNotifier(notifier))
	rep := replicator.New(reg, l, workspace.New(cfg.Workspace), notifier)
	policy := request.NewPolicy(cfg.Economy.AutoApprove)
	workflow := request.New(store, reg, l, rep, policy,
		request.WithLocker(locker),
		request.WithNotifier(notifier),
	)
	builder := contextbuilder.New(store, contextbuilder.WithWorkspace(workspace.New(cfg.Workspace)))
	reap := reaper.New(reg, l, notifier)

	alerts := alerting.New(cfg.Alerting)
	sched := scheduler.New(scheduler.WithErrorHook(func(ctx context.Context, name string, err error) {
		alerting.Raise(ctx, alerts, name, "", err)
	}))
	if cfg.Reaper.Enabled {
		if err := sched.Add(scheduler.Job{
			Name:     "reaper",
			Schedule: cfg.Reaper.Schedule,
			Run: func(ctx context.Context) error {
				_, err := reap.Sweep(ctx)
				return err
			},
		}); err != nil {
			return err
		}
	}

	dispatcher, err := startCycles(ctx, cfg, res, reg, builder, workflow, notifier, alerts, sched)
	if err != nil {
		return err
	}

	var chain api.BalanceReader
	if cfg.Chain.RPCURL != "" {
		reader, err := wallet.DialChain(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		res.add("chain", func() error { reader.Close(); return nil })
		chain = reader
	}

	authSvc, err := auth.NewService(ctx, cfg.Auth, auth.NewMemoryStore())
	if err != nil {
		return err
	}

	sched.Start(ctx)
	defer sched.Stop()

	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.String("address", addr), slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Deps{
		Store:        store,
		Registry:     reg,
		Replicator:   rep,
		Workflow:     workflow,
		Builder:      builder,
		Reaper:       reap,
		Dispatcher:   dispatcher,
		Hub:          hub,
		Notifier:     notifier,
		Auth:         authSvc,
		Chain:        chain,
		GenesisGrant: genesisGrant,
		CORSOrigins:  cfg.Server.CORSOrigins,
	}).WithShutdownTimeout(cfg.Server.ShutdownTimeout)

	logger.L().Info("survivald 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("lock", cfg.Lock.Driver),
		slog.Bool("cycles", dispatcher != nil),
		slog.Bool("reaper", cfg.Reaper.Enabled),
		slog.String("auth", string(authSvc.Mode())),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		logger.L().Warn("未指定配置文件，使用默认配置")
		return config.Default(filepath.Clean(wd)), nil
	}
	return config.Load(path)
}

// startCycles 组装决策周期：预言机、队列、处理器与定时投递。未启用时返回 nil。
func startCycles(ctx context.Context, cfg *config.Config, res *resources, reg *registry.Registry, builder *contextbuilder.Builder, workflow *request.Workflow, notifier events.Notifier, alerts alerting.Dispatcher, sched *scheduler.Scheduler) (*cycle.Dispatcher, error) {
	if !cfg.Cycle.Enabled || cfg.LLM.Provider == "none" {
		return nil, nil
	}
	oracle, err := buildOracle(cfg)
	if err != nil {
		return nil, err
	}
	runner := cycle.NewRunner(reg, builder, oracle, workflow,
		cycle.WithOracleTimeout(cfg.Cycle.OracleTimeout),
		cycle.WithMaxRequests(cfg.Cycle.MaxRequests),
		cycle.WithNotifier(notifier),
	)

	queue, err := buildQueue(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	res.add("cycle queue", queue.Close)

	processor := cycle.NewProcessor(runner, queue,
		cycle.WithWorkerCount(cfg.Cycle.Workers),
		cycle.WithProcessorLogger(logger.Named("cycle")),
		cycle.WithAlerts(alerts),
	)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("周期处理器异常退出", slog.Any("error", err))
		}
	}()

	dispatcher := cycle.NewDispatcher(reg, queue)
	if err := sched.Add(scheduler.Job{
		Name:     "cycles",
		Schedule: cfg.Cycle.Schedule,
		Run: func(ctx context.Context) error {
			_, err := dispatcher.TriggerAll(ctx)
			return err
		},
	}); err != nil {
		return nil, err
	}
	return dispatcher, nil
}
