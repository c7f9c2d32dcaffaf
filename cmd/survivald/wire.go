package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"Survival-Chain/internal/config"
	"Survival-Chain/internal/cycle"
	"Survival-Chain/internal/events"
	"Survival-Chain/internal/llm"
	"Survival-Chain/internal/llm/openai"
	"Survival-Chain/internal/lock"
	"Survival-Chain/internal/storage"
	"Survival-Chain/internal/storage/memory"
	"Survival-Chain/internal/storage/redis"
	"Survival-Chain/internal/storage/sqlstore"
	"Survival-Chain/pkg/logger"
)

// resources 记录需要在退出时逆序关闭的外部连接。
type resources struct {
	names   []string
	closers []func() error
	redis   *goredis.Client
}

func (r *resources) add(name string, closer func() error) {
	r.names = append(r.names, name)
	r.closers = append(r.closers, closer)
}

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.L().Warn("关闭资源失败", slog.String("resource", r.names[i]), slog.Any("error", err))
		}
	}
}

// redisClient 在首次需要时建立共享的 Redis 连接。
func (r *resources) redisClient(ctx context.Context, cfg redis.Config) (*goredis.Client, error) {
	if r.redis != nil {
		return r.redis, nil
	}
	client, err := redis.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.redis = client
	r.add("redis", client.Close)
	return client, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.L().Warn("使用内存存储，进程退出后数据将丢失")
		return memory.NewStore(), nil
	case "mysql", "sqlite":
		store, err := sqlstore.Open(ctx, cfg.Storage.SQL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func buildLocker(ctx context.Context, cfg *config.Config, res *resources) (lock.Locker, error) {
	switch cfg.Lock.Driver {
	case "memory":
		return lock.NewMemory(), nil
	case "redis":
		client, err := res.redisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		return lock.NewRedis(client, lock.WithTTL(cfg.Lock.TTL), lock.WithPrefix(cfg.Lock.Prefix)), nil
	default:
		return nil, fmt.Errorf("未知的锁驱动: %s", cfg.Lock.Driver)
	}
}

// buildNotifier 组合启用的事件通道。进程内 Hub 始终启用，供 SSE 使用。
func buildNotifier(ctx context.Context, cfg *config.Config, res *resources) (events.Notifier, *events.Hub, error) {
	hub := events.NewHub(cfg.Events.HubBuffer)
	notifiers := []events.Notifier{hub}
	if cfg.Events.Log {
		notifiers = append(notifiers, events.NewLogNotifier())
	}
	if cfg.Events.RedisChannel != "" {
		client, err := res.redisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, events.NewRedisPublisher(client, cfg.Events.RedisChannel))
	}
	if cfg.Events.RabbitMQ.URL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.Events.RabbitMQ)
		if err != nil {
			return nil, nil, err
		}
		res.add("amqp events", publisher.Close)
		notifiers = append(notifiers, publisher)
	}
	return events.NewFanout(notifiers...), hub, nil
}

func buildQueue(ctx context.Context, cfg *config.Config, res *resources) (cycle.Queue, error) {
	switch cfg.Cycle.Queue {
	case "memory":
		return cycle.NewMemoryQueue(cfg.Cycle.QueueSize), nil
	case "redis":
		client, err := res.redisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		queue, err := cycle.NewRedisQueue(client, cfg.Cycle.Redis)
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "rabbitmq":
		queue, err := cycle.NewRabbitMQQueue(cfg.Cycle.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Cycle.Queue)
	}
}

func buildOracle(cfg *config.Config) (llm.Oracle, error) {
	switch cfg.LLM.Provider {
	case "openai":
		client, err := openai.NewClient(cfg.LLM.OpenAI)
		if err != nil {
			return nil, err
		}
		return llm.NewGuarded(client, cfg.LLM.Guard), nil
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
