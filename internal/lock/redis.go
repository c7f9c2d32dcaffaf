package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "Survival-Chain/internal/errors"
	"Survival-Chain/pkg/logger"
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOption 自定义 Redis 锁行为。
type RedisOption func(*Redis)

// WithTTL 设置锁的最长持有时间，持有者崩溃后锁在 TTL 后自动失效。
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRetryInterval 设置争用时的轮询间隔。
func WithRetryInterval(interval time.Duration) RedisOption {
	return func(r *Redis) {
		if interval > 0 {
			r.retry = interval
		}
	}
}

// WithPrefix 设置键前缀。
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// Redis 基于 SET NX PX 实现跨副本的键控锁，释放时校验持有者令牌。
type Redis struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedis 使用已有连接创建分布式锁。
func NewRedis(client goredis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "survival:lock:",
		ttl:    30 * time.Second,
		retry:  25 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Acquire 实现 Locker。
func (r *Redis) Acquire(ctx context.Context, key string) (Unlock, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	fullKey := r.prefix + key
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, fullKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, xerrors.Wrap(CodeLockTimeout, ctx.Err(), "等待锁超时: "+key)
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 加锁失败")
		}
		if ok {
			return r.unlocker(fullKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(CodeLockTimeout, ctx.Err(), "等待锁超时: "+key)
		case <-ticker.C:
		}
	}
}

func (r *Redis) unlocker(key, token string) Unlock {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			logger.L().Warn("释放 Redis 锁失败", "key", key, "error", err)
		}
	}
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成锁令牌失败: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
