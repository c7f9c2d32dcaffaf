package events

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisPublisher 通过 Redis Pub/Sub 广播事件。
type RedisPublisher struct {
	client  goredis.UniversalClient
	channel string
}

// NewRedisPublisher 创建 Redis 渠道，channel 为空时使用 survival:events。
func NewRedisPublisher(client goredis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = "survival:events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Channel 实现 Notifier。
func (p *RedisPublisher) Channel() Channel { return ChannelRedis }

// Notify 实现 Notifier。
func (p *RedisPublisher) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}
