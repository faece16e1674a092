package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisQueue pushes JSON jobs onto Redis lists consumed by the workers.
type RedisQueue struct {
	rdb *redis.Client
}

// NewRedisQueue creates a new RedisQueue.
func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

// Enqueue appends payload to the named queue.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.rdb.RPush(ctx, queue, data).Err()
}

// Publisher publishes JSON messages on Redis Pub/Sub channels.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a new Publisher.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish sends payload on channel.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe opens a subscription; the caller must Close it.
func (p *Publisher) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return p.rdb.Subscribe(ctx, channel)
}
