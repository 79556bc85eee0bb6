package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultQueue = "notifications:credentials"

// RedisOutbox pushes envelopes onto a Redis list drained by the mail worker.
// Envelopes expire with the list so unsent credentials do not linger forever.
type RedisOutbox struct {
	client *redis.Client
	queue  string
	ttl    time.Duration
}

func NewRedisOutbox(client *redis.Client, queue string, ttl time.Duration) *RedisOutbox {
	if queue == "" {
		queue = DefaultQueue
	}
	return &RedisOutbox{client: client, queue: queue, ttl: ttl}
}

func (o *RedisOutbox) NotifyCredentials(ctx context.Context, msg Credentials) error {
	if o.client == nil {
		return errors.New("redis_not_configured")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := o.client.TxPipeline()
	pipe.LPush(ctx, o.queue, data)
	if o.ttl > 0 {
		pipe.Expire(ctx, o.queue, o.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}
