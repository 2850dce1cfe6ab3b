package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/courier/internal/fault"
)

const streamPrefix = "courier:inbox:"

// RedisTransport hands messages off through per-agent Redis Streams,
// one stream per recipient inbox.
type RedisTransport struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisTransport connects to Redis and verifies it with a ping.
func NewRedisTransport(redisURL string, logger *zap.Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisTransport{rdb: rdb, logger: logger}, nil
}

// Deliver appends the message to the recipient's stream.
func (t *RedisTransport) Deliver(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	stream := streamPrefix + msg.RecipientID
	_, err = t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fault.Wrap(fault.Transport, err, "deliver to %s", stream)
	}

	t.logger.Debug("message handed off",
		zap.String("message", msg.ID),
		zap.String("from", msg.SenderID),
		zap.String("to", msg.RecipientID),
		zap.String("type", string(msg.Type)))
	return nil
}

// Subscribe listens for messages on an agent's stream. Returns a channel
// that emits messages; cancel the context to stop.
func (t *RedisTransport) Subscribe(ctx context.Context, agentID string) (<-chan *Message, error) {
	ch := make(chan *Message, 16)
	stream := streamPrefix + agentID

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := t.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, entry := range r.Messages {
					lastID = entry.ID
					data, ok := entry.Values["data"].(string)
					if !ok {
						continue
					}
					var m Message
					if json.Unmarshal([]byte(data), &m) == nil {
						ch <- &m
					}
				}
			}
		}
	}()

	return ch, nil
}

// Close shuts down the Redis connection.
func (t *RedisTransport) Close() error {
	return t.rdb.Close()
}
