package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRedisTimeout bounds every Redis call made without a caller context.
const DefaultRedisTimeout = 5 * time.Second

// RedisList is a queue stored in a Redis list. Items are JSON encoded,
// pushed with RPUSH and consumed with BLPOP by any number of processes.
type RedisList[T any] struct {
	redis   redis.Cmdable
	key     string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRedisList creates a queue backed by the list at key.
func NewRedisList[T any](redisClient redis.Cmdable, key string) *RedisList[T] {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisList[T]{
		redis:   redisClient,
		key:     key,
		timeout: DefaultRedisTimeout,
		logger:  log.With().Str("component", "redis-list").Str("key", key).Logger(),
	}
}

// Key returns the Redis key of the list.
func (q *RedisList[T]) Key() string {
	return q.key
}

// Push appends items to the tail of the list in a single RPUSH.
func (q *RedisList[T]) Push(items []T) error {
	if len(items) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(items))
	for i, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal item %d: %w", i, err)
		}
		values = append(values, data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if err := q.redis.RPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Len returns the length of the list. A failed lookup reports -1 so the
// queue is never taken for idle while Redis is unreachable.
func (q *RedisList[T]) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	n, err := q.redis.LLen(ctx, q.key).Result()
	if err != nil {
		q.logger.Warn().Err(err).Msg("Redis list length lookup failed")
		return -1
	}
	return int(n)
}

// Pop waits up to timeout for the head of the list. ok is false when the
// timeout expired with the list still empty.
func (q *RedisList[T]) Pop(ctx context.Context, timeout time.Duration) (item T, ok bool, err error) {
	res, err := q.redis.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return item, false, nil
		}
		return item, false, fmt.Errorf("redis blpop: %w", err)
	}

	// BLPOP replies with [key, value]
	if len(res) != 2 {
		return item, false, fmt.Errorf("redis blpop: unexpected reply length %d", len(res))
	}
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return item, false, fmt.Errorf("unmarshal item: %w", err)
	}
	return item, true, nil
}
