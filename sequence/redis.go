// Package sequence provides shared invoice counters for multi-instance
// deployments.
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "utilbill:invoice-seq:"

// incrementer is the slice of the redis client this package needs.
type incrementer interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisSequence implements billing.Sequence with INCR, one key per scope.
type RedisSequence struct {
	client    incrementer
	keyPrefix string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisSequence connects and pings before returning.
func NewRedisSequence(cfg RedisConfig) (*RedisSequence, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisSequenceWithClient(client, cfg.KeyPrefix), client, nil
}

// NewRedisSequenceWithClient wraps an existing client.
func NewRedisSequenceWithClient(client incrementer, keyPrefix string) *RedisSequence {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisSequence{client: client, keyPrefix: keyPrefix}
}

func (s *RedisSequence) Next(ctx context.Context, scope string) (int64, error) {
	n, err := s.client.Incr(ctx, s.keyPrefix+scope).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", scope, err)
	}
	return n, nil
}
