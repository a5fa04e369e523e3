package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig contains distributed lock settings.
type RedisConfig struct {
	TTL           time.Duration
	RetryInterval time.Duration
}

// DefaultRedisConfig returns default distributed lock settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		TTL:           30 * time.Second,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Redis is a lease lock shared by every process using the same Redis.
// A holder that outlives TTL loses the lease.
type Redis struct {
	client *redis.Client
	config RedisConfig
}

// NewRedis creates a distributed locker.
func NewRedis(client *redis.Client, config RedisConfig) *Redis {
	if config.TTL <= 0 {
		config.TTL = DefaultRedisConfig().TTL
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRedisConfig().RetryInterval
	}
	return &Redis{client: client, config: config}
}

// Acquire polls SET NX until the key is free or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()

	ticker := time.NewTicker(r.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.config.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return r.releaser(key, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) releaser(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
				slog.Error("failed to release lock", "key", key, "error", err)
			}
		})
	}
}
