package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rewired-gh/fallguard/internal/config"
)

// RedisGuard claims sessions with SET NX so that several fallguard
// processes watching the same device send one alert between them.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, prefix string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

// Claim reports whether this caller is the first to claim sessionID.
func (g *RedisGuard) Claim(ctx context.Context, sessionID string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+sessionID, time.Now().UnixMilli(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim session %s: %w", sessionID, err)
	}
	return ok, nil
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
