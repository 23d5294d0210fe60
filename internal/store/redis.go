package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/podushkina/taskrunner/internal/config"
)

// NewClient connects to redis in single, cluster or sentinel mode and
// verifies the connection with a PING.
func NewClient(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	opts := &redis.UniversalOptions{
		Addrs:        cfg.RedisAddrs(),
		DB:           cfg.Redis.DB,
		Password:     cfg.Redis.Password,
		PoolSize:     20,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	switch cfg.Redis.Mode {
	case "sentinel":
		opts.MasterName = cfg.Redis.MasterName
		return ping(ctx, redis.NewFailoverClient(opts.Failover()))
	case "cluster":
		return ping(ctx, redis.NewClusterClient(opts.Cluster()))
	default:
		return ping(ctx, redis.NewClient(opts.Simple()))
	}
}

func ping(ctx context.Context, client redis.UniversalClient) (redis.UniversalClient, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}
