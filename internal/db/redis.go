package db

import (
	"context"
	"fmt"
	"time"

	"buildforge/internal/logging"

	"github.com/go-redis/redis/v8"
)

// NewRedis creates a Redis client for events, webhook deduplication and the
// job queue broker, and verifies connectivity before returning.
func NewRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	logging.L().Info("redis connected")
	return client, nil
}
