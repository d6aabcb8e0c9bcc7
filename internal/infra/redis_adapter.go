// Package infra provides concrete pub/sub adapters for the redis transport.
//
// GoRedisAdapter wraps go-redis v9. MemoryPubSub is the in-process fallback
// used when no Redis address is configured, and in tests.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 to implement redisbus.PubSub.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to Redis and verifies the connection.
// Returns the adapter and any connection error (caller decides whether to
// fall back to in-memory).
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	// Ping to verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a Redis Pub/Sub channel.
// It returns an unsubscribe function and a channel that is closed once the
// subscription stops delivering: after unsubscribe, or when the connection
// drops. Pub/Sub does not replay, so a dropped connection is not resumed.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), <-chan struct{}, error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	var closing atomic.Bool
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		for {
			msg, err := sub.Receive(context.Background())
			if err != nil {
				if !closing.Load() {
					slog.Warn("Redis subscription lost", "channel", channel, "error", err)
				}
				sub.Close()
				return
			}
			if m, ok := msg.(*redis.Message); ok {
				handler([]byte(m.Payload))
			}
		}
	}()

	unsub := func() {
		closing.Store(true)
		sub.Close()
	}
	return unsub, ended, nil
}
