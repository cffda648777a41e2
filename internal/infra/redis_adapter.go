// Package infra holds the concrete Redis adapter shared by the registry
// mirror and the Redis event bus.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("redis: key not found")

type Options struct {
	Addr     string
	Password string
	DB       int
}

// RedisAdapter wraps a go-redis client behind the small interfaces the
// registry store and the event bus declare.
type RedisAdapter struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs []*redis.PubSub
}

// Connect dials Redis and verifies the connection with PING.
func Connect(ctx context.Context, opts Options) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	slog.Info("[Redis] Connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisAdapter{rdb: rdb}, nil
}

// NewRedisAdapter wraps an existing client without pinging it.
func NewRedisAdapter(rdb *redis.Client) *RedisAdapter {
	return &RedisAdapter{rdb: rdb}
}

func (a *RedisAdapter) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

// Close ends every open subscription and the client.
func (a *RedisAdapter) Close() error {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return a.rdb.Close()
}

func (a *RedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *RedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, err
}

func (a *RedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *RedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	return a.rdb.SAdd(ctx, key, toArgs(members)...).Err()
}

func (a *RedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	return a.rdb.SRem(ctx, key, toArgs(members)...).Err()
}

func (a *RedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

func (a *RedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe delivers each message on channel to handler from a dedicated
// goroutine until the returned function is called.
func (a *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	a.mu.Lock()
	a.subs = append(a.subs, sub)
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = sub.Close()
			<-done
		})
	}, nil
}

func toArgs(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
