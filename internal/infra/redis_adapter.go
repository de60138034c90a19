// Package infra provides the concrete Redis adapter for the control plane.
//
// It wraps go-redis v9 behind the narrow interfaces consumed by the executor
// pool, the primary task queue, the running-set, and the Redis event bus.
// If Redis is not reachable at startup, cmd/server falls back to in-memory
// implementations where one exists.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Get for missing keys.
var ErrKeyNotFound = errors.New("key not found")

// Redis wraps go-redis v9 with the operations the control plane uses.
// All calls carry the caller's context; the client itself holds a bounded
// connection pool so components share one adapter instead of dialing
// per-request.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects and pings to verify connectivity before returning.
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &Redis{rdb: rdb}, nil
}

// NewRedisFromClient wraps an existing client (tests use this with miniredis).
func NewRedisFromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Close shuts down the underlying client.
func (a *Redis) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// Key/value and set operations (running-set, lease bookkeeping)
// =============================================================================

func (a *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return val, err
}

func (a *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := a.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (a *Redis) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (a *Redis) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SRem(ctx, key, ifaces...).Err()
}

func (a *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

func (a *Redis) SCard(ctx context.Context, key string) (int64, error) {
	return a.rdb.SCard(ctx, key).Result()
}

func (a *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return a.rdb.SIsMember(ctx, key, member).Result()
}

// =============================================================================
// List and sorted-set operations (primary queue)
// =============================================================================

func (a *Redis) RPush(ctx context.Context, key string, value []byte) error {
	return a.rdb.RPush(ctx, key, value).Err()
}

// LPop returns (nil, false, nil) on an empty list.
func (a *Redis) LPop(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := a.rdb.LPop(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (a *Redis) LLen(ctx context.Context, key string) (int64, error) {
	return a.rdb.LLen(ctx, key).Result()
}

func (a *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return a.rdb.LRange(ctx, key, start, stop).Result()
}

func (a *Redis) LRem(ctx context.Context, key string, value []byte) error {
	return a.rdb.LRem(ctx, key, 1, string(value)).Err()
}

func (a *Redis) ZAdd(ctx context.Context, key string, score float64, member []byte) error {
	return a.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: string(member)}).Err()
}

func (a *Redis) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	return a.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", max), Count: limit,
	}).Result()
}

func (a *Redis) ZRem(ctx context.Context, key string, member string) error {
	return a.rdb.ZRem(ctx, key, member).Err()
}

func (a *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	return a.rdb.ZCard(ctx, key).Result()
}

func (a *Redis) HSet(ctx context.Context, key, field string, value []byte) error {
	return a.rdb.HSet(ctx, key, field, value).Err()
}

func (a *Redis) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	val, err := a.rdb.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (a *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	return a.rdb.HDel(ctx, key, fields...).Err()
}

// =============================================================================
// Server-side scripts (lease protocol atomicity)
// =============================================================================

// RunScript executes a Lua script via EVALSHA with automatic SCRIPT LOAD.
// The lease and reservation protocols depend on these being single atomic
// server-side steps. A script returning false produces a nil reply, which
// surfaces here as (nil, nil) rather than redis.Nil.
func (a *Redis) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, a.rdb, keys, args...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return res, err
}

// =============================================================================
// Pub/Sub (Redis-backed event bus)
// =============================================================================

func (a *Redis) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a channel pattern.
// Returns an unsubscribe function.
func (a *Redis) Subscribe(ctx context.Context, pattern string, handler func([]byte)) (func(), error) {
	sub := a.rdb.PSubscribe(ctx, pattern)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", pattern, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
