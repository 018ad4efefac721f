// Package redisstore implements store.Store on a Redis-protocol server via
// go-redis. Connection-level failures are marked unavailable so the publish
// path can distinguish a dead connection from a store-side rejection.
package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/surgelove/aia-transactions/internal/store"
)

const defaultDialTimeout = 5 * time.Second

// Config selects the Redis endpoint and logical database.
type Config struct {
	// Addr is the host:port of the server.
	Addr string
	// DB is the logical database index.
	DB int
	// Password is optional.
	Password string
	// DialTimeout bounds connection establishment (default 5s).
	DialTimeout time.Duration
	// TLSConfig enables TLS when non-nil (rediss:// endpoints).
	TLSConfig *tls.Config
	// ScanCount sizes SCAN batches for prefix enumeration (default 256).
	ScanCount int64
}

// Store wraps a go-redis client.
type Store struct {
	client    *redis.Client
	scanCount int64
}

// New builds a Store around a fresh client. The connection is dialled lazily;
// callers verify liveness with Ping.
func New(cfg Config) *Store {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	scanCount := cfg.ScanCount
	if scanCount <= 0 {
		scanCount = 256
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		DB:          cfg.DB,
		Password:    cfg.Password,
		DialTimeout: dialTimeout,
		TLSConfig:   cfg.TLSConfig,
	})
	return &Store{client: client, scanCount: scanCount}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnError(err) {
		return store.NewUnavailable(fmt.Errorf("redis: %s: %w", op, err))
	}
	return fmt.Errorf("redis: %s: %w", op, err)
}

// isConnError classifies failures that mean the connection itself is gone.
// Server-side reply errors and context cancellation are not connection
// failures; dial errors, resets and closed clients are.
func isConnError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.ErrClosed) {
		return true
	}
	var reply redis.Error
	if errors.As(err, &reply) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Ping verifies liveness with a PING round trip.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.client.Ping(ctx).Err())
}

// DisablePersistence issues CONFIG SET save "" so the server stops writing
// snapshot files. Managed servers often reject CONFIG; callers treat any
// error as advisory.
func (s *Store) DisablePersistence(ctx context.Context) error {
	return wrap("config set save", s.client.ConfigSet(ctx, "save", "").Err())
}

// SetWithTTL writes value under key with the given lifetime.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redis: ttl must be positive, got %v", ttl)
	}
	return wrap("set", s.client.Set(ctx, key, value, ttl).Err())
}

// SetAdd inserts member into the named set.
func (s *Store) SetAdd(ctx context.Context, set, member string) error {
	return wrap("sadd", s.client.SAdd(ctx, set, member).Err())
}

// Expire refreshes the lifetime of an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redis: ttl must be positive, got %v", ttl)
	}
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return wrap("expire", err)
	}
	if !ok {
		return store.ErrNotFound
	}
	return nil
}

// SetCard returns the member count of the named set.
func (s *Store) SetCard(ctx context.Context, set string) (int64, error) {
	n, err := s.client.SCard(ctx, set).Result()
	if err != nil {
		return 0, wrap("scard", err)
	}
	return n, nil
}

// SetMembers enumerates the named set.
func (s *Store) SetMembers(ctx context.Context, set string) ([]string, error) {
	members, err := s.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, wrap("smembers", err)
	}
	return members, nil
}

// Exists reports whether key currently exists.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("exists", err)
	}
	return n > 0, nil
}

// SetRemove removes members from the named set.
func (s *Store) SetRemove(ctx context.Context, set string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap("srem", s.client.SRem(ctx, set, args...).Err())
}

// KeysByPrefix enumerates every key under prefix using SCAN so the server is
// never blocked by a full KEYS sweep.
func (s *Store) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", s.scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrap("scan", err)
	}
	return keys, nil
}

// Del removes keys outright.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrap("del", s.client.Del(ctx, keys...).Err())
}

// StreamAppend XADDs fields to a log-style stream. Servers predating streams
// surface ErrStreamUnsupported so callers can keep treating the path as
// optional.
func (s *Store) StreamAppend(ctx context.Context, stream string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err()
	if err == nil {
		return nil
	}
	var reply redis.Error
	if errors.As(err, &reply) && strings.Contains(strings.ToLower(reply.Error()), "unknown command") {
		return store.ErrStreamUnsupported
	}
	return wrap("xadd", err)
}

// Close releases the client and its pooled connections.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ store.Store = (*Store)(nil)
