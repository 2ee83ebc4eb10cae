// Package redis provides a Redis-backed history backend. Values live in
// plain string keys and a sorted set of all keys with equal scores gives
// lexicographic range scans.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gezibash/arc-modem/internal/history/physical"
	"github.com/gezibash/arc-modem/internal/storage"
)

const (
	KeyAddr         = "addr"
	KeyPassword     = "password"
	KeyDB           = "db"
	KeyMaxRetries   = "max_retries"
	KeyDialTimeout  = "dial_timeout"
	KeyReadTimeout  = "read_timeout"
	KeyWriteTimeout = "write_timeout"
	KeyPoolSize     = "pool_size"
	KeyKeyPrefix    = "key_prefix"

	defaultPrefix = "mm:history:"
	indexKey      = "index"
)

func init() {
	physical.Register("redis", NewFactory, Defaults)
}

// Defaults returns the default configuration for the Redis backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyAddr:         "localhost:6379",
		KeyPassword:     "",
		KeyDB:           "0",
		KeyMaxRetries:   "3",
		KeyDialTimeout:  "5s",
		KeyReadTimeout:  "3s",
		KeyWriteTimeout: "3s",
		KeyPoolSize:     "0",
		KeyKeyPrefix:    defaultPrefix,
	}
}

// NewFactory connects to the server named in config and pings it before
// returning.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	set := storage.Read("redis", config)
	opts := &redis.Options{
		Addr:         set.Required(KeyAddr),
		Password:     set.String(KeyPassword, ""),
		DB:           set.NonNegative(KeyDB, 0),
		MaxRetries:   set.Int(KeyMaxRetries, 3),
		DialTimeout:  set.Duration(KeyDialTimeout, 5*time.Second),
		ReadTimeout:  set.Duration(KeyReadTimeout, 3*time.Second),
		WriteTimeout: set.Duration(KeyWriteTimeout, 3*time.Second),
		PoolSize:     set.NonNegative(KeyPoolSize, 0),
	}
	if err := set.Err(); err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, storage.NewConfigErrorWithCause("redis", KeyAddr, "failed to connect", err)
	}

	prefix := set.String(KeyKeyPrefix, defaultPrefix)
	slog.Info("history store open", "backend", "redis", "addr", opts.Addr, "db", opts.DB, "key_prefix", prefix)
	return NewWithClient(client, prefix), nil
}

// Backend is a Redis implementation of physical.Backend.
type Backend struct {
	client *redis.Client
	prefix string
	closed atomic.Bool
}

// NewWithClient creates a backend over an existing client.
func NewWithClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) valueKey(key string) string { return b.prefix + "v:" + key }
func (b *Backend) index() string              { return b.prefix + indexKey }

func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.valueKey(key), value, 0)
		p.ZAdd(ctx, b.index(), redis.Z{Score: 0, Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	data, err := b.client.Get(ctx, b.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, physical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, b.valueKey(key))
		p.ZRem(ctx, b.index(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (b *Backend) Scan(ctx context.Context, prefix string, limit int) ([]physical.Entry, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	by := &redis.ZRangeBy{Min: "[" + prefix, Max: "+"}
	if prefix != "" {
		by.Max = "(" + prefix + "\xff"
	} else {
		by.Min = "-"
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	keys, err := b.client.ZRangeByLex(ctx, b.index(), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	valueKeys := make([]string, len(keys))
	for i, k := range keys {
		valueKeys[i] = b.valueKey(k)
	}
	values, err := b.client.MGet(ctx, valueKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	out := make([]physical.Entry, 0, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Deleted between the range and the read.
			continue
		}
		out = append(out, physical.Entry{Key: keys[i], Value: []byte(s)})
	}
	return out, nil
}

func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}
	n, err := b.client.ZCard(ctx, b.index()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	return &physical.Stats{Keys: n, BackendType: "redis"}, nil
}

// Close closes the client.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.client.Close()
}
