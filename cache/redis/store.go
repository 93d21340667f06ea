// Package redis implements cache.Store on Redis, for deployments that
// share one cache between several instances. Entries are stored as
// JSON strings with a server-side TTL so Redis expires what Purge
// would otherwise sweep.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client, redisstore.WithTTL(48*time.Hour))
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/cache"
)

var _ cache.Store = (*Store)(nil)

const keyPrefix = "optantes:cache:"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithTTL sets the server-side expiry applied on Put. It should be at
// least the freshness TTL, otherwise entries vanish while still usable.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// Store implements cache.Store backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
	ttl    time.Duration
}

// New creates a Redis-backed store. The caller owns the Redis client
// lifecycle; Close is a no-op.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
		ttl:    48 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

func (s *Store) Get(ctx context.Context, cnpj string) (*cache.Entry, error) {
	raw, err := s.client.Get(ctx, keyPrefix+cnpj).Result()
	if errors.Is(err, redis.Nil) {
		return nil, optantes.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("optantes/redis: get %s: %w", cnpj, err)
	}

	var entry cache.Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("optantes/redis: decode %s: %w", cnpj, err)
	}
	return &entry, nil
}

func (s *Store) Put(ctx context.Context, entry *cache.Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("optantes/redis: encode %s: %w", entry.CNPJ, err)
	}
	if err := s.client.Set(ctx, keyPrefix+entry.CNPJ, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("optantes/redis: put %s: %w", entry.CNPJ, err)
	}
	return nil
}

// Purge walks the key space and deletes entries fetched before the
// cutoff. Redis expiry usually gets there first; this catches entries
// written with a longer server-side TTL than the freshness window.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	var dropped int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return dropped, fmt.Errorf("optantes/redis: purge scan: %w", err)
		}
		for _, key := range keys {
			raw, err := s.client.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return dropped, fmt.Errorf("optantes/redis: purge get %s: %w", key, err)
			}
			var entry cache.Entry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.FetchedAt.Before(olderThan) {
				if err := s.client.Del(ctx, key).Err(); err != nil {
					return dropped, fmt.Errorf("optantes/redis: purge del %s: %w", key, err)
				}
				dropped++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if dropped > 0 {
		s.logger.Debug("purged stale cache entries", slog.Int64("count", dropped))
	}
	return dropped, nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the client.
func (s *Store) Close() error { return nil }
