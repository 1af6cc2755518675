package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared Redis client.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient builds a Redis client shared by the stores and the rate limiter.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

// RedisTTLStore implements TTLStore on Redis key expiry.
type RedisTTLStore struct {
	client redis.UniversalClient
}

// NewRedisTTLStore wraps an existing client.
func NewRedisTTLStore(client redis.UniversalClient) *RedisTTLStore {
	return &RedisTTLStore{client: client}
}

// Set writes value with the given expiry.
func (s *RedisTTLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", err)
	}
	return nil
}

// SetNX writes value only if key does not exist yet.
func (s *RedisTTLStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// Exists reports whether key is present and unexpired.
func (s *RedisTTLStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

// GetDel uses the GETDEL command so read and delete are a single server-side step.
func (s *RedisTTLStore) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("getdel", err)
	}
	return raw, true, nil
}

// TTL returns the remaining lifetime of key. Keys without expiry report 0.
func (s *RedisTTLStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, unavailable("pttl", err)
	}
	switch {
	case d == -2:
		return 0, false, nil
	case d < 0:
		return 0, true, nil
	default:
		return d, true, nil
	}
}
