package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"mediagate/pkg/domain"
)

// RedisCatalogStore keeps each entry as a JSON string and the index as a set.
type RedisCatalogStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCatalogStore builds a catalog store under the given key prefix.
func NewRedisCatalogStore(client redis.UniversalClient, prefix string) *RedisCatalogStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "mediagate"
	}
	return &RedisCatalogStore{client: client, prefix: prefix}
}

// PutEntry writes the entry and its index membership in one MULTI/EXEC.
func (s *RedisCatalogStore) PutEntry(ctx context.Context, entry domain.CatalogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal catalog entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.entryKey(entry.Key), raw, 0)
	pipe.SAdd(ctx, s.indexKey(), entry.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put entry", err)
	}
	return nil
}

// GetEntry looks up one entry without consulting the index.
func (s *RedisCatalogStore) GetEntry(ctx context.Context, key string) (domain.CatalogEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CatalogEntry{}, false, nil
	}
	if err != nil {
		return domain.CatalogEntry{}, false, unavailable("get entry", err)
	}
	var entry domain.CatalogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.CatalogEntry{}, false, fmt.Errorf("unmarshal catalog entry %s: %w", key, err)
	}
	if entry.Key == "" {
		entry.Key = key
	}
	return entry, true, nil
}

// DeleteEntry removes the entry and its index membership together.
func (s *RedisCatalogStore) DeleteEntry(ctx context.Context, key string) (bool, error) {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.entryKey(key))
	pipe.SRem(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, unavailable("delete entry", err)
	}
	return del.Val() > 0, nil
}

// RandomKey uses SRANDMEMBER, which is uniform over set members.
func (s *RedisCatalogStore) RandomKey(ctx context.Context) (string, bool, error) {
	key, err := s.client.SRandMember(ctx, s.indexKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("random key", err)
	}
	return key, true, nil
}

func (s *RedisCatalogStore) Count(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

func (s *RedisCatalogStore) DropIndexKey(ctx context.Context, key string) error {
	if err := s.client.SRem(ctx, s.indexKey(), key).Err(); err != nil {
		return unavailable("drop index key", err)
	}
	return nil
}

func (s *RedisCatalogStore) entryKey(key string) string {
	return fmt.Sprintf("%s:catalog:entry:%s", s.prefix, key)
}

func (s *RedisCatalogStore) indexKey() string {
	return s.prefix + ":catalog:index"
}
