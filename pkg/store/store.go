package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mediagate/pkg/domain"
)

// ErrUnavailable indicates the backing store could not be reached or failed
// mid-operation. Callers must not assume the operation took effect.
var ErrUnavailable = errors.New("store unavailable")

// TTLStore is a key-value store with per-key expiry enforced by the store.
type TTLStore interface {
	// Set writes value under key, replacing any previous value and expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only when key is absent. It reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// GetDel atomically reads and removes key. At most one concurrent caller
	// observes ok=true for a given write.
	GetDel(ctx context.Context, key string) (value []byte, ok bool, err error)
	// TTL returns the remaining lifetime of key.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}

// CatalogStore persists catalog entries together with the index used for
// random selection. Implementations keep entry and index membership in step.
type CatalogStore interface {
	PutEntry(ctx context.Context, entry domain.CatalogEntry) error
	GetEntry(ctx context.Context, key string) (domain.CatalogEntry, bool, error)
	DeleteEntry(ctx context.Context, key string) (bool, error)
	// RandomKey returns a uniformly chosen indexed key, or ok=false when the index is empty.
	RandomKey(ctx context.Context) (key string, ok bool, err error)
	Count(ctx context.Context) (int64, error)
	// DropIndexKey removes key from the index without touching entries.
	DropIndexKey(ctx context.Context, key string) error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
