// Package catalog manages the media catalog: adding items, direct lookups and
// uniform random selection.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediagate/internal/util"
	"mediagate/pkg/domain"
	"mediagate/pkg/store"
)

// KeyLength is the length of generated catalog keys.
const KeyLength = 16

var (
	// ErrNotFound indicates a catalog lookup miss.
	ErrNotFound = errors.New("media not found")
	// ErrEmpty indicates the catalog has no members to pick from.
	ErrEmpty = errors.New("catalog empty")
	// ErrInvalidMedia indicates a media ref without a known kind or content id.
	ErrInvalidMedia = errors.New("invalid media reference")
)

// Manager is the only writer of the catalog keyspace.
type Manager struct {
	store  store.CatalogStore
	newKey func() (string, error)
	now    func() time.Time
}

// NewManager builds a catalog manager on top of a catalog store.
func NewManager(s store.CatalogStore) *Manager {
	return &Manager{
		store:  s,
		newKey: func() (string, error) { return util.RandomAlphanumeric(KeyLength) },
		now:    time.Now,
	}
}

// AddMedia stores ref under a fresh random key and returns the key. A key
// collision overwrites the previous entry.
func (m *Manager) AddMedia(ctx context.Context, ref domain.MediaRef, addedBy int64) (string, error) {
	ref.ContentID = strings.TrimSpace(ref.ContentID)
	if !ref.Kind.Valid() || ref.ContentID == "" {
		return "", ErrInvalidMedia
	}
	if ref.Source == "" {
		ref.Source = domain.SourceTelegram
	}
	key, err := m.newKey()
	if err != nil {
		return "", fmt.Errorf("generate catalog key: %w", err)
	}
	entry := domain.CatalogEntry{
		Key:       key,
		Media:     ref,
		AddedBy:   addedBy,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.PutEntry(ctx, entry); err != nil {
		return "", fmt.Errorf("add media: %w", err)
	}
	return key, nil
}

// GetMedia resolves key directly, without consulting the index.
func (m *Manager) GetMedia(ctx context.Context, key string) (domain.MediaRef, error) {
	if !util.IsAlphanumeric(key) {
		return domain.MediaRef{}, ErrNotFound
	}
	entry, ok, err := m.store.GetEntry(ctx, key)
	if err != nil {
		return domain.MediaRef{}, fmt.Errorf("get media: %w", err)
	}
	if !ok {
		return domain.MediaRef{}, ErrNotFound
	}
	return entry.Media, nil
}

// PickRandom returns a uniformly chosen catalog item. An index member without
// an entry is reported as ErrEmpty for this call and pruned from the index.
func (m *Manager) PickRandom(ctx context.Context) (domain.MediaRef, error) {
	key, ok, err := m.store.RandomKey(ctx)
	if err != nil {
		return domain.MediaRef{}, fmt.Errorf("pick random: %w", err)
	}
	if !ok {
		return domain.MediaRef{}, ErrEmpty
	}
	entry, ok, err := m.store.GetEntry(ctx, key)
	if err != nil {
		return domain.MediaRef{}, fmt.Errorf("resolve random pick: %w", err)
	}
	if !ok {
		logger := util.LoggerFromContext(ctx)
		logger.Warn("catalog index references missing entry", "key", key)
		if err := m.store.DropIndexKey(ctx, key); err != nil {
			logger.Warn("prune dangling catalog key failed", "key", key, "err", err)
		}
		return domain.MediaRef{}, ErrEmpty
	}
	return entry.Media, nil
}

// Size returns the number of indexed catalog items.
func (m *Manager) Size(ctx context.Context) (int64, error) {
	n, err := m.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("catalog size: %w", err)
	}
	return n, nil
}

// RemoveMedia deletes an entry together with its index membership.
func (m *Manager) RemoveMedia(ctx context.Context, key string) error {
	if !util.IsAlphanumeric(key) {
		return ErrNotFound
	}
	deleted, err := m.store.DeleteEntry(ctx, key)
	if err != nil {
		return fmt.Errorf("remove media: %w", err)
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}
