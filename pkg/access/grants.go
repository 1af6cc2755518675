// Package access grants and checks time-bounded access per user.
package access

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mediagate/pkg/store"
)

// DefaultTTL is the lifetime of a fresh grant.
const DefaultTTL = 24 * time.Hour

type grantRecord struct {
	GrantedAt time.Time `json:"grantedAt"`
}

// Options configures a Manager.
type Options struct {
	TTL       time.Duration
	KeyPrefix string
}

// Manager owns the access-grant keyspace. Expiry is left entirely to the store.
type Manager struct {
	store  store.TTLStore
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewManager builds an access manager.
func NewManager(s store.TTLStore, opts Options) *Manager {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = "mediagate"
	}
	return &Manager{store: s, ttl: ttl, prefix: prefix, now: time.Now}
}

// TTL returns the grant lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Grant (re)creates the grant for userID with the full TTL. Grants never stack.
func (m *Manager) Grant(ctx context.Context, userID int64) error {
	raw, err := json.Marshal(grantRecord{GrantedAt: m.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal access grant: %w", err)
	}
	if err := m.store.Set(ctx, m.key(userID), raw, m.ttl); err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	return nil
}

// HasAccess reports whether userID currently holds an unexpired grant.
func (m *Manager) HasAccess(ctx context.Context, userID int64) (bool, error) {
	ok, err := m.store.Exists(ctx, m.key(userID))
	if err != nil {
		return false, fmt.Errorf("check access: %w", err)
	}
	return ok, nil
}

// Remaining returns how long the current grant stays valid, or 0 without one.
func (m *Manager) Remaining(ctx context.Context, userID int64) (time.Duration, error) {
	d, ok, err := m.store.TTL(ctx, m.key(userID))
	if err != nil {
		return 0, fmt.Errorf("access ttl: %w", err)
	}
	if !ok || d < 0 {
		return 0, nil
	}
	return d, nil
}

func (m *Manager) key(userID int64) string {
	return fmt.Sprintf("%s:access:%d", m.prefix, userID)
}
