// Package unlock issues and redeems single-use unlock tokens.
package unlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediagate/internal/util"
	"mediagate/pkg/store"
)

const (
	// TokenLength is the length of issued tokens.
	TokenLength = 12
	// DefaultTTL is how long an unredeemed token stays valid.
	DefaultTTL = time.Hour

	issueAttempts = 3
)

var (
	// ErrTokenInvalid indicates the token was never issued, was already
	// consumed, or expired. The store cannot tell these apart.
	ErrTokenInvalid = errors.New("unlock token invalid or expired")
	// ErrTokenExpired is kept as an alias so callers may match on either name.
	ErrTokenExpired = ErrTokenInvalid
	// ErrOwnerMismatch indicates the token was issued to another user. The
	// token is consumed regardless.
	ErrOwnerMismatch = errors.New("unlock token belongs to another user")
)

type tokenRecord struct {
	OwnerID  int64     `json:"ownerId"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Options configures a Manager.
type Options struct {
	TTL       time.Duration
	KeyPrefix string
}

// Manager owns the unlock-token keyspace of the TTL store.
type Manager struct {
	store    store.TTLStore
	ttl      time.Duration
	prefix   string
	newToken func() (string, error)
	now      func() time.Time
}

// NewManager builds a token manager.
func NewManager(s store.TTLStore, opts Options) *Manager {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = "mediagate"
	}
	return &Manager{
		store:    s,
		ttl:      ttl,
		prefix:   prefix,
		newToken: func() (string, error) { return util.RandomAlphanumeric(TokenLength) },
		now:      time.Now,
	}
}

// TTL returns the lifetime given to new tokens.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue mints a fresh token bound to userID. Existing tokens are never
// overwritten; a collision retries with a new token.
func (m *Manager) Issue(ctx context.Context, userID int64) (string, error) {
	raw, err := json.Marshal(tokenRecord{OwnerID: userID, IssuedAt: m.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("marshal unlock token: %w", err)
	}
	for attempt := 0; attempt < issueAttempts; attempt++ {
		token, err := m.newToken()
		if err != nil {
			return "", fmt.Errorf("generate unlock token: %w", err)
		}
		ok, err := m.store.SetNX(ctx, m.key(token), raw, m.ttl)
		if err != nil {
			return "", fmt.Errorf("store unlock token: %w", err)
		}
		if ok {
			return token, nil
		}
	}
	return "", errors.New("generate unlock token: too many collisions")
}

// ValidateAndConsume redeems token for claimingUserID. The record is removed
// with a single atomic get-and-delete before ownership is checked, so at most
// one caller ever gets a nil error for a given token. Store failures are
// returned wrapped and must be treated as a failed redemption.
func (m *Manager) ValidateAndConsume(ctx context.Context, token string, claimingUserID int64) error {
	if len(token) != TokenLength || !util.IsAlphanumeric(token) {
		return ErrTokenInvalid
	}
	raw, ok, err := m.store.GetDel(ctx, m.key(token))
	if err != nil {
		return fmt.Errorf("consume unlock token: %w", err)
	}
	if !ok {
		return ErrTokenInvalid
	}
	var rec tokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		util.LoggerFromContext(ctx).Warn("discarding malformed unlock token record", "err", err)
		return ErrTokenInvalid
	}
	if rec.OwnerID != claimingUserID {
		return ErrOwnerMismatch
	}
	return nil
}

func (m *Manager) key(token string) string {
	return fmt.Sprintf("%s:unlock:%s", m.prefix, token)
}
