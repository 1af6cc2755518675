package app

import (
	"context"
	"errors"
	"time"

	"mediagate/pkg/deeplink"
	"mediagate/pkg/domain"
	"mediagate/pkg/storage"
)

// Catalog is the catalog manager surface the orchestrator uses.
type Catalog interface {
	AddMedia(ctx context.Context, ref domain.MediaRef, addedBy int64) (string, error)
	GetMedia(ctx context.Context, key string) (domain.MediaRef, error)
	PickRandom(ctx context.Context) (domain.MediaRef, error)
	Size(ctx context.Context) (int64, error)
	RemoveMedia(ctx context.Context, key string) error
}

// Tokens issues and redeems unlock tokens.
type Tokens interface {
	Issue(ctx context.Context, userID int64) (string, error)
	ValidateAndConsume(ctx context.Context, token string, claimingUserID int64) error
	TTL() time.Duration
}

// Grants manages time-bounded access.
type Grants interface {
	Grant(ctx context.Context, userID int64) error
	HasAccess(ctx context.Context, userID int64) (bool, error)
	Remaining(ctx context.Context, userID int64) (time.Duration, error)
	TTL() time.Duration
}

// Shortener wraps a deep link in a shortened (monetized) link.
type Shortener interface {
	Shorten(ctx context.Context, longURL string) (string, error)
}

// ArchiveCleanup schedules deletion of archive objects.
type ArchiveCleanup interface {
	Enqueue(ctx context.Context, objectKey string) (string, error)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Catalog   Catalog
	Tokens    Tokens
	Grants    Grants
	Links     *deeplink.Codec
	Shortener Shortener

	// Archive is optional; without it archived media cannot be served.
	Archive storage.MediaArchive

	// Cleanup is optional; without it archive objects are deleted inline.
	Cleanup ArchiveCleanup

	ShortenTimeout time.Duration
	PresignTTL     time.Duration
}

// App is the request orchestrator. It holds no per-user state: every action
// is evaluated against the stores.
type App struct {
	catalog        Catalog
	tokens         Tokens
	grants         Grants
	links          *deeplink.Codec
	shortener      Shortener
	archive        storage.MediaArchive
	cleanup        ArchiveCleanup
	shortenTimeout time.Duration
	presignTTL     time.Duration
}

// New validates cfg and builds the orchestrator.
func New(cfg Config) (*App, error) {
	if cfg.Catalog == nil || cfg.Tokens == nil || cfg.Grants == nil {
		return nil, errors.New("catalog, tokens and grants are required")
	}
	if cfg.Links == nil {
		return nil, errors.New("deep link codec is required")
	}
	if cfg.Shortener == nil {
		return nil, errors.New("shortener is required")
	}
	if cfg.ShortenTimeout <= 0 {
		cfg.ShortenTimeout = 5 * time.Second
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	return &App{
		catalog:        cfg.Catalog,
		tokens:         cfg.Tokens,
		grants:         cfg.Grants,
		links:          cfg.Links,
		shortener:      cfg.Shortener,
		archive:        cfg.Archive,
		cleanup:        cfg.Cleanup,
		shortenTimeout: cfg.ShortenTimeout,
		presignTTL:     cfg.PresignTTL,
	}, nil
}
