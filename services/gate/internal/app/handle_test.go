package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"mediagate/pkg/access"
	"mediagate/pkg/catalog"
	"mediagate/pkg/deeplink"
	"mediagate/pkg/domain"
	"mediagate/pkg/store"
	"mediagate/pkg/unlock"
)

const testLinkBase = "https://t.me/testbot?start="

type fakeShortener struct {
	mu    sync.Mutex
	fail  bool
	longs []string
}

func (f *fakeShortener) Shorten(_ context.Context, longURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("shortener down")
	}
	f.longs = append(f.longs, longURL)
	return fmt.Sprintf("https://short.example/%d", len(f.longs)), nil
}

// lastPayload returns the deep link payload of the most recently shortened link.
func (f *fakeShortener) lastPayload(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.longs) == 0 {
		t.Fatalf("no link was shortened")
	}
	long := f.longs[len(f.longs)-1]
	if !strings.HasPrefix(long, testLinkBase) {
		t.Fatalf("unexpected long link %q", long)
	}
	return strings.TrimPrefix(long, testLinkBase)
}

type fakeArchive struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeArchive) Put(context.Context, string, io.Reader, int64, string) error { return nil }

func (f *fakeArchive) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.example/" + key + "?sig=1", nil
}

func (f *fakeArchive) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, key)
	f.mu.Unlock()
	return nil
}

type testEnv struct {
	app       *App
	mr        *miniredis.Miniredis
	catalog   *catalog.Manager
	grants    *access.Manager
	shortener *fakeShortener
	archive   *fakeArchive
}

func newRedisEnv(t *testing.T, profile deeplink.Profile) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := store.NewRedisClient(store.RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	ttlStore := store.NewRedisTTLStore(client)
	env := newEnv(t, profile,
		catalog.NewManager(store.NewRedisCatalogStore(client, "test")),
		unlock.NewManager(ttlStore, unlock.Options{KeyPrefix: "test"}),
		access.NewManager(ttlStore, access.Options{KeyPrefix: "test"}),
	)
	env.mr = mr
	return env
}

func newMemoryEnv(t *testing.T) *testEnv {
	t.Helper()
	ttlStore := store.NewMemoryTTLStore()
	return newEnv(t, deeplink.ProfileUnlock,
		catalog.NewManager(store.NewMemoryCatalogStore()),
		unlock.NewManager(ttlStore, unlock.Options{}),
		access.NewManager(ttlStore, access.Options{}),
	)
}

func newEnv(t *testing.T, profile deeplink.Profile, cat *catalog.Manager, tokens *unlock.Manager, grants *access.Manager) *testEnv {
	t.Helper()
	links, err := deeplink.NewCodec(profile, testLinkBase)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	short := &fakeShortener{}
	archive := &fakeArchive{}
	a, err := New(Config{
		Catalog:   cat,
		Tokens:    tokens,
		Grants:    grants,
		Links:     links,
		Shortener: short,
		Archive:   archive,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &testEnv{app: a, catalog: cat, grants: grants, shortener: short, archive: archive}
}

func (e *testEnv) add(t *testing.T, contentID string) string {
	t.Helper()
	key, err := e.catalog.AddMedia(context.Background(), domain.MediaRef{
		Kind:      domain.MediaPhoto,
		ContentID: contentID,
		Caption:   "caption " + contentID,
	}, 1)
	if err != nil {
		t.Fatalf("add media: %v", err)
	}
	return key
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}

func TestUnlockFlowEndToEnd(t *testing.T) {
	env := newRedisEnv(t, deeplink.ProfileUnlock)
	ctx := context.Background()
	env.add(t, "photo-a")
	env.add(t, "photo-b")
	const user int64 = 1001

	resp := env.app.Handle(ctx, domain.Action{Kind: domain.ActionStart, UserID: user})
	if resp.State != domain.StateNeedsUnlock {
		t.Fatalf("start without grant: state = %q", resp.State)
	}

	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionRequestMedia, UserID: user})
	if resp.State != domain.StateUnlocking {
		t.Fatalf("request media without grant: state = %q text=%q", resp.State, resp.Text)
	}
	if len(resp.Buttons) != 1 || !strings.HasPrefix(resp.Buttons[0].URL, "https://short.example/") {
		t.Fatalf("expected shortened link button, got %+v", resp.Buttons)
	}
	payload := env.shortener.lastPayload(t)
	if !strings.HasPrefix(payload, "unlock-") {
		t.Fatalf("unexpected payload %q", payload)
	}

	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionStart, UserID: user, Payload: payload})
	if resp.State != domain.StateUnlocked {
		t.Fatalf("redeem: state = %q text=%q", resp.State, resp.Text)
	}
	if !strings.Contains(resp.Text, "24 hours") {
		t.Fatalf("expected grant duration in %q", resp.Text)
	}
	if ttl := env.mr.TTL("test:access:1001"); ttl != access.DefaultTTL {
		t.Fatalf("grant ttl = %v, want %v", ttl, access.DefaultTTL)
	}

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionRequestMedia, UserID: user})
		if resp.State != domain.StateServing || resp.Media == nil {
			t.Fatalf("request media: state = %q text=%q", resp.State, resp.Text)
		}
		if resp.Text != "caption "+resp.Media.ContentID {
			t.Fatalf("caption %q does not match media %q", resp.Text, resp.Media.ContentID)
		}
		seen[resp.Media.ContentID] = true
	}
	if !seen["photo-a"] || !seen["photo-b"] {
		t.Fatalf("expected both items to be served, got %v", seen)
	}

	// The link works once.
	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionStart, UserID: user, Payload: payload})
	if resp.State != domain.StateNeedsUnlock || resp.Text != textTokenInvalid {
		t.Fatalf("second redeem: state = %q text=%q", resp.State, resp.Text)
	}

	env.mr.FastForward(access.DefaultTTL + time.Second)
	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionStart, UserID: user})
	if resp.State != domain.StateNeedsUnlock {
		t.Fatalf("after expiry: state = %q", resp.State)
	}
}

func TestStartReportsRemainingAccess(t *testing.T) {
	env := newRedisEnv(t, deeplink.ProfileUnlock)
	ctx := context.Background()
	if err := env.grants.Grant(ctx, 7); err != nil {
		t.Fatalf("grant: %v", err)
	}
	env.mr.FastForward(3 * time.Hour)
	resp := env.app.Handle(ctx, domain.Action{Kind: domain.ActionStart, UserID: 7})
	if resp.State != domain.StateUnlocked {
		t.Fatalf("state = %q", resp.State)
	}
	if !strings.Contains(resp.Text, "21 hours") {
		t.Fatalf("expected remaining time in %q", resp.Text)
	}
}

func TestRedeemOtherUsersTokenConsumesIt(t *testing.T) {
	env := newRedisEnv(t, deeplink.ProfileUnlock)
	ctx := context.Background()
	const owner, thief int64 = 10, 20

	resp := env.app.Handle(ctx, domain.Action{Kind: domain.ActionRequestUnlock, UserID: owner})
	if resp.State != domain.StateUnlocking {
		t.Fatalf("request unlock: state = %q", resp.State)
	}
	payload := env.shortener.lastPayload(t)

	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionStart, UserID: thief, Payload: payload})
	if resp.State != domain.StateNeedsUnlock || resp.Text != textOwnerMismatch {
		t.Fatalf("foreign redeem: state = %q text=%q", resp.State, resp.Text)
	}
	for _, id := range []int64{owner, thief} {
		ok, err := env.grants.HasAccess(ctx, id)
		if err != nil {
			t.Fatalf("has access: %v", err)
		}
		if ok {
			t.Fatalf("user %d must not have access", id)
		}
	}

	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionStart, UserID: owner, Payload: payload})
	if resp.Text != textTokenInvalid {
		t.Fatalf("owner redeem after mismatch: text=%q", resp.Text)
	}
}

func TestShortenerFailureKeepsTokenUsable(t *testing.T) {
	env := newRedisEnv(t, deeplink.ProfileUnlock)
	ctx := context.Background()
	env.shortener.fail = true

	resp := env.app.Handle(ctx, domain.Action{Kind: domain.ActionRequestUnlock, UserID: 5})
	if resp.State != domain.StateNeedsUnlock || resp.Text != textLinkFailed {
		t.Fatalf("state = %q text=%q", resp.State, resp.Text)
	}
	keys := env.mr.Keys()
	var tokenKey string
	for _, k := range keys {
		if strings.HasPrefix(k, "test:unlock:") {
			tokenKey = k
		}
	}
	if tokenKey == "" {
		t.Fatalf("expected issued token to stay in store, keys=%v", keys)
	}

	payload := "unlock-" + strings.TrimPrefix(tokenKey, "test:unlock:")
	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionStart, UserID: 5, Payload: payload})
	if resp.State != domain.StateUnlocked {
		t.Fatalf("redeem after shortener failure: state = %q text=%q", resp.State, resp.Text)
	}
}

func TestStoreDownFailsClosed(t *testing.T) {
	env := newRedisEnv(t, deeplink.ProfileUnlock)
	ctx := context.Background()
	env.add(t, "photo-a")
	resp := env.app.Handle(ctx, domain.Action{Kind: domain.ActionRequestUnlock, UserID: 3})
	if resp.State != domain.StateUnlocking {
		t.Fatalf("request unlock: state = %q", resp.State)
	}
	payload := env.shortener.lastPayload(t)
	env.mr.Close()

	cases := []domain.Action{
		{Kind: domain.ActionStart, UserID: 3},
		{Kind: domain.ActionStart, UserID: 3, Payload: payload},
		{Kind: domain.ActionRequestMedia, UserID: 3},
		{Kind: domain.ActionRequestUnlock, UserID: 3},
	}
	for _, action := range cases {
		resp := env.app.Handle(ctx, action)
		if resp.State != domain.StateNeedsUnlock {
			t.Fatalf("%s %q: state = %q, want needs_unlock", action.Kind, action.Payload, resp.State)
		}
		if resp.Text != textUnavailable {
			t.Fatalf("%s %q: text = %q", action.Kind, action.Payload, resp.Text)
		}
		if resp.Media != nil {
			t.Fatalf("%s: media must not be served while the store is down", action.Kind)
		}
	}
}

func TestStartUnrecognizedPayload(t *testing.T) {
	env := newMemoryEnv(t)
	cases := []struct {
		name    string
		payload string
		echo    string
	}{
		{name: "bare key", payload: "abc123", echo: "abc123"},
		{name: "bad token", payload: "unlock-ab_c", echo: "unlock-ab_c"},
		{name: "long", payload: strings.Repeat("x", 80), echo: strings.Repeat("x", maxEchoedPayload) + "…"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.app.Handle(context.Background(), domain.Action{Kind: domain.ActionStart, UserID: 1, Payload: tc.payload})
			if resp.State != domain.StateNeedsUnlock {
				t.Fatalf("state = %q", resp.State)
			}
			if want := "I don't recognize the code: " + tc.echo; resp.Text != want {
				t.Fatalf("text = %q, want %q", resp.Text, want)
			}
		})
	}
}

func TestLegacyProfileServesDirectKey(t *testing.T) {
	env := newRedisEnv(t, deeplink.ProfileLegacy)
	ctx := context.Background()
	key := env.add(t, "photo-legacy")

	resp := env.app.Handle(ctx, domain.Action{Kind: domain.ActionStart, UserID: 2, Payload: key})
	if resp.State != domain.StateServing || resp.Media == nil || resp.Media.ContentID != "photo-legacy" {
		t.Fatalf("direct key: state = %q media=%+v", resp.State, resp.Media)
	}
	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionStart, UserID: 2, Payload: "doesnotexist"})
	if resp.Text != textMediaNotFound {
		t.Fatalf("missing key: text = %q", resp.Text)
	}
}

func TestRequestMediaEmptyCatalog(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()
	if err := env.grants.Grant(ctx, 4); err != nil {
		t.Fatalf("grant: %v", err)
	}
	resp := env.app.Handle(ctx, domain.Action{Kind: domain.ActionRequestMedia, UserID: 4})
	if resp.State != domain.StateUnlocked || resp.Text != textCatalogEmpty {
		t.Fatalf("state = %q text=%q", resp.State, resp.Text)
	}
}

func TestServeArchivedMediaPresigns(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()
	if _, err := env.catalog.AddMedia(ctx, domain.MediaRef{
		Kind:      domain.MediaVideo,
		ContentID: "media/video/abc.mp4",
		Source:    domain.SourceObject,
	}, 1); err != nil {
		t.Fatalf("add media: %v", err)
	}
	if err := env.grants.Grant(ctx, 8); err != nil {
		t.Fatalf("grant: %v", err)
	}
	resp := env.app.Handle(ctx, domain.Action{Kind: domain.ActionRequestMedia, UserID: 8})
	if resp.State != domain.StateServing {
		t.Fatalf("state = %q text=%q", resp.State, resp.Text)
	}
	if resp.MediaURL != "https://objects.example/media/video/abc.mp4?sig=1" {
		t.Fatalf("media url = %q", resp.MediaURL)
	}
}

func TestAdminActions(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()

	resp := env.app.Handle(ctx, domain.Action{Kind: domain.ActionAdminAddMedia, UserID: 99})
	if resp.Text != textAddNeedsMedia {
		t.Fatalf("add without media: text = %q", resp.Text)
	}
	resp = env.app.Handle(ctx, domain.Action{
		Kind:         domain.ActionAdminAddMedia,
		UserID:       99,
		RepliedMedia: &domain.MediaRef{Kind: "sticker", ContentID: "x"},
	})
	if resp.Text != textAddNeedsMedia {
		t.Fatalf("add invalid media: text = %q", resp.Text)
	}

	resp = env.app.Handle(ctx, domain.Action{
		Kind:         domain.ActionAdminAddMedia,
		UserID:       99,
		RepliedMedia: &domain.MediaRef{Kind: domain.MediaVideo, ContentID: "vid-1"},
	})
	if !strings.HasPrefix(resp.Text, "Added media ") || !strings.HasSuffix(resp.Text, "Catalog size: 1.") {
		t.Fatalf("add: text = %q", resp.Text)
	}
	key := strings.TrimSuffix(strings.TrimPrefix(resp.Text, "Added media "), ". Catalog size: 1.")
	if len(key) != catalog.KeyLength {
		t.Fatalf("unexpected key %q", key)
	}

	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionAdminStats, UserID: 99})
	if resp.Text != "Catalog size: 1." {
		t.Fatalf("stats: text = %q", resp.Text)
	}

	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionAdminRemoveMedia, UserID: 99, Payload: key})
	if resp.Text != fmt.Sprintf(textRemovedFmt, key, 0) {
		t.Fatalf("remove: text = %q", resp.Text)
	}
	resp = env.app.Handle(ctx, domain.Action{Kind: domain.ActionAdminRemoveMedia, UserID: 99, Payload: key})
	if resp.Text != textMediaNotFound {
		t.Fatalf("second remove: text = %q", resp.Text)
	}
}

func TestAdminRemoveDeletesArchivedObject(t *testing.T) {
	env := newMemoryEnv(t)
	ctx := context.Background()
	key, err := env.catalog.AddMedia(ctx, domain.MediaRef{
		Kind:      domain.MediaPhoto,
		ContentID: "media/photo/abc.jpg",
		Source:    domain.SourceObject,
	}, 1)
	if err != nil {
		t.Fatalf("add media: %v", err)
	}
	env.app.Handle(ctx, domain.Action{Kind: domain.ActionAdminRemoveMedia, UserID: 1, Payload: key})
	if len(env.archive.deleted) != 1 || env.archive.deleted[0] != "media/photo/abc.jpg" {
		t.Fatalf("archive deletes = %v", env.archive.deleted)
	}
}

func TestUnknownAction(t *testing.T) {
	env := newMemoryEnv(t)
	resp := env.app.Handle(context.Background(), domain.Action{Kind: "dance", UserID: 1})
	if resp.Text != textUnknownAction {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestHumanDuration(t *testing.T) {
	cases := map[time.Duration]string{
		24 * time.Hour:   "24 hours",
		time.Hour:        "1 hour",
		90 * time.Minute: "1 hour",
		5 * time.Minute:  "5 minutes",
		30 * time.Second: "less than a minute",
	}
	for d, want := range cases {
		if got := humanDuration(d); got != want {
			t.Fatalf("humanDuration(%v) = %q, want %q", d, got, want)
		}
	}
}

type fakeCleanup struct {
	keys []string
	err  error
}

func (f *fakeCleanup) Enqueue(_ context.Context, objectKey string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, objectKey)
	return "job-1", nil
}

func TestAdminRemoveSchedulesCleanup(t *testing.T) {
	env := newMemoryEnv(t)
	cleanup := &fakeCleanup{}
	env.app.cleanup = cleanup
	ctx := context.Background()
	add := func() string {
		key, err := env.catalog.AddMedia(ctx, domain.MediaRef{
			Kind:      domain.MediaPhoto,
			ContentID: "media/photo/q.jpg",
			Source:    domain.SourceObject,
		}, 1)
		if err != nil {
			t.Fatalf("add media: %v", err)
		}
		return key
	}

	env.app.Handle(ctx, domain.Action{Kind: domain.ActionAdminRemoveMedia, UserID: 1, Payload: add()})
	if len(cleanup.keys) != 1 || len(env.archive.deleted) != 0 {
		t.Fatalf("expected queued cleanup only, queued=%v deleted=%v", cleanup.keys, env.archive.deleted)
	}

	cleanup.err = errors.New("redis down")
	env.app.Handle(ctx, domain.Action{Kind: domain.ActionAdminRemoveMedia, UserID: 1, Payload: add()})
	if len(env.archive.deleted) != 1 {
		t.Fatalf("expected inline delete fallback, deleted=%v", env.archive.deleted)
	}
}
