package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"mediagate/pkg/domain"
)

func TestMemoryCatalogStore(t *testing.T) {
	runCatalogStoreSuite(t, NewMemoryCatalogStore())
}

func TestRedisCatalogStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	runCatalogStoreSuite(t, NewRedisCatalogStore(client, "test"))
}

func TestRedisCatalogStoreKeepsIndexInStep(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(RedisOptions{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new redis client: %v", err)
	}
	s := NewRedisCatalogStore(client, "test")
	ctx := context.Background()

	if err := s.PutEntry(ctx, testEntry("k1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !mr.Exists("test:catalog:entry:k1") {
		t.Fatalf("expected entry key")
	}
	members, err := mr.Members("test:catalog:index")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != "k1" {
		t.Fatalf("unexpected index members %v", members)
	}

	if _, err := s.DeleteEntry(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("test:catalog:entry:k1") {
		t.Fatalf("expected entry key removed")
	}
	if ok, _ := mr.SIsMember("test:catalog:index", "k1"); ok {
		t.Fatalf("expected index member removed")
	}
}

func runCatalogStoreSuite(t *testing.T, s CatalogStore) {
	ctx := context.Background()

	if _, ok, err := s.RandomKey(ctx); err != nil || ok {
		t.Fatalf("empty catalog random key: ok=%v err=%v", ok, err)
	}
	for _, key := range []string{"k1", "k2", "k3"} {
		if err := s.PutEntry(ctx, testEntry(key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	// Overwrite must not grow the index.
	if err := s.PutEntry(ctx, testEntry("k2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}

	entry, ok, err := s.GetEntry(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("get k1: ok=%v err=%v", ok, err)
	}
	if entry.Media.ContentID != "file-k1" || entry.Media.Kind != domain.MediaPhoto {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if _, ok, _ := s.GetEntry(ctx, "missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		key, ok, err := s.RandomKey(ctx)
		if err != nil || !ok {
			t.Fatalf("random key: ok=%v err=%v", ok, err)
		}
		seen[key] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected all keys to be drawn, got %v", seen)
	}

	deleted, err := s.DeleteEntry(ctx, "k3")
	if err != nil || !deleted {
		t.Fatalf("delete k3: deleted=%v err=%v", deleted, err)
	}
	deleted, err = s.DeleteEntry(ctx, "k3")
	if err != nil || deleted {
		t.Fatalf("second delete k3: deleted=%v err=%v", deleted, err)
	}
	if err := s.DropIndexKey(ctx, "k2"); err != nil {
		t.Fatalf("drop index key: %v", err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("count after removals = %d, want 1", n)
	}
	if _, ok, _ := s.GetEntry(ctx, "k2"); !ok {
		t.Fatalf("dropping an index key must not delete the entry")
	}
}

func testEntry(key string) domain.CatalogEntry {
	return domain.CatalogEntry{
		Key: key,
		Media: domain.MediaRef{
			Kind:      domain.MediaPhoto,
			ContentID: "file-" + key,
			Source:    domain.SourceTelegram,
		},
		AddedBy:   1,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}
