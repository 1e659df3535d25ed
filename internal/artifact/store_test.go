package artifact

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestPublishManifestWritesVersionAndLatest(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	first := Manifest{
		DocumentID:   "manuscript-abc",
		Version:      1,
		ThroughClock: 12,
		AuthorID:     "user-1",
		AuthorName:   "Ada",
		ByteSize:     256,
		StateDigest:  "abc123",
		SnapshotAt:   1700000000,
	}
	if err := store.PublishManifest(ctx, first); err != nil {
		t.Fatalf("publish v1 failed: %v", err)
	}

	second := first
	second.Version = 2
	second.ThroughClock = 40
	if err := store.PublishManifest(ctx, second); err != nil {
		t.Fatalf("publish v2 failed: %v", err)
	}

	latest, err := store.LatestManifest(ctx, "manuscript-abc")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if latest.Version != 2 || latest.ThroughClock != 40 {
		t.Fatalf("expected latest to point at v2, got %+v", latest)
	}

	archived, err := store.VersionManifest(ctx, "manuscript-abc", 1)
	if err != nil {
		t.Fatalf("version lookup failed: %v", err)
	}
	if archived.Version != 1 || archived.AuthorName != "Ada" {
		t.Fatalf("unexpected archived manifest %+v", archived)
	}

	if !s.Exists("manuscript:manuscript-abc:latest") {
		t.Fatalf("expected namespaced latest key")
	}
	if !s.Exists("manuscript:manuscript-abc:v1") {
		t.Fatalf("expected namespaced version key")
	}
}

func TestLatestManifestMissing(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	if _, err := store.LatestManifest(context.Background(), "manuscript-none"); !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("expected ErrManifestNotFound, got %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatalf("expected invalid url to be rejected")
	}
}
