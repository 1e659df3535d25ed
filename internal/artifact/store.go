// Package artifact publishes snapshot manifests to the platform's shared
// redis cache. The collaboration core writes manifests after each snapshot so
// downstream services (export, review queues) can discover fresh versions
// without polling the sync database; nothing in this service reads them back
// except for diagnostics.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "manuscript:"
	connectTimeout = 5 * time.Second
)

// ErrManifestNotFound indicates that no manifest exists for the key.
var ErrManifestNotFound = errors.New("artifact: manifest not found")

// Manifest describes one published snapshot version.
type Manifest struct {
	DocumentID   string `json:"document_id"`
	Version      int64  `json:"version"`
	ThroughClock int64  `json:"through_clock"`
	AuthorID     string `json:"author_id"`
	AuthorName   string `json:"author_name"`
	ByteSize     int64  `json:"byte_size"`
	StateDigest  string `json:"state_digest"`
	SnapshotAt   int64  `json:"snapshot_at"`
}

// RedisStore publishes manifests under namespaced keys.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redis using the given URL and verifies the
// connection with a ping.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: keyPrefix}, nil
}

// PublishManifest writes the manifest under both the per-version key and the
// document's latest pointer.
func (store *RedisStore) PublishManifest(ctx context.Context, manifest Manifest) error {
	encoded, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	versionKey := store.versionKey(manifest.DocumentID, manifest.Version)
	if err := store.client.Set(ctx, versionKey, encoded, 0).Err(); err != nil {
		return fmt.Errorf("write manifest %s: %w", versionKey, err)
	}

	latestKey := store.latestKey(manifest.DocumentID)
	if err := store.client.Set(ctx, latestKey, encoded, 0).Err(); err != nil {
		return fmt.Errorf("write manifest %s: %w", latestKey, err)
	}
	return nil
}

// LatestManifest returns the most recently published manifest for a document.
func (store *RedisStore) LatestManifest(ctx context.Context, documentID string) (Manifest, error) {
	return store.get(ctx, store.latestKey(documentID))
}

// VersionManifest returns the manifest published for a specific version.
func (store *RedisStore) VersionManifest(ctx context.Context, documentID string, version int64) (Manifest, error) {
	return store.get(ctx, store.versionKey(documentID, version))
}

// Close releases the redis connection.
func (store *RedisStore) Close() error {
	return store.client.Close()
}

func (store *RedisStore) get(ctx context.Context, key string) (Manifest, error) {
	raw, err := store.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Manifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, key)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", key, err)
	}

	var manifest Manifest
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return manifest, nil
}

func (store *RedisStore) latestKey(documentID string) string {
	return fmt.Sprintf("%s%s:latest", store.prefix, documentID)
}

func (store *RedisStore) versionKey(documentID string, version int64) string {
	return fmt.Sprintf("%s%s:v%d", store.prefix, documentID, version)
}
