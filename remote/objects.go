package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisObjects stores binary objects (task attachments, avatars) in Redis
// hashes keyed by path and resolves their public URLs under the configured
// base. Uploads overwrite silently, matching bucket upsert semantics.
type RedisObjects struct {
	client  *redis.Client
	baseURL string
}

// objectsPathPrefix is the URL path under which the gateway serves objects.
const objectsPathPrefix = "/objects/"

// NewRedisObjects creates object storage on top of the given Redis client.
// baseURL is the externally reachable address of the gateway.
func NewRedisObjects(client *redis.Client, baseURL string) *RedisObjects {
	if client == nil {
		panic("remote.NewRedisObjects: client is nil")
	}
	return &RedisObjects{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func objectKey(path string) string { return "obj:" + path }

// Upload stores the object and returns its public URL.
func (o *RedisObjects) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("upload: empty path")
	}
	err := o.client.HSet(ctx, objectKey(path), "data", data, "content_type", contentType).Err()
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return o.PublicURL(path), nil
}

// Fetch returns the object bytes and content type, or ErrNoRow.
func (o *RedisObjects) Fetch(ctx context.Context, path string) ([]byte, string, error) {
	vals, err := o.client.HGetAll(ctx, objectKey(path)).Result()
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", path, err)
	}
	data, ok := vals["data"]
	if !ok {
		return nil, "", ErrNoRow
	}
	return []byte(data), vals["content_type"], nil
}

// Remove deletes the object. Removing a missing object is not an error.
func (o *RedisObjects) Remove(ctx context.Context, path string) error {
	if err := o.client.Del(ctx, objectKey(path)).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// PublicURL resolves the externally visible URL for a stored path.
func (o *RedisObjects) PublicURL(path string) string {
	return o.baseURL + objectsPathPrefix + path
}

// ObjectPath recovers the storage path from a public URL produced by
// PublicURL. It returns false for URLs that were not minted here.
func ObjectPath(url string) (string, bool) {
	idx := strings.Index(url, objectsPathPrefix)
	if idx < 0 {
		return "", false
	}
	path := url[idx+len(objectsPathPrefix):]
	if path == "" {
		return "", false
	}
	return path, true
}
