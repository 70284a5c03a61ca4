// Package cache defines the dedup and cache store shared by every stage.
// Backends live in the redis, badger, and memory subpackages.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned by GetCached when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is a key/value store with per-key expiry.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
	GetCached(ctx context.Context, key string) ([]byte, error)
	SetCached(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Claim sets key only if it is absent and reports whether it did.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// FlushPattern deletes every key containing pattern.
	FlushPattern(ctx context.Context, pattern string) (int, error)
	FlushAll(ctx context.Context) error
	Close() error
}

// ProcessedKey namespaces a social post marker.
func ProcessedKey(name string) string {
	return "processed:" + name
}

// ResponseKey namespaces a cached config-service response.
func ResponseKey(url string) string {
	return "cache:" + url
}

// CommentsKey namespaces a cached comment marker.
func CommentsKey(name string) string {
	return "comments:" + name
}

// PendingKey holds the raw record id of a link whose rewrite job has not been
// queued yet.
func PendingKey(link string) string {
	return "pending:" + link
}

// ArticleKey namespaces the marker for a published article.
func ArticleKey(rawID string) string {
	return "article:" + rawID
}

// GetJSON decodes a cached value into v. It reports false on a miss.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, err := s.GetCached(ctx, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and caches it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cached %s: %w", key, err)
	}
	return s.SetCached(ctx, key, raw, ttl)
}
