// Package cache stores finished transcription results in Redis so a repeated
// upload with the same parameters skips the model.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/whisperapi/internal/models"
)

const keyPrefix = "whisperapi:result:"

type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached result for key. A miss is not an error.
func (c *Cache) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	var out map[string]any
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, false, fmt.Errorf("decode cached result: %w", err)
	}
	return out, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, result map[string]any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Ping checks the connection at startup.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ResultKey derives the cache key from the normalized audio bytes and the
// effective parameters. Identical audio with any differing parameter maps to
// a different key.
func ResultKey(wavPath string, params models.TranscriptionParams) (string, error) {
	f, err := os.Open(wavPath)
	if err != nil {
		return "", fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash wav: %w", err)
	}
	p, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	h.Write([]byte{0})
	h.Write(p)
	return keyPrefix + hex.EncodeToString(h.Sum(nil)), nil
}
