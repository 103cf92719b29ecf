package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const embeddingOpTimeout = 500 * time.Millisecond

// EmbeddingCache stores vectors in redis so replicas share one embedding per
// text. It satisfies embedding.Cache; redis failures count as misses.
type EmbeddingCache struct {
	cache     *RedisCache
	keyPrefix string
	ttl       time.Duration
}

// NewEmbeddingCache creates a new embedding cache
func NewEmbeddingCache(redisURL, keyPrefix string, ttl time.Duration) (*EmbeddingCache, error) {
	cache, err := NewRedisCache(redisURL)
	if err != nil {
		return nil, err
	}
	return NewEmbeddingCacheFrom(cache, keyPrefix, ttl), nil
}

// NewEmbeddingCacheFrom wraps an existing connection
func NewEmbeddingCacheFrom(cache *RedisCache, keyPrefix string, ttl time.Duration) *EmbeddingCache {
	if keyPrefix == "" {
		keyPrefix = "companion-memory:emb:"
	}
	return &EmbeddingCache{
		cache:     cache,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

// Redis exposes the underlying connection for lock holders
func (c *EmbeddingCache) Redis() *RedisCache {
	return c.cache
}

// Key returns the redis key for a text
func (c *EmbeddingCache) Key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.keyPrefix + CacheVersion + ":" + hex.EncodeToString(sum[:])
}

// Get retrieves an embedding from cache
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), embeddingOpTimeout)
	defer cancel()

	data, err := c.cache.GetBytes(ctx, c.Key(text))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("Embedding cache read failed")
		}
		return nil, false
	}
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, false
	}

	return decodeVector(data), true
}

// Set stores an embedding in cache
func (c *EmbeddingCache) Set(text string, value []float32, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), embeddingOpTimeout)
	defer cancel()

	if ttl == 0 {
		ttl = c.ttl
	}

	if err := c.cache.SetBytes(ctx, c.Key(text), encodeVector(value), ttl); err != nil {
		log.Warn().Err(err).Msg("Embedding cache write failed")
	}
}

// Close closes the underlying Redis connection
func (c *EmbeddingCache) Close() error {
	return c.cache.Close()
}

// HealthCheck checks if the cache is healthy
func (c *EmbeddingCache) HealthCheck(ctx context.Context) error {
	return c.cache.HealthCheck(ctx)
}

func encodeVector(value []float32) []byte {
	data := make([]byte, len(value)*4)
	for i, f := range value {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

func decodeVector(data []byte) []float32 {
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}
