package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/janhq/companion-memory/internal/metrics"
	"golang.org/x/sync/singleflight"
)

const defaultCallTimeout = 30 * time.Second

var (
	// ErrEmptyEmbedding is returned when a provider answers with no vector.
	ErrEmptyEmbedding = errors.New("empty embedding")
	// ErrDimensionMismatch is returned when a provider changes vector size mid-process.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Client turns text into dense vectors of one fixed dimension.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// Validator is implemented by providers that can probe their backend at startup.
type Validator interface {
	ValidateServer(ctx context.Context) error
}

// Cache interface for embedding storage
type Cache interface {
	Get(key string) ([]float32, bool)
	Set(key string, value []float32, ttl time.Duration)
}

type CacheConfig struct {
	Type    string // "memory", "noop"; "redis" is built by the infrastructure layer
	MaxSize int
	TTL     time.Duration
}

// In-Memory LRU Cache
type MemoryCache struct {
	cache *lru.Cache
	mu    sync.Mutex
}

type cacheEntry struct {
	value     []float32
	expiresAt time.Time
}

func NewMemoryCache(maxSize int) (*MemoryCache, error) {
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}

	return &MemoryCache{cache: cache}, nil
}

func (c *MemoryCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	val, found := c.cache.Get(key)
	if !found {
		return nil, false
	}

	entry := val.(cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}

	return entry.value, true
}

func (c *MemoryCache) Set(key string, value []float32, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
}

// NoOpsCache disables caching.
type NoOpsCache struct{}

func NewNoOpsCache() *NoOpsCache {
	return &NoOpsCache{}
}

func (c *NoOpsCache) Get(key string) ([]float32, bool) {
	return nil, false
}

func (c *NoOpsCache) Set(key string, value []float32, ttl time.Duration) {}

// NewCache builds the in-process cache variants.
func NewCache(config CacheConfig) (Cache, error) {
	switch config.Type {
	case "memory":
		return NewMemoryCache(config.MaxSize)
	case "noop", "":
		return NewNoOpsCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s", config.Type)
	}
}

// CachedClient decorates a provider with a cache, request coalescing and a
// fixed-dimension check.
type CachedClient struct {
	next      Client
	cache     Cache
	cacheType string
	ttl       time.Duration

	group       singleflight.Group
	callTimeout time.Duration

	mu        sync.RWMutex
	dimension int
}

func NewCachedClient(next Client, cache Cache, cacheType string, ttl time.Duration) *CachedClient {
	if cache == nil {
		cache = NewNoOpsCache()
		cacheType = "noop"
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &CachedClient{
		next:        next,
		cache:       cache,
		cacheType:   cacheType,
		ttl:         ttl,
		callTimeout: defaultCallTimeout,
	}
}

// Dimension returns the vector size observed so far, or 0 before the first call.
func (c *CachedClient) Dimension() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dimension
}

func (c *CachedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	uncachedIndices := []int{}
	uncachedTexts := []string{}

	for i, text := range texts {
		if cached, found := c.cache.Get(text); found {
			metrics.RecordCacheHit(c.cacheType)
			results[i] = cached
			continue
		}
		metrics.RecordCacheMiss(c.cacheType)
		uncachedIndices = append(uncachedIndices, i)
		uncachedTexts = append(uncachedTexts, text)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	start := time.Now()
	embeddings, err := c.fetch(ctx, uncachedTexts)
	metrics.RecordEmbedding(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(uncachedTexts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d: %w", len(uncachedTexts), len(embeddings), ErrEmptyEmbedding)
	}

	for i, idx := range uncachedIndices {
		if err := c.checkDimension(embeddings[i]); err != nil {
			return nil, err
		}
		results[idx] = embeddings[i]
		c.cache.Set(uncachedTexts[i], embeddings[i], c.ttl)
	}

	return results, nil
}

// EmbedSingle coalesces concurrent requests for the same text. The shared
// call is detached from any one caller's cancellation; each caller still
// stops waiting when its own ctx ends.
func (c *CachedClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	ch := c.group.DoChan(text, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout)
		defer cancel()

		embeddings, err := c.Embed(callCtx, []string{text})
		if err != nil {
			return nil, err
		}
		return embeddings[0], nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch sends a lone text through EmbedSingle so a batching provider can
// coalesce it with other callers.
func (c *CachedClient) fetch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return c.next.Embed(ctx, texts)
	}
	vec, err := c.next.EmbedSingle(ctx, texts[0])
	if err != nil {
		return nil, err
	}
	return [][]float32{vec}, nil
}

// ValidateServer forwards to the wrapped provider when it supports validation.
func (c *CachedClient) ValidateServer(ctx context.Context) error {
	if v, ok := c.next.(Validator); ok {
		return v.ValidateServer(ctx)
	}
	_, err := c.next.EmbedSingle(ctx, "test")
	return err
}

func (c *CachedClient) checkDimension(vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyEmbedding
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dimension == 0 {
		c.dimension = len(vec)
		return nil
	}
	if c.dimension != len(vec) {
		return fmt.Errorf("got %d, want %d: %w", len(vec), c.dimension, ErrDimensionMismatch)
	}
	return nil
}
