package store

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotencyStore implements IdempotencyStore using an in-memory map
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	data    map[string]*cacheItem
	maxSize int
	now     func() time.Time
}

type cacheItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a bounded in-memory idempotency store
func NewMemoryIdempotencyStore(maxSize int) *MemoryIdempotencyStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryIdempotencyStore{
		data:    make(map[string]*cacheItem),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get retrieves a cached response
func (c *MemoryIdempotencyStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.data[key]
	if !exists || c.now().After(item.expiresAt) {
		return nil, ErrNotFound
	}
	return item.value, nil
}

// Set stores a response with TTL, evicting expired entries first when full
func (c *MemoryIdempotencyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.data) >= c.maxSize {
		for k, v := range c.data {
			if now.After(v.expiresAt) {
				delete(c.data, k)
			}
		}
		if len(c.data) >= c.maxSize {
			for k := range c.data {
				delete(c.data, k)
				break
			}
		}
	}

	c.data[key] = &cacheItem{value: value, expiresAt: now.Add(ttl)}
	return nil
}

// Delete removes a key
func (c *MemoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// Ping always succeeds
func (c *MemoryIdempotencyStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (c *MemoryIdempotencyStore) Close() error {
	return nil
}

// Size returns the number of stored entries
func (c *MemoryIdempotencyStore) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
