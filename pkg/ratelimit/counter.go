package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter counts hits per key inside a fixed window. Implementations must
// start a fresh window, with count 1, when the key is absent or expired.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// MemoryCounter is a process-local Counter. It is only correct when a
// single instance serves the traffic; multi-instance deployments use the
// Redis counter.
type MemoryCounter struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	requestCount  int
	cleanupEvery  int
	cleanupAtSize int
	now           func() time.Time
}

type bucket struct {
	count   int64
	resetAt time.Time
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		buckets:       make(map[string]*bucket),
		cleanupEvery:  100,
		cleanupAtSize: 1000,
		now:           time.Now,
	}
}

// Incr implements Counter.
func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	// Expired buckets are swept every N calls or when the map grows large.
	c.requestCount++
	if c.requestCount%c.cleanupEvery == 0 || len(c.buckets) > c.cleanupAtSize {
		c.cleanupExpired(now)
		c.requestCount = 0
	}

	b, ok := c.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		c.buckets[key] = b
	}
	b.count++
	return b.count, b.resetAt, nil
}

// Len returns the number of live buckets.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}

// Cleanup removes all expired buckets.
func (c *MemoryCounter) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupExpired(c.now())
}

func (c *MemoryCounter) cleanupExpired(now time.Time) {
	for key, b := range c.buckets {
		if !now.Before(b.resetAt) {
			delete(c.buckets, key)
		}
	}
}
