package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/codedread/kthoom/internal/domain"
)

const (
	defaultShardCount      = 16
	defaultTTL             = 15 * time.Minute
	defaultCleanupInterval = 1 * time.Minute
)

// pageItem is a cached page with its expiration moment.
type pageItem struct {
	page      domain.Page
	expiresAt time.Time
}

func (item *pageItem) expired() bool {
	return time.Now().After(item.expiresAt)
}

// pageShard is one shard of the cache with its own lock.
type pageShard struct {
	mu    sync.RWMutex
	items map[string]*pageItem
}

// PageCache is a thread-safe sharded cache for rendered page payloads.
// Keys are "<book-id>/<page-index>"; sharding keeps hot books from
// serializing every page fetch on a single lock.
type PageCache struct {
	shards          []*pageShard
	shardCount      int
	ttl             time.Duration
	cleanupInterval time.Duration

	workerRunning bool
	workerMu      sync.Mutex
	workerStop    chan struct{}
	workerWg      sync.WaitGroup
}

var _ domain.Cache = (*PageCache)(nil)

// NewPageCache creates a sharded page cache. ttlSeconds <= 0 falls back to
// the default TTL.
func NewPageCache(shardCount int, ttlSeconds int) *PageCache {
	if shardCount < 1 {
		shardCount = defaultShardCount
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}

	shards := make([]*pageShard, shardCount)
	for i := range shards {
		shards[i] = &pageShard{items: make(map[string]*pageItem)}
	}
	return &PageCache{
		shards:          shards,
		shardCount:      shardCount,
		ttl:             ttl,
		cleanupInterval: defaultCleanupInterval,
		workerStop:      make(chan struct{}),
	}
}

// shardFor picks the shard for a key using FNV-1a.
func (c *PageCache) shardFor(key string) *pageShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(c.shardCount)]
}

// Get returns the cached page for key, if present and not expired.
func (c *PageCache) Get(ctx context.Context, key string) (domain.Page, bool) {
	select {
	case <-ctx.Done():
		return domain.Page{}, false
	default:
	}

	shard := c.shardFor(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	item, ok := shard.items[key]
	if !ok || item.expired() {
		// Expired entries are left for the cleanup worker.
		return domain.Page{}, false
	}
	return item.page, true
}

// Set stores a page under key with the cache's TTL.
func (c *PageCache) Set(ctx context.Context, key string, page domain.Page) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.items[key] = &pageItem{
		page:      page,
		expiresAt: time.Now().Add(c.ttl),
	}
	return nil
}

// Delete removes the page stored under key.
func (c *PageCache) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	shard := c.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.items, key)
	return nil
}

// DeletePrefix removes every page whose key starts with prefix. Used when a
// book is evicted from the shelf.
func (c *PageCache) DeletePrefix(ctx context.Context, prefix string) error {
	for _, shard := range c.shards {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		shard.mu.Lock()
		for key := range shard.items {
			if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
				delete(shard.items, key)
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

// CleanExpired removes every expired page from the cache.
func (c *PageCache) CleanExpired(ctx context.Context) error {
	for _, shard := range c.shards {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		shard.mu.Lock()
		for key, item := range shard.items {
			if item.expired() {
				delete(shard.items, key)
			}
		}
		shard.mu.Unlock()
	}
	return nil
}

// StartCleanupWorker starts the background goroutine that periodically
// evicts expired pages. Idempotent.
func (c *PageCache) StartCleanupWorker() {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()

	if c.workerRunning {
		return
	}
	c.workerRunning = true
	c.workerStop = make(chan struct{})

	c.workerWg.Add(1)
	go c.cleanupWorker()
}

// StopCleanupWorker stops the background cleanup worker gracefully.
func (c *PageCache) StopCleanupWorker() {
	c.workerMu.Lock()
	defer c.workerMu.Unlock()

	if !c.workerRunning {
		return
	}
	close(c.workerStop)
	c.workerWg.Wait()
	c.workerRunning = false
}

func (c *PageCache) cleanupWorker() {
	defer c.workerWg.Done()

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.workerStop:
			// Final sweep before stopping.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.CleanExpired(ctx)
			cancel()
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = c.CleanExpired(ctx)
			cancel()
		}
	}
}

// Stats reports per-shard occupancy, exposed through the health endpoint.
type Stats struct {
	ShardCount int
	TotalPages int
	TotalBytes int64
}

// GetStats collects occupancy numbers across all shards.
func (c *PageCache) GetStats() Stats {
	stats := Stats{ShardCount: c.shardCount}
	for _, shard := range c.shards {
		shard.mu.RLock()
		stats.TotalPages += len(shard.items)
		for _, item := range shard.items {
			stats.TotalBytes += int64(len(item.page.Data))
		}
		shard.mu.RUnlock()
	}
	return stats
}
