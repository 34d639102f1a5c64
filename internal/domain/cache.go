package domain

import "context"

// Cache defines the interface for caching extracted pages
type Cache interface {
	// Get retrieves a page from the cache by key
	Get(ctx context.Context, key string) (Page, bool)

	// Set stores a page in the cache with the given key
	Set(ctx context.Context, key string, page Page) error

	// Delete removes a page from the cache by key
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every page whose key starts with prefix
	DeletePrefix(ctx context.Context, prefix string) error

	// CleanExpired removes all expired items from the cache
	CleanExpired(ctx context.Context) error
}
