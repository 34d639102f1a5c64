package domain

import "context"

// BookRepository defines the interface for book catalog persistence
type BookRepository interface {
	// Create creates a new catalog record
	Create(ctx context.Context, rec *BookRecord) error

	// GetByID retrieves a catalog record by ID
	GetByID(ctx context.Context, id string) (*BookRecord, error)

	// Update updates an existing catalog record
	Update(ctx context.Context, rec *BookRecord) error

	// Delete deletes a catalog record by ID
	Delete(ctx context.Context, id string) error

	// ListWithPagination retrieves catalog records with pagination
	ListWithPagination(ctx context.Context, params PaginationParams) (*PaginatedResult, error)
}

// HealthChecker defines the interface for health checks
type HealthChecker interface {
	// CheckConnection checks if the database connection is healthy
	CheckConnection(ctx context.Context) error

	// EnsureCollections ensures that required collections/namespaces exist
	EnsureCollections(ctx context.Context) error
}
