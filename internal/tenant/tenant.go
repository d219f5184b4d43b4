// Package tenant defines the narrow collaborator contract the query layer
// consumes: resolve a tenant id to its resource limits and catalog location.
package tenant

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("tenant not found")

// Limits carries a tenant's execution envelope. Immutable for the lifetime of
// the tenant's execution context; changing limits requires removing the
// tenant from the registry so the next request rebuilds its pool.
type Limits struct {
	TenantID             string
	CatalogURL           string
	MemoryLimit          string
	Threads              int
	MaxConnections       int
	MaxConcurrentQueries int
}

type Store interface {
	GetLimits(ctx context.Context, tenantID string) (Limits, error)
}
