package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duckgate/duckgate/internal/tenant"
)

// CatalogMaterializer stages a tenant's catalog locally and returns the URL
// the pool should attach.
type CatalogMaterializer interface {
	Materialize(ctx context.Context, tenantID, catalogName, catalogURL string) (string, error)
}

// Defaults fill tenant limits that the control plane left unset.
type Defaults struct {
	MaxConnections int
	MinConnections int
	AcquireWait    time.Duration
	MemoryLimit    string
	Threads        int
}

// TenantContext owns exactly one pool for one tenant. The pool is built
// lazily on the first acquire so that tenants that never query never open
// engine connections.
type TenantContext struct {
	limits   tenant.Limits
	defaults Defaults
	factory  ConnFactory
	logger   *slog.Logger

	mu   sync.Mutex
	pool *Pool
}

func newTenantContext(limits tenant.Limits, defaults Defaults, factory ConnFactory, logger *slog.Logger) *TenantContext {
	return &TenantContext{limits: limits, defaults: defaults, factory: factory, logger: logger}
}

func (t *TenantContext) Limits() tenant.Limits { return t.limits }

func (t *TenantContext) poolConfig() Config {
	cfg := Config{
		TenantID:       t.limits.TenantID,
		CatalogURL:     t.limits.CatalogURL,
		MemoryLimit:    t.limits.MemoryLimit,
		Threads:        t.limits.Threads,
		MaxConnections: t.limits.MaxConnections,
		MinConnections: t.defaults.MinConnections,
		AcquireWait:    t.defaults.AcquireWait,
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = t.defaults.MemoryLimit
	}
	if cfg.Threads <= 0 {
		cfg.Threads = t.defaults.Threads
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = t.defaults.MaxConnections
	}
	return cfg
}

// Acquire hands out a pooled connection, initializing the pool on first use.
func (t *TenantContext) Acquire(ctx context.Context) (*Conn, error) {
	pool, err := t.ensurePool(ctx)
	if err != nil {
		return nil, err
	}
	return pool.Acquire(ctx)
}

func (t *TenantContext) Release(conn *Conn) {
	t.mu.Lock()
	pool := t.pool
	t.mu.Unlock()
	if pool != nil {
		pool.Release(conn)
	}
}

func (t *TenantContext) ensurePool(ctx context.Context) (*Pool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pool != nil {
		return t.pool, nil
	}
	pool := New(t.poolConfig(), t.factory, t.logger)
	if err := pool.Initialize(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("initialize pool for tenant %q: %w", t.limits.TenantID, err)
	}
	t.pool = pool
	return pool, nil
}

func (t *TenantContext) Close() error {
	t.mu.Lock()
	pool := t.pool
	t.pool = nil
	t.mu.Unlock()
	if pool == nil {
		return nil
	}
	return pool.Close()
}

// Registry maps tenant ids to execution contexts. It is constructed once at
// service startup and threaded through to the executors; shutdown closes
// every context it created.
type Registry struct {
	store        tenant.Store
	materializer CatalogMaterializer
	defaults     Defaults
	factory      ConnFactory
	logger       *slog.Logger

	mu       sync.Mutex
	contexts map[string]*TenantContext
}

func NewRegistry(store tenant.Store, materializer CatalogMaterializer, defaults Defaults, factory ConnFactory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:        store,
		materializer: materializer,
		defaults:     defaults,
		factory:      factory,
		logger:       logger,
		contexts:     make(map[string]*TenantContext),
	}
}

// GetOrCreate returns the tenant's context, building it on first access.
// Concurrent first accesses for the same tenant converge on one instance.
func (r *Registry) GetOrCreate(ctx context.Context, tenantID string) (*TenantContext, error) {
	r.mu.Lock()
	if existing, ok := r.contexts[tenantID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	limits, err := r.store.GetLimits(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if r.materializer != nil {
		url, err := r.materializer.Materialize(ctx, tenantID, "main", limits.CatalogURL)
		if err != nil {
			return nil, fmt.Errorf("materialize catalog for tenant %q: %w", tenantID, err)
		}
		limits.CatalogURL = url
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have won the race while we were looking up
	// limits; keep the established instance.
	if existing, ok := r.contexts[tenantID]; ok {
		return existing, nil
	}
	tc := newTenantContext(limits, r.defaults, r.factory, r.logger)
	r.contexts[tenantID] = tc
	r.logger.Info("tenant execution context created", slog.String("tenant_id", tenantID))
	return tc, nil
}

// Remove closes and forgets a tenant's context, typically on tenant deletion.
func (r *Registry) Remove(tenantID string) error {
	r.mu.Lock()
	tc, ok := r.contexts[tenantID]
	delete(r.contexts, tenantID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := tc.Close(); err != nil {
		return fmt.Errorf("close context for tenant %q: %w", tenantID, err)
	}
	return nil
}

// CloseAll tears down every context. Failures are logged per tenant and do
// not stop the sweep; shutdown is best-effort and total.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	contexts := r.contexts
	r.contexts = make(map[string]*TenantContext)
	r.mu.Unlock()

	for id, tc := range contexts {
		if err := tc.Close(); err != nil {
			r.logger.Error("close tenant context",
				slog.String("tenant_id", id),
				slog.String("error", err.Error()))
		}
	}
}
