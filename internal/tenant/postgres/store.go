package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/duckgate/duckgate/internal/tenant"
)

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("tenant dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open tenant db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping tenant db: %w", err)
	}

	return db, nil
}

// Store resolves tenant limits from the control-plane database. It implements
// only the lookup side of tenant management; provisioning lives elsewhere.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const getLimitsSQL = `
SELECT tenant_id, catalog_url, memory_limit, threads, max_connections, max_concurrent_queries
FROM tenants
WHERE tenant_id = $1 AND deleted_at IS NULL`

func (s *Store) GetLimits(ctx context.Context, tenantID string) (tenant.Limits, error) {
	if tenantID == "" {
		return tenant.Limits{}, fmt.Errorf("tenant id is required")
	}

	var limits tenant.Limits
	row := s.db.QueryRowContext(ctx, getLimitsSQL, tenantID)
	err := row.Scan(
		&limits.TenantID,
		&limits.CatalogURL,
		&limits.MemoryLimit,
		&limits.Threads,
		&limits.MaxConnections,
		&limits.MaxConcurrentQueries,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Limits{}, tenant.ErrNotFound
	}
	if err != nil {
		return tenant.Limits{}, fmt.Errorf("get tenant limits %q: %w", tenantID, err)
	}
	return limits, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("tenant db ping: %w", err)
	}
	return nil
}
