// Package pool manages bounded per-tenant DuckDB connection pools. Each
// pooled connection is opened once, configured with the tenant's resource
// limits, and keeps the tenant's DuckLake catalog attached for its lifetime.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckgate/duckgate/internal/observability"
	"github.com/duckgate/duckgate/internal/query"
)

// CatalogAlias is the logical name every tenant catalog is attached under.
const CatalogAlias = "lake"

const defaultAcquireWait = 5 * time.Second

// ConnFactory opens one raw engine handle. Injected so tests can substitute
// a mock database.
type ConnFactory func(ctx context.Context) (*sql.DB, error)

func duckdbFactory(context.Context) (*sql.DB, error) {
	return sql.Open("duckdb", "")
}

// Config sizes one tenant's pool and carries the settings applied to every
// connection it creates.
type Config struct {
	TenantID       string
	CatalogURL     string
	MemoryLimit    string
	Threads        int
	MaxConnections int
	MinConnections int
	AcquireWait    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1
	}
	if c.MinConnections < 0 {
		c.MinConnections = 0
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.AcquireWait <= 0 {
		c.AcquireWait = defaultAcquireWait
	}
	return c
}

// Conn is one pooled engine handle. It is exclusively owned by the pool while
// idle and by a single caller between Acquire and Release.
type Conn struct {
	db *sql.DB
}

// Query runs a statement and scans the full result set into memory.
func (c *Conn) Query(ctx context.Context, sqlText string) ([]string, [][]any, error) {
	rows, err := c.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("read columns: %w", err)
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return columns, out, nil
}

// Exec runs a statement that returns no rows, such as ATTACH or SET.
func (c *Conn) Exec(ctx context.Context, sqlText string) error {
	_, err := c.db.ExecContext(ctx, sqlText)
	return err
}

func (c *Conn) probe(ctx context.Context) error {
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	return nil
}

func (c *Conn) close() error {
	return c.db.Close()
}

func normalizeValues(values []any) []any {
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values
}

// Pool hands out connections up to a hard cap. Acquire waits briefly for an
// idle connection before creating a new one; at the cap it fails with
// PoolExhaustedError instead of queuing indefinitely.
type Pool struct {
	cfg     Config
	factory ConnFactory
	logger  *slog.Logger

	idle chan *Conn

	mu      sync.Mutex
	created int
	closed  bool
}

func New(cfg Config, factory ConnFactory, logger *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	if factory == nil {
		factory = duckdbFactory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		idle:    make(chan *Conn, cfg.MaxConnections),
	}
}

// Initialize pre-warms the pool with the configured minimum of connections.
func (p *Pool) Initialize(ctx context.Context) error {
	for i := 0; i < p.cfg.MinConnections; i++ {
		conn, err := p.create(ctx)
		if err != nil {
			return err
		}
		p.idle <- conn
	}
	p.publishGauges()
	return nil
}

// Acquire returns a connection exclusively owned by the caller until Release.
// The returned connection has passed a liveness probe; a probe failure
// propagates rather than being papered over with a replacement.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool for tenant %q is closed", p.cfg.TenantID)
	}
	p.mu.Unlock()

	conn, err := p.dequeue(ctx)
	if err != nil {
		return nil, err
	}

	if err := conn.probe(ctx); err != nil {
		p.discard(conn)
		return nil, fmt.Errorf("pooled connection failed liveness probe: %w", err)
	}
	p.publishGauges()
	return conn, nil
}

func (p *Pool) dequeue(ctx context.Context) (*Conn, error) {
	select {
	case conn := <-p.idle:
		return conn, nil
	default:
	}

	timer := time.NewTimer(p.cfg.AcquireWait)
	defer timer.Stop()

	select {
	case conn := <-p.idle:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	p.mu.Lock()
	if p.created >= p.cfg.MaxConnections {
		p.mu.Unlock()
		observability.IncrementPoolExhausted()
		return nil, &query.PoolExhaustedError{TenantID: p.cfg.TenantID, Limit: p.cfg.MaxConnections}
	}
	p.created++
	p.mu.Unlock()

	conn, err := p.newConn(ctx)
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// Release returns a connection to the idle set. It is safe to call on every
// exit path, including after a failed query.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.discard(conn)
		return
	}
	select {
	case p.idle <- conn:
	default:
		// Cap shrank or a double release happened; drop the extra.
		p.discard(conn)
	}
	p.publishGauges()
}

// Close drains the idle set and closes every connection. Subsequent Acquire
// calls fail immediately.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for {
		select {
		case conn := <-p.idle:
			if err := conn.close(); err != nil && firstErr == nil {
				firstErr = err
			}
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
		default:
			observability.ForgetPoolGauges(p.cfg.TenantID)
			return firstErr
		}
	}
}

func (p *Pool) create(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.created >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, &query.PoolExhaustedError{TenantID: p.cfg.TenantID, Limit: p.cfg.MaxConnections}
	}
	p.created++
	p.mu.Unlock()

	conn, err := p.newConn(ctx)
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

func (p *Pool) newConn(ctx context.Context) (*Conn, error) {
	db, err := p.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("open engine connection: %w", err)
	}
	// SET and ATTACH are session-scoped; the handle must map to exactly one
	// engine session for them to hold across statements.
	db.SetMaxOpenConns(1)
	conn := &Conn{db: db}
	for _, stmt := range connectionInitStatements(p.cfg) {
		if err := conn.Exec(ctx, stmt); err != nil {
			_ = conn.close()
			return nil, fmt.Errorf("initialize connection (%s): %w", firstWord(stmt), err)
		}
	}
	p.logger.Debug("pooled connection created",
		slog.String("tenant_id", p.cfg.TenantID))
	return conn, nil
}

func (p *Pool) discard(conn *Conn) {
	if err := conn.close(); err != nil {
		p.logger.Warn("close pooled connection",
			slog.String("tenant_id", p.cfg.TenantID),
			slog.String("error", err.Error()))
	}
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
	p.publishGauges()
}

func (p *Pool) publishGauges() {
	p.mu.Lock()
	created := p.created
	closed := p.closed
	p.mu.Unlock()
	// Close deletes the tenant's gauge series; publishing afterwards (a late
	// Release taking the discard path) would resurrect them.
	if closed {
		return
	}
	observability.SetPoolGauges(p.cfg.TenantID, len(p.idle), created)
}

// connectionInitStatements is the fixed setup sequence for a new connection:
// resource limits, progress bar off, catalog extension, catalog attach.
func connectionInitStatements(cfg Config) []string {
	stmts := make([]string, 0, 6)
	if cfg.MemoryLimit != "" {
		stmts = append(stmts, fmt.Sprintf("SET memory_limit='%s'", escapeSQLString(cfg.MemoryLimit)))
	}
	if cfg.Threads > 0 {
		stmts = append(stmts, fmt.Sprintf("SET threads=%d", cfg.Threads))
	}
	stmts = append(stmts,
		"SET enable_progress_bar=false",
		"INSTALL ducklake",
		"LOAD ducklake",
	)
	if cfg.CatalogURL != "" {
		stmts = append(stmts, AttachStatement(cfg.CatalogURL, CatalogAlias, 0))
	}
	return stmts
}

// AttachStatement builds the catalog attach for a DuckLake catalog URL. A
// non-zero snapshot version attaches a read-only view of that snapshot.
func AttachStatement(catalogURL, alias string, snapshotVersion int64) string {
	if snapshotVersion > 0 {
		return fmt.Sprintf("ATTACH '%s' AS %s (TYPE ducklake, READ_ONLY, SNAPSHOT_VERSION %d)",
			escapeSQLString(catalogURL), alias, snapshotVersion)
	}
	return fmt.Sprintf("ATTACH '%s' AS %s (TYPE ducklake)", escapeSQLString(catalogURL), alias)
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func firstWord(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
