// Package executor runs validated queries against tenant execution contexts,
// either on pooled in-process connections or inside per-query sandboxes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckgate/duckgate/internal/observability"
	"github.com/duckgate/duckgate/internal/query"
	"github.com/duckgate/duckgate/internal/query/pool"
	"github.com/duckgate/duckgate/internal/sandbox"
	"github.com/duckgate/duckgate/internal/sqlsafe"
)

// Limits clamp per-request knobs to service-wide bounds.
type Limits struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxRowLimit    int
}

func (l Limits) withDefaults() Limits {
	if l.DefaultTimeout <= 0 {
		l.DefaultTimeout = 30 * time.Second
	}
	if l.MaxTimeout <= 0 {
		l.MaxTimeout = 5 * time.Minute
	}
	if l.MaxRowLimit <= 0 {
		l.MaxRowLimit = 10000
	}
	return l
}

func (l Limits) clamp(req query.Request) query.Request {
	if req.Timeout <= 0 {
		req.Timeout = l.DefaultTimeout
	}
	if req.Timeout > l.MaxTimeout {
		req.Timeout = l.MaxTimeout
	}
	if req.RowLimit > l.MaxRowLimit || req.RowLimit <= 0 {
		req.RowLimit = l.MaxRowLimit
	}
	return req
}

// Executor is the in-process path: pooled connection, deadline-bounded
// engine call, format conversion.
type Executor struct {
	registry  *pool.Registry
	validator *sqlsafe.Validator
	limits    Limits
	logger    *slog.Logger
}

func New(registry *pool.Registry, validator *sqlsafe.Validator, limits Limits, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:  registry,
		validator: validator,
		limits:    limits.withDefaults(),
		logger:    logger,
	}
}

// Execute validates the request, runs it on a pooled connection under the
// request timeout, and converts the rows to the requested format. Metrics
// are emitted on every path and the connection is always released.
func (e *Executor) Execute(ctx context.Context, req query.Request) (result query.Result, err error) {
	req = e.limits.clamp(req)

	fingerprint := sqlsafe.Fingerprint(req.SQL)
	sanitized := sqlsafe.SanitizeForLogging(req.SQL, 0)
	started := time.Now()
	defer func() {
		e.emitMetrics(req, fingerprint, result.RowCount, time.Since(started), err)
	}()

	// Rejected queries are failures too; validation runs inside the metrics
	// window so they are counted and logged like any other failure.
	if verr := e.validator.Validate(req.SQL); verr != nil {
		return query.Result{}, verr
	}

	tc, err := e.registry.GetOrCreate(ctx, req.TenantID)
	if err != nil {
		return query.Result{}, err
	}
	conn, err := tc.Acquire(ctx)
	if err != nil {
		return query.Result{}, err
	}
	defer tc.Release(conn)

	detach, err := e.attachExtras(ctx, conn, tc, req)
	if err != nil {
		return query.Result{}, err
	}
	defer detach()

	wrapped := query.LimitWrapper(req.SQL, req.RowLimit)
	columns, rows, err := e.runBounded(ctx, conn, wrapped, req.Timeout, fingerprint)
	if err != nil {
		return query.Result{}, err
	}

	result, err = query.BuildResult(req.Format, columns, rows, sanitized, time.Since(started))
	if err != nil {
		return query.Result{}, &query.QueryExecutionError{Fingerprint: fingerprint, Err: err}
	}
	return result, nil
}

// runBounded dispatches the blocking engine call to a goroutine and waits up
// to the timeout. The timeout bounds only the caller's wait: the engine call
// is not interrupted and may run to completion in the background. See the
// sandboxed path for hard termination at the process boundary.
func (e *Executor) runBounded(ctx context.Context, conn *pool.Conn, sqlText string, timeout time.Duration, fingerprint string) ([]string, [][]any, error) {
	type outcome struct {
		columns []string
		rows    [][]any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		columns, rows, err := conn.Query(ctx, sqlText)
		done <- outcome{columns: columns, rows: rows, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, nil, &query.QueryExecutionError{Fingerprint: fingerprint, Err: out.err}
		}
		return out.columns, out.rows, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-timer.C:
		return nil, nil, &query.QueryTimeoutError{Fingerprint: fingerprint, Timeout: timeout}
	}
}

// attachExtras handles the optional secondary catalog and time-travel
// attaches. They are detached before the connection returns to the pool so
// the connection's base catalog set never changes.
func (e *Executor) attachExtras(ctx context.Context, conn *pool.Conn, tc *pool.TenantContext, req query.Request) (func(), error) {
	var aliases []string
	detach := func() {
		for _, alias := range aliases {
			if err := conn.Exec(context.WithoutCancel(ctx), "DETACH "+alias); err != nil {
				e.logger.Warn("detach catalog",
					slog.String("tenant_id", req.TenantID),
					slog.String("alias", alias),
					slog.String("error", err.Error()))
			}
		}
	}

	if req.SnapshotVersion > 0 {
		stmt := pool.AttachStatement(tc.Limits().CatalogURL, "lake_at", req.SnapshotVersion)
		if err := conn.Exec(ctx, stmt); err != nil {
			return detach, fmt.Errorf("attach snapshot %d: %w", req.SnapshotVersion, err)
		}
		aliases = append(aliases, "lake_at")
	}

	if req.AttachCatalog != "" {
		url, err := e.secondaryCatalogURL(ctx, req.TenantID, req.AttachCatalog, tc.Limits().CatalogURL)
		if err != nil {
			detach()
			return func() {}, err
		}
		stmt := pool.AttachStatement(url, req.AttachCatalog, 0)
		if err := conn.Exec(ctx, stmt); err != nil {
			detach()
			return func() {}, fmt.Errorf("attach catalog %q: %w", req.AttachCatalog, err)
		}
		aliases = append(aliases, req.AttachCatalog)
	}

	return detach, nil
}

// secondaryCatalogURL resolves a named catalog next to the tenant's main
// catalog file. A name that cannot resolve is a configuration error, not a
// query error.
func (e *Executor) secondaryCatalogURL(_ context.Context, tenantID, name, mainURL string) (string, error) {
	if !isCatalogName(name) {
		return "", fmt.Errorf("invalid catalog name %q for tenant %q", name, tenantID)
	}
	path := strings.TrimPrefix(mainURL, "sqlite:")
	if path == mainURL || path == "" {
		return "", fmt.Errorf("tenant %q catalog url %q cannot host secondary catalogs", tenantID, mainURL)
	}
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", fmt.Errorf("tenant %q catalog url %q cannot host secondary catalogs", tenantID, mainURL)
	}
	return "sqlite:" + path[:idx+1] + name + "_catalog.sqlite", nil
}

func isCatalogName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// Explain returns the engine's plan for a validated query.
func (e *Executor) Explain(ctx context.Context, tenantID, sqlText string) (string, error) {
	if err := e.validator.Validate(sqlText); err != nil {
		return "", err
	}
	fingerprint := sqlsafe.Fingerprint(sqlText)

	tc, err := e.registry.GetOrCreate(ctx, tenantID)
	if err != nil {
		return "", err
	}
	conn, err := tc.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer tc.Release(conn)

	stmt := sqlText
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(stmt)), "explain") {
		stmt = "EXPLAIN " + stmt
	}
	_, rows, err := conn.Query(ctx, stmt)
	if err != nil {
		return "", &query.QueryExecutionError{Fingerprint: fingerprint, Err: err}
	}

	var plan strings.Builder
	for _, row := range rows {
		for _, value := range row {
			if s, ok := value.(string); ok {
				plan.WriteString(s)
				plan.WriteByte('\n')
			}
		}
	}
	return plan.String(), nil
}

func (e *Executor) emitMetrics(req query.Request, fingerprint string, rowCount int, elapsed time.Duration, err error) {
	m := query.Metrics{
		TenantID:    req.TenantID,
		Fingerprint: fingerprint,
		Duration:    elapsed,
		RowCount:    rowCount,
		Format:      req.Format,
		Isolation:   query.IsolationPooled,
		Success:     err == nil,
		ErrorKind:   errorKind(err),
	}
	emit(e.logger, m, sqlsafe.SanitizeForLogging(req.SQL, 0))
}

func emit(logger *slog.Logger, m query.Metrics, sanitized string) {
	observability.ObserveQuery(m.Isolation.String(), m.Format.String(), m.Success, m.RowCount, m.Duration)
	attrs := []any{
		slog.String("tenant_id", m.TenantID),
		slog.String("fingerprint", m.Fingerprint),
		slog.String("query", sanitized),
		slog.String("mode", m.Isolation.String()),
		slog.String("format", m.Format.String()),
		slog.Int("row_count", m.RowCount),
		slog.Duration("duration", m.Duration),
	}
	if m.Success {
		logger.Info("query executed", attrs...)
		return
	}
	attrs = append(attrs, slog.String("error_kind", m.ErrorKind))
	logger.Warn("query failed", attrs...)
}

// errorKind classifies an error for metrics labels; callers still receive
// the typed error itself.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		validation   *sqlsafe.ValidationError
		exhausted    *query.PoolExhaustedError
		timeout      *query.QueryTimeoutError
		execution    *query.QueryExecutionError
		sbStartup    *sandbox.StartupError
		sbExecution  *sandbox.ExecutionError
		sbStop       *sandbox.StopError
		sbNotRunning *sandbox.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &exhausted):
		return "pool_exhausted"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.As(err, &execution):
		return "execution"
	case errors.As(err, &sbStartup):
		return "sandbox_startup"
	case errors.As(err, &sbExecution):
		return "sandbox_execution"
	case errors.As(err, &sbStop):
		return "sandbox_stop"
	case errors.As(err, &sbNotRunning):
		return "sandbox_not_found"
	default:
		return "internal"
	}
}
