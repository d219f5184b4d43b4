package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/duckgate/duckgate/internal/query"
	"github.com/duckgate/duckgate/internal/query/pool"
	"github.com/duckgate/duckgate/internal/sqlsafe"
	"github.com/duckgate/duckgate/internal/tenant"
)

// SandboxRunner executes one query in an isolated process. Satisfied by
// sandbox.QueryRunner.
type SandboxRunner interface {
	Run(ctx context.Context, req query.Request, limits tenant.Limits, sanitized string) (query.Result, error)
}

// Sandboxed mirrors the pooled executor's contract but runs every query in
// a fresh container. The tenant registry supplies limits and the staged
// catalog location; no pooled connections are opened on this path.
type Sandboxed struct {
	registry  *pool.Registry
	validator *sqlsafe.Validator
	runner    SandboxRunner
	limits    Limits
	logger    *slog.Logger
}

func NewSandboxed(registry *pool.Registry, validator *sqlsafe.Validator, runner SandboxRunner, limits Limits, logger *slog.Logger) *Sandboxed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandboxed{
		registry:  registry,
		validator: validator,
		runner:    runner,
		limits:    limits.withDefaults(),
		logger:    logger,
	}
}

func (s *Sandboxed) Execute(ctx context.Context, req query.Request) (result query.Result, err error) {
	req = s.limits.clamp(req)

	fingerprint := sqlsafe.Fingerprint(req.SQL)
	sanitized := sqlsafe.SanitizeForLogging(req.SQL, 0)
	started := time.Now()
	defer func() {
		m := query.Metrics{
			TenantID:    req.TenantID,
			Fingerprint: fingerprint,
			Duration:    time.Since(started),
			RowCount:    result.RowCount,
			Format:      req.Format,
			Isolation:   query.IsolationSandboxed,
			Success:     err == nil,
			ErrorKind:   errorKind(err),
		}
		emit(s.logger, m, sanitized)
	}()

	// Validation runs inside the metrics window so rejected queries are
	// counted and logged like any other failure.
	if verr := s.validator.Validate(req.SQL); verr != nil {
		return query.Result{}, verr
	}

	tc, err := s.registry.GetOrCreate(ctx, req.TenantID)
	if err != nil {
		return query.Result{}, err
	}

	result, err = s.runner.Run(ctx, req, tc.Limits(), sanitized)
	if err != nil {
		return query.Result{}, err
	}
	return result, nil
}
