package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/duckgate/duckgate/internal/query"
	"github.com/duckgate/duckgate/internal/query/pool"
	"github.com/duckgate/duckgate/internal/sandbox"
	"github.com/duckgate/duckgate/internal/sqlsafe"
	"github.com/duckgate/duckgate/internal/tenant"
)

type fakeSandboxRunner struct {
	lastLimits tenant.Limits
	lastReq    query.Request
	result     query.Result
	err        error
}

func (f *fakeSandboxRunner) Run(_ context.Context, req query.Request, limits tenant.Limits, _ string) (query.Result, error) {
	f.lastReq = req
	f.lastLimits = limits
	return f.result, f.err
}

func newSandboxedEnv(runner SandboxRunner) *Sandboxed {
	store := &fakeStore{limits: map[string]tenant.Limits{
		"acme": {TenantID: "acme", CatalogURL: "sqlite:/srv/data/acme/main_catalog.sqlite"},
	}}
	registry := pool.NewRegistry(store, nil, pool.Defaults{MaxConnections: 1, AcquireWait: 20 * time.Millisecond}, nil, nil)
	return NewSandboxed(registry, sqlsafe.NewValidator(0), runner, Limits{}, nil)
}

func TestSandboxedExecutePassesTenantLimits(t *testing.T) {
	runner := &fakeSandboxRunner{result: query.Result{Format: query.FormatJSON, RowCount: 1}}
	exec := newSandboxedEnv(runner)

	req := query.Request{
		TenantID:  "acme",
		SQL:       "SELECT 2",
		Format:    query.FormatJSON,
		Isolation: query.IsolationSandboxed,
	}
	result, err := exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 1 {
		t.Fatalf("RowCount = %d", result.RowCount)
	}
	if runner.lastLimits.CatalogURL != "sqlite:/srv/data/acme/main_catalog.sqlite" {
		t.Fatalf("limits = %+v", runner.lastLimits)
	}
	if runner.lastReq.Timeout <= 0 || runner.lastReq.RowLimit <= 0 {
		t.Fatalf("request was not clamped: %+v", runner.lastReq)
	}
}

func TestSandboxedExecuteValidatesFirst(t *testing.T) {
	runner := &fakeSandboxRunner{}
	exec := newSandboxedEnv(runner)

	req := query.Request{TenantID: "acme", SQL: "ATTACH 'x' AS y"}
	_, err := exec.Execute(context.Background(), req)
	var validation *sqlsafe.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("Execute() error = %v, want ValidationError", err)
	}
	if runner.lastReq.SQL != "" {
		t.Fatal("runner was invoked for invalid SQL")
	}
}

func TestSandboxedExecutePropagatesStartupError(t *testing.T) {
	runner := &fakeSandboxRunner{err: &sandbox.StartupError{Name: "s", Err: errors.New("boom")}}
	exec := newSandboxedEnv(runner)

	req := query.Request{TenantID: "acme", SQL: "SELECT 2", Isolation: query.IsolationSandboxed}
	_, err := exec.Execute(context.Background(), req)
	var startup *sandbox.StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("Execute() error = %v, want StartupError", err)
	}
}

func TestSandboxedExecuteEmitsMetricsForRejectedQuery(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	runner := &fakeSandboxRunner{}
	exec := NewSandboxed(nil, sqlsafe.NewValidator(0), runner, Limits{}, logger)

	req := query.Request{TenantID: "acme", SQL: "DROP TABLE events", Isolation: query.IsolationSandboxed}
	_, err := exec.Execute(context.Background(), req)
	var validation *sqlsafe.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("Execute() error = %v, want ValidationError", err)
	}
	if runner.lastReq.SQL != "" {
		t.Fatal("runner was invoked for invalid SQL")
	}

	logged := buf.String()
	if !strings.Contains(logged, "query failed") {
		t.Fatalf("no failure record logged: %q", logged)
	}
	if !strings.Contains(logged, `"error_kind":"validation"`) {
		t.Fatalf("error kind missing from record: %q", logged)
	}
	if !strings.Contains(logged, `"mode":"sandboxed"`) {
		t.Fatalf("mode missing from record: %q", logged)
	}
}
