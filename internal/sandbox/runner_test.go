package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/duckgate/duckgate/internal/query"
	"github.com/duckgate/duckgate/internal/tenant"
)

func testRunner(rt *fakeRuntime) *QueryRunner {
	r := NewQueryRunner(RunnerConfig{
		Image:          "duckgate/query-sandbox:1.4",
		Network:        "none",
		MemoryLimitMB:  1024,
		CPULimit:       1,
		StartupTimeout: 200 * time.Millisecond,
		StopTimeout:    time.Second,
		ExecOverhead:   time.Second,
	}, nil)
	r.runner = rt
	return r
}

func testRequest() query.Request {
	return query.Request{
		TenantID: "acme",
		SQL:      "SELECT id, name FROM lake.events",
		Format:   query.FormatJSON,
		Timeout:  5 * time.Second,
	}
}

var testLimits = tenant.Limits{
	TenantID:   "acme",
	CatalogURL: "sqlite:/srv/data/acme/main_catalog.sqlite",
}

// queryRuntime serves the happy path: launch, readiness probe, one query.
func queryRuntime(queryStdout string) *fakeRuntime {
	return &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		switch args[0] {
		case "run":
			return "abc123\n", "", 0, nil
		case "exec":
			if len(args) >= 4 && args[2] == "duckdb" && args[3] == "-c" {
				return "1\n", "", 0, nil
			}
			return queryStdout, "", 0, nil
		default:
			return "", "", 0, nil
		}
	}}
}

func TestRunReturnsJSONResult(t *testing.T) {
	rt := queryRuntime(`[{"id":1,"name":"alpha"},{"id":2,"name":"beta"}]`)
	r := testRunner(rt)

	result, err := r.Run(context.Background(), testRequest(), testLimits, "SELECT id, name FROM lake.events")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.RowCount != 2 {
		t.Fatalf("RowCount = %d", result.RowCount)
	}
	if result.Records[0]["name"] != "alpha" {
		t.Fatalf("Records[0] = %v", result.Records[0])
	}
	if !rt.verbCalled("stop") {
		t.Fatal("sandbox was not stopped after the query")
	}
	if rt.verbCalled("kill") {
		t.Fatal("kill was called on the happy path")
	}
}

func TestRunArrowResultIsEncoded(t *testing.T) {
	req := testRequest()
	req.Format = query.FormatArrow
	r := testRunner(queryRuntime(`[{"id":1}]`))

	result, err := r.Run(context.Background(), req, testLimits, "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Format != query.FormatArrow || result.Encoded == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestRunStartupFailureStopsBeforeReturn(t *testing.T) {
	rt := &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		if args[0] == "run" {
			return "", "image pull failed", 125, nil
		}
		return "", "", 0, nil
	}}
	r := testRunner(rt)

	_, err := r.Run(context.Background(), testRequest(), testLimits, "")
	var startup *StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("Run() error = %v, want StartupError", err)
	}
	if rt.verbCalled("exec") {
		t.Fatal("exec ran after a failed launch")
	}
}

func TestRunReadinessFailureCapturesLogs(t *testing.T) {
	rt := &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		switch args[0] {
		case "run":
			return "abc123\n", "", 0, nil
		case "exec":
			return "", "duckdb: not found", 127, nil
		case "logs":
			return "boot failure detail\n", "", 0, nil
		}
		return "", "", 0, nil
	}}
	r := testRunner(rt)

	_, err := r.Run(context.Background(), testRequest(), testLimits, "")
	var startup *StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("Run() error = %v, want StartupError", err)
	}
	if !strings.Contains(startup.Logs, "boot failure detail") {
		t.Fatalf("Logs = %q", startup.Logs)
	}
	if !rt.verbCalled("stop") {
		t.Fatal("sandbox was not torn down after readiness failure")
	}
}

func TestRunStopFailureEscalatesToKill(t *testing.T) {
	rt := &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		switch args[0] {
		case "run":
			return "abc123\n", "", 0, nil
		case "exec":
			if len(args) >= 4 && args[2] == "duckdb" && args[3] == "-c" {
				return "1\n", "", 0, nil
			}
			return "[]", "", 0, nil
		case "stop":
			return "", "cannot stop", 1, nil
		}
		return "", "", 0, nil
	}}
	r := testRunner(rt)

	if _, err := r.Run(context.Background(), testRequest(), testLimits, ""); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !rt.verbCalled("kill") {
		t.Fatal("runner did not escalate a failed stop to kill")
	}
}

func TestRunQueryFailureReturnsExecutionError(t *testing.T) {
	rt := &fakeRuntime{respond: func(_ context.Context, args []string) (string, string, int, error) {
		switch args[0] {
		case "run":
			return "abc123\n", "", 0, nil
		case "exec":
			if len(args) >= 4 && args[2] == "duckdb" && args[3] == "-c" {
				return "1\n", "", 0, nil
			}
			return "", "Binder Error: table missing", 1, nil
		}
		return "", "", 0, nil
	}}
	r := testRunner(rt)

	_, err := r.Run(context.Background(), testRequest(), testLimits, "")
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Run() error = %v, want ExecutionError", err)
	}
	if !strings.Contains(execErr.Stderr, "Binder Error") {
		t.Fatalf("Stderr = %q", execErr.Stderr)
	}
	if !rt.verbCalled("stop") {
		t.Fatal("sandbox was not torn down after a failed query")
	}
}

func TestRunRejectsRemoteCatalog(t *testing.T) {
	limits := tenant.Limits{TenantID: "acme", CatalogURL: "postgres://catalog"}
	r := testRunner(queryRuntime("[]"))
	if _, err := r.Run(context.Background(), testRequest(), limits, ""); err == nil {
		t.Fatal("Run() with remote catalog = nil, want error")
	}
}

func TestBuildScript(t *testing.T) {
	req := query.Request{
		SQL:             "SELECT * FROM lake.events",
		RowLimit:        10,
		SnapshotVersion: 7,
		AttachCatalog:   "archive",
	}
	script, err := buildScript(req, "main_catalog.sqlite")
	if err != nil {
		t.Fatalf("buildScript() error = %v", err)
	}
	for _, want := range []string{
		"INSTALL ducklake",
		"LOAD ducklake",
		"ATTACH 'sqlite:/data/main_catalog.sqlite' AS lake (TYPE ducklake, READ_ONLY, SNAPSHOT_VERSION 7)",
		"ATTACH 'sqlite:/data/archive_catalog.sqlite' AS archive (TYPE ducklake)",
		"SELECT * FROM (SELECT * FROM lake.events) AS limited_query LIMIT 10",
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("script %q missing %q", script, want)
		}
	}
}

func TestBuildScriptRejectsBadCatalogName(t *testing.T) {
	req := query.Request{SQL: "SELECT 1", AttachCatalog: "x; DROP"}
	if _, err := buildScript(req, "main_catalog.sqlite"); err == nil {
		t.Fatal("buildScript() with bad catalog name = nil, want error")
	}
}

func TestParseJSONRowsPreservesColumnOrder(t *testing.T) {
	columns, rows, err := parseJSONRows(`[{"zeta":1,"alpha":"x","mid":true}]`)
	if err != nil {
		t.Fatalf("parseJSONRows() error = %v", err)
	}
	if len(columns) != 3 || columns[0] != "zeta" || columns[1] != "alpha" || columns[2] != "mid" {
		t.Fatalf("columns = %v", columns)
	}
	if len(rows) != 1 || rows[0][1] != "x" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestParseJSONRowsEmpty(t *testing.T) {
	columns, rows, err := parseJSONRows("[]")
	if err != nil {
		t.Fatalf("parseJSONRows() error = %v", err)
	}
	if columns != nil || rows != nil {
		t.Fatalf("parseJSONRows() = %v, %v", columns, rows)
	}
}
