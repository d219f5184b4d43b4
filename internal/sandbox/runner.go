package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/duckgate/duckgate/internal/observability"
	"github.com/duckgate/duckgate/internal/query"
	"github.com/duckgate/duckgate/internal/tenant"
)

const (
	containerDataDir = "/data"
	catalogAlias     = "lake"
	readinessTimeout = 10 * time.Second
)

// RunnerConfig carries the host-side sandbox settings.
type RunnerConfig struct {
	Runtime        string
	Image          string
	Network        string
	MemoryLimitMB  int
	CPULimit       float64
	StartupTimeout time.Duration
	StopTimeout    time.Duration
	HealthInterval time.Duration
	// ExecOverhead pads the query timeout to cover container exec latency.
	ExecOverhead time.Duration
}

// QueryRunner runs one query per fresh container. The tenant's catalog
// directory is mounted into the sandbox and the engine CLI executes the
// query inside it.
type QueryRunner struct {
	cfg    RunnerConfig
	logger *slog.Logger

	// runner overrides the container runtime in tests.
	runner commandRunner
}

func NewQueryRunner(cfg RunnerConfig, logger *slog.Logger) *QueryRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExecOverhead <= 0 {
		cfg.ExecOverhead = 10 * time.Second
	}
	return &QueryRunner{cfg: cfg, logger: logger}
}

// Run executes one validated query inside a fresh sandbox and tears the
// sandbox down before returning, on every path.
func (r *QueryRunner) Run(ctx context.Context, req query.Request, limits tenant.Limits, sanitized string) (query.Result, error) {
	catalogPath, err := localCatalogPath(limits.CatalogURL)
	if err != nil {
		return query.Result{}, err
	}

	cfg, err := r.containerConfig(req.TenantID, catalogPath)
	if err != nil {
		return query.Result{}, err
	}
	container, err := NewContainer(cfg, Options{
		Runtime:        r.cfg.Runtime,
		StartupTimeout: r.cfg.StartupTimeout,
		StopTimeout:    r.cfg.StopTimeout,
		HealthInterval: r.cfg.HealthInterval,
		Logger:         r.logger,
		runner:         r.runner,
	})
	if err != nil {
		return query.Result{}, err
	}

	started := time.Now()
	if _, err := container.Start(ctx, ""); err != nil {
		observability.ObserveSandboxStart(false)
		return query.Result{}, err
	}
	observability.ObserveSandboxStart(true)

	defer func() {
		teardownCtx := context.WithoutCancel(ctx)
		if stopErr := container.Stop(teardownCtx); stopErr != nil {
			r.logger.Warn("sandbox stop failed, escalating to kill",
				slog.String("tenant_id", req.TenantID),
				slog.String("error", stopErr.Error()))
			container.Kill(teardownCtx)
			observability.ObserveSandboxTeardown("kill")
		} else {
			observability.ObserveSandboxTeardown("stop")
		}
	}()

	if err := r.verifyReady(ctx, container); err != nil {
		return query.Result{}, err
	}

	script, err := buildScript(req, filepath.Base(catalogPath))
	if err != nil {
		return query.Result{}, err
	}

	execTimeout := req.Timeout + r.cfg.ExecOverhead
	cliFormat := "-json"
	if req.Format == query.FormatCSV {
		cliFormat = "-csv"
	}
	stdout, stderr, code, err := container.Exec(ctx, execTimeout, "duckdb", cliFormat, "-c", script)
	if err != nil {
		return query.Result{}, err
	}
	if code != 0 {
		return query.Result{}, &ExecutionError{
			Name:   cfg.Name,
			Stderr: stderr,
			Err:    fmt.Errorf("engine CLI exited with code %d", code),
		}
	}

	result, err := r.parseOutput(req.Format, stdout, sanitized, time.Since(started))
	if err != nil {
		return query.Result{}, &ExecutionError{Name: cfg.Name, Err: err}
	}
	return result, nil
}

// verifyReady runs one lightweight engine command instead of polling an HTTP
// endpoint; the sandbox image has no server in it.
func (r *QueryRunner) verifyReady(ctx context.Context, container *Container) error {
	_, stderr, code, err := container.Exec(ctx, readinessTimeout, "duckdb", "-c", "SELECT 1")
	if err != nil || code != 0 {
		if err == nil {
			err = fmt.Errorf("readiness probe exited with code %d", code)
		}
		return &StartupError{
			Name: container.cfg.Name,
			Logs: container.Logs(ctx, 50) + "\n" + strings.TrimSpace(stderr),
			Err:  err,
		}
	}
	return nil
}

func (r *QueryRunner) containerConfig(tenantID, catalogPath string) (Config, error) {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return Config{}, fmt.Errorf("generate sandbox name: %w", err)
	}
	return Config{
		Name:    fmt.Sprintf("duckgate-query-%s-%s", tenantID, hex.EncodeToString(suffix)),
		Image:   r.cfg.Image,
		Network: r.cfg.Network,
		Limits: ResourceLimits{
			MemoryMB: r.cfg.MemoryLimitMB,
			CPUs:     r.cfg.CPULimit,
		},
		Mounts: []VolumeMount{
			{HostPath: filepath.Dir(catalogPath), ContainerPath: containerDataDir},
		},
		Env:     map[string]string{"HOME": containerDataDir},
		WorkDir: containerDataDir,
		Command: []string{"sh", "-c", "echo 'READY' && tail -f /dev/null"},
	}, nil
}

// localCatalogPath resolves a catalog URL to the host file backing it. Only
// local sqlite catalogs can be mounted into a sandbox; anything else is a
// configuration error.
func localCatalogPath(catalogURL string) (string, error) {
	path := strings.TrimPrefix(catalogURL, "sqlite:")
	if path == catalogURL || path == "" {
		return "", fmt.Errorf("catalog url %q is not a local sqlite catalog", catalogURL)
	}
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("catalog path %q must be absolute", path)
	}
	return path, nil
}

// buildScript assembles the CLI statement sequence: extension setup, catalog
// attach, optional secondary attach, then the query itself.
func buildScript(req query.Request, catalogFile string) (string, error) {
	stmts := []string{
		"INSTALL ducklake",
		"LOAD ducklake",
	}
	catalogURL := "sqlite:" + containerDataDir + "/" + catalogFile
	if req.SnapshotVersion > 0 {
		stmts = append(stmts, fmt.Sprintf("ATTACH '%s' AS %s (TYPE ducklake, READ_ONLY, SNAPSHOT_VERSION %d)",
			catalogURL, catalogAlias, req.SnapshotVersion))
	} else {
		stmts = append(stmts, fmt.Sprintf("ATTACH '%s' AS %s (TYPE ducklake)", catalogURL, catalogAlias))
	}
	if req.AttachCatalog != "" {
		if !isIdentifier(req.AttachCatalog) {
			return "", fmt.Errorf("invalid secondary catalog name %q", req.AttachCatalog)
		}
		stmts = append(stmts, fmt.Sprintf("ATTACH 'sqlite:%s/%s_catalog.sqlite' AS %s (TYPE ducklake)",
			containerDataDir, req.AttachCatalog, req.AttachCatalog))
	}
	stmts = append(stmts, query.LimitWrapper(req.SQL, req.RowLimit))
	return strings.Join(stmts, "; "), nil
}

func isIdentifier(s string) bool {
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

func (r *QueryRunner) parseOutput(format query.Format, stdout, sanitized string, elapsed time.Duration) (query.Result, error) {
	switch format {
	case query.FormatCSV:
		rowCount := 0
		if trimmed := strings.TrimSpace(stdout); trimmed != "" {
			rowCount = strings.Count(trimmed, "\n")
		}
		return query.Result{
			Format:   query.FormatCSV,
			Text:     stdout,
			RowCount: rowCount,
			Duration: elapsed,
			Query:    sanitized,
		}, nil
	case query.FormatJSON, query.FormatArrow, query.FormatParquet:
		columns, rows, err := parseJSONRows(stdout)
		if err != nil {
			return query.Result{}, err
		}
		return query.BuildResult(format, columns, rows, sanitized, elapsed)
	default:
		return query.Result{}, fmt.Errorf("unsupported format %q", format)
	}
}

// parseJSONRows decodes the CLI's JSON array output. Column order is
// recovered from the first object's key order, which the map decoding
// discards.
func parseJSONRows(raw string) ([]string, [][]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil, nil, nil
	}

	var records []map[string]any
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, nil, fmt.Errorf("decode engine output: %w", err)
	}

	columns, err := firstObjectKeys(raw)
	if err != nil {
		return nil, nil, err
	}

	rows := make([][]any, 0, len(records))
	for _, record := range records {
		row := make([]any, len(columns))
		for i, col := range columns {
			row[i] = record[col]
		}
		rows = append(rows, row)
	}
	return columns, rows, nil
}

func firstObjectKeys(raw string) ([]string, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	// Enter the array and the first object.
	for _, want := range []json.Delim{'[', '{'} {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("scan engine output: %w", err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != want {
			return nil, fmt.Errorf("unexpected engine output shape")
		}
	}

	var keys []string
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("scan engine output: %w", err)
		}
		if delim, ok := tok.(json.Delim); ok {
			switch delim {
			case '{', '[':
				depth++
			case '}', ']':
				if depth == 0 {
					return keys, nil
				}
				depth--
			}
			continue
		}
		if depth == 0 {
			if key, ok := tok.(string); ok {
				keys = append(keys, key)
				// Skip the value belonging to this key.
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					return nil, fmt.Errorf("scan engine output: %w", err)
				}
			}
		}
	}
}
