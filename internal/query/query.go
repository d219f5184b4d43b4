// Package query defines the data-plane contract of the execution layer: the
// request and result shapes shared by the pooled and sandboxed executors.
package query

import (
	"fmt"
	"strings"
	"time"
)

// Format is the requested result serialization. It is a closed set; every
// switch over it handles all variants.
type Format int

const (
	FormatJSON Format = iota
	FormatArrow
	FormatCSV
	FormatParquet
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatArrow:
		return "arrow"
	case FormatCSV:
		return "csv"
	case FormatParquet:
		return "parquet"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "json":
		return FormatJSON, nil
	case "arrow":
		return FormatArrow, nil
	case "csv":
		return FormatCSV, nil
	case "parquet":
		return FormatParquet, nil
	default:
		return FormatJSON, fmt.Errorf("unsupported format %q", raw)
	}
}

// Isolation selects the execution strategy for a request.
type Isolation int

const (
	// IsolationPooled runs the query on a pooled in-process connection.
	IsolationPooled Isolation = iota
	// IsolationSandboxed runs the query inside a fresh container.
	IsolationSandboxed
)

func (i Isolation) String() string {
	switch i {
	case IsolationPooled:
		return "pooled"
	case IsolationSandboxed:
		return "sandboxed"
	default:
		return fmt.Sprintf("isolation(%d)", int(i))
	}
}

func ParseIsolation(raw string) (Isolation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "pooled", "inprocess":
		return IsolationPooled, nil
	case "sandboxed", "sandbox":
		return IsolationSandboxed, nil
	default:
		return IsolationPooled, fmt.Errorf("unsupported isolation mode %q", raw)
	}
}

// Request carries one query from the transport layer to an executor.
type Request struct {
	TenantID string
	SQL      string
	// RowLimit caps the result set; zero means no wrapper is applied.
	RowLimit int
	// Timeout bounds how long the caller waits for a result.
	Timeout time.Duration
	Format  Format
	// AttachCatalog names a secondary catalog to attach before execution.
	AttachCatalog string
	// SnapshotVersion reads the catalog as of a prior snapshot; zero means
	// latest.
	SnapshotVersion int64
	Isolation       Isolation
}

// Result is the single contract both executors return. Exactly one of the
// payload fields is populated, selected by Format: Records for json, Text for
// csv, Encoded (base64) for arrow IPC streams and parquet files.
type Result struct {
	Format   Format           `json:"format"`
	Records  []map[string]any `json:"records,omitempty"`
	Text     string           `json:"text,omitempty"`
	Encoded  string           `json:"encoded,omitempty"`
	RowCount int              `json:"row_count"`
	Duration time.Duration    `json:"duration"`
	// Query echoes the sanitized query text, never the raw SQL.
	Query string `json:"query"`
}

// Metrics is the write-only observability record emitted for every execution
// attempt, success or failure.
type Metrics struct {
	TenantID    string
	Fingerprint string
	Duration    time.Duration
	RowCount    int
	Format      Format
	Isolation   Isolation
	Success     bool
	ErrorKind   string
}

// LimitWrapper embeds the query in a limiting sub-select. The inner text has
// already passed validation, so plain interpolation is safe here.
func LimitWrapper(sql string, limit int) string {
	if limit <= 0 {
		return sql
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS limited_query LIMIT %d", strings.TrimRight(strings.TrimSpace(sql), ";"), limit)
}
