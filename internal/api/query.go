package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/duckgate/duckgate/internal/auth"
	"github.com/duckgate/duckgate/internal/query"
	"github.com/duckgate/duckgate/internal/sandbox"
	"github.com/duckgate/duckgate/internal/sqlsafe"
	"github.com/duckgate/duckgate/internal/tenant"
)

type queryRequest struct {
	SQL             string `json:"sql"`
	Format          string `json:"format"`
	RowLimit        int    `json:"row_limit"`
	TimeoutMs       int    `json:"timeout_ms"`
	Isolation       string `json:"isolation"`
	AttachCatalog   string `json:"attach_catalog"`
	SnapshotVersion int64  `json:"snapshot_version"`
}

type queryResponse struct {
	Format   string           `json:"format"`
	Records  []map[string]any `json:"records,omitempty"`
	Text     string           `json:"text,omitempty"`
	Encoded  string           `json:"encoded,omitempty"`
	RowCount int              `json:"row_count"`
	Query    string           `json:"query"`
	Stats    map[string]any   `json:"stats"`
}

func handleQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Dispatcher == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}

	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}

	var request queryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}

	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	format, err := query.ParseFormat(request.Format)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "FORMAT_INVALID", err.Error(), false, nil)
		return
	}
	isolation, err := query.ParseIsolation(request.Isolation)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "ISOLATION_INVALID", err.Error(), false, nil)
		return
	}
	if isolation == query.IsolationSandboxed {
		if err := requireRole(r, auth.RoleSandbox); err != nil {
			writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
			return
		}
	} else if err := requireRole(r, auth.RoleQuery); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	result, err := deps.Dispatcher.Execute(r.Context(), query.Request{
		TenantID:        tenantID,
		SQL:             request.SQL,
		RowLimit:        request.RowLimit,
		Timeout:         time.Duration(request.TimeoutMs) * time.Millisecond,
		Format:          format,
		AttachCatalog:   request.AttachCatalog,
		SnapshotVersion: request.SnapshotVersion,
		Isolation:       isolation,
	})
	if err != nil {
		writeQueryError(r, w, err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Format:   result.Format.String(),
		Records:  result.Records,
		Text:     result.Text,
		Encoded:  result.Encoded,
		RowCount: result.RowCount,
		Query:    result.Query,
		Stats: map[string]any{
			"duration_ms": result.Duration.Milliseconds(),
			"isolation":   isolation.String(),
		},
	})
}

type explainRequest struct {
	SQL string `json:"sql"`
}

func handleExplain(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Explainer == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPLAIN_NOT_CONFIGURED", "explain dependencies are not configured", false, nil)
		return
	}

	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQuery); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request explainRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid explain request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}

	plan, err := deps.Explainer.Explain(r.Context(), tenantID, request.SQL)
	if err != nil {
		writeQueryError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan})
}

func handleRemoveContext(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "REGISTRY_NOT_CONFIGURED", "registry is not configured", false, nil)
		return
	}
	if err := requireRole(r, auth.RoleAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	tenantID := r.PathValue("tenant")
	if strings.TrimSpace(tenantID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "TENANT_REQUIRED", "tenant path parameter is required", false, nil)
		return
	}
	if err := deps.Registry.Remove(tenantID); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CONTEXT_REMOVE_FAILED", err.Error(), true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed", "tenant_id": tenantID})
}

// writeQueryError maps the execution error taxonomy onto HTTP statuses.
// Raw driver and runtime errors never reach this point; executors wrap them.
func writeQueryError(r *http.Request, w http.ResponseWriter, err error) {
	ctx := r.Context()
	var (
		validation  *sqlsafe.ValidationError
		exhausted   *query.PoolExhaustedError
		timeout     *query.QueryTimeoutError
		execution   *query.QueryExecutionError
		sbStartup   *sandbox.StartupError
		sbExecution *sandbox.ExecutionError
		sbStop      *sandbox.StopError
	)
	switch {
	case errors.As(err, &validation):
		writeError(ctx, w, http.StatusBadRequest, "SQL_REJECTED", validation.Reason, false, nil)
	case errors.Is(err, tenant.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "TENANT_NOT_FOUND", "tenant is not provisioned", false, nil)
	case errors.As(err, &exhausted):
		writeError(ctx, w, http.StatusTooManyRequests, "POOL_EXHAUSTED", exhausted.Error(), true, map[string]any{"limit": exhausted.Limit})
	case errors.As(err, &timeout):
		writeError(ctx, w, http.StatusGatewayTimeout, "QUERY_TIMEOUT", timeout.Error(), true, nil)
	case errors.As(err, &execution):
		writeError(ctx, w, http.StatusBadRequest, "QUERY_EXECUTION_FAILED", execution.Error(), false, nil)
	case errors.As(err, &sbStartup):
		writeError(ctx, w, http.StatusBadGateway, "SANDBOX_STARTUP_FAILED", sbStartup.Error(), true, map[string]any{"logs": sbStartup.Logs})
	case errors.As(err, &sbExecution):
		writeError(ctx, w, http.StatusBadRequest, "SANDBOX_EXECUTION_FAILED", sbExecution.Error(), false, nil)
	case errors.As(err, &sbStop):
		writeError(ctx, w, http.StatusBadGateway, "SANDBOX_STOP_FAILED", sbStop.Error(), true, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "query processing failed", true, map[string]any{"details": err.Error()})
	}
}

// tenantFromRequest takes the tenant from the authenticated identity; when
// the deployment runs without auth, an explicit header supplies it.
func tenantFromRequest(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if identity.TenantID == "" {
			return "", fmt.Errorf("identity has no tenant")
		}
		return identity.TenantID, nil
	}
	if tenantID := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); tenantID != "" {
		return tenantID, nil
	}
	return "", fmt.Errorf("tenant identity is required")
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		// Auth disabled; role enforcement is off.
		return nil
	}
	if !identity.HasRole(role) {
		return fmt.Errorf("role %q is required", role)
	}
	return nil
}
