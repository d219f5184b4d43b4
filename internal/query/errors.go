package query

import (
	"fmt"
	"time"
)

// PoolExhaustedError reports that a tenant's pool hit its connection cap and
// no connection freed up within the acquire wait. Callers can back off.
type PoolExhaustedError struct {
	TenantID string
	Limit    int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool for tenant %q exhausted (limit %d)", e.TenantID, e.Limit)
}

// QueryTimeoutError reports that the caller's wait bound elapsed. Resources
// are released but the underlying engine call may still finish in the
// background on the pooled path.
type QueryTimeoutError struct {
	Fingerprint string
	Timeout     time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %s", e.Fingerprint, e.Timeout)
}

// QueryExecutionError wraps an engine failure. The driver error is preserved
// for unwrapping but callers are expected to match on this type.
type QueryExecutionError struct {
	Fingerprint string
	Err         error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.Fingerprint, e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }
