package executor

import (
	"context"
	"fmt"

	"github.com/duckgate/duckgate/internal/query"
)

// QueryExecutor is the contract both execution strategies satisfy.
type QueryExecutor interface {
	Execute(ctx context.Context, req query.Request) (query.Result, error)
}

// Dispatcher routes requests to an execution strategy by isolation mode.
type Dispatcher struct {
	pooled    QueryExecutor
	sandboxed QueryExecutor
}

func NewDispatcher(pooled, sandboxed QueryExecutor) *Dispatcher {
	return &Dispatcher{pooled: pooled, sandboxed: sandboxed}
}

func (d *Dispatcher) Execute(ctx context.Context, req query.Request) (query.Result, error) {
	switch req.Isolation {
	case query.IsolationPooled:
		if d.pooled == nil {
			return query.Result{}, fmt.Errorf("pooled execution is not configured")
		}
		return d.pooled.Execute(ctx, req)
	case query.IsolationSandboxed:
		if d.sandboxed == nil {
			return query.Result{}, fmt.Errorf("sandboxed execution is not configured")
		}
		return d.sandboxed.Execute(ctx, req)
	default:
		return query.Result{}, fmt.Errorf("unsupported isolation mode %q", req.Isolation)
	}
}
