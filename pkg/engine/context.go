package engine

import (
	"context"

	"github.com/kodohq/kodo/pkg/sandbox"
)

// ExecutionContext provides runtime information to tool handlers: the
// session key, workspace root, and the session's sandbox boundary.
type ExecutionContext struct {
	SessionKey    string
	WorkspaceRoot string
	Sandbox       *sandbox.Manager

	// OnOutput, when set, receives sandbox output chunks as they
	// arrive so long-running commands can be observed mid-flight.
	OnOutput func(chunk sandbox.Chunk)
}

type execContextKey struct{}

// WithExecContext attaches the execution context for tool handlers.
func WithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		return context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFrom extracts the execution context from a context.
func ExecContextFrom(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(execContextKey{}); v != nil {
		if execCtx, ok := v.(*ExecutionContext); ok {
			return execCtx
		}
	}
	return nil
}
