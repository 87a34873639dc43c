package engine

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/kodohq/kodo/pkg/mcp"
	"github.com/kodohq/kodo/pkg/permission"
	"github.com/kodohq/kodo/pkg/sandbox"
	"github.com/kodohq/kodo/pkg/tool"
)

// SessionOptions configures one session of the execution core.
type SessionOptions struct {
	WorkspaceRoot string
	Sandbox       sandbox.Config
	Policy        permission.Policy
	Prompter      permission.Prompter
	Servers       []mcp.ServerConfig
	Engine        Options

	// OnOutput receives streamed sandbox output, attributed upstream
	// by the caller. Optional.
	OnOutput func(chunk sandbox.Chunk)
}

// Session owns the session-lifetime state of the execution core: the
// registry, the permission grant store, the sandbox boundary, and the
// remote server connections. Construct at session start, Close at
// session end; approval grants die with it.
type Session struct {
	Key      string
	Registry *tool.Registry
	Perms    *permission.Engine
	Sandbox  *sandbox.Manager
	Remote   *mcp.Manager

	engine  *Engine
	execCtx *ExecutionContext
}

// NewSession wires the execution core for one session. A sandbox that
// cannot initialize is fatal here, before any turn runs.
func NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	key, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	sandboxMgr, err := sandbox.NewManager(ctx, opts.Sandbox)
	if err != nil {
		return nil, fmt.Errorf("session start failed: %w", err)
	}

	registry := tool.NewRegistry()

	// A zero policy means the caller configured nothing; fall back to
	// the default so read-only tools run without approval.
	policy := opts.Policy
	if !policy.AutoApproveReadOnly && !policy.AutoDeny && len(policy.TrustedTools) == 0 {
		policy = permission.DefaultPolicy()
	}
	perms := permission.NewEngine(opts.Prompter, policy)

	remote := mcp.NewManager(registry)
	remote.Connect(ctx, opts.Servers)

	s := &Session{
		Key:      key,
		Registry: registry,
		Perms:    perms,
		Sandbox:  sandboxMgr,
		Remote:   remote,
		engine:   New(registry, perms, opts.Engine),
		execCtx: &ExecutionContext{
			SessionKey:    key,
			WorkspaceRoot: opts.WorkspaceRoot,
			Sandbox:       sandboxMgr,
			OnOutput:      opts.OnOutput,
		},
	}

	log.Info().
		Str("session", key).
		Str("sandbox_mode", string(opts.Sandbox.Mode)).
		Int("servers", len(opts.Servers)).
		Msg("Session started")

	return s, nil
}

// RunTurn executes one turn with the session's execution context
// attached for tool handlers.
func (s *Session) RunTurn(ctx context.Context, calls []Call) []Result {
	return s.engine.RunTurn(WithExecContext(ctx, s.execCtx), calls)
}

// Close tears the session down: remote connections first so their
// tools vanish from the registry, then the sandbox boundary.
func (s *Session) Close(ctx context.Context) error {
	s.Remote.Close()

	if err := s.Sandbox.Close(ctx); err != nil {
		return fmt.Errorf("failed to close sandbox: %w", err)
	}

	log.Info().Str("session", s.Key).Msg("Session closed")
	return nil
}
