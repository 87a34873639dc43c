// Package permission gates side-effecting tool calls behind explicit
// user approval. Decisions are remembered per (tool, target) pair for
// the lifetime of one session and never persist across sessions.
package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kodohq/kodo/pkg/tool"
)

// Decision is the approval state for one request.
type Decision string

const (
	// DecisionAllowOnce approves the current call only.
	DecisionAllowOnce Decision = "allow-once"
	// DecisionAlwaysAllow approves the call and all later calls with
	// the same (tool, target) key in this session.
	DecisionAlwaysAllow Decision = "always-allow"
	// DecisionDeny rejects the call. Terminal, no retry.
	DecisionDeny Decision = "deny"
)

// Request carries what the user needs to see to decide.
type Request struct {
	Tool   string `json:"tool"`
	Target string `json:"target"`
	Effect string `json:"effect"`
}

// Response is the user's (or policy's) answer to a Request.
type Response struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
}

// Prompter is the approval boundary: it surfaces a Request to the user
// and blocks until a decision arrives or the context is cancelled.
type Prompter interface {
	Prompt(ctx context.Context, req Request) (Response, error)
}

// DeniedError is returned when the user or policy rejects a call.
type DeniedError struct {
	Tool   string
	Target string
	Reason string
}

func (e *DeniedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission denied for tool %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("permission denied for tool %s", e.Tool)
}

// Policy configures which calls bypass the prompt.
type Policy struct {
	// AutoApproveReadOnly skips the prompt for read-only categories.
	AutoApproveReadOnly bool `json:"auto_approve_read_only" yaml:"auto_approve_read_only"`

	// TrustedTools are tool names approved without prompting.
	TrustedTools []string `json:"trusted_tools" yaml:"trusted_tools"`

	// AutoDeny rejects every side-effecting call that would otherwise
	// prompt. Used for non-interactive runs without a prompter.
	AutoDeny bool `json:"auto_deny" yaml:"auto_deny"`
}

// DefaultPolicy returns the interactive default: read-only tools run
// freely, everything else prompts.
func DefaultPolicy() Policy {
	return Policy{AutoApproveReadOnly: true}
}

// Engine decides, per invocation, whether a side-effecting call may
// proceed. It holds the session-scoped grant store; construct one per
// session and drop it at session end.
type Engine struct {
	prompter Prompter
	policy   Policy
	trusted  map[string]bool

	// grants is append-only for the session: once a (tool, target) key
	// is granted always-allow it stays granted until session end.
	grants map[string]bool
	mu     sync.RWMutex
}

// NewEngine creates a permission engine for one session.
func NewEngine(prompter Prompter, policy Policy) *Engine {
	trusted := make(map[string]bool, len(policy.TrustedTools))
	for _, name := range policy.TrustedTools {
		trusted[name] = true
	}

	return &Engine{
		prompter: prompter,
		policy:   policy,
		trusted:  trusted,
		grants:   make(map[string]bool),
	}
}

// Authorize resolves the permission decision for one call. It returns
// nil when execution may proceed, DeniedError on rejection, and the
// context error when the wait is cancelled.
func (e *Engine) Authorize(ctx context.Context, def *tool.Definition, args map[string]interface{}) error {
	if e.policy.AutoApproveReadOnly && !def.Category.SideEffecting() {
		return nil
	}
	if e.trusted[def.Name] {
		log.Debug().Str("tool", def.Name).Msg("Tool trusted by policy, skipping approval")
		return nil
	}

	target := def.PermissionTarget(args)
	key := grantKey(def.Name, target)

	e.mu.RLock()
	granted := e.grants[key]
	e.mu.RUnlock()
	if granted {
		log.Debug().Str("tool", def.Name).Str("target", target).Msg("Remembered approval applied")
		return nil
	}

	if e.policy.AutoDeny {
		return &DeniedError{Tool: def.Name, Target: target, Reason: "rejected by policy"}
	}
	if e.prompter == nil {
		return &DeniedError{Tool: def.Name, Target: target, Reason: "no approval handler configured"}
	}

	req := Request{
		Tool:   def.Name,
		Target: target,
		Effect: def.DescribeEffect(args),
	}

	log.Info().Str("tool", def.Name).Str("target", target).Msg("Requesting approval")

	resp, err := e.prompt(ctx, req)
	if err != nil {
		return err
	}

	switch resp.Decision {
	case DecisionAllowOnce:
		log.Info().Str("tool", def.Name).Msg("Approval granted for this call")
		return nil
	case DecisionAlwaysAllow:
		e.mu.Lock()
		e.grants[key] = true
		e.mu.Unlock()
		log.Info().Str("tool", def.Name).Str("target", target).Msg("Approval granted for session")
		return nil
	case DecisionDeny:
		log.Warn().Str("tool", def.Name).Str("reason", resp.Reason).Msg("Approval denied")
		return &DeniedError{Tool: def.Name, Target: target, Reason: resp.Reason}
	default:
		return fmt.Errorf("unknown permission decision: %q", resp.Decision)
	}
}

// prompt runs the prompter in its own goroutine so the wait stays
// cancellable even if the prompter ignores the context.
func (e *Engine) prompt(ctx context.Context, req Request) (Response, error) {
	respChan := make(chan Response, 1)
	errChan := make(chan error, 1)

	go func() {
		resp, err := e.prompter.Prompt(ctx, req)
		if err != nil {
			errChan <- err
		} else {
			respChan <- resp
		}
	}()

	select {
	case resp := <-respChan:
		return resp, nil
	case err := <-errChan:
		return Response{}, fmt.Errorf("approval request failed: %w", err)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Granted reports whether a (tool, target) key holds a remembered
// always-allow grant.
func (e *Engine) Granted(toolName, target string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.grants[grantKey(toolName, target)]
}

// GrantCount returns the number of remembered grants.
func (e *Engine) GrantCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.grants)
}

func grantKey(toolName, target string) string {
	return toolName + "\x00" + target
}
