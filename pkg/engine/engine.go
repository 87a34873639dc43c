// Package engine is the turn loop: it consumes the ordered tool calls
// of one model turn, resolves each through the registry, applies the
// permission gate, executes, and reports results back in issue order.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/kodohq/kodo/pkg/permission"
	"github.com/kodohq/kodo/pkg/tool"
)

// Status is the terminal state of one tool call. Every call resolves
// to exactly one result with one of these statuses; tool-internal
// errors never escape as uncaught faults.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusUserRejected     Status = "user-rejected"
	StatusValidationFailed Status = "validation-failed"
	StatusExecutionError   Status = "execution-error"
	StatusCancelled        Status = "cancelled"
)

// Call is one requested tool invocation within a turn. Calls within a
// turn are independent by contract; the engine infers no dependencies.
type Call struct {
	ID     string                 `json:"id"`
	TurnID string                 `json:"turn_id"`
	Tool   string                 `json:"tool"`
	Args   map[string]interface{} `json:"args"`
}

// Result is the outcome of one Call, one-to-one and immutable once
// finalized.
type Result struct {
	CallID   string                 `json:"call_id"`
	Tool     string                 `json:"tool"`
	Status   Status                 `json:"status"`
	Payload  interface{}            `json:"payload,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Options tunes the turn loop.
type Options struct {
	// MaxParallel bounds concurrent calls per turn (default 4).
	MaxParallel int `json:"max_parallel" yaml:"max_parallel"`

	// CancelGrace bounds how long a cancelled turn waits for its
	// in-flight calls to terminate (default 5s).
	CancelGrace time.Duration `json:"cancel_grace" yaml:"cancel_grace"`

	// MaxOutputBytes truncates oversized tool payload text (default 10KB).
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`
}

func (o Options) withDefaults() Options {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = 5 * time.Second
	}
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 10 * 1024
	}
	return o
}

// Engine executes turns against a registry and permission engine.
type Engine struct {
	registry *tool.Registry
	perms    *permission.Engine
	opts     Options

	// exclusive lets tools that hold a session-wide resource run
	// alone: normal calls share the read side, exclusive tools take
	// the write side.
	exclusive sync.RWMutex
}

// New creates an execution engine.
func New(registry *tool.Registry, perms *permission.Engine, opts Options) *Engine {
	return &Engine{
		registry: registry,
		perms:    perms,
		opts:     opts.withDefaults(),
	}
}

// RunTurn executes one turn's calls with bounded parallelism and
// returns results in call-issue order regardless of completion order.
// On cancellation every in-flight call is signalled and awaited up to
// the grace bound; calls that still have not terminated are reported
// cancelled so no call is ever left without a result.
func (e *Engine) RunTurn(ctx context.Context, calls []Call) []Result {
	if len(calls) == 0 {
		return nil
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type indexed struct {
		index  int
		result Result
	}
	// Buffered so stragglers past the grace bound can still complete
	// without blocking.
	resultChan := make(chan indexed, len(calls))

	p := pool.New().WithMaxGoroutines(e.opts.MaxParallel)
	for i, call := range calls {
		i, call := i, call
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		p.Go(func() {
			resultChan <- indexed{index: i, result: e.runCall(turnCtx, call)}
		})
	}

	poolDone := make(chan struct{})
	go func() {
		p.Wait()
		close(poolDone)
	}()

	results := make([]Result, len(calls))
	settled := make([]bool, len(calls))
	pending := len(calls)

	ctxDone := ctx.Done()
	var graceTimer <-chan time.Time
	for pending > 0 {
		select {
		case r := <-resultChan:
			results[r.index] = r.result
			settled[r.index] = true
			pending--
		case <-ctxDone:
			ctxDone = nil
			cancel()
			graceTimer = time.After(e.opts.CancelGrace)
		case <-graceTimer:
			log.Warn().Int("pending", pending).Msg("Turn cancellation grace expired with calls still running")
			for i := range results {
				if !settled[i] {
					results[i] = Result{
						CallID: calls[i].ID,
						Tool:   calls[i].Tool,
						Status: StatusCancelled,
						Error:  "turn cancelled",
					}
					settled[i] = true
					pending--
				}
			}
		}
	}

	select {
	case <-poolDone:
	case <-time.After(e.opts.CancelGrace):
	}

	return results
}

// runCall drives one call through resolve, validate, permission gate,
// and execution.
func (e *Engine) runCall(ctx context.Context, call Call) Result {
	start := time.Now()
	result := Result{CallID: call.ID, Tool: call.Tool}

	finish := func(status Status) Result {
		result.Status = status
		result.Metadata = map[string]interface{}{
			"duration_ms": time.Since(start).Milliseconds(),
		}
		return result
	}

	if err := ctx.Err(); err != nil {
		result.Error = "turn cancelled"
		return finish(StatusCancelled)
	}

	def, err := e.registry.Resolve(call.Tool)
	if err != nil {
		log.Error().Str("tool", call.Tool).Str("call_id", call.ID).Msg("Tool not found")
		result.Error = err.Error()
		return finish(StatusExecutionError)
	}

	if err := e.registry.Validate(call.Tool, call.Args); err != nil {
		log.Warn().Str("tool", call.Tool).Err(err).Msg("Argument validation failed")
		result.Error = err.Error()
		return finish(StatusValidationFailed)
	}

	if err := e.perms.Authorize(ctx, def, call.Args); err != nil {
		var denied *permission.DeniedError
		switch {
		case errors.As(err, &denied):
			result.Error = err.Error()
			return finish(StatusUserRejected)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			result.Error = "cancelled while awaiting approval"
			return finish(StatusCancelled)
		default:
			result.Error = err.Error()
			return finish(StatusExecutionError)
		}
	}

	if def.Exclusive {
		e.exclusive.Lock()
		defer e.exclusive.Unlock()
	} else {
		e.exclusive.RLock()
		defer e.exclusive.RUnlock()
	}

	log.Debug().Str("tool", call.Tool).Str("call_id", call.ID).Msg("Executing tool")

	payload, err := e.execute(ctx, def, call)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			result.Error = "cancelled"
			return finish(StatusCancelled)
		}
		result.Error = err.Error()
		return finish(StatusExecutionError)
	}

	output, truncated := truncateOutput(payload, e.opts.MaxOutputBytes)
	result.Payload = output
	out := finish(StatusSuccess)
	if truncated {
		out.Metadata["truncated"] = true
	}
	return out
}

// execute runs the handler in its own goroutine so a handler that
// ignores cancellation cannot wedge the turn past the grace bound.
func (e *Engine) execute(ctx context.Context, def *tool.Definition, call Call) (interface{}, error) {
	type outcome struct {
		payload interface{}
		err     error
	}
	outcomeChan := make(chan outcome, 1)

	go func() {
		payload, err := def.Handler(ctx, call.Args)
		outcomeChan <- outcome{payload: payload, err: err}
	}()

	select {
	case out := <-outcomeChan:
		return out.payload, out.err
	case <-ctx.Done():
		// Give the handler the grace period to observe cancellation
		// and report partial state.
		select {
		case out := <-outcomeChan:
			return out.payload, out.err
		case <-time.After(e.opts.CancelGrace):
			return nil, ctx.Err()
		}
	}
}

// truncateOutput caps string payloads so one verbose command cannot
// flood the conversation.
func truncateOutput(payload interface{}, maxBytes int) (interface{}, bool) {
	str, ok := payload.(string)
	if !ok {
		return payload, false
	}
	if len(str) <= maxBytes {
		return payload, false
	}
	return str[:maxBytes] + "\n... [output truncated]", true
}
