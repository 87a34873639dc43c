package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodohq/kodo/pkg/permission"
	"github.com/kodohq/kodo/pkg/tool"
)

func allowAll() *permission.Engine {
	return permission.NewEngine(nil, permission.Policy{AutoApproveReadOnly: true})
}

func denyAll() *permission.Engine {
	return permission.NewEngine(nil, permission.Policy{AutoDeny: true})
}

func registryWith(t *testing.T, defs ...tool.Definition) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	for _, def := range defs {
		require.NoError(t, r.Register(def))
	}
	return r
}

func readTool(name string, handler tool.Handler) tool.Definition {
	return tool.Definition{
		Name:        name,
		Description: "Test tool " + name,
		Category:    tool.CategoryRead,
		Handler:     handler,
	}
}

func TestEngine_RunTurn_Success(t *testing.T) {
	r := registryWith(t, readTool("echo", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return "hello", nil
	}))
	e := New(r, allowAll(), Options{})

	results := e.RunTurn(context.Background(), []Call{{ID: "c1", Tool: "echo"}})

	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].CallID)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, "hello", results[0].Payload)
	assert.Contains(t, results[0].Metadata, "duration_ms")
}

func TestEngine_RunTurn_EmptyTurn(t *testing.T) {
	e := New(tool.NewRegistry(), allowAll(), Options{})
	assert.Nil(t, e.RunTurn(context.Background(), nil))
}

func TestEngine_RunTurn_AssignsMissingCallIDs(t *testing.T) {
	r := registryWith(t, readTool("echo", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return "ok", nil
	}))
	e := New(r, allowAll(), Options{})

	results := e.RunTurn(context.Background(), []Call{{Tool: "echo"}})
	require.Len(t, results, 1)
	assert.NotEmpty(t, results[0].CallID)
}

func TestEngine_RunTurn_IssueOrderDelivery(t *testing.T) {
	// Completion order is forced to C, A, B; delivery must stay A, B, C.
	release := map[string]chan struct{}{
		"a": make(chan struct{}),
		"b": make(chan struct{}),
		"c": make(chan struct{}),
	}
	mkTool := func(name string) tool.Definition {
		return readTool(name, func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			<-release[name]
			return name, nil
		})
	}

	r := registryWith(t, mkTool("a"), mkTool("b"), mkTool("c"))
	e := New(r, allowAll(), Options{MaxParallel: 3})

	done := make(chan []Result, 1)
	go func() {
		done <- e.RunTurn(context.Background(), []Call{
			{ID: "call-a", Tool: "a"},
			{ID: "call-b", Tool: "b"},
			{ID: "call-c", Tool: "c"},
		})
	}()

	close(release["c"])
	time.Sleep(20 * time.Millisecond)
	close(release["a"])
	time.Sleep(20 * time.Millisecond)
	close(release["b"])

	results := <-done
	require.Len(t, results, 3)
	assert.Equal(t, "call-a", results[0].CallID)
	assert.Equal(t, "call-b", results[1].CallID)
	assert.Equal(t, "call-c", results[2].CallID)
	for _, res := range results {
		assert.Equal(t, StatusSuccess, res.Status)
	}
}

func TestEngine_RunTurn_BoundedParallelism(t *testing.T) {
	var active, maxActive atomic.Int32

	handler := func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		cur := active.Add(1)
		for {
			observed := maxActive.Load()
			if cur <= observed || maxActive.CompareAndSwap(observed, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	}

	r := registryWith(t, readTool("busy", handler))
	e := New(r, allowAll(), Options{MaxParallel: 2})

	var calls []Call
	for i := 0; i < 6; i++ {
		calls = append(calls, Call{ID: fmt.Sprintf("c%d", i), Tool: "busy"})
	}

	results := e.RunTurn(context.Background(), calls)
	require.Len(t, results, 6)
	assert.LessOrEqual(t, maxActive.Load(), int32(2))
}

func TestEngine_RunTurn_NotFound(t *testing.T) {
	e := New(tool.NewRegistry(), allowAll(), Options{})

	results := e.RunTurn(context.Background(), []Call{{ID: "c1", Tool: "missing"}})
	require.Len(t, results, 1)
	assert.Equal(t, StatusExecutionError, results[0].Status)
	assert.Contains(t, results[0].Error, "not found")
}

func TestEngine_RunTurn_ValidationFailed(t *testing.T) {
	var executed atomic.Bool
	def := readTool("typed", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		executed.Store(true)
		return nil, nil
	})
	def.Parameters = []tool.Parameter{{Name: "count", Type: "integer", Required: true}}

	r := registryWith(t, def)
	e := New(r, allowAll(), Options{})

	results := e.RunTurn(context.Background(), []Call{
		{ID: "c1", Tool: "typed", Args: map[string]interface{}{"count": "three"}},
	})
	require.Len(t, results, 1)
	assert.Equal(t, StatusValidationFailed, results[0].Status)
	assert.NotEmpty(t, results[0].Error)
	assert.False(t, executed.Load())
}

func TestEngine_RunTurn_UserRejected(t *testing.T) {
	var executed atomic.Bool
	def := tool.Definition{
		Name:        "write_file",
		Description: "Writes a file",
		Category:    tool.CategoryWrite,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			executed.Store(true)
			return nil, nil
		},
	}

	r := registryWith(t, def)
	e := New(r, denyAll(), Options{})

	results := e.RunTurn(context.Background(), []Call{{ID: "c1", Tool: "write_file"}})
	require.Len(t, results, 1)
	assert.Equal(t, StatusUserRejected, results[0].Status)

	// Nothing may execute before approval resolves.
	assert.False(t, executed.Load())
}

func TestEngine_RunTurn_HandlerErrorIsContained(t *testing.T) {
	r := registryWith(t, readTool("broken", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return nil, errors.New("disk on fire")
	}))
	e := New(r, allowAll(), Options{})

	results := e.RunTurn(context.Background(), []Call{
		{ID: "c1", Tool: "broken"},
		{ID: "c2", Tool: "broken"},
	})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, StatusExecutionError, res.Status)
		assert.Contains(t, res.Error, "disk on fire")
	}
}

func TestEngine_RunTurn_Cancellation(t *testing.T) {
	started := make(chan struct{})
	r := registryWith(t, readTool("sleeper", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	e := New(r, allowAll(), Options{CancelGrace: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []Result, 1)
	go func() {
		done <- e.RunTurn(ctx, []Call{{ID: "c1", Tool: "sleeper"}})
	}()

	<-started
	cancel()

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.Equal(t, StatusCancelled, results[0].Status)
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not resolve after cancellation")
	}
}

func TestEngine_RunTurn_CancellationResolvesEveryCall(t *testing.T) {
	sleeping := make(chan struct{})
	r := registryWith(t,
		readTool("fast", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "done", nil
		}),
		readTool("sleeper", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			close(sleeping)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
	e := New(r, allowAll(), Options{MaxParallel: 3, CancelGrace: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []Result, 1)
	go func() {
		done <- e.RunTurn(ctx, []Call{
			{ID: "c1", Tool: "fast"},
			{ID: "c2", Tool: "sleeper"},
			{ID: "c3", Tool: "fast"},
		})
	}()

	<-sleeping
	cancel()

	select {
	case results := <-done:
		require.Len(t, results, 3)
		for i, res := range results {
			assert.Equal(t, fmt.Sprintf("c%d", i+1), res.CallID)
			assert.Contains(t, []Status{StatusSuccess, StatusCancelled}, res.Status)
		}
		assert.Equal(t, StatusCancelled, results[1].Status)
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not resolve after cancellation")
	}
}

func TestEngine_RunTurn_CancellationIgnoringHandler(t *testing.T) {
	// A handler that never observes ctx still gets a cancelled result
	// once the grace bound expires.
	wedged := make(chan struct{})
	defer close(wedged)

	r := registryWith(t, readTool("wedged", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		<-wedged
		return nil, nil
	}))
	e := New(r, allowAll(), Options{CancelGrace: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []Result, 1)
	go func() {
		done <- e.RunTurn(ctx, []Call{{ID: "c1", Tool: "wedged"}})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case results := <-done:
		require.Len(t, results, 1)
		assert.Equal(t, StatusCancelled, results[0].Status)
		assert.Equal(t, "c1", results[0].CallID)
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not resolve within the grace bound")
	}
}

func TestEngine_RunTurn_ExclusiveToolRunsAlone(t *testing.T) {
	var exclusiveActive atomic.Int32
	var sharedActive atomic.Int32
	var overlapped atomic.Bool

	exclusive := tool.Definition{
		Name:        "exclusive_op",
		Description: "Holds the session resource",
		Category:    tool.CategoryRead,
		Exclusive:   true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if exclusiveActive.Add(1) > 1 || sharedActive.Load() > 0 {
				overlapped.Store(true)
			}
			time.Sleep(30 * time.Millisecond)
			exclusiveActive.Add(-1)
			return nil, nil
		},
	}
	shared := readTool("shared_op", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		sharedActive.Add(1)
		if exclusiveActive.Load() > 0 {
			overlapped.Store(true)
		}
		time.Sleep(10 * time.Millisecond)
		sharedActive.Add(-1)
		return nil, nil
	})

	r := registryWith(t, exclusive, shared)
	e := New(r, allowAll(), Options{MaxParallel: 4})

	results := e.RunTurn(context.Background(), []Call{
		{ID: "c1", Tool: "exclusive_op"},
		{ID: "c2", Tool: "shared_op"},
		{ID: "c3", Tool: "exclusive_op"},
		{ID: "c4", Tool: "shared_op"},
	})
	require.Len(t, results, 4)
	for _, res := range results {
		require.Equal(t, StatusSuccess, res.Status)
	}
	assert.False(t, overlapped.Load(), "exclusive tool overlapped with another call")
}

func TestEngine_RunTurn_TruncatesOversizedOutput(t *testing.T) {
	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'x'
	}

	r := registryWith(t, readTool("verbose", func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return string(big), nil
	}))
	e := New(r, allowAll(), Options{MaxOutputBytes: 512})

	results := e.RunTurn(context.Background(), []Call{{ID: "c1", Tool: "verbose"}})
	require.Len(t, results, 1)
	require.Equal(t, StatusSuccess, results[0].Status)

	payload, ok := results[0].Payload.(string)
	require.True(t, ok)
	assert.Less(t, len(payload), 1024)
	assert.Contains(t, payload, "[output truncated]")
	assert.Equal(t, true, results[0].Metadata["truncated"])
}

func TestTruncateOutput(t *testing.T) {
	out, truncated := truncateOutput("short", 100)
	assert.Equal(t, "short", out)
	assert.False(t, truncated)

	out, truncated = truncateOutput(map[string]interface{}{"k": "v"}, 1)
	assert.Equal(t, map[string]interface{}{"k": "v"}, out)
	assert.False(t, truncated)
}
