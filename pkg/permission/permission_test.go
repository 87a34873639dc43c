package permission

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodohq/kodo/pkg/tool"
)

func readDef(name string) *tool.Definition {
	return &tool.Definition{
		Name:        name,
		Description: "Read something",
		Category:    tool.CategoryRead,
		Handler:     func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return nil, nil },
	}
}

func writeDef(name string) *tool.Definition {
	return &tool.Definition{
		Name:        name,
		Description: "Write something",
		Category:    tool.CategoryWrite,
		Handler:     func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return nil, nil },
		Target: func(args map[string]interface{}) string {
			p, _ := args["path"].(string)
			return p
		},
	}
}

func fixedPrompter(decision Decision) Prompter {
	return PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		return Response{Decision: decision}, nil
	})
}

func TestEngine_AutoApproveReadOnly(t *testing.T) {
	var prompts atomic.Int32
	prompter := PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		prompts.Add(1)
		return Response{Decision: DecisionDeny}, nil
	})

	e := NewEngine(prompter, Policy{AutoApproveReadOnly: true})

	err := e.Authorize(context.Background(), readDef("read_file"), nil)
	assert.NoError(t, err)
	assert.Equal(t, int32(0), prompts.Load())
}

func TestEngine_ReadOnlyStillPromptsWhenPolicyDisabled(t *testing.T) {
	var prompts atomic.Int32
	prompter := PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		prompts.Add(1)
		return Response{Decision: DecisionAllowOnce}, nil
	})

	e := NewEngine(prompter, Policy{})

	err := e.Authorize(context.Background(), readDef("read_file"), nil)
	assert.NoError(t, err)
	assert.Equal(t, int32(1), prompts.Load())
}

func TestEngine_TrustedToolSkipsPrompt(t *testing.T) {
	var prompts atomic.Int32
	prompter := PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		prompts.Add(1)
		return Response{Decision: DecisionDeny}, nil
	})

	e := NewEngine(prompter, Policy{TrustedTools: []string{"write_file"}})

	err := e.Authorize(context.Background(), writeDef("write_file"), map[string]interface{}{"path": "/tmp/x"})
	assert.NoError(t, err)
	assert.Equal(t, int32(0), prompts.Load())
}

func TestEngine_Deny(t *testing.T) {
	e := NewEngine(fixedPrompter(DecisionDeny), Policy{})

	err := e.Authorize(context.Background(), writeDef("write_file"), map[string]interface{}{"path": "/tmp/x"})

	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "write_file", denied.Tool)
	assert.Equal(t, "/tmp/x", denied.Target)
}

func TestEngine_AllowOnce_NotRemembered(t *testing.T) {
	var prompts atomic.Int32
	prompter := PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		prompts.Add(1)
		return Response{Decision: DecisionAllowOnce}, nil
	})

	e := NewEngine(prompter, Policy{})
	def := writeDef("write_file")
	args := map[string]interface{}{"path": "/tmp/x"}

	require.NoError(t, e.Authorize(context.Background(), def, args))
	require.NoError(t, e.Authorize(context.Background(), def, args))

	// Every call prompts again.
	assert.Equal(t, int32(2), prompts.Load())
	assert.Equal(t, 0, e.GrantCount())
}

func TestEngine_AlwaysAllow_RememberedForSession(t *testing.T) {
	var prompts atomic.Int32
	prompter := PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		prompts.Add(1)
		return Response{Decision: DecisionAlwaysAllow}, nil
	})

	e := NewEngine(prompter, Policy{})
	def := writeDef("write_file")
	args := map[string]interface{}{"path": "/tmp/x"}

	require.NoError(t, e.Authorize(context.Background(), def, args))
	require.NoError(t, e.Authorize(context.Background(), def, args))

	assert.Equal(t, int32(1), prompts.Load())
	assert.True(t, e.Granted("write_file", "/tmp/x"))

	// A different target prompts again.
	require.NoError(t, e.Authorize(context.Background(), def, map[string]interface{}{"path": "/tmp/y"}))
	assert.Equal(t, int32(2), prompts.Load())
}

func TestEngine_GrantsDoNotOutliveEngine(t *testing.T) {
	e := NewEngine(fixedPrompter(DecisionAlwaysAllow), Policy{})
	def := writeDef("write_file")
	args := map[string]interface{}{"path": "/tmp/x"}

	require.NoError(t, e.Authorize(context.Background(), def, args))
	require.True(t, e.Granted("write_file", "/tmp/x"))

	// A fresh engine, as built for a new session, starts empty.
	fresh := NewEngine(fixedPrompter(DecisionDeny), Policy{})
	assert.False(t, fresh.Granted("write_file", "/tmp/x"))
	assert.Error(t, fresh.Authorize(context.Background(), def, args))
}

func TestEngine_AutoDeny(t *testing.T) {
	var prompts atomic.Int32
	prompter := PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		prompts.Add(1)
		return Response{Decision: DecisionAllowOnce}, nil
	})

	e := NewEngine(prompter, Policy{AutoDeny: true, AutoApproveReadOnly: true})

	err := e.Authorize(context.Background(), writeDef("write_file"), map[string]interface{}{"path": "/tmp/x"})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, int32(0), prompts.Load())

	// Read-only auto-approval still applies under auto-deny.
	assert.NoError(t, e.Authorize(context.Background(), readDef("read_file"), nil))
}

func TestEngine_NoPrompterDenies(t *testing.T) {
	e := NewEngine(nil, Policy{})

	err := e.Authorize(context.Background(), writeDef("write_file"), nil)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "no approval handler")
}

func TestEngine_PromptCancellation(t *testing.T) {
	blocked := make(chan struct{})
	prompter := PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		<-blocked
		return Response{Decision: DecisionAllowOnce}, nil
	})
	defer close(blocked)

	e := NewEngine(prompter, Policy{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := e.Authorize(ctx, writeDef("write_file"), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_PromptReceivesEffectAndTarget(t *testing.T) {
	var captured Request
	prompter := PrompterFunc(func(ctx context.Context, req Request) (Response, error) {
		captured = req
		return Response{Decision: DecisionAllowOnce}, nil
	})

	e := NewEngine(prompter, Policy{})
	def := writeDef("write_file")
	def.Effect = func(args map[string]interface{}) string { return "write 5 bytes to /tmp/x" }

	require.NoError(t, e.Authorize(context.Background(), def, map[string]interface{}{"path": "/tmp/x"}))
	assert.Equal(t, "write_file", captured.Tool)
	assert.Equal(t, "/tmp/x", captured.Target)
	assert.Equal(t, "write 5 bytes to /tmp/x", captured.Effect)
}
