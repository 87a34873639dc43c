// Package mcp maintains connections to external Model Context Protocol
// tool servers, adapts their tools to the local tool contract, and
// keeps the registry in sync as server tool lists change at runtime.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"

	"github.com/kodohq/kodo/pkg/tool"
)

const (
	clientName     = "kodo"
	clientVersion  = "0.1.0"
	defaultTimeout = 30 * time.Second

	toolListChangedMethod = "notifications/tools/list_changed"
)

var (
	// ErrServerDisconnected is returned for calls in flight when the
	// server connection is lost.
	ErrServerDisconnected = errors.New("server disconnected")

	// ErrCallTimeout is returned when a remote call exceeds its
	// per-call deadline.
	ErrCallTimeout = errors.New("remote call timed out")
)

// State describes one connection's lifecycle.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateClosed     State = "closed"
	StateErrored    State = "errored"
)

// ServerConfig describes one remote tool server endpoint.
type ServerConfig struct {
	// Name identifies the server; it namespaces colliding tool names.
	Name string `json:"name" yaml:"name"`

	// Command and Args launch the server over stdio.
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`

	// Env are extra KEY=VALUE pairs for the server process.
	Env []string `json:"env" yaml:"env"`

	// CallTimeout bounds each forwarded tool call (default 30s).
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`

	// Reconnect enables reconnection with backoff after a lost
	// connection.
	Reconnect bool `json:"reconnect" yaml:"reconnect"`
}

// rpcClient is the slice of the MCP client used here. *client.Client
// satisfies it; tests substitute a fake.
type rpcClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	OnNotification(handler func(notification mcp.JSONRPCNotification))
	Close() error
}

// dialStdio starts the configured server process and returns an MCP
// client speaking JSON-RPC over its stdio.
func dialStdio(cfg ServerConfig) (rpcClient, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start MCP server %s: %w", cfg.Name, err)
	}
	return c, nil
}

// Conn is one active channel to a remote tool server.
type Conn struct {
	cfg ServerConfig
	rpc rpcClient

	state State
	// done is closed when the connection is lost so in-flight calls
	// resolve instead of hanging.
	done chan struct{}

	// advertised is the tool name set from the last list fetch, used
	// to diff against pushed updates. Keys are the remote names.
	advertised map[string]bool

	mu sync.Mutex
}

// newConn performs the handshake: connect, capability negotiation,
// then an initial tool-list fetch by the manager.
func newConn(ctx context.Context, cfg ServerConfig, rpc rpcClient) (*Conn, error) {
	c := &Conn{
		cfg:        cfg,
		rpc:        rpc,
		state:      StateConnecting,
		done:       make(chan struct{}),
		advertised: make(map[string]bool),
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.Capabilities = mcp.ClientCapabilities{}

	result, err := rpc.Initialize(ctx, initReq)
	if err != nil {
		c.setState(StateErrored)
		return nil, fmt.Errorf("MCP handshake with %s failed: %w", cfg.Name, err)
	}

	log.Info().
		Str("server", cfg.Name).
		Str("server_name", result.ServerInfo.Name).
		Str("server_version", result.ServerInfo.Version).
		Msg("MCP server connected")

	c.setState(StateReady)
	return c, nil
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// listTools fetches the server's current tool list mapped to local
// definitions, remembering the advertised name set for diffing.
func (c *Conn) listTools(ctx context.Context) ([]tool.Definition, error) {
	result, err := c.rpc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools from %s: %w", c.cfg.Name, err)
	}

	names := make(map[string]bool, len(result.Tools))
	defs := make([]tool.Definition, 0, len(result.Tools))
	for _, remote := range result.Tools {
		if remote.Name == "" {
			continue
		}
		names[remote.Name] = true
		defs = append(defs, c.adapt(remote))
	}

	c.mu.Lock()
	c.advertised = names
	c.mu.Unlock()

	return defs, nil
}

// adapt wraps one remote tool so its Handler forwards the call over
// the channel. Remote tools are treated as side-effecting: the server
// is a black box, so they go through the permission gate.
func (c *Conn) adapt(remote mcp.Tool) tool.Definition {
	remoteName := remote.Name

	description := remote.Description
	if description == "" {
		description = fmt.Sprintf("Tool %s from MCP server %s", remoteName, c.cfg.Name)
	}

	return tool.Definition{
		Name:        remoteName,
		Description: description,
		Category:    tool.CategoryGeneral,
		Parameters:  parametersFromSchema(remote.InputSchema),
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return c.call(ctx, remoteName, args)
		},
	}
}

// call forwards one tool invocation with a fresh correlation id
// (handled by the transport), bounded by the per-call timeout.
func (c *Conn) call(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	timeout := c.cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	type outcome struct {
		result *mcp.CallToolResult
		err    error
	}
	resultChan := make(chan outcome, 1)
	go func() {
		result, err := c.rpc.CallTool(callCtx, req)
		resultChan <- outcome{result: result, err: err}
	}()

	select {
	case out := <-resultChan:
		if out.err != nil {
			if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: %s on %s after %v", ErrCallTimeout, name, c.cfg.Name, timeout)
			}
			return nil, fmt.Errorf("call to %s on %s failed: %w", name, c.cfg.Name, out.err)
		}
		return decodeResult(name, out.result)
	case <-c.done:
		return nil, fmt.Errorf("%w: %s", ErrServerDisconnected, c.cfg.Name)
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s on %s after %v", ErrCallTimeout, name, c.cfg.Name, timeout)
		}
		return nil, callCtx.Err()
	}
}

// close marks the connection lost and releases in-flight calls.
func (c *Conn) close(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed || c.state == StateErrored {
		return
	}
	c.state = state
	close(c.done)
	if err := c.rpc.Close(); err != nil {
		log.Debug().Err(err).Str("server", c.cfg.Name).Msg("Error closing MCP client")
	}
}

// decodeResult flattens an MCP call result into a tool payload.
func decodeResult(name string, result *mcp.CallToolResult) (interface{}, error) {
	if result == nil {
		return nil, fmt.Errorf("empty result for %s", name)
	}

	var text strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			text.WriteString(tc.Text)
		}
	}

	if result.IsError {
		msg := text.String()
		if msg == "" {
			msg = "remote tool reported an error"
		}
		return nil, fmt.Errorf("tool %s failed: %s", name, msg)
	}

	return map[string]interface{}{
		"content": text.String(),
	}, nil
}

// parametersFromSchema maps a remote JSON schema into local tool
// parameters. Unknown shapes degrade to an untyped object parameter
// list rather than failing registration.
func parametersFromSchema(schema mcp.ToolInputSchema) []tool.Parameter {
	if len(schema.Properties) == 0 {
		return nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	params := make([]tool.Parameter, 0, len(schema.Properties))
	for name, raw := range schema.Properties {
		param := tool.Parameter{
			Name:     name,
			Type:     "object",
			Required: required[name],
		}
		if prop, ok := raw.(map[string]interface{}); ok {
			if typeVal, ok := prop["type"].(string); ok && typeVal != "" {
				param.Type = typeVal
			}
			if desc, ok := prop["description"].(string); ok {
				param.Description = desc
			}
			if defVal, ok := prop["default"]; ok {
				param.Default = defVal
			}
		}
		params = append(params, param)
	}

	return params
}
