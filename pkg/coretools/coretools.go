// Package coretools registers the built-in tool suite: shell execution
// through the session sandbox plus workspace filesystem tools.
package coretools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kodohq/kodo/pkg/engine"
	"github.com/kodohq/kodo/pkg/permission"
	"github.com/kodohq/kodo/pkg/sandbox"
	"github.com/kodohq/kodo/pkg/tool"
)

// Options configures core tool registration.
type Options struct {
	// WorkspaceRoot anchors relative paths; handlers fall back to the
	// execution context's root when empty.
	WorkspaceRoot string
}

// Register registers the baseline runtime and filesystem tools.
func Register(registry *tool.Registry, opts Options) error {
	if registry == nil {
		return errors.New("tool registry is required")
	}

	tools := []tool.Definition{
		execTool(opts),
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		applyPatchTool(opts),
		listDirTool(opts),
		searchTool(opts),
	}

	for _, def := range tools {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func execTool(opts Options) tool.Definition {
	return tool.Definition{
		Name:        "exec",
		Description: "Execute a shell command in the session sandbox.",
		Category:    tool.CategoryShell,
		// The sandbox boundary is a session-wide resource.
		Exclusive: true,
		Parameters: []tool.Parameter{
			{Name: "command", Type: "string", Description: "Command to execute", Required: true},
			{Name: "args", Type: "array", Description: "Command arguments", Required: false},
			{Name: "cwd", Type: "string", Description: "Working directory (relative to workspace)", Required: false},
			{Name: "env", Type: "object", Description: "Environment variables", Required: false},
			{Name: "stdin", Type: "string", Description: "Standard input", Required: false},
		},
		Target: func(args map[string]interface{}) string {
			command, _ := args["command"].(string)
			return permission.CommandTarget(command)
		},
		Effect: func(args map[string]interface{}) string {
			command, _ := args["command"].(string)
			line := append([]string{command}, toStringSlice(args["args"])...)
			return fmt.Sprintf("run command: %s", strings.Join(line, " "))
		},
		Precondition: func(args map[string]interface{}) error {
			command, _ := args["command"].(string)
			if strings.TrimSpace(command) == "" {
				return fmt.Errorf("command is required")
			}
			return nil
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			execCtx := engine.ExecContextFrom(ctx)
			if execCtx == nil || execCtx.Sandbox == nil {
				return nil, fmt.Errorf("execution context with sandbox is required")
			}

			command, _ := args["command"].(string)
			root := workspaceRoot(execCtx, opts)
			cwd, err := resolveWorkspacePath(root, stringArg(args, "cwd"))
			if err != nil {
				return nil, err
			}
			if stringArg(args, "cwd") == "" {
				cwd = root
			}

			req := sandbox.Request{
				Command: strings.TrimSpace(command),
				Args:    toStringSlice(args["args"]),
				Dir:     cwd,
				Env:     toStringMap(args["env"]),
			}
			if stdin := stringArg(args, "stdin"); stdin != "" {
				req.Stdin = []byte(stdin)
			}

			start := time.Now()
			res, err := execCtx.Sandbox.RunAndWait(ctx, req, execCtx.OnOutput)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"stdout":      string(res.Stdout),
				"stderr":      string(res.Stderr),
				"exit_code":   res.ExitCode,
				"duration_ms": time.Since(start).Milliseconds(),
			}, nil
		},
	}
}

// workspaceRoot prefers the registration option, then the execution
// context, then the process working directory.
func workspaceRoot(execCtx *engine.ExecutionContext, opts Options) string {
	if opts.WorkspaceRoot != "" {
		return opts.WorkspaceRoot
	}
	if execCtx != nil && execCtx.WorkspaceRoot != "" {
		return execCtx.WorkspaceRoot
	}
	return "."
}

// resolveWorkspacePath anchors a path under the workspace root and
// rejects escapes.
func resolveWorkspacePath(root, path string) (string, error) {
	if path == "" {
		return root, nil
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return absTarget, nil
}

func stringArg(args map[string]interface{}, key string) string {
	value, _ := args[key].(string)
	return value
}

func toStringSlice(raw interface{}) []string {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toStringMap(raw interface{}) map[string]string {
	entries, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(entries))
	for key, value := range entries {
		if s, ok := value.(string); ok {
			out[key] = s
		}
	}
	return out
}
