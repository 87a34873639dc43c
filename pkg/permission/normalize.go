package permission

import (
	"context"
	"path/filepath"
	"strings"
)

// PathTarget normalizes a file path argument into a permission target.
// Relative paths are resolved against the workspace root so the same
// file always produces the same key.
func PathTarget(root, path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	return filepath.Clean(path)
}

// CommandTarget normalizes a shell command into a permission target:
// the base name of the first token. Approving "npm" once covers every
// later npm invocation in the session.
func CommandTarget(command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return ""
	}
	fields := strings.Fields(command)
	return filepath.Base(fields[0])
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, req Request) (Response, error)

// Prompt implements Prompter.
func (f PrompterFunc) Prompt(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
