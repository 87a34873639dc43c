package coretools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kodohq/kodo/pkg/engine"
	"github.com/kodohq/kodo/pkg/permission"
	"github.com/kodohq/kodo/pkg/tool"
)

const defaultReadLimit = 200000

// pathTarget builds the permission Target func shared by the file
// tools.
func pathTarget(opts Options) tool.TargetFunc {
	return func(args map[string]interface{}) string {
		return permission.PathTarget(opts.WorkspaceRoot, stringArg(args, "path"))
	}
}

func readFileTool(opts Options) tool.Definition {
	return tool.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Category:    tool.CategoryRead,
		Parameters: []tool.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read", Required: false, Default: defaultReadLimit},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			root := workspaceRoot(engine.ExecContextFrom(ctx), opts)
			target, err := resolveWorkspacePath(root, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}

			maxBytes := int64(defaultReadLimit)
			if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int64(raw)
			}

			data, truncated, err := readFileWithLimit(target, maxBytes)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":      stringArg(args, "path"),
				"content":   string(data),
				"truncated": truncated,
				"bytes":     len(data),
			}, nil
		},
	}
}

func writeFileTool(opts Options) tool.Definition {
	return tool.Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace.",
		Category:    tool.CategoryWrite,
		Parameters: []tool.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append to file", Required: false},
		},
		Target: pathTarget(opts),
		Effect: func(args map[string]interface{}) string {
			content, _ := args["content"].(string)
			return fmt.Sprintf("write %d bytes to %s", len(content), stringArg(args, "path"))
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			root := workspaceRoot(engine.ExecContextFrom(ctx), opts)
			target, err := resolveWorkspacePath(root, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			content, _ := args["content"].(string)
			appendMode, _ := args["append"].(bool)

			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}

			flag := os.O_CREATE | os.O_WRONLY
			if appendMode {
				flag |= os.O_APPEND
			} else {
				flag |= os.O_TRUNC
			}
			file, err := os.OpenFile(target, flag, 0644)
			if err != nil {
				return nil, err
			}
			if _, err := file.WriteString(content); err != nil {
				file.Close()
				return nil, err
			}
			if err := file.Close(); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":   stringArg(args, "path"),
				"bytes":  len(content),
				"append": appendMode,
			}, nil
		},
	}
}

func editFileTool(opts Options) tool.Definition {
	return tool.Definition{
		Name:        "edit_file",
		Description: "Replace text in a workspace file.",
		Category:    tool.CategoryWrite,
		Parameters: []tool.Parameter{
			{Name: "path", Type: "string", Description: "Relative file path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace all occurrences", Required: false},
		},
		Target: pathTarget(opts),
		Effect: func(args map[string]interface{}) string {
			return fmt.Sprintf("edit %s (replace %q)", stringArg(args, "path"), stringArg(args, "search"))
		},
		Precondition: func(args map[string]interface{}) error {
			if stringArg(args, "search") == "" {
				return fmt.Errorf("search is required")
			}
			return nil
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			root := workspaceRoot(engine.ExecContextFrom(ctx), opts)
			target, err := resolveWorkspacePath(root, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			search := stringArg(args, "search")
			replace := stringArg(args, "replace")
			replaceAll, _ := args["replace_all"].(bool)

			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			content := string(data)

			occurrences := 0
			var updated string
			if replaceAll {
				occurrences = strings.Count(content, search)
				updated = strings.ReplaceAll(content, search, replace)
			} else if idx := strings.Index(content, search); idx >= 0 {
				occurrences = 1
				updated = content[:idx] + replace + content[idx+len(search):]
			}
			if occurrences == 0 {
				return nil, fmt.Errorf("search text not found")
			}

			if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"path":        stringArg(args, "path"),
				"occurrences": occurrences,
			}, nil
		},
	}
}

func listDirTool(opts Options) tool.Definition {
	return tool.Definition{
		Name:        "list_dir",
		Description: "List entries of a workspace directory.",
		Category:    tool.CategoryRead,
		Parameters: []tool.Parameter{
			{Name: "path", Type: "string", Description: "Relative directory path", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			root := workspaceRoot(engine.ExecContextFrom(ctx), opts)
			target, err := resolveWorkspacePath(root, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(target)
			if err != nil {
				return nil, err
			}

			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			sort.Strings(names)

			return map[string]interface{}{
				"path":    stringArg(args, "path"),
				"entries": names,
			}, nil
		},
	}
}

func searchTool(opts Options) tool.Definition {
	return tool.Definition{
		Name:        "search",
		Description: "Search workspace files for a substring.",
		Category:    tool.CategoryRead,
		Parameters: []tool.Parameter{
			{Name: "query", Type: "string", Description: "Substring to search for", Required: true},
			{Name: "path", Type: "string", Description: "Directory to search under", Required: false},
			{Name: "max_results", Type: "number", Description: "Maximum matches returned", Required: false, Default: 100},
		},
		Precondition: func(args map[string]interface{}) error {
			if stringArg(args, "query") == "" {
				return fmt.Errorf("query is required")
			}
			return nil
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			root := workspaceRoot(engine.ExecContextFrom(ctx), opts)
			target, err := resolveWorkspacePath(root, stringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			query := stringArg(args, "query")

			maxResults := 100
			if raw, ok := args["max_results"].(float64); ok && raw > 0 {
				maxResults = int(raw)
			}

			matches, err := searchFiles(ctx, target, query, maxResults)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"query":   query,
				"matches": matches,
			}, nil
		},
	}
}

type searchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// searchFiles walks the tree collecting matching lines, checking for
// cancellation between files. Hidden directories are skipped.
func searchFiles(ctx context.Context, root, query string, maxResults int) ([]searchMatch, error) {
	var matches []searchMatch

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if len(matches) >= maxResults {
			return filepath.SkipAll
		}

		file, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer file.Close()

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if bytes.ContainsRune([]byte(line), 0) {
				// Binary file, move on.
				return nil
			}
			if strings.Contains(line, query) {
				matches = append(matches, searchMatch{Path: rel, Line: lineNo, Text: strings.TrimSpace(line)})
				if len(matches) >= maxResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipAll) {
		return nil, err
	}

	return matches, nil
}

// readFileWithLimit reads at most limit bytes and reports whether the
// file had more.
func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}

	truncated := false
	extra := make([]byte, 1)
	if _, err := file.Read(extra); err == nil {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}
