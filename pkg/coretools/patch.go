package coretools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kodohq/kodo/pkg/engine"
	"github.com/kodohq/kodo/pkg/tool"
)

type hunkLine struct {
	kind byte
	text string
}

type hunk struct {
	start int
	lines []hunkLine
}

type filePatch struct {
	path  string
	hunks []hunk
}

type patchApplyResult struct {
	Path         string `json:"path"`
	Applied      bool   `json:"applied"`
	HunksApplied int    `json:"hunks_applied"`
}

func applyPatchTool(opts Options) tool.Definition {
	return tool.Definition{
		Name:        "apply_patch",
		Description: "Apply a unified diff patch within the workspace.",
		Category:    tool.CategoryWrite,
		Parameters: []tool.Parameter{
			{Name: "patch", Type: "string", Description: "Unified diff patch", Required: true},
		},
		Effect: func(args map[string]interface{}) string {
			patch, _ := args["patch"].(string)
			files := patchedFiles(patch)
			return fmt.Sprintf("apply patch to %s", strings.Join(files, ", "))
		},
		Precondition: func(args map[string]interface{}) error {
			patch, _ := args["patch"].(string)
			if strings.TrimSpace(patch) == "" {
				return fmt.Errorf("patch is required")
			}
			if len(patchedFiles(patch)) == 0 {
				return fmt.Errorf("patch names no files")
			}
			return nil
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			root := workspaceRoot(engine.ExecContextFrom(ctx), opts)
			patch, _ := args["patch"].(string)

			results, err := applyUnifiedPatch(root, patch)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"files": results}, nil
		},
	}
}

// patchedFiles lists the target paths named by +++ headers.
func patchedFiles(patchText string) []string {
	var files []string
	for _, raw := range strings.Split(patchText, "\n") {
		line := strings.TrimRight(raw, "\r")
		if !strings.HasPrefix(line, "+++ ") {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
		path = strings.TrimPrefix(path, "a/")
		path = strings.TrimPrefix(path, "b/")
		if path != "" {
			files = append(files, path)
		}
	}
	return files
}

func parseUnifiedPatch(patchText string) ([]filePatch, error) {
	var patches []filePatch
	var current *filePatch
	var currentHunk *hunk

	for _, raw := range strings.Split(patchText, "\n") {
		line := strings.TrimRight(raw, "\r")
		switch {
		case strings.HasPrefix(line, "--- "):
			continue
		case strings.HasPrefix(line, "+++ "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			path = strings.TrimPrefix(path, "a/")
			path = strings.TrimPrefix(path, "b/")
			if path == "" {
				continue
			}
			patches = append(patches, filePatch{path: path})
			current = &patches[len(patches)-1]
			currentHunk = nil
		case strings.HasPrefix(line, "@@"):
			if current == nil {
				continue
			}
			start, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			current.hunks = append(current.hunks, hunk{start: start})
			currentHunk = &current.hunks[len(current.hunks)-1]
		default:
			if currentHunk == nil || len(line) == 0 {
				continue
			}
			switch line[0] {
			case ' ', '+', '-':
				currentHunk.lines = append(currentHunk.lines, hunkLine{kind: line[0], text: line[1:]})
			}
		}
	}

	return patches, nil
}

func applyUnifiedPatch(workspaceRoot, patchText string) ([]patchApplyResult, error) {
	patches, err := parseUnifiedPatch(patchText)
	if err != nil {
		return nil, err
	}

	results := make([]patchApplyResult, 0, len(patches))
	for _, patch := range patches {
		target, err := resolveWorkspacePath(workspaceRoot, patch.path)
		if err != nil {
			return nil, err
		}

		orig, err := os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}

		newLines, hunksApplied, err := applyHunks(splitLines(string(orig)), patch.hunks)
		if err != nil {
			return nil, fmt.Errorf("patch failed for %s: %w", patch.path, err)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, err
		}
		content := strings.Join(newLines, "\n")
		// New files and files that ended with a newline keep one.
		if len(orig) == 0 || strings.HasSuffix(string(orig), "\n") {
			content += "\n"
		}
		if err := os.WriteFile(target, []byte(content), 0644); err != nil {
			return nil, err
		}

		results = append(results, patchApplyResult{
			Path:         patch.path,
			Applied:      true,
			HunksApplied: hunksApplied,
		})
	}

	return results, nil
}

// parseHunkHeader extracts the original start line from a
// "@@ -start,count +start,count @@" header.
func parseHunkHeader(line string) (int, error) {
	parts := strings.Split(line, " ")
	if len(parts) < 3 {
		return 0, fmt.Errorf("invalid hunk header: %s", line)
	}
	left := strings.TrimPrefix(parts[1], "-")
	start := strings.Split(left, ",")[0]

	var startInt int
	if _, err := fmt.Sscanf(start, "%d", &startInt); err != nil {
		return 0, fmt.Errorf("invalid hunk header: %s", line)
	}
	if startInt < 1 {
		startInt = 1
	}
	return startInt, nil
}

func applyHunks(orig []string, hunks []hunk) ([]string, int, error) {
	out := make([]string, 0, len(orig))
	idx := 0
	applied := 0

	for _, h := range hunks {
		target := h.start - 1
		if target < 0 {
			target = 0
		}
		if target > len(orig) {
			target = len(orig)
		}
		if target < idx {
			return nil, applied, fmt.Errorf("overlapping hunk at line %d", h.start)
		}
		out = append(out, orig[idx:target]...)
		idx = target

		for _, ln := range h.lines {
			switch ln.kind {
			case ' ':
				if idx >= len(orig) || orig[idx] != ln.text {
					return nil, applied, fmt.Errorf("context mismatch at line %d", idx+1)
				}
				out = append(out, orig[idx])
				idx++
			case '-':
				if idx >= len(orig) || orig[idx] != ln.text {
					return nil, applied, fmt.Errorf("delete mismatch at line %d", idx+1)
				}
				idx++
			case '+':
				out = append(out, ln.text)
			}
		}
		applied++
	}

	out = append(out, orig[idx:]...)
	return out, applied, nil
}

func splitLines(content string) []string {
	if content == "" {
		return []string{}
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
