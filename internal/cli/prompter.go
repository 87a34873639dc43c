package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/kodohq/kodo/pkg/permission"
)

// TerminalPrompter asks for approval on a terminal. It serializes
// prompts so overlapping requests from parallel calls never interleave
// on screen.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

// Prompt displays the request and reads a single-letter answer:
// y (allow once), a (always allow), anything else denies.
func (p *TerminalPrompter) Prompt(ctx context.Context, req permission.Request) (permission.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}

	fmt.Fprintf(p.Out, "\n  Tool %s wants to %s\n", req.Tool, req.Effect)
	if req.Target != "" {
		fmt.Fprintf(p.Out, "  Target: %s\n", req.Target)
	}
	fmt.Fprint(p.Out, "  Allow? [y]es once / [a]lways / [n]o: ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.reader.ReadString('\n')
		ch <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return permission.Response{}, ctx.Err()
	case ans := <-ch:
		if ans.err != nil && ans.line == "" {
			return permission.Response{}, ans.err
		}
		switch strings.ToLower(strings.TrimSpace(ans.line)) {
		case "y", "yes":
			return permission.Response{Decision: permission.DecisionAllowOnce}, nil
		case "a", "always":
			return permission.Response{Decision: permission.DecisionAlwaysAllow}, nil
		default:
			return permission.Response{Decision: permission.DecisionDeny, Reason: "rejected at prompt"}, nil
		}
	}
}
