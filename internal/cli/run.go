package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kodohq/kodo/internal/config"
	"github.com/kodohq/kodo/internal/logger"
	"github.com/kodohq/kodo/pkg/coretools"
	"github.com/kodohq/kodo/pkg/engine"
	"github.com/kodohq/kodo/pkg/permission"
)

var autoApprove bool

// runCmd drives the execution core from standard input: each line is
// one turn, a JSON array of tool calls, answered with a JSON array of
// results on standard output. The conversation driver (model client)
// sits on the other side of this pipe.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the tool execution core, reading turns from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lg, err := loadConfig()
		if err != nil {
			return err
		}
		defer lg.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := engine.SessionOptions{
			WorkspaceRoot: cfg.Workspace,
			Sandbox:       cfg.Sandbox,
			Servers:       cfg.Servers,
			Policy:        cfg.Permissions,
			Engine:        cfg.Engine,
		}

		// Turns arrive on stdin, so approval prompts go through the
		// controlling terminal. Without one, anything needing approval
		// is denied.
		if tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0); err == nil {
			defer tty.Close()
			opts.Prompter = &TerminalPrompter{In: tty, Out: tty}
		}
		if autoApprove {
			opts.Prompter = permission.PrompterFunc(func(ctx context.Context, req permission.Request) (permission.Response, error) {
				return permission.Response{Decision: permission.DecisionAllowOnce}, nil
			})
		}

		session, err := engine.NewSession(ctx, opts)
		if err != nil {
			return err
		}
		defer session.Close(context.Background())

		if err := coretools.Register(session.Registry, coretools.Options{WorkspaceRoot: cfg.Workspace}); err != nil {
			return err
		}

		return serveTurns(ctx, session, os.Stdin, os.Stdout)
	},
}

// serveTurns reads one JSON turn per line and writes one JSON result
// array per turn, in call-issue order.
func serveTurns(ctx context.Context, session *engine.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	encoder := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var calls []engine.Call
		if err := json.Unmarshal(line, &calls); err != nil {
			log.Error().Err(err).Msg("Malformed turn input")
			fmt.Fprintf(os.Stderr, "malformed turn: %v\n", err)
			continue
		}

		results := session.RunTurn(ctx, calls)
		if err := encoder.Encode(results); err != nil {
			return fmt.Errorf("failed to write results: %w", err)
		}
	}
	return scanner.Err()
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, lg, nil
}

func init() {
	runCmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "approve every tool call without prompting")
	rootCmd.AddCommand(runCmd)
}
