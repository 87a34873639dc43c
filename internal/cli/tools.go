package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kodohq/kodo/pkg/coretools"
	"github.com/kodohq/kodo/pkg/engine"
	"github.com/kodohq/kodo/pkg/sandbox"
)

// toolsCmd lists every tool a session would expose, built-ins first,
// then remote tools grouped by server.
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List available tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, lg, err := loadConfig()
		if err != nil {
			return err
		}
		defer lg.Close()

		// MCP servers are connected so their advertised tools show up;
		// no sandbox is started for a listing.
		cfg.Sandbox.Mode = sandbox.ModeNone
		opts := engine.SessionOptions{
			WorkspaceRoot: cfg.Workspace,
			Sandbox:       cfg.Sandbox,
			Servers:       cfg.Servers,
			Policy:        cfg.Permissions,
			Engine:        cfg.Engine,
		}

		session, err := engine.NewSession(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer session.Close(context.Background())

		if err := coretools.Register(session.Registry, coretools.Options{WorkspaceRoot: cfg.Workspace}); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCATEGORY\tORIGIN\tDESCRIPTION")
		for _, def := range session.Registry.List() {
			origin := def.Origin
			if origin == "" {
				origin = "builtin"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.Name, def.Category, origin, def.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}
