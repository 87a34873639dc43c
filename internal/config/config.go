// Package config defines the settings object consumed by the
// execution core. Loading happens once at startup; the core treats the
// result as already validated.
package config

import (
	"fmt"

	"github.com/kodohq/kodo/internal/logger"
	"github.com/kodohq/kodo/pkg/engine"
	"github.com/kodohq/kodo/pkg/mcp"
	"github.com/kodohq/kodo/pkg/permission"
	"github.com/kodohq/kodo/pkg/sandbox"
)

// Config is the root kodo configuration.
type Config struct {
	// Workspace is the root directory tools operate in.
	Workspace string `json:"workspace" yaml:"workspace"`

	// Sandbox selects and configures the isolation boundary.
	Sandbox sandbox.Config `json:"sandbox" yaml:"sandbox"`

	// Permissions configures the auto-approve policy.
	Permissions permission.Policy `json:"permissions" yaml:"permissions"`

	// Servers lists remote MCP tool servers to connect at session start.
	Servers []mcp.ServerConfig `json:"servers" yaml:"servers"`

	// Engine tunes the turn loop.
	Engine engine.Options `json:"engine" yaml:"engine"`

	// Logging configures structured log output.
	Logging logger.Config `json:"logging" yaml:"logging"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Workspace:   ".",
		Sandbox:     sandbox.DefaultConfig(),
		Permissions: permission.DefaultPolicy(),
		Logging: logger.Config{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// Validate checks the configuration for obvious mistakes before a
// session starts.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if err := sandbox.ValidateConfig(c.Sandbox); err != nil {
		return fmt.Errorf("invalid sandbox config: %w", err)
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, server := range c.Servers {
		if server.Name == "" {
			return fmt.Errorf("server name is required")
		}
		if seen[server.Name] {
			return fmt.Errorf("duplicate server name: %s", server.Name)
		}
		seen[server.Name] = true
		if server.Command == "" {
			return fmt.Errorf("server %s: command is required", server.Name)
		}
		if server.CallTimeout < 0 {
			return fmt.Errorf("server %s: call timeout must be >= 0", server.Name)
		}
	}

	if c.Engine.MaxParallel < 0 {
		return fmt.Errorf("engine max_parallel must be >= 0")
	}
	return nil
}
