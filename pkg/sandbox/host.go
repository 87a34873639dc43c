package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// HostSandbox executes commands directly in the host environment with
// no isolation. This is the ModeNone variant.
type HostSandbox struct {
	config  Config
	running bool
	mu      sync.RWMutex
}

// NewHostSandbox creates a host sandbox.
func NewHostSandbox(config Config) (*HostSandbox, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &HostSandbox{config: config}, nil
}

// Start initializes the sandbox.
func (h *HostSandbox) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrSandboxAlreadyRunning
	}

	log.Info().Str("mode", string(h.config.Mode)).Msg("Starting host sandbox")
	h.running = true
	return nil
}

// Stop tears the sandbox down.
func (h *HostSandbox) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrSandboxNotRunning
	}

	log.Info().Msg("Stopping host sandbox")
	h.running = false
	return nil
}

// IsRunning returns whether the sandbox is running.
func (h *HostSandbox) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Config returns the sandbox configuration.
func (h *HostSandbox) Config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Run launches a command on the host.
func (h *HostSandbox) Run(ctx context.Context, req Request) (*Execution, error) {
	h.mu.RLock()
	running := h.running
	cfg := h.config
	h.mu.RUnlock()

	if !running {
		return nil, ErrSandboxNotRunning
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = mergeEnv(os.Environ(), req.Env)

	log.Debug().
		Str("command", req.Command).
		Strs("args", req.Args).
		Str("dir", req.Dir).
		Msg("Running command on host")

	return runStreaming(ctx, cmd, req, cfg.KillGrace)
}

// mergeEnv appends overrides to a base environment.
func mergeEnv(base []string, overrides map[string]string) []string {
	out := append([]string(nil), base...)
	for key, value := range overrides {
		out = append(out, fmt.Sprintf("%s=%s", key, value))
	}
	return out
}
