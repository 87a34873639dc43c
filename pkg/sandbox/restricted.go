package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// RestrictedSandbox executes commands in a subprocess with a scrubbed
// environment and working-directory path checks. This is the
// ModeRestricted variant.
type RestrictedSandbox struct {
	config  Config
	running bool
	mu      sync.RWMutex
}

// NewRestrictedSandbox creates a restricted sandbox.
func NewRestrictedSandbox(config Config) (*RestrictedSandbox, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &RestrictedSandbox{config: config}, nil
}

// Start initializes the sandbox.
func (r *RestrictedSandbox) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrSandboxAlreadyRunning
	}

	log.Info().
		Str("mode", string(r.config.Mode)).
		Strs("allowed_paths", r.config.Restricted.AllowedPaths).
		Msg("Starting restricted sandbox")

	r.running = true
	return nil
}

// Stop tears the sandbox down.
func (r *RestrictedSandbox) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return ErrSandboxNotRunning
	}

	log.Info().Msg("Stopping restricted sandbox")
	r.running = false
	return nil
}

// IsRunning returns whether the sandbox is running.
func (r *RestrictedSandbox) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Config returns the sandbox configuration.
func (r *RestrictedSandbox) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// Run launches a command with reduced privileges.
func (r *RestrictedSandbox) Run(ctx context.Context, req Request) (*Execution, error) {
	r.mu.RLock()
	running := r.running
	cfg := r.config
	r.mu.RUnlock()

	if !running {
		return nil, ErrSandboxNotRunning
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}
	if err := checkWorkdir(cfg.Restricted, req.Dir); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = scrubbedEnv(cfg.Restricted, req.Env)

	log.Debug().
		Str("command", req.Command).
		Strs("args", req.Args).
		Str("dir", req.Dir).
		Msg("Running command in restricted sandbox")

	return runStreaming(ctx, cmd, req, cfg.KillGrace)
}

// checkWorkdir enforces the working-directory allow and deny lists.
// Deny wins over allow; an empty allow list admits everything not
// denied.
func checkWorkdir(cfg RestrictedConfig, dir string) error {
	if dir == "" {
		return nil
	}

	clean := filepath.Clean(dir)

	for _, denied := range cfg.DeniedPaths {
		if underPath(clean, denied) {
			return fmt.Errorf("%w: %s", ErrWorkdirDenied, dir)
		}
	}

	if len(cfg.AllowedPaths) == 0 {
		return nil
	}
	for _, allowed := range cfg.AllowedPaths {
		if underPath(clean, allowed) {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrWorkdirDenied, dir)
}

// underPath reports whether path equals root or sits below it. The
// match respects component boundaries, so /etcetera is not under /etc.
func underPath(path, root string) bool {
	root = filepath.Clean(root)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// scrubbedEnv builds a minimal environment: PATH and HOME plus
// allowlisted host variables and per-request overrides.
func scrubbedEnv(cfg RestrictedConfig, overrides map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
	}

	for _, key := range cfg.AllowedEnv {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, fmt.Sprintf("%s=%s", key, value))
		}
	}

	return mergeEnv(env, overrides)
}
