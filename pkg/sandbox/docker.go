package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CheckDocker verifies that the Docker daemon is available and responsive.
func CheckDocker() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "-q")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrDockerUnavailable, err)
	}
	return nil
}

// DockerSandbox executes commands in ephemeral Docker containers. This
// is the ModeContainerized variant.
type DockerSandbox struct {
	config  Config
	running bool
	mu      sync.RWMutex
}

// NewDockerSandbox creates a Docker-based sandbox.
func NewDockerSandbox(config Config) (*DockerSandbox, error) {
	if config.Mode == "" {
		config.Mode = ModeContainerized
	}
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &DockerSandbox{config: config}, nil
}

// Start verifies the Docker daemon and marks the sandbox running. A
// failure here is fatal to session start, not retried.
func (d *DockerSandbox) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrSandboxAlreadyRunning
	}
	if err := CheckDocker(); err != nil {
		return err
	}

	log.Info().
		Str("mode", string(d.config.Mode)).
		Str("image", d.config.Docker.Image).
		Msg("Starting docker sandbox")

	d.running = true
	return nil
}

// Stop marks the sandbox as stopped.
func (d *DockerSandbox) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return ErrSandboxNotRunning
	}

	log.Info().Msg("Stopping docker sandbox")
	d.running = false
	return nil
}

// IsRunning returns whether the sandbox is running.
func (d *DockerSandbox) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Config returns the sandbox configuration.
func (d *DockerSandbox) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// Run launches a command inside an ephemeral container. Cancellation
// kills the `docker run` client, which tears the container down via
// --rm.
func (d *DockerSandbox) Run(ctx context.Context, req Request) (*Execution, error) {
	d.mu.RLock()
	running := d.running
	cfg := d.config
	d.mu.RUnlock()

	if !running {
		return nil, ErrSandboxNotRunning
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	args := buildDockerRunArgs(cfg.Docker, req)
	cmd := exec.CommandContext(ctx, "docker", args...)

	log.Debug().
		Str("image", cfg.Docker.Image).
		Str("command", req.Command).
		Strs("args", req.Args).
		Msg("Running command in docker sandbox")

	return runStreaming(ctx, cmd, req, cfg.KillGrace)
}

// buildDockerRunArgs assembles the `docker run` invocation for one
// request.
func buildDockerRunArgs(cfg DockerConfig, req Request) []string {
	args := []string{"run", "--rm", "-i", "--init"}

	network := cfg.Network
	if network == "" {
		network = "none"
	}
	args = append(args, "--network", network)

	if cfg.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(cfg.MemoryMB)+"m")
	}
	if cfg.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(cfg.CPUs, 'f', -1, 64))
	}

	if cfg.Workdir != "" {
		args = append(args, "-v", cfg.Workdir+":"+cfg.Workdir)
	}
	if req.Dir != "" {
		args = append(args, "-w", req.Dir)
	}

	// Deterministic env ordering keeps the invocation reproducible.
	keys := make([]string, 0, len(req.Env))
	for key := range req.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-e", key+"="+req.Env[key])
	}

	args = append(args, cfg.Image, req.Command)
	args = append(args, req.Args...)
	return args
}
