// Package sandbox is the isolation boundary for side-effecting tool
// work. A sandbox runs commands directly on the host, in a restricted
// subprocess, or in an ephemeral container; the variant is chosen once
// per session. Output streams chunk by chunk so long-running commands
// stay observable and cancellable mid-flight.
package sandbox

import (
	"context"
	"time"
)

// Mode selects the isolation variant for a session.
type Mode string

const (
	// ModeNone executes directly in the host environment.
	ModeNone Mode = "none"
	// ModeRestricted executes in a subprocess with a scrubbed
	// environment and filesystem path checks.
	ModeRestricted Mode = "restricted"
	// ModeContainerized executes in an ephemeral Docker container.
	ModeContainerized Mode = "containerized"
)

// Config defines sandbox configuration for one session.
type Config struct {
	// Mode specifies the isolation variant (none, restricted, containerized)
	Mode Mode `json:"mode" yaml:"mode"`

	// Restricted configures the restricted subprocess variant
	Restricted RestrictedConfig `json:"restricted" yaml:"restricted"`

	// Docker configures the containerized variant
	Docker DockerConfig `json:"docker" yaml:"docker"`

	// KillGrace is how long a cancelled process gets between SIGTERM
	// and SIGKILL
	KillGrace time.Duration `json:"kill_grace" yaml:"kill_grace"`
}

// RestrictedConfig defines restrictions for the restricted variant.
type RestrictedConfig struct {
	// AllowedPaths lists working-directory prefixes that may be used
	AllowedPaths []string `json:"allowed_paths" yaml:"allowed_paths"`

	// DeniedPaths lists working-directory prefixes that are rejected
	DeniedPaths []string `json:"denied_paths" yaml:"denied_paths"`

	// AllowedEnv lists host environment variables passed through
	AllowedEnv []string `json:"allowed_env" yaml:"allowed_env"`
}

// DockerConfig defines the containerized variant.
type DockerConfig struct {
	// Image is the container image commands run in
	Image string `json:"image" yaml:"image"`

	// Network is the docker network mode (default "none")
	Network string `json:"network" yaml:"network"`

	// MemoryMB caps container memory, 0 for unlimited
	MemoryMB int `json:"memory_mb" yaml:"memory_mb"`

	// CPUs caps container CPU, 0 for unlimited
	CPUs float64 `json:"cpus" yaml:"cpus"`

	// Workdir is mounted read-write into the container
	Workdir string `json:"workdir" yaml:"workdir"`
}

// Request describes one command to run inside the sandbox.
type Request struct {
	// Command is the executable to run
	Command string `json:"command"`

	// Args are the command arguments
	Args []string `json:"args"`

	// Dir is the working directory
	Dir string `json:"dir"`

	// Env are additional environment variables
	Env map[string]string `json:"env"`

	// Stdin is the standard input
	Stdin []byte `json:"stdin"`
}

// Stream identifies which pipe a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Chunk is one piece of process output, emitted as it arrives.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Result is the terminal outcome of one command. A non-zero exit code
// is data, not an adapter error.
type Result struct {
	// ExitCode is the process exit code
	ExitCode int `json:"exit_code"`

	// Stdout is the accumulated standard output
	Stdout []byte `json:"stdout"`

	// Stderr is the accumulated standard error
	Stderr []byte `json:"stderr"`

	// Duration is the execution duration
	Duration time.Duration `json:"duration"`
}

// Sandbox is the isolation boundary contract.
type Sandbox interface {
	// Start initializes the sandbox. A failure here is fatal to
	// session start.
	Start(ctx context.Context) error

	// Stop tears the sandbox down, killing anything it spawned.
	Stop(ctx context.Context) error

	// IsRunning returns whether the sandbox is running
	IsRunning() bool

	// Run launches a command and returns a live execution. The
	// returned execution streams output and is terminated out-of-band
	// when ctx is cancelled.
	Run(ctx context.Context, req Request) (*Execution, error)

	// Config returns the sandbox configuration
	Config() Config
}

// DefaultConfig returns a default sandbox configuration.
func DefaultConfig() Config {
	return Config{
		Mode: ModeNone,
		Restricted: RestrictedConfig{
			DeniedPaths: []string{"/etc", "/sys", "/proc"},
			AllowedEnv:  []string{"LANG", "TZ", "TERM"},
		},
		Docker: DockerConfig{
			Network:  "none",
			MemoryMB: 512,
		},
		KillGrace: 5 * time.Second,
	}
}

// ValidateConfig validates a sandbox configuration.
func ValidateConfig(cfg Config) error {
	switch cfg.Mode {
	case ModeNone, ModeRestricted, ModeContainerized:
	default:
		return ErrInvalidMode
	}

	if cfg.Mode == ModeContainerized && cfg.Docker.Image == "" {
		return ErrDockerImageRequired
	}
	if cfg.KillGrace < 0 {
		return ErrInvalidKillGrace
	}
	if cfg.Docker.MemoryMB < 0 || cfg.Docker.CPUs < 0 {
		return ErrInvalidResourceLimit
	}

	return nil
}

// New creates the sandbox variant selected by the configuration.
func New(cfg Config) (Sandbox, error) {
	switch cfg.Mode {
	case ModeContainerized:
		return NewDockerSandbox(cfg)
	case ModeRestricted:
		return NewRestrictedSandbox(cfg)
	default:
		return NewHostSandbox(cfg)
	}
}
