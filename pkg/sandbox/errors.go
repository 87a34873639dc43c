package sandbox

import "errors"

var (
	// ErrInvalidMode is returned when the sandbox mode is invalid
	ErrInvalidMode = errors.New("invalid sandbox mode")

	// ErrInvalidKillGrace is returned when the kill grace period is negative
	ErrInvalidKillGrace = errors.New("invalid kill grace period (must be >= 0)")

	// ErrInvalidResourceLimit is returned when a resource limit is negative
	ErrInvalidResourceLimit = errors.New("invalid resource limit (must be >= 0)")

	// ErrSandboxNotRunning is returned when the sandbox is not running
	ErrSandboxNotRunning = errors.New("sandbox is not running")

	// ErrSandboxAlreadyRunning is returned when the sandbox is already running
	ErrSandboxAlreadyRunning = errors.New("sandbox is already running")

	// ErrEnvironmentLost is returned when the sandbox environment died
	// mid-call (killed container, lost process group). The caller can
	// decide whether to restart the session.
	ErrEnvironmentLost = errors.New("sandbox environment lost")

	// ErrDockerUnavailable is returned when the Docker daemon cannot be reached
	ErrDockerUnavailable = errors.New("docker is not available or not running")

	// ErrDockerImageRequired is returned when containerized mode is
	// selected without an image
	ErrDockerImageRequired = errors.New("docker image is required for containerized mode")

	// ErrWorkdirDenied is returned when the working directory falls
	// outside the restricted sandbox's allowed paths
	ErrWorkdirDenied = errors.New("working directory access denied")
)
