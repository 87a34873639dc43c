package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager owns the session's isolation boundary. The variant is chosen
// once at session start; the boundary is reused across calls and is an
// exclusive resource, so only one command may run in it at a time.
type Manager struct {
	sb Sandbox

	// execMu serializes use of the reused boundary to avoid
	// interleaved process state.
	execMu sync.Mutex
}

// NewManager creates the sandbox selected by the configuration and
// starts it. A startup failure is fatal to session start and is
// reported, not retried.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	sb, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	if err := sb.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}

	log.Info().Str("mode", string(cfg.Mode)).Msg("Sandbox session started")
	return &Manager{sb: sb}, nil
}

// Run launches a command in the session sandbox. The boundary stays
// exclusively held until the returned execution's Wait completes.
func (m *Manager) Run(ctx context.Context, req Request) (*Execution, error) {
	m.execMu.Lock()

	exe, err := m.sb.Run(ctx, req)
	if err != nil {
		m.execMu.Unlock()
		return nil, err
	}

	exe.release = m.execMu.Unlock
	return exe, nil
}

// RunAndWait runs a command to completion, invoking onChunk for each
// output chunk as it arrives. onChunk may be nil.
func (m *Manager) RunAndWait(ctx context.Context, req Request, onChunk func(Chunk)) (Result, error) {
	exe, err := m.Run(ctx, req)
	if err != nil {
		return Result{}, err
	}

	for chunk := range exe.Output() {
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	return exe.Wait()
}

// Mode returns the active isolation variant.
func (m *Manager) Mode() Mode {
	return m.sb.Config().Mode
}

// Close tears the sandbox down. Any spawned process has already been
// reaped by its execution's Wait.
func (m *Manager) Close(ctx context.Context) error {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	if !m.sb.IsRunning() {
		return nil
	}
	return m.sb.Stop(ctx)
}
