package mcp

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"

	"github.com/kodohq/kodo/pkg/tool"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	reconnectAttempts  = 5
)

// Manager owns every remote tool server connection for a session and
// mirrors their advertised tools into the registry. Tool identities
// are not assumed stable across reconnects: every (re)connect fetches
// a fresh list.
type Manager struct {
	registry *tool.Registry
	dial     func(cfg ServerConfig) (rpcClient, error)

	conns map[string]*Conn
	// reconciles serializes registry updates per manager so a pushed
	// tool-list change and a disconnect cannot interleave.
	reconciles chan func()

	closed    chan struct{}
	closeOnce sync.Once
}

// NewManager creates a protocol client manager wired to the registry.
func NewManager(registry *tool.Registry) *Manager {
	m := &Manager{
		registry:   registry,
		dial:       dialStdio,
		conns:      make(map[string]*Conn),
		reconciles: make(chan func(), 16),
		closed:     make(chan struct{}),
	}
	go m.reconcileLoop()
	return m
}

func (m *Manager) reconcileLoop() {
	for {
		select {
		case fn := <-m.reconciles:
			fn()
		case <-m.closed:
			return
		}
	}
}

// Connect establishes connections to all configured servers and
// registers their tools. A server that fails to connect is logged and
// skipped; remote tools are additive, not required for session start.
// Connection setup runs on the reconcile goroutine so it never races
// with pushed tool-list updates.
func (m *Manager) Connect(ctx context.Context, servers []ServerConfig) {
	for _, cfg := range servers {
		cfg := cfg
		errChan := make(chan error, 1)
		m.enqueue(func() { errChan <- m.connectServer(ctx, cfg) })

		select {
		case err := <-errChan:
			if err != nil {
				log.Error().Err(err).Str("server", cfg.Name).Msg("Failed to connect MCP server")
			}
		case <-m.closed:
			return
		}
	}
}

func (m *Manager) connectServer(ctx context.Context, cfg ServerConfig) error {
	rpc, err := m.dial(cfg)
	if err != nil {
		return err
	}

	conn, err := newConn(ctx, cfg, rpc)
	if err != nil {
		rpc.Close()
		return err
	}

	defs, err := conn.listTools(ctx)
	if err != nil {
		conn.close(StateErrored)
		return err
	}

	for _, def := range defs {
		if _, err := m.registry.RegisterRemote(cfg.Name, def); err != nil {
			log.Error().Err(err).Str("server", cfg.Name).Str("tool", def.Name).Msg("Failed to register remote tool")
		}
	}

	rpc.OnNotification(func(notification mcp.JSONRPCNotification) {
		if notification.Method != toolListChangedMethod {
			return
		}
		m.enqueue(func() { m.refreshServer(cfg.Name) })
	})

	m.conns[cfg.Name] = conn
	log.Info().Str("server", cfg.Name).Int("tools", len(defs)).Msg("MCP server tools registered")
	return nil
}

func (m *Manager) enqueue(fn func()) {
	select {
	case m.reconciles <- fn:
	case <-m.closed:
	}
}

// refreshServer re-fetches a server's tool list and applies the
// added/removed diff to the registry as one transaction.
func (m *Manager) refreshServer(name string) {
	conn, ok := m.conns[name]
	if !ok || conn.State() != StateReady {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	previous := m.registry.ServerTools(name)
	defs, err := conn.listTools(ctx)
	if err != nil {
		log.Error().Err(err).Str("server", name).Msg("Tool list refresh failed, treating server as lost")
		m.dropServer(name, StateErrored)
		return
	}

	removed, added := diffTools(previous, name, defs)
	if len(removed) == 0 && len(added) == 0 {
		return
	}

	if _, err := m.registry.ApplyServerDiff(name, removed, added); err != nil {
		log.Error().Err(err).Str("server", name).Msg("Failed to reconcile server tool list")
	}
}

// diffTools computes which registered names disappeared and which
// definitions are new. Registered names may carry the server prefix
// from collision namespacing, so both forms are matched.
func diffTools(registered []string, serverID string, current []tool.Definition) (removed []string, added []tool.Definition) {
	currentNames := make(map[string]bool, len(current))
	for _, def := range current {
		currentNames[def.Name] = true
	}

	keep := make(map[string]bool, len(registered))
	for _, name := range registered {
		remoteName := name
		if len(name) > len(serverID)+1 && name[:len(serverID)+1] == serverID+"_" {
			remoteName = name[len(serverID)+1:]
		}
		if currentNames[remoteName] {
			keep[remoteName] = true
		} else {
			removed = append(removed, name)
		}
	}

	for _, def := range current {
		if !keep[def.Name] {
			added = append(added, def)
		}
	}
	return removed, added
}

// dropServer tears one connection down and removes its tools from the
// registry atomically with the disconnect. In-flight calls through it
// resolve with ErrServerDisconnected.
func (m *Manager) dropServer(name string, state State) {
	conn, ok := m.conns[name]
	if !ok {
		return
	}

	conn.close(state)
	delete(m.conns, name)
	gone := m.registry.UnregisterServer(name)

	log.Warn().Str("server", name).Int("tools_removed", len(gone)).Msg("MCP server disconnected")

	if conn.cfg.Reconnect && state == StateErrored {
		go m.reconnect(conn.cfg)
	}
}

// Disconnect drops a server connection and its tools.
func (m *Manager) Disconnect(name string) {
	done := make(chan struct{})
	m.enqueue(func() {
		m.dropServer(name, StateClosed)
		close(done)
	})
	select {
	case <-done:
	case <-m.closed:
	}
}

// reconnect retries a lost server with exponential backoff. On success
// the tool list is fetched fresh and re-registered.
func (m *Manager) reconnect(cfg ServerConfig) {
	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		select {
		case <-time.After(delay):
		case <-m.closed:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		errChan := make(chan error, 1)
		m.enqueue(func() { errChan <- m.connectServer(ctx, cfg) })

		select {
		case err := <-errChan:
			cancel()
			if err == nil {
				log.Info().Str("server", cfg.Name).Int("attempt", attempt).Msg("MCP server reconnected")
				return
			}
			log.Warn().Err(err).Str("server", cfg.Name).Int("attempt", attempt).Msg("Reconnect attempt failed")
		case <-m.closed:
			cancel()
			return
		}

		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
	log.Error().Str("server", cfg.Name).Msg("Giving up reconnecting to MCP server")
}

// States reports the connection state per server.
func (m *Manager) States() map[string]State {
	out := make(map[string]State)
	done := make(chan struct{})
	m.enqueue(func() {
		for name, conn := range m.conns {
			out[name] = conn.State()
		}
		close(done)
	})
	select {
	case <-done:
	case <-m.closed:
	}
	return out
}

// Close tears down every connection and unregisters all remote tools.
// Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		done := make(chan struct{})
		m.enqueue(func() {
			for name := range m.conns {
				m.dropServer(name, StateClosed)
			}
			close(done)
		})
		<-done
		close(m.closed)
	})
}
