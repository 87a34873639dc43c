package tool

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ConflictError is returned when a tool name is already registered.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("tool already registered: %s", e.Name)
}

// NotFoundError is returned when a tool name cannot be resolved.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// Registry holds all known tools, built-in and remote. Built-in
// registration is strict: a name collision fails with ConflictError
// and leaves the original definition untouched. Remote tools that
// collide with an existing name are namespaced with their server id
// rather than silently overwriting.
//
// Mutations are serialized behind the write lock; reads take a
// consistent snapshot under the read lock.
type Registry struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema

	// builtinOrder preserves registration order for built-ins.
	// serverOrder preserves discovery order of servers, and
	// serverTools preserves discovery order of each server's tools.
	builtinOrder []string
	serverOrder  []string
	serverTools  map[string][]string

	mu sync.RWMutex
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:       make(map[string]*Definition),
		schemas:     make(map[string]*gojsonschema.Schema),
		serverTools: make(map[string][]string),
	}
}

// Register registers a built-in tool. Fails with ConflictError if the
// name is taken.
func (r *Registry) Register(def Definition) error {
	if err := def.validate(); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}
	if def.Category == "" {
		def.Category = CategoryGeneral
	}
	def.Origin = ""

	schema, err := def.compileSchema()
	if err != nil {
		return fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return &ConflictError{Name: def.Name}
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema
	r.builtinOrder = append(r.builtinOrder, def.Name)

	log.Info().Str("tool", def.Name).Str("category", string(def.Category)).Msg("Tool registered")
	return nil
}

// RegisterRemote registers a tool discovered from a remote server. On
// a name collision the tool is namespaced as <server>_<name>; if that
// name is also taken, registration fails with ConflictError.
func (r *Registry) RegisterRemote(serverID string, def Definition) (string, error) {
	if serverID == "" {
		return "", fmt.Errorf("server id is required")
	}
	if err := def.validate(); err != nil {
		return "", fmt.Errorf("invalid tool definition: %w", err)
	}
	if def.Category == "" {
		def.Category = CategoryGeneral
	}
	def.Origin = serverID

	schema, err := def.compileSchema()
	if err != nil {
		return "", fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := def.Name
	if _, exists := r.tools[name]; exists {
		namespaced := serverID + "_" + name
		if _, exists := r.tools[namespaced]; exists {
			return "", &ConflictError{Name: namespaced}
		}
		log.Warn().
			Str("original_name", name).
			Str("prefixed_name", namespaced).
			Str("server", serverID).
			Msg("Remote tool name conflict resolved by prefixing with server id")
		name = namespaced
		def.Name = namespaced
	}

	r.registerServerLocked(serverID, &def, schema)
	log.Info().Str("tool", name).Str("server", serverID).Msg("Remote tool registered")
	return name, nil
}

func (r *Registry) registerServerLocked(serverID string, def *Definition, schema *gojsonschema.Schema) {
	r.tools[def.Name] = def
	r.schemas[def.Name] = schema

	if _, known := r.serverTools[serverID]; !known {
		r.serverOrder = append(r.serverOrder, serverID)
	}
	r.serverTools[serverID] = append(r.serverTools[serverID], def.Name)
}

// Unregister removes a tool by name. Removing an unknown name is a
// no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(name)
	log.Info().Str("tool", name).Msg("Tool unregistered")
}

func (r *Registry) unregisterLocked(name string) {
	def, exists := r.tools[name]
	if !exists {
		return
	}

	delete(r.tools, name)
	delete(r.schemas, name)

	if def.Origin == "" {
		r.builtinOrder = removeName(r.builtinOrder, name)
		return
	}
	r.serverTools[def.Origin] = removeName(r.serverTools[def.Origin], name)
	if len(r.serverTools[def.Origin]) == 0 {
		delete(r.serverTools, def.Origin)
		r.serverOrder = removeName(r.serverOrder, def.Origin)
	}
}

// UnregisterServer removes every tool advertised by a server in one
// atomic step. Used on server disconnect.
func (r *Registry) UnregisterServer(serverID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := append([]string(nil), r.serverTools[serverID]...)
	for _, name := range names {
		delete(r.tools, name)
		delete(r.schemas, name)
	}
	delete(r.serverTools, serverID)
	r.serverOrder = removeName(r.serverOrder, serverID)

	if len(names) > 0 {
		log.Info().Str("server", serverID).Int("count", len(names)).Msg("Server tools unregistered")
	}
	return names
}

// ApplyServerDiff removes and adds a server's tools as one atomic
// transaction, used when a server pushes a tool-list-changed
// notification. Returns the names actually registered.
func (r *Registry) ApplyServerDiff(serverID string, removed []string, added []Definition) ([]string, error) {
	type prepared struct {
		def    Definition
		schema *gojsonschema.Schema
	}

	// Compile schemas before taking the write lock so a bad definition
	// leaves the registry unchanged.
	preparedAdds := make([]prepared, 0, len(added))
	for _, def := range added {
		if err := def.validate(); err != nil {
			return nil, fmt.Errorf("invalid tool definition: %w", err)
		}
		if def.Category == "" {
			def.Category = CategoryGeneral
		}
		def.Origin = serverID
		schema, err := def.compileSchema()
		if err != nil {
			return nil, fmt.Errorf("failed to generate schema for %s: %w", def.Name, err)
		}
		preparedAdds = append(preparedAdds, prepared{def: def, schema: schema})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range removed {
		r.unregisterLocked(name)
	}

	registered := make([]string, 0, len(preparedAdds))
	for _, p := range preparedAdds {
		if _, exists := r.tools[p.def.Name]; exists {
			p.def.Name = serverID + "_" + p.def.Name
			if _, exists := r.tools[p.def.Name]; exists {
				return registered, &ConflictError{Name: p.def.Name}
			}
		}
		def := p.def
		r.registerServerLocked(serverID, &def, p.schema)
		registered = append(registered, def.Name)
	}

	log.Info().
		Str("server", serverID).
		Int("removed", len(removed)).
		Int("added", len(registered)).
		Msg("Server tool list reconciled")
	return registered, nil
}

// Resolve returns the definition for a name, or NotFoundError.
func (r *Registry) Resolve(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.tools[name]
	if !exists {
		return nil, &NotFoundError{Name: name}
	}
	return def, nil
}

// Validate checks arguments against the named tool's schema and
// precondition. Pure: nothing is executed.
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	r.mu.RLock()
	def, exists := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !exists {
		return &NotFoundError{Name: name}
	}
	return validateArgs(def, schema, args)
}

// List returns all tools in stable order: built-ins in registration
// order, then remote tools grouped by server in discovery order.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.tools))
	for _, name := range r.builtinOrder {
		out = append(out, r.tools[name])
	}
	for _, server := range r.serverOrder {
		for _, name := range r.serverTools[server] {
			out = append(out, r.tools[name])
		}
	}
	return out
}

// ServerTools returns the names currently registered for a server, in
// discovery order.
func (r *Registry) ServerTools(serverID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.serverTools[serverID]...)
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func removeName(names []string, target string) []string {
	out := names[:0]
	for _, name := range names {
		if name != target {
			out = append(out, name)
		}
	}
	return out
}
