package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Category represents a category of tools
type Category string

const (
	CategoryRead    Category = "read"
	CategoryWrite   Category = "write"
	CategoryShell   Category = "shell"
	CategoryWeb     Category = "web"
	CategoryGeneral Category = "general"
)

// AllCategories returns all valid tool categories
func AllCategories() []Category {
	return []Category{
		CategoryRead,
		CategoryWrite,
		CategoryShell,
		CategoryWeb,
		CategoryGeneral,
	}
}

// IsValidCategory checks if a category is valid
func IsValidCategory(category string) bool {
	cat := Category(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}

// SideEffecting reports whether tools in this category mutate
// filesystem, network, or process state. Read-only categories are
// eligible for permission auto-approval.
func (c Category) SideEffecting() bool {
	switch c {
	case CategoryRead:
		return false
	default:
		return true
	}
}

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution. The context
// carries the cancellation signal; handlers must stop promptly when it
// fires.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// EffectFunc renders a human-readable summary of what an invocation
// would do, shown to the user by the permission engine.
type EffectFunc func(args map[string]interface{}) string

// TargetFunc extracts the normalized permission target from the
// arguments (file path, command prefix). Optional; tools without one
// are keyed by tool name alone.
type TargetFunc func(args map[string]interface{}) string

// Definition defines a tool's metadata and handler
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Category    Category    `json:"category"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`

	// Origin is empty for built-in tools and holds the server id for
	// tools discovered from a remote MCP server.
	Origin string `json:"origin,omitempty"`

	// Exclusive tools hold a session-wide resource and never run
	// concurrently with other calls in the same turn.
	Exclusive bool `json:"exclusive,omitempty"`

	// Effect renders the approval prompt summary. Optional.
	Effect EffectFunc `json:"-"`

	// Target extracts the permission target from arguments. Optional.
	Target TargetFunc `json:"-"`

	// Precondition runs after schema validation and may reject
	// arguments for tool-specific reasons. Must be side-effect free.
	Precondition func(args map[string]interface{}) error `json:"-"`
}

// Remote reports whether the tool was discovered from a remote server.
func (d *Definition) Remote() bool {
	return d.Origin != ""
}

// DescribeEffect returns a human-readable summary of what executing
// the tool with the given arguments would do.
func (d *Definition) DescribeEffect(args map[string]interface{}) string {
	if d.Effect != nil {
		return d.Effect(args)
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s()", d.Name)
	}
	return fmt.Sprintf("%s(%s)", d.Name, strings.Join(parts, ", "))
}

// PermissionTarget returns the normalized target used to key
// remembered permission decisions.
func (d *Definition) PermissionTarget(args map[string]interface{}) string {
	if d.Target == nil {
		return ""
	}
	return d.Target(args)
}

// validate checks the definition itself at registration time.
func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if d.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if d.Category != "" && !IsValidCategory(string(d.Category)) {
		return fmt.Errorf("invalid category %s for tool %s", d.Category, d.Name)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range d.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// compileSchema generates a JSON Schema from the tool parameters.
func (d *Definition) compileSchema() (*gojsonschema.Schema, error) {
	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           make(map[string]interface{}),
	}

	properties := schemaMap["properties"].(map[string]interface{})
	required := []string{}

	for _, param := range d.Parameters {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

// ValidationError reports arguments that failed schema conformance or
// a tool precondition. It is local to the call and never retried.
type ValidationError struct {
	Tool   string
	Causes []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %s", e.Tool, strings.Join(e.Causes, "; "))
}

// validateArgs validates arguments against a compiled schema and the
// tool precondition. Pure: no side effects are attempted.
func validateArgs(d *Definition, schema *gojsonschema.Schema, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}

	if schema != nil {
		result, err := schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return &ValidationError{Tool: d.Name, Causes: []string{err.Error()}}
		}
		if !result.Valid() {
			causes := make([]string, 0, len(result.Errors()))
			for _, resultErr := range result.Errors() {
				causes = append(causes, resultErr.String())
			}
			return &ValidationError{Tool: d.Name, Causes: causes}
		}
	}

	if d.Precondition != nil {
		if err := d.Precondition(args); err != nil {
			return &ValidationError{Tool: d.Name, Causes: []string{err.Error()}}
		}
	}

	return nil
}
